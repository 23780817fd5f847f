// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dot-do/gitx/modules/bulk"
	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/dot-do/gitx/pkg/cell/store"
)

func newTestRefs(t *testing.T) (*Store, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "cell.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	objects, err := store.Open(ctx, db, bulk.NewMemory(), nil)
	require.NoError(t, err)
	t.Cleanup(objects.Close)

	s, err := Open(ctx, db, objects)
	require.NoError(t, err)
	return s, objects
}

var commitSeq int

func makeCommit(t *testing.T, objects *store.Store, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	ctx := context.Background()
	commitSeq++
	blob, err := objects.PutBlob(ctx, []byte(fmt.Sprintf("content %d\n", commitSeq)))
	require.NoError(t, err)
	tree, err := objects.PutTree(ctx, []*gitobj.TreeEntry{{Mode: gitobj.ModeBlob, Name: "f", Hash: blob}})
	require.NoError(t, err)
	who := gitobj.Signature{Name: "dev", Email: "dev@dot.do", When: time.Unix(1700000000+int64(commitSeq), 0).In(time.UTC)}
	oid, err := objects.PutCommit(ctx, &gitobj.Commit{
		Tree:      tree,
		Parents:   parents,
		Author:    who,
		Committer: who,
		Message:   fmt.Sprintf("commit %d\n", commitSeq),
	})
	require.NoError(t, err)
	return oid
}

func TestUpdateRefCreateAndGet(t *testing.T) {
	s, objects := newTestRefs(t)
	ctx := context.Background()

	c1 := makeCommit(t, objects)
	name := plumbing.Mainline
	require.NoError(t, s.UpdateRef(ctx, name, c1, &UpdateOptions{Create: true}))

	ref, err := s.GetRef(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, c1, ref.Hash())

	log, err := s.Reflog(ctx, name, 10)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.True(t, log[0].OldSha.IsZero())
	assert.Equal(t, c1, log[0].NewSha)
	assert.Equal(t, "create", log[0].Reason)
}

func TestUpdateRefCASConflict(t *testing.T) {
	s, objects := newTestRefs(t)
	ctx := context.Background()

	c1 := makeCommit(t, objects)
	c2 := makeCommit(t, objects, c1)
	name := plumbing.Mainline
	require.NoError(t, s.UpdateRef(ctx, name, c1, &UpdateOptions{Create: true}))

	stale := makeCommit(t, objects)
	err := s.UpdateRef(ctx, name, c2, &UpdateOptions{ExpectedOld: &stale})
	assert.True(t, IsErrReferenceChanged(err))

	require.NoError(t, s.UpdateRef(ctx, name, c2, &UpdateOptions{ExpectedOld: &c1}))
	ref, err := s.GetRef(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, c2, ref.Hash())

	// The reflog chains: each entry's old sha is the previous new sha.
	log, err := s.Reflog(ctx, name, 10)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, log[1].NewSha, log[0].OldSha)
}

func TestUpdateRefTargetMustExist(t *testing.T) {
	s, _ := newTestRefs(t)

	ghost := plumbing.NewHash("ce013625030ba8dba906f756967f9e9ca394464a")
	err := s.UpdateRef(context.Background(), plumbing.Mainline, ghost, &UpdateOptions{Create: true})
	assert.True(t, plumbing.IsNoSuchObject(err))
}

func TestUpdateRefExistenceModes(t *testing.T) {
	s, objects := newTestRefs(t)
	ctx := context.Background()

	c1 := makeCommit(t, objects)
	name := plumbing.NewBranchReferenceName("feature")
	require.NoError(t, s.UpdateRef(ctx, name, c1, &UpdateOptions{Create: true}))

	err := s.UpdateRef(ctx, name, c1, &UpdateOptions{Create: true})
	assert.True(t, IsErrReferenceExists(err))

	err = s.UpdateRef(ctx, plumbing.NewBranchReferenceName("absent"), c1, nil)
	assert.True(t, IsErrReferenceNotFound(err))

	err = s.UpdateRef(ctx, plumbing.ReferenceName("refs/heads/bad..name"), c1, &UpdateOptions{Create: true})
	assert.True(t, plumbing.IsErrBadReferenceName(err))
}

func TestListRefsLexicographic(t *testing.T) {
	s, objects := newTestRefs(t)
	ctx := context.Background()

	c1 := makeCommit(t, objects)
	for _, name := range []string{"refs/heads/zeta", "refs/heads/alpha", "refs/tags/v1", "refs/heads/beta"} {
		require.NoError(t, s.UpdateRef(ctx, plumbing.ReferenceName(name), c1, &UpdateOptions{Create: true}))
	}

	heads, err := s.ListRefs(ctx, "refs/heads/")
	require.NoError(t, err)
	require.Len(t, heads, 3)
	assert.Equal(t, "refs/heads/alpha", heads[0].Name().String())
	assert.Equal(t, "refs/heads/beta", heads[1].Name().String())
	assert.Equal(t, "refs/heads/zeta", heads[2].Name().String())

	all, err := s.ListRefs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestResolveRefSymbolicChainAndCycle(t *testing.T) {
	s, objects := newTestRefs(t)
	ctx := context.Background()

	c1 := makeCommit(t, objects)
	require.NoError(t, s.UpdateRef(ctx, plumbing.Mainline, c1, &UpdateOptions{Create: true}))
	require.NoError(t, s.UpdateHead(ctx, plumbing.Mainline.String(), true, nil))

	name, sha, err := s.ResolveRef(ctx, plumbing.HEAD)
	require.NoError(t, err)
	assert.Equal(t, plumbing.Mainline, name)
	assert.Equal(t, c1, sha)

	// Manufacture a loop directly in the table.
	_, err = s.db.Exec("insert into refs(name, target, type, updated_at) values('refs/heads/a','refs/heads/b','symbolic',0),('refs/heads/b','refs/heads/a','symbolic',0)")
	require.NoError(t, err)
	_, _, err = s.ResolveRef(ctx, plumbing.ReferenceName("refs/heads/a"))
	assert.True(t, IsErrSymrefCycle(err))
}

func TestProtectionPreventDeletionAndForcePush(t *testing.T) {
	s, objects := newTestRefs(t)
	ctx := context.Background()

	c1 := makeCommit(t, objects)
	c2 := makeCommit(t, objects, c1)
	require.NoError(t, s.UpdateRef(ctx, plumbing.Mainline, c2, &UpdateOptions{Create: true}))

	require.NoError(t, s.PutProtection(ctx, &ProtectionRule{
		Pattern:          "main",
		PreventForcePush: true,
		PreventDeletion:  true,
		Enabled:          true,
	}))

	err := s.DeleteRef(ctx, plumbing.Mainline, nil)
	assert.True(t, IsErrProtectedReference(err))

	// Rewinding main to its parent is not a fast-forward.
	err = s.UpdateRef(ctx, plumbing.Mainline, c1, &UpdateOptions{Force: true})
	assert.True(t, IsErrProtectedReference(err))

	// Advancing to a descendant is.
	c3 := makeCommit(t, objects, c2)
	require.NoError(t, s.UpdateRef(ctx, plumbing.Mainline, c3, nil))

	// An unprotected branch still deletes.
	require.NoError(t, s.UpdateRef(ctx, plumbing.NewBranchReferenceName("scratch"), c1, &UpdateOptions{Create: true}))
	require.NoError(t, s.DeleteRef(ctx, plumbing.NewBranchReferenceName("scratch"), nil))
}

func TestProtectionRequiredReviews(t *testing.T) {
	s, objects := newTestRefs(t)
	ctx := context.Background()

	c1 := makeCommit(t, objects)
	c2 := makeCommit(t, objects, c1)
	require.NoError(t, s.UpdateRef(ctx, plumbing.Mainline, c1, &UpdateOptions{Create: true}))
	require.NoError(t, s.PutProtection(ctx, &ProtectionRule{
		Pattern:         "main",
		RequiredReviews: 2,
		Enabled:         true,
	}))

	err := s.UpdateRef(ctx, plumbing.Mainline, c2, &UpdateOptions{ApprovalCount: 1})
	assert.True(t, IsErrReviewsMissing(err))
	require.NoError(t, s.UpdateRef(ctx, plumbing.Mainline, c2, &UpdateOptions{ApprovalCount: 2}))
}

func TestProtectionGlobAndPriority(t *testing.T) {
	s, objects := newTestRefs(t)
	ctx := context.Background()

	c1 := makeCommit(t, objects)
	require.NoError(t, s.UpdateRef(ctx, plumbing.NewBranchReferenceName("release/1.0"), c1, &UpdateOptions{Create: true}))

	require.NoError(t, s.PutProtection(ctx, &ProtectionRule{Pattern: "release/*", PreventDeletion: true, Enabled: true, Priority: 1}))
	require.NoError(t, s.PutProtection(ctx, &ProtectionRule{Pattern: "release/1.0", Enabled: true, Priority: 5}))

	// The higher-priority exact rule wins and it allows deletion.
	require.NoError(t, s.DeleteRef(ctx, plumbing.NewBranchReferenceName("release/1.0"), nil))

	rules, err := s.ListProtections(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "release/1.0", rules[0].Pattern)

	require.NoError(t, s.RemoveProtection(ctx, "release/1.0"))
	rules, err = s.ListProtections(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestUpdateHeadDetached(t *testing.T) {
	s, objects := newTestRefs(t)
	ctx := context.Background()

	c1 := makeCommit(t, objects)
	require.NoError(t, s.UpdateHead(ctx, c1.String(), false, nil))

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, plumbing.HashReference, head.Type())
	assert.Equal(t, c1, head.Hash())
}

func TestReadPackedRefsEmpty(t *testing.T) {
	s, _ := newTestRefs(t)
	packed, err := s.ReadPackedRefs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, packed)
}
