// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package branch

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
	"github.com/dot-do/gitx/pkg/cell/refs"
	"github.com/dot-do/gitx/pkg/cell/store"
)

type harness struct {
	branches *Manager
	refs     *refs.Store
	objects  *store.Store
	seq      int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "cell.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	objects, err := store.Open(ctx, db, bulk.NewMemory(), nil)
	require.NoError(t, err)
	t.Cleanup(objects.Close)
	rs, err := refs.Open(ctx, db, objects)
	require.NoError(t, err)
	m, err := Open(ctx, db, rs, objects)
	require.NoError(t, err)
	return &harness{branches: m, refs: rs, objects: objects}
}

func (h *harness) commit(t *testing.T, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	ctx := context.Background()
	h.seq++
	blob, err := h.objects.PutBlob(ctx, []byte(fmt.Sprintf("file %d\n", h.seq)))
	require.NoError(t, err)
	tree, err := h.objects.PutTree(ctx, []*gitobj.TreeEntry{{Mode: gitobj.ModeBlob, Name: "f", Hash: blob}})
	require.NoError(t, err)
	who := gitobj.Signature{Name: "dev", Email: "dev@dot.do", When: time.Unix(1700000000+int64(h.seq), 0).In(time.UTC)}
	oid, err := h.objects.PutCommit(ctx, &gitobj.Commit{
		Tree: tree, Parents: parents, Author: who, Committer: who,
		Message: fmt.Sprintf("commit %d\n", h.seq),
	})
	require.NoError(t, err)
	return oid
}

// checkout seeds main at sha and points HEAD at it.
func (h *harness) checkout(t *testing.T, sha plumbing.Hash) {
	t.Helper()
	ctx := context.Background()
	err := h.refs.UpdateRef(ctx, plumbing.Mainline, sha, &refs.UpdateOptions{Create: true})
	if refs.IsErrReferenceExists(err) {
		err = h.refs.UpdateRef(ctx, plumbing.Mainline, sha, nil)
	}
	require.NoError(t, err)
	require.NoError(t, h.refs.UpdateHead(ctx, plumbing.Mainline.String(), true, nil))
}

func TestCreateStartPoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c1 := h.commit(t)
	h.checkout(t, c1)

	fromHead, err := h.branches.Create(ctx, "from-head", "", false)
	require.NoError(t, err)
	assert.Equal(t, c1, fromHead.Sha)

	fromSha, err := h.branches.Create(ctx, "from-sha", c1.String(), false)
	require.NoError(t, err)
	assert.Equal(t, c1, fromSha.Sha)

	fromBranch, err := h.branches.Create(ctx, "from-branch", "main", false)
	require.NoError(t, err)
	assert.Equal(t, c1, fromBranch.Sha)

	_, err = h.branches.Create(ctx, "bogus", "no-such-thing", false)
	assert.True(t, IsErrInvalidStartPoint(err))

	_, err = h.branches.Create(ctx, "ghost", "ce013625030ba8dba906f756967f9e9ca394464a", false)
	assert.True(t, IsErrInvalidStartPoint(err))

	_, err = h.branches.Create(ctx, "-bad", "", false)
	assert.True(t, plumbing.IsErrBadReferenceName(err))

	_, err = h.branches.Create(ctx, "from-head", "", false)
	assert.True(t, refs.IsErrReferenceExists(err))
}

func TestDeletePolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c1 := h.commit(t)
	c2 := h.commit(t, c1)
	h.checkout(t, c2)

	err := h.branches.Delete(ctx, "main", false)
	assert.True(t, IsErrCannotDeleteCurrent(err))

	// A branch at an ancestor of HEAD is merged.
	_, err = h.branches.Create(ctx, "merged", c1.String(), false)
	require.NoError(t, err)
	require.NoError(t, h.branches.Delete(ctx, "merged", false))

	// A branch that forked off is not.
	side := h.commit(t, c1)
	_, err = h.branches.Create(ctx, "side", side.String(), false)
	require.NoError(t, err)
	err = h.branches.Delete(ctx, "side", false)
	assert.True(t, IsErrBranchNotMerged(err))
	require.NoError(t, h.branches.Delete(ctx, "side", true))

	err = h.branches.Delete(ctx, "side", true)
	assert.True(t, IsErrBranchNotFound(err))
}

func TestRenameTransfersHeadAndTracking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c1 := h.commit(t)
	h.checkout(t, c1)
	require.NoError(t, h.refs.UpdateRef(ctx, plumbing.NewRemoteReferenceName("origin", "main"), c1, &refs.UpdateOptions{Create: true}))
	require.NoError(t, h.branches.SetUpstream(ctx, "main", "origin", "main"))

	require.NoError(t, h.branches.Rename(ctx, "main", "trunk", false))

	current, err := h.branches.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "trunk", current.Name)
	assert.True(t, current.IsCurrent)
	require.NotNil(t, current.Tracking)
	assert.Equal(t, "origin", current.Tracking.Remote)

	_, err = h.branches.Get(ctx, "main")
	assert.True(t, IsErrBranchNotFound(err))
}

func TestIsMergedAndAheadBehind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	base := h.commit(t)
	ours := h.commit(t, base)
	ours2 := h.commit(t, ours)
	theirs := h.commit(t, base)
	h.checkout(t, ours2)
	_, err := h.branches.Create(ctx, "feature", theirs.String(), false)
	require.NoError(t, err)

	merged, err := h.branches.IsMerged(ctx, "feature", "main")
	require.NoError(t, err)
	assert.False(t, merged)

	ahead, behind, err := h.branches.AheadBehind(ctx, ours2, theirs)
	require.NoError(t, err)
	assert.Equal(t, 2, ahead)
	assert.Equal(t, 1, behind)
}

func TestTrackingGone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c1 := h.commit(t)
	h.checkout(t, c1)
	require.NoError(t, h.refs.UpdateRef(ctx, plumbing.NewRemoteReferenceName("origin", "main"), c1, &refs.UpdateOptions{Create: true}))
	require.NoError(t, h.branches.SetUpstream(ctx, "main", "origin", "main"))

	tr, err := h.branches.RefreshTracking(ctx, "main")
	require.NoError(t, err)
	assert.False(t, tr.Gone)
	assert.Zero(t, tr.Ahead)
	assert.Zero(t, tr.Behind)

	require.NoError(t, h.refs.DeleteRef(ctx, plumbing.NewRemoteReferenceName("origin", "main"), nil))
	tr, err = h.branches.RefreshTracking(ctx, "main")
	require.NoError(t, err)
	assert.True(t, tr.Gone)

	require.NoError(t, h.branches.UnsetUpstream(ctx, "main"))
	b, err := h.branches.Get(ctx, "main")
	require.NoError(t, err)
	assert.Nil(t, b.Tracking)
}

func TestListMarksRemoteAndCurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c1 := h.commit(t)
	h.checkout(t, c1)
	_, err := h.branches.Create(ctx, "dev", "", false)
	require.NoError(t, err)
	require.NoError(t, h.refs.UpdateRef(ctx, plumbing.NewRemoteReferenceName("origin", "main"), c1, &refs.UpdateOptions{Create: true}))

	all, err := h.branches.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	byName := map[string]*Branch{}
	for _, b := range all {
		byName[b.Ref] = b
	}
	assert.True(t, byName["refs/heads/main"].IsCurrent)
	assert.False(t, byName["refs/heads/dev"].IsCurrent)
	assert.True(t, byName["refs/remotes/origin/main"].IsRemote)
}
