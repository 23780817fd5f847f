// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dot-do/gitx/modules/bulk"
	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/gitobj/pack"
	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/dot-do/gitx/modules/plumbing/format/pktline"
	"github.com/dot-do/gitx/pkg/cell/refs"
	"github.com/dot-do/gitx/pkg/cell/store"
)

type cell struct {
	server  *Server
	objects *store.Store
	refs    *refs.Store
	seq     int
}

func newCell(t *testing.T) *cell {
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
	return &cell{server: NewServer(objects, rs), objects: objects, refs: rs}
}

func (c *cell) commit(t *testing.T, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	ctx := context.Background()
	c.seq++
	blob, err := c.objects.PutBlob(ctx, []byte(fmt.Sprintf("payload %d\n", c.seq)))
	require.NoError(t, err)
	tree, err := c.objects.PutTree(ctx, []*gitobj.TreeEntry{{Mode: gitobj.ModeBlob, Name: "f", Hash: blob}})
	require.NoError(t, err)
	who := gitobj.Signature{Name: "dev", Email: "dev@dot.do", When: time.Unix(1700000000+int64(c.seq), 0).In(time.UTC)}
	oid, err := c.objects.PutCommit(ctx, &gitobj.Commit{
		Tree: tree, Parents: parents, Author: who, Committer: who,
		Message: fmt.Sprintf("commit %d\n", c.seq),
	})
	require.NoError(t, err)
	return oid
}

func (c *cell) setRef(t *testing.T, name plumbing.ReferenceName, sha plumbing.Hash) {
	t.Helper()
	ctx := context.Background()
	err := c.refs.UpdateRef(ctx, name, sha, &refs.UpdateOptions{Create: true})
	if refs.IsErrReferenceExists(err) {
		err = c.refs.UpdateRef(ctx, name, sha, nil)
	}
	require.NoError(t, err)
}

func (c *cell) serve(t *testing.T) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	router.HandleFunc("/{ns}/info/refs", c.server.HandleInfoRefs).Methods(http.MethodGet)
	router.HandleFunc("/{ns}/"+ServiceUploadPack, c.server.HandleUploadPack).Methods(http.MethodPost)
	router.HandleFunc("/{ns}/"+ServiceReceivePack, c.server.HandleReceivePack).Methods(http.MethodPost)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestAdvertiseEmptyRepository(t *testing.T) {
	c := newCell(t)
	var buf bytes.Buffer
	require.NoError(t, c.server.AdvertiseRefs(context.Background(), &buf, ServiceUploadPack))

	out := buf.String()
	assert.Contains(t, out, "# service=git-upload-pack")
	assert.Contains(t, out, plumbing.ZeroHash.String()+" capabilities^{}")
	assert.Contains(t, out, "side-band-64k")
	assert.True(t, strings.HasSuffix(out, pktline.FlushString))
}

func TestAdvertiseRefsHeadFirst(t *testing.T) {
	c := newCell(t)
	ctx := context.Background()
	c1 := c.commit(t)
	c.setRef(t, plumbing.Mainline, c1)
	require.NoError(t, c.refs.UpdateHead(ctx, plumbing.Mainline.String(), true, nil))

	var buf bytes.Buffer
	require.NoError(t, c.server.AdvertiseRefs(ctx, &buf, ServiceReceivePack))
	out := buf.String()
	head := strings.Index(out, c1.String()+" HEAD")
	main := strings.Index(out, c1.String()+" refs/heads/main")
	require.GreaterOrEqual(t, head, 0)
	require.GreaterOrEqual(t, main, 0)
	assert.Less(t, head, main)
	assert.Contains(t, out, "report-status")
}

func TestFetchRoundTrip(t *testing.T) {
	remote := newCell(t)
	ctx := context.Background()
	c1 := remote.commit(t)
	c2 := remote.commit(t, c1)
	remote.setRef(t, plumbing.Mainline, c2)
	srv := remote.serve(t)

	client := NewClient(srv.Client())
	base := srv.URL + "/demo"
	ad, err := client.DiscoverRefs(ctx, base, ServiceUploadPack)
	require.NoError(t, err)
	tip, ok := ad.Ref(plumbing.Mainline)
	require.True(t, ok)
	assert.Equal(t, c2, tip)

	packBytes, err := client.FetchPack(ctx, base, []plumbing.Hash{tip}, nil)
	require.NoError(t, err)
	objects, err := pack.Decode(packBytes, nil)
	require.NoError(t, err)
	// 2 commits, 2 trees, 2 blobs
	assert.Len(t, objects, 6)

	got := map[plumbing.Hash]bool{}
	for _, o := range objects {
		got[o.Hash()] = true
	}
	assert.True(t, got[c1])
	assert.True(t, got[c2])
}

func TestFetchIncremental(t *testing.T) {
	remote := newCell(t)
	ctx := context.Background()
	c1 := remote.commit(t)
	c2 := remote.commit(t, c1)
	remote.setRef(t, plumbing.Mainline, c2)
	srv := remote.serve(t)

	client := NewClient(srv.Client())
	packBytes, err := client.FetchPack(ctx, srv.URL+"/demo", []plumbing.Hash{c2}, []plumbing.Hash{c1})
	require.NoError(t, err)
	objects, err := pack.Decode(packBytes, nil)
	require.NoError(t, err)
	// only the second commit with its tree and blob
	assert.Len(t, objects, 3)
	got := map[plumbing.Hash]bool{}
	for _, o := range objects {
		got[o.Hash()] = true
	}
	assert.True(t, got[c2])
	assert.False(t, got[c1])
}

// buildPush frames a receive-pack request body: commands, flush, pack.
func buildPush(t *testing.T, commands []string, objects []*pack.Object) *bytes.Buffer {
	t.Helper()
	var body bytes.Buffer
	e := pktline.NewEncoder(&body)
	for i, cmd := range commands {
		if i == 0 {
			cmd += "\x00report-status agent=test/1"
		}
		require.NoError(t, e.Encodef("%s\n", cmd))
	}
	require.NoError(t, e.Flush())
	if len(objects) > 0 {
		require.NoError(t, pack.Encode(&body, objects))
	}
	return &body
}

func pushObjects(t *testing.T, parent plumbing.Hash) ([]*pack.Object, plumbing.Hash) {
	t.Helper()
	blob := &pack.Object{Type: gitobj.BlobObject, Payload: []byte("pushed\n")}
	treePayload, err := gitobj.EncodeTree([]*gitobj.TreeEntry{{Mode: gitobj.ModeBlob, Name: "p", Hash: blob.Hash()}})
	require.NoError(t, err)
	tree := &pack.Object{Type: gitobj.TreeObject, Payload: treePayload}
	who := gitobj.Signature{Name: "dev", Email: "dev@dot.do", When: time.Unix(1700009999, 0).In(time.UTC)}
	c := &gitobj.Commit{Tree: tree.Hash(), Author: who, Committer: who, Message: "pushed\n"}
	if !parent.IsZero() {
		c.Parents = []plumbing.Hash{parent}
	}
	commit := &pack.Object{Type: gitobj.CommitObject, Payload: c.Encode()}
	return []*pack.Object{blob, tree, commit}, commit.Hash()
}

func TestReceivePackCreatesRef(t *testing.T) {
	c := newCell(t)
	ctx := context.Background()

	objs, tip := pushObjects(t, plumbing.ZeroHash)
	body := buildPush(t, []string{
		fmt.Sprintf("%s %s %s", plumbing.ZeroHash, tip, plumbing.Mainline),
	}, objs)

	var out bytes.Buffer
	require.NoError(t, c.server.ReceivePack(ctx, &out, body))
	report := out.String()
	assert.Contains(t, report, "unpack ok")
	assert.Contains(t, report, "ok refs/heads/main")

	ref, err := c.refs.GetRef(ctx, plumbing.Mainline)
	require.NoError(t, err)
	assert.Equal(t, tip, ref.Hash())
	has, err := c.objects.HasObject(ctx, tip)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestReceivePackStaleOldSha(t *testing.T) {
	c := newCell(t)
	ctx := context.Background()
	c1 := c.commit(t)
	c2 := c.commit(t, c1)
	c.setRef(t, plumbing.Mainline, c2)

	objs, tip := pushObjects(t, c1)
	// claims the ref is still at c1
	body := buildPush(t, []string{
		fmt.Sprintf("%s %s %s", c1, tip, plumbing.Mainline),
	}, objs)

	var out bytes.Buffer
	require.NoError(t, c.server.ReceivePack(ctx, &out, body))
	assert.Contains(t, out.String(), "ng refs/heads/main fetch first")

	ref, err := c.refs.GetRef(ctx, plumbing.Mainline)
	require.NoError(t, err)
	assert.Equal(t, c2, ref.Hash())
}

func TestReceivePackAtomicRollsBack(t *testing.T) {
	c := newCell(t)
	ctx := context.Background()
	c1 := c.commit(t)
	c2 := c.commit(t, c1)
	c.setRef(t, plumbing.Mainline, c2)

	objs, tip := pushObjects(t, c2)
	var body bytes.Buffer
	e := pktline.NewEncoder(&body)
	require.NoError(t, e.Encodef("%s %s %s\x00report-status atomic agent=test/1\n", plumbing.ZeroHash, tip, "refs/heads/ok"))
	require.NoError(t, e.Encodef("%s %s %s\n", c1, tip, plumbing.Mainline))
	require.NoError(t, e.Flush())
	require.NoError(t, pack.Encode(&body, objs))

	var out bytes.Buffer
	require.NoError(t, c.server.ReceivePack(ctx, &out, &body))
	report := out.String()
	assert.Contains(t, report, "ng refs/heads/ok atomic transaction failed")
	assert.Contains(t, report, "ng refs/heads/main fetch first")

	// the first command was rolled back
	_, err := c.refs.GetRef(ctx, plumbing.ReferenceName("refs/heads/ok"))
	assert.True(t, refs.IsErrReferenceNotFound(err))
}

func TestReceivePackDeleteRef(t *testing.T) {
	c := newCell(t)
	ctx := context.Background()
	c1 := c.commit(t)
	c.setRef(t, plumbing.Mainline, c1)
	c.setRef(t, plumbing.ReferenceName("refs/heads/old"), c1)

	body := buildPush(t, []string{
		fmt.Sprintf("%s %s %s", c1, plumbing.ZeroHash, "refs/heads/old"),
	}, nil)
	var out bytes.Buffer
	require.NoError(t, c.server.ReceivePack(ctx, &out, body))
	assert.Contains(t, out.String(), "ok refs/heads/old")

	_, err := c.refs.GetRef(ctx, plumbing.ReferenceName("refs/heads/old"))
	assert.True(t, refs.IsErrReferenceNotFound(err))
}

func TestInfoRefsRejectsUnknownService(t *testing.T) {
	c := newCell(t)
	srv := c.serve(t)
	resp, err := http.Get(srv.URL + "/demo/info/refs?service=git-annex")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestParseCommandsMalformed(t *testing.T) {
	var body bytes.Buffer
	e := pktline.NewEncoder(&body)
	require.NoError(t, e.EncodeString("not a command\n"))
	require.NoError(t, e.Flush())
	_, _, err := parseCommands(&body)
	assert.True(t, IsErrBadRequest(err))
}
