// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dot-do/gitx/modules/bulk"
	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/plumbing"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "cell.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStore(t *testing.T, opts *Options) (*Store, *bulk.MemoryBucket, *sql.DB) {
	t.Helper()
	db := newTestDB(t)
	bucket := bulk.NewMemory()
	s, err := Open(context.Background(), db, bucket, opts)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, bucket, db
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	oid, err := s.PutObject(ctx, gitobj.BlobObject, []byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", oid.String())

	o, err := s.GetObject(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, gitobj.BlobObject, o.Type)
	assert.Equal(t, []byte("hello\n"), o.Payload)
	assert.Equal(t, int64(6), o.Size)
}

func TestPutObjectIdempotent(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	a, err := s.PutObject(ctx, gitobj.BlobObject, []byte("same"))
	require.NoError(t, err)
	b, err := s.PutObject(ctx, gitobj.BlobObject, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	n, err := s.ObjectCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestGetObjectMissing(t *testing.T) {
	s, _, _ := newTestStore(t, nil)

	_, err := s.GetObject(context.Background(), plumbing.NewHash("ce013625030ba8dba906f756967f9e9ca394464a"))
	assert.True(t, plumbing.IsNoSuchObject(err))
}

func TestPutObjectsBatchPreservesOrder(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	oids, err := s.PutObjects(ctx, []*Incoming{
		{Type: gitobj.BlobObject, Payload: []byte("one")},
		{Type: gitobj.BlobObject, Payload: []byte("two")},
		{Type: gitobj.BlobObject, Payload: []byte("one")}, // in-batch duplicate
	})
	require.NoError(t, err)
	require.Len(t, oids, 3)
	assert.Equal(t, oids[0], oids[2])

	n, err := s.ObjectCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	absent := plumbing.NewHash("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")
	got, err := s.GetObjects(ctx, []plumbing.Hash{oids[1], absent, oids[0]})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("two"), got[0].Payload)
	assert.Nil(t, got[1])
	assert.Equal(t, []byte("one"), got[2].Payload)
}

func TestWarmTierPlacement(t *testing.T) {
	s, bucket, db := newTestStore(t, &Options{Prefix: "cells/a", HotObjectMax: 8})
	ctx := context.Background()

	payload := []byte("this payload is larger than eight bytes")
	oid, err := s.PutObject(ctx, gitobj.BlobObject, payload)
	require.NoError(t, err)

	var tier string
	require.NoError(t, db.QueryRow("select tier from object_index where sha = ?", oid.String()).Scan(&tier))
	assert.Equal(t, TierWarm, tier)

	hex := oid.String()
	_, err = bucket.Stat(ctx, "cells/a/objects/"+hex[0:2]+"/"+hex[2:])
	require.NoError(t, err)

	s.InvalidateCaches()
	o, err := s.GetObject(ctx, oid)
	require.NoError(t, err)
	assert.Equal(t, payload, o.Payload)
}

func TestPromotionWarmToHot(t *testing.T) {
	s, bucket, db := newTestStore(t, &Options{Prefix: "c", HotObjectMax: 32, HotMaxBytes: 32, PromotionThreshold: 3})
	ctx := context.Background()

	a, err := s.PutObject(ctx, gitobj.BlobObject, make([]byte, 32))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second := make([]byte, 32)
	second[0] = 1
	// The hot tier only holds one of the two; the first write gets
	// evicted to warm.
	_, err = s.PutObject(ctx, gitobj.BlobObject, second)
	require.NoError(t, err)

	var tier string
	require.NoError(t, db.QueryRow("select tier from object_index where sha = ?", a.String()).Scan(&tier))
	require.Equal(t, TierWarm, tier)

	for i := 0; i < 3; i++ {
		s.InvalidateCaches()
		_, err := s.GetObject(ctx, a)
		require.NoError(t, err)
	}

	require.NoError(t, db.QueryRow("select tier from object_index where sha = ?", a.String()).Scan(&tier))
	assert.Equal(t, TierHot, tier)

	hex := a.String()
	_, err = bucket.Stat(ctx, "c/objects/"+hex[0:2]+"/"+hex[2:])
	assert.Error(t, err)
}

func TestHotEvictionIsLRU(t *testing.T) {
	s, _, db := newTestStore(t, &Options{HotObjectMax: 32, HotMaxBytes: 64})
	ctx := context.Background()

	a, err := s.PutObject(ctx, gitobj.BlobObject, make([]byte, 32))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b := make([]byte, 32)
	b[0] = 1
	oidB, err := s.PutObject(ctx, gitobj.BlobObject, b)
	require.NoError(t, err)

	// Touch a so b becomes the LRU victim.
	time.Sleep(2 * time.Millisecond)
	s.InvalidateCaches()
	_, err = s.GetObject(ctx, a)
	require.NoError(t, err)

	c := make([]byte, 32)
	c[0] = 2
	oidC, err := s.PutObject(ctx, gitobj.BlobObject, c)
	require.NoError(t, err)

	tiers := map[string]string{}
	for _, oid := range []plumbing.Hash{a, oidB, oidC} {
		var tier string
		require.NoError(t, db.QueryRow("select tier from object_index where sha = ?", oid.String()).Scan(&tier))
		tiers[oid.String()] = tier
	}
	assert.Equal(t, TierHot, tiers[a.String()])
	assert.Equal(t, TierWarm, tiers[oidB.String()])
	assert.Equal(t, TierHot, tiers[oidC.String()])
}

func TestDemoteToColdAndReadBack(t *testing.T) {
	s, bucket, db := newTestStore(t, &Options{Prefix: "cold"})
	ctx := context.Background()

	a, err := s.PutObject(ctx, gitobj.BlobObject, []byte("alpha"))
	require.NoError(t, err)
	b, err := s.PutObject(ctx, gitobj.BlobObject, []byte("beta"))
	require.NoError(t, err)

	packID, err := s.DemoteToCold(ctx, []plumbing.Hash{a, b})
	require.NoError(t, err)
	require.NotEmpty(t, packID)

	_, err = bucket.Stat(ctx, "cold/packs/"+packID+".pack")
	require.NoError(t, err)

	for _, oid := range []plumbing.Hash{a, b} {
		var tier string
		require.NoError(t, db.QueryRow("select tier from object_index where sha = ?", oid.String()).Scan(&tier))
		assert.Equal(t, TierCold, tier)
	}

	s.InvalidateCaches()
	o, err := s.GetObject(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), o.Payload)
}

func TestDeleteObject(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	oid, err := s.PutObject(ctx, gitobj.BlobObject, []byte("doomed"))
	require.NoError(t, err)

	existed, err := s.DeleteObject(ctx, oid)
	require.NoError(t, err)
	assert.True(t, existed)

	ok, err := s.HasObject(ctx, oid)
	require.NoError(t, err)
	assert.False(t, ok)

	existed, err = s.DeleteObject(ctx, oid)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestVerifyObjectDetectsCorruption(t *testing.T) {
	s, _, db := newTestStore(t, nil)
	ctx := context.Background()

	oid, err := s.PutObject(ctx, gitobj.BlobObject, []byte("pristine"))
	require.NoError(t, err)

	ok, err := s.VerifyObject(ctx, oid)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = db.Exec("update hot_objects set data = ? where sha = ?", []byte("tampered"), oid.String())
	require.NoError(t, err)

	ok, err = s.VerifyObject(ctx, oid)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWALSettledOnReopen(t *testing.T) {
	s, bucket, db := newTestStore(t, nil)
	ctx := context.Background()

	_, err := s.PutObject(ctx, gitobj.BlobObject, []byte("payload"))
	require.NoError(t, err)

	// Simulate a crash before the flush acknowledgment.
	_, err = db.Exec("update wal set flushed = 0")
	require.NoError(t, err)
	s.Close()

	reopened, err := Open(ctx, db, bucket, nil)
	require.NoError(t, err)
	defer reopened.Close()

	var unflushed int
	require.NoError(t, db.QueryRow("select count(*) from wal where flushed = 0").Scan(&unflushed))
	assert.Zero(t, unflushed)
}

func TestTypedHelpers(t *testing.T) {
	s, _, _ := newTestStore(t, nil)
	ctx := context.Background()

	blobOid, err := s.PutBlob(ctx, []byte("readme\n"))
	require.NoError(t, err)
	treeOid, err := s.PutTree(ctx, []*gitobj.TreeEntry{
		{Mode: gitobj.ModeBlob, Name: "README.md", Hash: blobOid},
	})
	require.NoError(t, err)

	who := gitobj.Signature{Name: "dev", Email: "dev@dot.do", When: time.Unix(1700000000, 0).In(time.UTC)}
	commitOid, err := s.PutCommit(ctx, &gitobj.Commit{
		Tree:      treeOid,
		Author:    who,
		Committer: who,
		Message:   "initial import\n",
	})
	require.NoError(t, err)

	c, err := s.GetCommit(ctx, commitOid)
	require.NoError(t, err)
	assert.Equal(t, treeOid, c.Tree)
	assert.Equal(t, commitOid, c.Hash)

	entries, err := s.GetTree(ctx, treeOid)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "README.md", entries[0].Name)

	// Type mismatch reads as absence.
	_, err = s.GetBlob(ctx, commitOid)
	assert.True(t, plumbing.IsNoSuchObject(err))

	ok, err := s.CommitExists(ctx, commitOid)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CommitExists(ctx, blobOid)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetricsSnapshot(t *testing.T) {
	s, _, _ := newTestStore(t, &Options{EnableMetrics: true})
	ctx := context.Background()

	oid, err := s.PutObject(ctx, gitobj.BlobObject, []byte("counted"))
	require.NoError(t, err)
	_, err = s.GetObject(ctx, oid)
	require.NoError(t, err)

	snap := s.Metrics().Snapshot()
	assert.Equal(t, int64(1), snap.Writes)
	assert.Equal(t, int64(1), snap.Reads)
	assert.Equal(t, int64(7), snap.BytesIn)
}
