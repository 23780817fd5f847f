// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dot-do/gitx/modules/bulk"
	"github.com/dot-do/gitx/modules/gitobj"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "cell.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestExporter(t *testing.T, opts *Options) (*Exporter, *bulk.MemoryBucket, *sql.DB) {
	t.Helper()
	db := newTestDB(t)
	bucket := bulk.NewMemory()
	e, err := Open(context.Background(), db, bucket, opts)
	require.NoError(t, err)
	return e, bucket, db
}

func blobRow(content string) *Row {
	payload := []byte(content)
	return NewRow(gitobj.HashObject(gitobj.BlobObject, payload), gitobj.BlobObject, payload)
}

func TestAcceptFlushSegmentRoundTrip(t *testing.T) {
	e, bucket, db := newTestExporter(t, &Options{Prefix: "cells/x"})
	ctx := context.Background()

	in := []*Row{blobRow("one"), blobRow("two")}
	require.NoError(t, e.Accept(ctx, in))
	require.NoError(t, e.Flush(ctx))

	keys, _, err := bucket.List(ctx, "cells/x/segments/", "", 100)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.True(t, strings.HasSuffix(keys[0].Key, ".seg"))

	frame, err := bulk.ReadAll(ctx, bucket, keys[0].Key)
	require.NoError(t, err)
	rows, err := DecodeSegment(frame)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, in[0].Sha, rows[0].Sha)
	assert.Equal(t, []byte("two"), rows[1].Payload)

	var pending int
	require.NoError(t, db.QueryRow("select count(*) from write_buffer_wal").Scan(&pending))
	assert.Zero(t, pending)

	assert.True(t, e.MayContain(in[0].Sha))
	assert.True(t, e.MayContain(in[1].Sha))
}

func TestSegmentCodecs(t *testing.T) {
	rows := []*Row{blobRow(strings.Repeat("compressible ", 200)), blobRow("tiny")}
	for _, codec := range []Codec{Uncompressed, Snappy, LZ4, LZ4Raw, Zstd} {
		frame, err := EncodeSegment(rows, codec)
		require.NoError(t, err, codec.String())
		got, err := DecodeSegment(frame)
		require.NoError(t, err, codec.String())
		require.Len(t, got, 2, codec.String())
		assert.Equal(t, rows[0].Payload, got[0].Payload, codec.String())
		assert.Equal(t, rows[1].Sha, got[1].Sha, codec.String())
	}
}

func TestRecoverReplaysUnflushedRows(t *testing.T) {
	e, bucket, db := newTestExporter(t, &Options{Prefix: "r"})
	ctx := context.Background()

	require.NoError(t, e.Accept(ctx, []*Row{blobRow("survivor")}))

	// A new exporter over the same database models a restart.
	reopened, err := Open(ctx, db, bucket, &Options{Prefix: "r"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), reopened.Stats().BufferedRows)

	require.NoError(t, reopened.Flush(ctx))
	keys, _, err := bucket.List(ctx, "r/segments/", "", 100)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestRecoverRemovesPartialCompactionTarget(t *testing.T) {
	db := newTestDB(t)
	bucket := bulk.NewMemory()
	ctx := context.Background()
	require.NoError(t, InitSchema(ctx, db))

	target := "j/segments/00000000000000000099-dead.seg"
	require.NoError(t, bucket.Put(ctx, target, strings.NewReader("partial"), 7, nil))
	_, err := db.Exec("insert into compaction_journal(source_keys, target_key, status, created_at) values(?,?,?,?)",
		`["a","b"]`, target, statusInProgress, time.Now().UnixNano())
	require.NoError(t, err)

	_, err = Open(ctx, db, bucket, &Options{Prefix: "j"})
	require.NoError(t, err)

	_, err = bucket.Stat(ctx, target)
	assert.Error(t, err)
	var status string
	require.NoError(t, db.QueryRow("select status from compaction_journal").Scan(&status))
	assert.Equal(t, statusFailed, status)
}

func TestCompactionMergesAndDedupes(t *testing.T) {
	e, bucket, db := newTestExporter(t, &Options{Prefix: "c", CompactThreshold: 2})
	ctx := context.Background()

	require.NoError(t, e.Accept(ctx, []*Row{blobRow("shared"), blobRow("a")}))
	require.NoError(t, e.Flush(ctx))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, e.Accept(ctx, []*Row{blobRow("shared"), blobRow("b")}))
	require.NoError(t, e.Flush(ctx))

	needed, err := e.CompactionNeeded(ctx)
	require.NoError(t, err)
	require.True(t, needed)

	retryIn, err := e.RunCompactionIfNeeded(ctx)
	require.NoError(t, err)
	assert.Zero(t, retryIn)

	keys, _, err := bucket.List(ctx, "c/segments/", "", 100)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	frame, err := bulk.ReadAll(ctx, bucket, keys[0].Key)
	require.NoError(t, err)
	rows, err := DecodeSegment(frame)
	require.NoError(t, err)
	assert.Len(t, rows, 3) // shared deduplicated

	var status string
	require.NoError(t, db.QueryRow("select status from compaction_journal order by id desc limit 1").Scan(&status))
	assert.Equal(t, statusComplete, status)
}

func TestCompactionRetryScheduleAndPermanentSkip(t *testing.T) {
	e, bucket, _ := newTestExporter(t, &Options{Prefix: "s", CompactThreshold: 2, MaxAttempts: 3})
	ctx := context.Background()

	require.NoError(t, e.Accept(ctx, []*Row{blobRow("x")}))
	require.NoError(t, e.Flush(ctx))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, e.Accept(ctx, []*Row{blobRow("y")}))
	require.NoError(t, e.Flush(ctx))

	boom := errors.New("storage down")
	bucket.FailPut = func(key string) error { return boom }

	retryIn, err := e.RunCompactionIfNeeded(ctx)
	require.Error(t, err)
	assert.Equal(t, 10*time.Second, retryIn)

	retryIn, err = e.RunCompactionIfNeeded(ctx)
	require.Error(t, err)
	assert.Equal(t, 30*time.Second, retryIn)

	// Third failure exhausts the budget: no more re-arming.
	retryIn, err = e.RunCompactionIfNeeded(ctx)
	require.Error(t, err)
	assert.Zero(t, retryIn)
	assert.Equal(t, int64(1), e.Stats().PermanentFailures)

	needed, err := e.CompactionNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, needed)

	// An explicit reschedule resets the counter.
	require.NoError(t, e.ScheduleCompaction(ctx))
	needed, err = e.CompactionNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, needed)

	bucket.FailPut = nil
	retryIn, err = e.RunCompactionIfNeeded(ctx)
	require.NoError(t, err)
	assert.Zero(t, retryIn)
}

func TestAcceptBackpressure(t *testing.T) {
	e, _, _ := newTestExporter(t, &Options{Prefix: "bp", SoftCap: 4})
	ctx := context.Background()

	require.NoError(t, e.Accept(ctx, []*Row{blobRow("overflows the cap")}))

	released := make(chan error, 1)
	go func() {
		released <- e.Accept(ctx, []*Row{blobRow("waits")})
	}()

	select {
	case err := <-released:
		t.Fatalf("accept returned before flush: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, e.Flush(ctx))
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept still blocked after flush")
	}
}

func TestAcceptBackpressureCancellation(t *testing.T) {
	e, _, _ := newTestExporter(t, &Options{Prefix: "bpc", SoftCap: 4})
	ctx := context.Background()

	require.NoError(t, e.Accept(ctx, []*Row{blobRow("overflows the cap")}))

	cctx, cancel := context.WithCancel(ctx)
	released := make(chan error, 1)
	go func() {
		released <- e.Accept(cctx, []*Row{blobRow("cancelled")})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-released:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not observe cancellation")
	}
}
