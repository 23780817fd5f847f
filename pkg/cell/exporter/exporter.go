// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package exporter is the durable write buffer and columnar segment
// writer: accepted objects land in the write_buffer_wal table and an
// in-memory buffer, flushes drain the buffer into immutable segments
// in bulk storage, and a deferred compaction loop merges small
// segments with exponential back-off on failure.
package exporter

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dot-do/gitx/modules/bulk"
	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/plumbing"
)

const gitxSegmentMIME = "application/vnd.gitx-segment"

// Options tune buffering and compaction. Zero values fall back to
// defaults.
type Options struct {
	// Prefix namespaces segment keys in bulk storage.
	Prefix string
	// Codec compresses segment column blocks.
	Codec Codec
	// SoftCap bounds buffered payload bytes; Accept blocks above it
	// until a flush drains.
	SoftCap int64
	// CompactThreshold is the segment count at which compaction is
	// considered needed.
	CompactThreshold int
	// CompactBatch caps how many segments one compaction merges.
	CompactBatch int
	// MaxAttempts caps compaction retries before the cell permanently
	// skips compaction until ScheduleCompaction resets it.
	MaxAttempts int
	// BackoffBase and BackoffMultiplier shape the retry schedule:
	// base * multiplier^(attempt-1).
	BackoffBase       time.Duration
	BackoffMultiplier float64

	BloomEstimate uint
	BloomFP       float64
}

func (o *Options) fill() {
	if o.SoftCap <= 0 {
		o.SoftCap = 8 * 1048576
	}
	if o.CompactThreshold <= 0 {
		o.CompactThreshold = 4
	}
	if o.CompactBatch <= 0 {
		o.CompactBatch = 8
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 10 * time.Second
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = 3
	}
	if o.BloomEstimate == 0 {
		o.BloomEstimate = 100000
	}
	if o.BloomFP <= 0 {
		o.BloomFP = 0.01
	}
}

// Exporter is one cell's write buffer. Accept and Flush may run on
// different goroutines (the flush rides the best-effort dispatcher),
// so the buffer is mutex-guarded with a condition for back-pressure.
type Exporter struct {
	db     *sql.DB
	bucket bulk.Bucket
	opts   Options

	mu       sync.Mutex
	cond     *sync.Cond
	buffer   []*Row
	buffered int64

	bloomMu    sync.RWMutex
	bloom      *bloom.BloomFilter
	bloomItems int64

	statsMu sync.Mutex
	stats   Stats
}

// Stats counts exporter activity.
type Stats struct {
	Accepted          int64 `json:"accepted"`
	Flushes           int64 `json:"flushes"`
	SegmentsWritten   int64 `json:"segments_written"`
	Compactions       int64 `json:"compactions"`
	CompactionErrors  int64 `json:"compaction_errors"`
	PermanentFailures int64 `json:"permanent_failures"`
	BufferedRows      int64 `json:"buffered_rows"`
	BufferedBytes     int64 `json:"buffered_bytes"`
}

// Open initializes the schema, loads the persisted bloom filter and
// runs crash recovery: unflushed WAL rows return to the buffer and
// half-written compaction targets are removed.
func Open(ctx context.Context, db *sql.DB, bucket bulk.Bucket, opts *Options) (*Exporter, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	o.fill()
	if err := InitSchema(ctx, db); err != nil {
		return nil, err
	}
	e := &Exporter{db: db, bucket: bucket, opts: o}
	e.cond = sync.NewCond(&e.mu)
	if err := e.loadBloom(ctx); err != nil {
		return nil, err
	}
	if err := e.recover(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Accept durably records objects in the write buffer. It blocks while
// the buffer is over its soft cap until a flush drains or ctx is
// cancelled.
func (e *Exporter) Accept(ctx context.Context, rows []*Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := e.waitForRoom(ctx); err != nil {
		return err
	}

	now := time.Now().UnixNano()
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("new tx error: %v", err)
	}
	for _, r := range rows {
		if r.Ts == 0 {
			r.Ts = now
		}
		res, err := tx.ExecContext(ctx,
			"insert into write_buffer_wal(sha, type, data, path, created_at) values(?,?,?,NULL,?)",
			r.Sha.String(), int(r.Type), r.Payload, r.Ts)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if r.walID, err = res.LastInsertId(); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.mu.Lock()
	e.buffer = append(e.buffer, rows...)
	for _, r := range rows {
		e.buffered += int64(len(r.Payload))
	}
	e.mu.Unlock()
	e.bump(func(s *Stats) { s.Accepted += int64(len(rows)) })
	return nil
}

func (e *Exporter) waitForRoom(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.buffered > e.opts.SoftCap {
		if err := ctx.Err(); err != nil {
			return err
		}
		stop := context.AfterFunc(ctx, func() {
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		})
		e.cond.Wait()
		stop()
	}
	return nil
}

// Flush drains the buffer into one time-keyed segment. On success the
// drained WAL rows are deleted and the bloom filter absorbs the new
// shas; on failure the rows return to the front of the buffer.
func (e *Exporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	rows := e.buffer
	e.buffer = nil
	e.buffered = 0
	e.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	restore := func() {
		e.mu.Lock()
		e.buffer = append(rows, e.buffer...)
		for _, r := range rows {
			e.buffered += int64(len(r.Payload))
		}
		e.mu.Unlock()
	}

	frame, err := EncodeSegment(rows, e.opts.Codec)
	if err != nil {
		restore()
		return err
	}
	key := e.segmentKey()
	if err := e.bucket.Put(ctx, key, bytes.NewReader(frame), int64(len(frame)), &bulk.PutOptions{
		ContentType: gitxSegmentMIME,
	}); err != nil {
		restore()
		return err
	}

	for _, r := range rows {
		if _, err := e.db.ExecContext(ctx, "delete from write_buffer_wal where id = ?", r.walID); err != nil {
			return err
		}
	}
	e.absorb(ctx, rows)
	e.cond.Broadcast()
	e.bump(func(s *Stats) {
		s.Flushes++
		s.SegmentsWritten++
	})
	logrus.Debugf("flushed %d rows to %s", len(rows), key)
	return nil
}

// MayContain is the probabilistic membership hint handed to the object
// store. False positives are possible, false negatives are not for
// objects the exporter has flushed.
func (e *Exporter) MayContain(oid plumbing.Hash) bool {
	e.bloomMu.RLock()
	defer e.bloomMu.RUnlock()
	return e.bloom.Test(oid[:])
}

func (e *Exporter) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	s := e.stats
	e.mu.Lock()
	s.BufferedRows = int64(len(e.buffer))
	s.BufferedBytes = e.buffered
	e.mu.Unlock()
	return s
}

func (e *Exporter) bump(f func(*Stats)) {
	e.statsMu.Lock()
	f(&e.stats)
	e.statsMu.Unlock()
}

func (e *Exporter) segmentPrefix() string {
	return path.Join(e.opts.Prefix, "segments") + "/"
}

// segmentKey is time-ordered: lexicographic key order equals creation
// order.
func (e *Exporter) segmentKey() string {
	return fmt.Sprintf("%s%020d-%s.%s", e.segmentPrefix(), time.Now().UnixNano(), uuid.NewString(), e.opts.Codec.Ext())
}

// absorb adds flushed shas to the bloom filter and persists it.
func (e *Exporter) absorb(ctx context.Context, rows []*Row) {
	e.bloomMu.Lock()
	for _, r := range rows {
		e.bloom.Add(r.Sha[:])
	}
	e.bloomItems += int64(len(rows))
	e.bloomMu.Unlock()
	if err := e.saveBloom(ctx); err != nil {
		logrus.WithError(err).Warn("persist bloom filter")
	}
}

func (e *Exporter) loadBloom(ctx context.Context) error {
	var data []byte
	var items int64
	err := e.db.QueryRowContext(ctx, "select filter_data, item_count from bloom_filter where id = 1").Scan(&data, &items)
	if err == nil {
		f := &bloom.BloomFilter{}
		if _, uerr := f.ReadFrom(bytes.NewReader(data)); uerr == nil {
			e.bloom, e.bloomItems = f, items
			return nil
		}
		logrus.Warn("bloom filter row undecodable, rebuilding empty")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	e.bloom = bloom.NewWithEstimates(e.opts.BloomEstimate, e.opts.BloomFP)
	return nil
}

func (e *Exporter) saveBloom(ctx context.Context) error {
	e.bloomMu.RLock()
	var buf bytes.Buffer
	_, err := e.bloom.WriteTo(&buf)
	items := e.bloomItems
	e.bloomMu.RUnlock()
	if err != nil {
		return err
	}
	data := buf.Bytes()
	_, err = e.db.ExecContext(ctx,
		"insert into bloom_filter(id, filter_data, item_count, updated_at) values(1,?,?,?) on conflict(id) do update set filter_data = excluded.filter_data, item_count = excluded.item_count, updated_at = excluded.updated_at",
		data, items, time.Now().UnixNano())
	return err
}

// recover replays unflushed WAL rows into the buffer and removes
// half-written compaction targets, leaving their sources authoritative.
func (e *Exporter) recover(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx, "select id, sha, type, data, created_at from write_buffer_wal order by id")
	if err != nil {
		return err
	}
	replayed := make([]*Row, 0, 16)
	for rows.Next() {
		r := &Row{}
		var hex string
		var t int
		if err := rows.Scan(&r.walID, &hex, &t, &r.Payload, &r.Ts); err != nil {
			rows.Close()
			return err
		}
		r.Sha = plumbing.NewHash(hex)
		r.Type = gitobj.ObjectType(t)
		replayed = append(replayed, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	if len(replayed) != 0 {
		e.mu.Lock()
		e.buffer = append(e.buffer, replayed...)
		for _, r := range replayed {
			e.buffered += int64(len(r.Payload))
		}
		e.mu.Unlock()
		logrus.Infof("recovered %d write buffer rows", len(replayed))
	}
	return e.cleanJournal(ctx)
}

func (e *Exporter) cleanJournal(ctx context.Context) error {
	rows, err := e.db.QueryContext(ctx, "select id, target_key from compaction_journal where status = ?", statusInProgress)
	if err != nil {
		return err
	}
	type orphan struct {
		id     int64
		target string
	}
	orphans := make([]orphan, 0, 4)
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.id, &o.target); err != nil {
			rows.Close()
			return err
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, o := range orphans {
		if err := e.bucket.Delete(ctx, o.target); err != nil {
			logrus.WithError(err).Warnf("compaction recovery: remove target %s", o.target)
		}
		if _, err := e.db.ExecContext(ctx, "update compaction_journal set status = ? where id = ?", statusFailed, o.id); err != nil {
			return err
		}
		logrus.Infof("compaction recovery: target %s removed, sources kept", o.target)
	}
	return nil
}
