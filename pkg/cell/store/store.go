// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package store implements the tiered content-addressed object store:
// hot rows in the embedded SQL database, warm loose blobs in bulk
// storage, cold packfile frames, fronted by a cost-based LRU cache and
// guarded by a write-ahead log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/sirupsen/logrus"

	"github.com/dot-do/gitx/modules/bulk"
	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/plumbing"
)

const (
	TierHot  = "hot"
	TierWarm = "warm"
	TierCold = "cold"
)

const (
	MiByte int64 = 1048576

	defaultHotObjectMax       = MiByte
	defaultHotMaxBytes        = 32 * MiByte
	defaultPromotionThreshold = 3
	defaultDemotionAge        = 7 * 24 * time.Hour
	defaultChunkLimit         = 64 * MiByte
)

// Object is one stored object, payload without the loose header.
type Object struct {
	Hash      plumbing.Hash
	Type      gitobj.ObjectType
	Size      int64
	Payload   []byte
	CreatedAt time.Time
}

// Incoming is one element of a batch put; the hash is computed by the
// store before the transaction opens.
type Incoming struct {
	Type    gitobj.ObjectType
	Payload []byte
}

// MembershipHint is an optional probabilistic pre-filter for
// HasObject. False positives are expected; the index stays
// authoritative.
type MembershipHint interface {
	MayContain(oid plumbing.Hash) bool
}

// Options tune tiering and caching. Zero values fall back to defaults.
type Options struct {
	// Prefix namespaces every bulk storage key of this cell.
	Prefix string
	// HotObjectMax is the largest payload kept as an embedded row.
	HotObjectMax int64
	// HotMaxBytes bounds the total hot tier size; exceeding it evicts
	// least-recently-accessed rows to the warm tier.
	HotMaxBytes int64
	// PromotionThreshold is the access count at which a warm or cold
	// object moves one tier warmer.
	PromotionThreshold int64
	// DemotionAge is how long a hot row may go unread before the
	// maintenance pass demotes it.
	DemotionAge time.Duration
	// ChunkLimit is the warm payload size above which the blob is
	// split into numbered chunk keys.
	ChunkLimit int64

	CacheNumCounters int64
	CacheMaxCost     int64
	CacheBufferItems int64

	EnableMetrics bool
}

func (o *Options) fill() {
	if o.HotObjectMax <= 0 {
		o.HotObjectMax = defaultHotObjectMax
	}
	if o.HotMaxBytes <= 0 {
		o.HotMaxBytes = defaultHotMaxBytes
	}
	if o.PromotionThreshold <= 0 {
		o.PromotionThreshold = defaultPromotionThreshold
	}
	if o.DemotionAge <= 0 {
		o.DemotionAge = defaultDemotionAge
	}
	if o.ChunkLimit <= 0 {
		o.ChunkLimit = defaultChunkLimit
	}
	if o.CacheNumCounters <= 0 {
		o.CacheNumCounters = 1e6
	}
	if o.CacheMaxCost <= 0 {
		o.CacheMaxCost = 64 * MiByte
	}
	if o.CacheBufferItems <= 0 {
		o.CacheBufferItems = 64
	}
}

// Store is the tiered object store of one cell. It assumes the cell's
// single-writer discipline: one mutating call at a time.
type Store struct {
	db      *sql.DB
	bucket  bulk.Bucket
	opts    Options
	cache   *ristretto.Cache[string, *Object]
	hint    MembershipHint
	metrics *Metrics
}

// Open wires the store over an initialized database handle and a bulk
// bucket, runs the schema migrations, and replays unflushed WAL rows.
func Open(ctx context.Context, db *sql.DB, bucket bulk.Bucket, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	o.fill()
	if err := InitSchema(ctx, db); err != nil {
		return nil, err
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Object]{
		NumCounters: o.CacheNumCounters,
		MaxCost:     o.CacheMaxCost,
		BufferItems: o.CacheBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("unable initialize object cache, error: %w", err)
	}
	s := &Store{db: db, bucket: bucket, opts: o, cache: cache, metrics: newMetrics(o.EnableMetrics)}
	if err := s.replayWAL(ctx); err != nil {
		cache.Close()
		return nil, err
	}
	return s, nil
}

// SetMembershipHint installs the exporter's bloom filter as a cheap
// HasObject pre-filter.
func (s *Store) SetMembershipHint(h MembershipHint) {
	s.hint = h
}

func (s *Store) Metrics() *Metrics { return s.metrics }

func (s *Store) Close() {
	s.cache.Close()
}

// InvalidateCaches drops every cached object. Hot rows remain
// authoritative.
func (s *Store) InvalidateCaches() {
	s.cache.Clear()
}

// PutObject hashes payload, deduplicates by sha and stores the object
// in the tier its size selects.
func (s *Store) PutObject(ctx context.Context, t gitobj.ObjectType, payload []byte) (plumbing.Hash, error) {
	oid := gitobj.HashObject(t, payload)
	exists, err := s.indexed(ctx, oid)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if exists {
		return oid, nil
	}
	if err := s.putNew(ctx, []*Object{{Hash: oid, Type: t, Size: int64(len(payload)), Payload: payload}}, "put"); err != nil {
		return plumbing.ZeroHash, err
	}
	return oid, nil
}

// PutObjects stores a batch in a single transaction with one batch WAL
// record. Hashes are computed before the transaction opens; duplicates
// inside the batch and objects already stored are skipped. The batch
// never partially succeeds.
func (s *Store) PutObjects(ctx context.Context, incoming []*Incoming) ([]plumbing.Hash, error) {
	oids := make([]plumbing.Hash, len(incoming))
	seen := make(map[plumbing.Hash]bool, len(incoming))
	fresh := make([]*Object, 0, len(incoming))
	for i, in := range incoming {
		oid := gitobj.HashObject(in.Type, in.Payload)
		oids[i] = oid
		if seen[oid] {
			continue
		}
		seen[oid] = true
		exists, err := s.indexed(ctx, oid)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		fresh = append(fresh, &Object{Hash: oid, Type: in.Type, Size: int64(len(in.Payload)), Payload: in.Payload})
	}
	if len(fresh) == 0 {
		return oids, nil
	}
	if err := s.putNew(ctx, fresh, "put_batch"); err != nil {
		return nil, err
	}
	return oids, nil
}

// putNew commits objects not yet present. Oversize payloads are
// uploaded to the warm tier before the transaction so a rollback
// leaves only idempotently keyed blobs behind.
func (s *Store) putNew(ctx context.Context, objects []*Object, op string) error {
	var hotBytes int64
	for _, o := range objects {
		if o.Size <= s.opts.HotObjectMax {
			hotBytes += o.Size
		} else if err := s.uploadWarm(ctx, o.Hash, o.Payload); err != nil {
			return err
		}
	}
	if hotBytes > 0 {
		if err := s.ensureHotRoom(ctx, hotBytes); err != nil {
			return err
		}
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("new tx error: %v", err)
	}
	if err := appendWAL(ctx, tx, op, objects, now); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, o := range objects {
		o.CreatedAt = now
		hot := o.Size <= s.opts.HotObjectMax
		if _, err := tx.ExecContext(ctx,
			"insert or ignore into objects(sha, type, size, data, created_at) values(?,?,?,NULL,?)",
			o.Hash.String(), int(o.Type), o.Size, now.UnixNano()); err != nil {
			_ = tx.Rollback()
			return err
		}
		tier := TierWarm
		chunked, chunkCount := s.chunkPlan(o.Size)
		if hot {
			tier = TierHot
			chunked, chunkCount = 0, 0
			if _, err := tx.ExecContext(ctx,
				"insert or ignore into hot_objects(sha, type, data, size, accessed_at, created_at) values(?,?,?,?,?,?)",
				o.Hash.String(), int(o.Type), o.Payload, o.Size, now.UnixNano(), now.UnixNano()); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			"insert or ignore into object_index(sha, tier, pack_id, offset, size, type, access_count, chunked, chunk_count, updated_at) values(?,?,NULL,NULL,?,?,0,?,?,?)",
			o.Hash.String(), tier, o.Size, int(o.Type), chunked, chunkCount, now.UnixNano()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"insert or ignore into sha_cache(sha, type, size, added_at) values(?,?,?,?)",
			o.Hash.String(), int(o.Type), o.Size, now.UnixNano()); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, o := range objects {
		s.cacheSet(o)
		s.metrics.write(o.Size)
	}
	return nil
}

// GetObject reads through the tiers: cache, hot row, warm blob, cold
// pack frame. A missing object reports NoSuchObject.
func (s *Store) GetObject(ctx context.Context, oid plumbing.Hash) (*Object, error) {
	if o, ok := s.cache.Get(oid.String()); ok {
		s.metrics.cacheHit(o.Size)
		return o, nil
	}
	s.metrics.cacheMiss()
	if o, err := s.getHot(ctx, oid, true); err == nil {
		s.cacheSet(o)
		s.metrics.read(o.Size)
		return o, nil
	} else if !plumbing.IsNoSuchObject(err) {
		return nil, err
	}
	o, err := s.getOuter(ctx, oid)
	if err != nil {
		return nil, err
	}
	s.cacheSet(o)
	s.metrics.read(o.Size)
	return o, nil
}

// GetObjects resolves a batch: a cache scan, then one IN query to the
// hot tier for the rest, then per-object outer tier reads. Results
// keep the argument order with nil at missing positions.
func (s *Store) GetObjects(ctx context.Context, oids []plumbing.Hash) ([]*Object, error) {
	out := make([]*Object, len(oids))
	missing := make(map[string][]int)
	for i, oid := range oids {
		if o, ok := s.cache.Get(oid.String()); ok {
			s.metrics.cacheHit(o.Size)
			out[i] = o
			continue
		}
		s.metrics.cacheMiss()
		missing[oid.String()] = append(missing[oid.String()], i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(missing))
	holes := make([]string, 0, len(missing))
	for hex := range missing {
		args = append(args, hex)
		holes = append(holes, "?")
	}
	rows, err := s.db.QueryContext(ctx,
		"select sha, type, data, size, created_at from hot_objects where sha in ("+strings.Join(holes, ",")+")", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	now := time.Now().UnixNano()
	touched := make([]string, 0, len(missing))
	for rows.Next() {
		var hex string
		var t int
		var data []byte
		var size, created int64
		if err := rows.Scan(&hex, &t, &data, &size, &created); err != nil {
			return nil, err
		}
		o := &Object{Hash: plumbing.NewHash(hex), Type: gitobj.ObjectType(t), Size: size, Payload: data, CreatedAt: time.Unix(0, created)}
		for _, i := range missing[hex] {
			out[i] = o
		}
		delete(missing, hex)
		touched = append(touched, hex)
		s.cacheSet(o)
		s.metrics.read(size)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, hex := range touched {
		if _, err := s.db.ExecContext(ctx, "update hot_objects set accessed_at = ? where sha = ?", now, hex); err != nil {
			return nil, err
		}
	}

	for hex, positions := range missing {
		o, err := s.getOuter(ctx, plumbing.NewHash(hex))
		if plumbing.IsNoSuchObject(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, i := range positions {
			out[i] = o
		}
		s.cacheSet(o)
		s.metrics.read(o.Size)
	}
	return out, nil
}

// HasObject answers membership cheaply: cache, bloom hint, then the
// authoritative index.
func (s *Store) HasObject(ctx context.Context, oid plumbing.Hash) (bool, error) {
	if _, ok := s.cache.Get(oid.String()); ok {
		return true, nil
	}
	if s.hint != nil && !s.hint.MayContain(oid) {
		// A negative bloom answer is only trustworthy for objects the
		// exporter has seen; the index still decides.
		if ok, err := s.indexed(ctx, oid); err != nil || ok {
			return ok, err
		}
		return false, nil
	}
	return s.indexed(ctx, oid)
}

// DeleteObject removes an object from every tier and the caches.
// Reachability is the caller's concern.
func (s *Store) DeleteObject(ctx context.Context, oid plumbing.Hash) (bool, error) {
	tier, packID, _, chunked, chunkCount, _, err := s.indexRow(ctx, oid)
	if plumbing.IsNoSuchObject(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// Bulk tiers first: a retried delete after a crash sees the index
	// row again and repeats the idempotent removals.
	switch tier {
	case TierWarm:
		if err := s.deleteWarm(ctx, oid, chunked, chunkCount); err != nil {
			return false, err
		}
	case TierCold:
		// The pack frame stays; the index row is the only pointer to
		// it and compaction reclaims unreferenced packs.
		_ = packID
	}

	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("new tx error: %v", err)
	}
	if err := appendWAL(ctx, tx, "delete", []*Object{{Hash: oid}}, now); err != nil {
		_ = tx.Rollback()
		return false, err
	}
	for _, stmt := range []string{
		"delete from hot_objects where sha = ?",
		"delete from objects where sha = ?",
		"delete from object_index where sha = ?",
		"delete from sha_cache where sha = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, oid.String()); err != nil {
			_ = tx.Rollback()
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	s.cache.Del(oid.String())
	s.metrics.delete()
	return true, nil
}

// VerifyObject re-hashes the stored bytes, bypassing the cache.
func (s *Store) VerifyObject(ctx context.Context, oid plumbing.Hash) (bool, error) {
	o, err := s.getHot(ctx, oid, false)
	if plumbing.IsNoSuchObject(err) {
		o, err = s.getOuter(ctx, oid)
	}
	if err != nil {
		return false, err
	}
	return gitobj.HashObject(o.Type, o.Payload) == oid, nil
}

func (s *Store) cacheSet(o *Object) {
	cost := o.Size
	if cost <= 0 {
		cost = 1
	}
	s.cache.Set(o.Hash.String(), o, cost)
}

func (s *Store) indexed(ctx context.Context, oid plumbing.Hash) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "select 1 from object_index where sha = ?", oid.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) indexRow(ctx context.Context, oid plumbing.Hash) (tier string, packID sql.NullString, offset sql.NullInt64, chunked, chunkCount int, accessCount int64, err error) {
	err = s.db.QueryRowContext(ctx,
		"select tier, pack_id, offset, chunked, chunk_count, access_count from object_index where sha = ?",
		oid.String()).Scan(&tier, &packID, &offset, &chunked, &chunkCount, &accessCount)
	if errors.Is(err, sql.ErrNoRows) {
		err = plumbing.NoSuchObject(oid)
	}
	return
}

func (s *Store) getHot(ctx context.Context, oid plumbing.Hash, touch bool) (*Object, error) {
	var t int
	var data []byte
	var size, created int64
	err := s.db.QueryRowContext(ctx,
		"select type, data, size, created_at from hot_objects where sha = ?", oid.String()).
		Scan(&t, &data, &size, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plumbing.NoSuchObject(oid)
	}
	if err != nil {
		return nil, err
	}
	if touch {
		if _, err := s.db.ExecContext(ctx, "update hot_objects set accessed_at = ? where sha = ?", time.Now().UnixNano(), oid.String()); err != nil {
			return nil, err
		}
	}
	return &Object{Hash: oid, Type: gitobj.ObjectType(t), Size: size, Payload: data, CreatedAt: time.Unix(0, created)}, nil
}

// walRecord is the payload summary persisted with every mutating
// transaction.
type walRecord struct {
	Shas  []string `json:"shas"`
	Count int      `json:"count"`
}

func appendWAL(ctx context.Context, tx *sql.Tx, op string, objects []*Object, now time.Time) error {
	rec := walRecord{Count: len(objects)}
	for _, o := range objects {
		rec.Shas = append(rec.Shas, o.Hash.String())
	}
	payload, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "insert into wal(operation, payload, created_at, flushed) values(?,?,?,0)",
		op, string(payload), now.UnixNano())
	return err
}

// replayWAL drives every unflushed row to its terminal state. Object
// writes committed in the same transaction as their WAL row are
// already visible, so replay only reconciles the flushed mark; a row
// naming absent objects records an operation whose effects were fully
// rolled back and is likewise settled.
func (s *Store) replayWAL(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "select id, operation, payload from wal where flushed = 0 order by id")
	if err != nil {
		return err
	}
	type pending struct {
		id        int64
		operation string
		payload   string
	}
	replay := make([]pending, 0, 8)
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.operation, &p.payload); err != nil {
			rows.Close()
			return err
		}
		replay = append(replay, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, p := range replay {
		var rec walRecord
		if err := json.Unmarshal([]byte(p.payload), &rec); err != nil {
			logrus.WithError(err).Warnf("wal row %d: undecodable payload, settling", p.id)
		}
		if _, err := s.db.ExecContext(ctx, "update wal set flushed = 1 where id = ?", p.id); err != nil {
			return err
		}
	}
	if len(replay) != 0 {
		logrus.Infof("replayed %d wal rows", len(replay))
	}
	return nil
}
