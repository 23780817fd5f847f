// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dot-do/gitx/modules/bulk"
	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/gitobj/pack"
	"github.com/dot-do/gitx/modules/plumbing"
)

const (
	gitxObjectMIME = "application/vnd.gitx-object"
	gitxPackMIME   = "application/vnd.gitx-pack"

	uploadConcurrency = 4
)

func (s *Store) warmKey(oid plumbing.Hash) string {
	h := oid.String()
	return path.Join(s.opts.Prefix, "objects", h[0:2], h[2:])
}

func (s *Store) chunkKey(oid plumbing.Hash, i int) string {
	return fmt.Sprintf("%s.%d", s.warmKey(oid), i)
}

func (s *Store) packKey(packID string) string {
	return path.Join(s.opts.Prefix, "packs", packID+".pack")
}

func (s *Store) chunkPlan(size int64) (chunked, chunkCount int) {
	if size <= s.opts.ChunkLimit {
		return 0, 0
	}
	n := size / s.opts.ChunkLimit
	if size%s.opts.ChunkLimit != 0 {
		n++
	}
	return 1, int(n)
}

// uploadWarm writes a loose blob under the deterministic warm key,
// splitting payloads above ChunkLimit into numbered chunk keys.
func (s *Store) uploadWarm(ctx context.Context, oid plumbing.Hash, payload []byte) error {
	size := int64(len(payload))
	chunked, chunkCount := s.chunkPlan(size)
	if chunked == 0 {
		return s.bucket.Put(ctx, s.warmKey(oid), bytes.NewReader(payload), size, &bulk.PutOptions{
			ContentType: gitxObjectMIME,
		})
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for i := 0; i < chunkCount; i++ {
		lo := int64(i) * s.opts.ChunkLimit
		hi := min(lo+s.opts.ChunkLimit, size)
		key := s.chunkKey(oid, i)
		part := payload[lo:hi]
		g.Go(func() error {
			return s.bucket.Put(gctx, key, bytes.NewReader(part), int64(len(part)), &bulk.PutOptions{
				ContentType: gitxObjectMIME,
			})
		})
	}
	return g.Wait()
}

func (s *Store) readWarm(ctx context.Context, oid plumbing.Hash, t gitobj.ObjectType, size int64, chunked, chunkCount int) (*Object, error) {
	if chunked == 0 {
		payload, err := bulk.ReadAll(ctx, s.bucket, s.warmKey(oid))
		if err != nil {
			return nil, err
		}
		return &Object{Hash: oid, Type: t, Size: int64(len(payload)), Payload: payload}, nil
	}
	payload := make([]byte, 0, size)
	for i := 0; i < chunkCount; i++ {
		part, err := bulk.ReadAll(ctx, s.bucket, s.chunkKey(oid, i))
		if err != nil {
			return nil, err
		}
		payload = append(payload, part...)
	}
	if int64(len(payload)) != size {
		return nil, fmt.Errorf("warm object %s: reassembled %d bytes, index says %d", oid, len(payload), size)
	}
	return &Object{Hash: oid, Type: t, Size: size, Payload: payload}, nil
}

func (s *Store) deleteWarm(ctx context.Context, oid plumbing.Hash, chunked, chunkCount int) error {
	if chunked == 0 {
		return s.bucket.Delete(ctx, s.warmKey(oid))
	}
	keys := make([]string, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		keys = append(keys, s.chunkKey(oid, i))
	}
	return s.bucket.DeleteMany(ctx, keys)
}

func (s *Store) readCold(ctx context.Context, oid plumbing.Hash, packID string, offset int64) (*Object, error) {
	data, err := bulk.ReadAll(ctx, s.bucket, s.packKey(packID))
	if err != nil {
		return nil, err
	}
	entry, err := pack.ReadEntry(data, offset)
	if err != nil {
		return nil, err
	}
	return &Object{Hash: oid, Type: entry.Type, Size: int64(len(entry.Payload)), Payload: entry.Payload}, nil
}

// getOuter serves a read from the warm or cold tier and advances the
// promotion counter. Promotion itself is best-effort: a failed move
// never fails the read.
func (s *Store) getOuter(ctx context.Context, oid plumbing.Hash) (*Object, error) {
	tier, packID, offset, chunked, chunkCount, accessCount, err := s.indexRow(ctx, oid)
	if err != nil {
		return nil, err
	}
	var o *Object
	switch tier {
	case TierHot:
		// Index says hot but the hot row is gone; the object is lost.
		return nil, plumbing.NoSuchObject(oid)
	case TierWarm:
		t, size, terr := s.indexMeta(ctx, oid)
		if terr != nil {
			return nil, terr
		}
		o, err = s.readWarm(ctx, oid, t, size, chunked, chunkCount)
	case TierCold:
		o, err = s.readCold(ctx, oid, packID.String, offset.Int64)
	default:
		return nil, fmt.Errorf("object %s: unknown tier %q", oid, tier)
	}
	if err != nil {
		return nil, err
	}

	accessCount++
	if accessCount >= s.opts.PromotionThreshold {
		if perr := s.promote(ctx, o, tier); perr != nil {
			logrus.WithError(perr).Warnf("promote %s from %s", oid, tier)
		}
	} else if _, uerr := s.db.ExecContext(ctx,
		"update object_index set access_count = ?, updated_at = ? where sha = ?",
		accessCount, time.Now().UnixNano(), oid.String()); uerr != nil {
		return nil, uerr
	}
	return o, nil
}

func (s *Store) indexMeta(ctx context.Context, oid plumbing.Hash) (gitobj.ObjectType, int64, error) {
	var t int
	var size int64
	if err := s.db.QueryRowContext(ctx, "select type, size from object_index where sha = ?", oid.String()).Scan(&t, &size); err != nil {
		return gitobj.InvalidObject, 0, err
	}
	return gitobj.ObjectType(t), size, nil
}

// promote moves an object one tier warmer and resets its access
// counter.
func (s *Store) promote(ctx context.Context, o *Object, from string) error {
	now := time.Now().UnixNano()
	switch from {
	case TierCold:
		if err := s.uploadWarm(ctx, o.Hash, o.Payload); err != nil {
			return err
		}
		chunked, chunkCount := s.chunkPlan(o.Size)
		_, err := s.db.ExecContext(ctx,
			"update object_index set tier = ?, pack_id = NULL, offset = NULL, access_count = 0, chunked = ?, chunk_count = ?, updated_at = ? where sha = ?",
			TierWarm, chunked, chunkCount, now, o.Hash.String())
		return err
	case TierWarm:
		if o.Size > s.opts.HotObjectMax {
			// Too large for a hot row; stop counting.
			_, err := s.db.ExecContext(ctx,
				"update object_index set access_count = 0, updated_at = ? where sha = ?", now, o.Hash.String())
			return err
		}
		if err := s.ensureHotRoom(ctx, o.Size); err != nil {
			return err
		}
		chunked, chunkCount := s.chunkPlan(o.Size)
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("new tx error: %v", err)
		}
		if _, err := tx.ExecContext(ctx,
			"insert or replace into hot_objects(sha, type, data, size, accessed_at, created_at) values(?,?,?,?,?,?)",
			o.Hash.String(), int(o.Type), o.Payload, o.Size, now, now); err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"update object_index set tier = ?, access_count = 0, chunked = 0, chunk_count = 0, updated_at = ? where sha = ?",
			TierHot, now, o.Hash.String()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		return s.deleteWarm(ctx, o.Hash, chunked, chunkCount)
	}
	return nil
}

// ensureHotRoom evicts least-recently-accessed hot rows to the warm
// tier until need bytes fit under HotMaxBytes.
func (s *Store) ensureHotRoom(ctx context.Context, need int64) error {
	for {
		var hotBytes int64
		if err := s.db.QueryRowContext(ctx, "select coalesce(sum(size), 0) from hot_objects").Scan(&hotBytes); err != nil {
			return err
		}
		if hotBytes+need <= s.opts.HotMaxBytes {
			return nil
		}
		var hex string
		err := s.db.QueryRowContext(ctx, "select sha from hot_objects order by accessed_at asc limit 1").Scan(&hex)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("hot tier cannot hold %d bytes (limit %d)", need, s.opts.HotMaxBytes)
		}
		if err != nil {
			return err
		}
		if err := s.DemoteToWarm(ctx, []plumbing.Hash{plumbing.NewHash(hex)}); err != nil {
			return err
		}
	}
}

// DemoteToWarm moves hot rows to loose warm blobs.
func (s *Store) DemoteToWarm(ctx context.Context, oids []plumbing.Hash) error {
	now := time.Now().UnixNano()
	for _, oid := range oids {
		o, err := s.getHot(ctx, oid, false)
		if plumbing.IsNoSuchObject(err) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.uploadWarm(ctx, oid, o.Payload); err != nil {
			return err
		}
		chunked, chunkCount := s.chunkPlan(o.Size)
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("new tx error: %v", err)
		}
		if _, err := tx.ExecContext(ctx, "delete from hot_objects where sha = ?", oid.String()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"update object_index set tier = ?, access_count = 0, chunked = ?, chunk_count = ?, updated_at = ? where sha = ?",
			TierWarm, chunked, chunkCount, now, oid.String()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.metrics.demote()
	}
	return nil
}

// DemoteToCold packs objects into a single cold pack and repoints
// their index rows at its frames. Warm source blobs are removed after
// the index commits.
func (s *Store) DemoteToCold(ctx context.Context, oids []plumbing.Hash) (string, error) {
	if len(oids) == 0 {
		return "", nil
	}
	entries := make([]*pack.Object, 0, len(oids))
	warmCleanup := make(map[plumbing.Hash][2]int)
	for _, oid := range oids {
		tier, _, _, chunked, chunkCount, _, err := s.indexRow(ctx, oid)
		if err != nil {
			return "", err
		}
		var o *Object
		switch tier {
		case TierHot:
			if o, err = s.getHot(ctx, oid, false); err != nil {
				return "", err
			}
		case TierWarm:
			t, size, merr := s.indexMeta(ctx, oid)
			if merr != nil {
				return "", merr
			}
			if o, err = s.readWarm(ctx, oid, t, size, chunked, chunkCount); err != nil {
				return "", err
			}
			warmCleanup[oid] = [2]int{chunked, chunkCount}
		case TierCold:
			continue
		}
		entries = append(entries, &pack.Object{Type: o.Type, Payload: o.Payload})
	}
	if len(entries) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	offsets, err := pack.EncodeIndexed(&buf, entries)
	if err != nil {
		return "", err
	}
	packID := uuid.NewString()
	if err := s.bucket.Put(ctx, s.packKey(packID), bytes.NewReader(buf.Bytes()), int64(buf.Len()), &bulk.PutOptions{
		ContentType: gitxPackMIME,
	}); err != nil {
		return "", err
	}

	now := time.Now().UnixNano()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("new tx error: %v", err)
	}
	for i, e := range entries {
		oid := e.Hash()
		if _, err := tx.ExecContext(ctx, "delete from hot_objects where sha = ?", oid.String()); err != nil {
			_ = tx.Rollback()
			return "", err
		}
		if _, err := tx.ExecContext(ctx,
			"update object_index set tier = ?, pack_id = ?, offset = ?, access_count = 0, chunked = 0, chunk_count = 0, updated_at = ? where sha = ?",
			TierCold, packID, offsets[i], now, oid.String()); err != nil {
			_ = tx.Rollback()
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	for oid, plan := range warmCleanup {
		if err := s.deleteWarm(ctx, oid, plan[0], plan[1]); err != nil {
			logrus.WithError(err).Warnf("cold demotion: remove warm blob %s", oid)
		}
		s.cache.Del(oid.String())
	}
	return packID, nil
}

// Maintain demotes hot rows that have not been read within
// DemotionAge. It returns how many rows moved.
func (s *Store) Maintain(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.opts.DemotionAge).UnixNano()
	rows, err := s.db.QueryContext(ctx, "select sha from hot_objects where accessed_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	stale := make([]plumbing.Hash, 0, 16)
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			rows.Close()
			return 0, err
		}
		stale = append(stale, plumbing.NewHash(hex))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.DemoteToWarm(ctx, stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// HotStats reports the row count and byte total of the hot tier.
func (s *Store) HotStats(ctx context.Context) (count int64, bytes int64, err error) {
	err = s.db.QueryRowContext(ctx, "select count(*), coalesce(sum(size), 0) from hot_objects").Scan(&count, &bytes)
	return
}

// ObjectCount reports how many objects the index records.
func (s *Store) ObjectCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "select count(*) from object_index").Scan(&n)
	return n, err
}
