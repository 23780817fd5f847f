// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/dot-do/gitx/modules/bulk"
	"github.com/dot-do/gitx/modules/plumbing"
)

const defaultCompactTimeout = 30 * time.Second

// listSegments pages through bulk storage; keys are time-ordered so
// the result is oldest first.
func (e *Exporter) listSegments(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, 16)
	var token string
	for {
		objects, next, err := e.bucket.List(ctx, e.segmentPrefix(), token, 1000)
		if err != nil {
			return nil, err
		}
		for _, o := range objects {
			keys = append(keys, o.Key)
		}
		if next == "" {
			return keys, nil
		}
		token = next
	}
}

func (e *Exporter) retryState(ctx context.Context) (attempts int, lastError string, err error) {
	var last sql.NullString
	err = e.db.QueryRowContext(ctx, "select attempt_count, last_error from compaction_retries where id = 1").Scan(&attempts, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	return attempts, last.String, err
}

// CompactionNeeded reports whether enough small segments accumulated.
// A cell whose retry budget is exhausted reports false until
// ScheduleCompaction resets it.
func (e *Exporter) CompactionNeeded(ctx context.Context) (bool, error) {
	attempts, _, err := e.retryState(ctx)
	if err != nil {
		return false, err
	}
	if attempts >= e.opts.MaxAttempts {
		return false, nil
	}
	keys, err := e.listSegments(ctx)
	if err != nil {
		return false, err
	}
	return len(keys) >= e.opts.CompactThreshold, nil
}

// ScheduleCompaction resets the retry counter so the next alarm may
// compact again.
func (e *Exporter) ScheduleCompaction(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, "delete from compaction_retries where id = 1")
	return err
}

// nextRetryIn walks the exponential schedule to the given 1-based
// attempt: base, base*multiplier, base*multiplier^2, ...
func (e *Exporter) nextRetryIn(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BackoffBase
	b.Multiplier = e.opts.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// RunCompactionIfNeeded performs at most one compaction attempt. A
// positive retryIn asks the caller to re-arm its alarm after that
// delay; retryIn zero with a nil error means done (or nothing to do).
// When the retry budget runs out the error is surfaced once and the
// need flag stays cleared.
func (e *Exporter) RunCompactionIfNeeded(ctx context.Context) (retryIn time.Duration, err error) {
	needed, err := e.CompactionNeeded(ctx)
	if err != nil || !needed {
		return 0, err
	}

	cctx, cancel := context.WithTimeout(ctx, defaultCompactTimeout)
	defer cancel()
	if err := e.compactOnce(cctx); err == nil {
		if _, derr := e.db.ExecContext(ctx, "delete from compaction_retries where id = 1"); derr != nil {
			return 0, derr
		}
		e.bump(func(s *Stats) { s.Compactions++ })
		return 0, nil
	} else {
		attempts, _, serr := e.retryState(ctx)
		if serr != nil {
			return 0, serr
		}
		attempts++
		if _, uerr := e.db.ExecContext(ctx,
			"insert into compaction_retries(id, attempt_count, last_error, updated_at) values(1,?,?,?) on conflict(id) do update set attempt_count = excluded.attempt_count, last_error = excluded.last_error, updated_at = excluded.updated_at",
			attempts, err.Error(), time.Now().UnixNano()); uerr != nil {
			return 0, uerr
		}
		e.bump(func(s *Stats) { s.CompactionErrors++ })
		if attempts >= e.opts.MaxAttempts {
			e.bump(func(s *Stats) { s.PermanentFailures++ })
			logrus.Errorf("compaction permanently skipped after %d attempts: %v", attempts, err)
			return 0, fmt.Errorf("compaction abandoned after %d attempts: %w", attempts, err)
		}
		logrus.WithError(err).Warnf("compaction attempt %d failed", attempts)
		return e.nextRetryIn(attempts), err
	}
}

// compactOnce merges the oldest small segments into one, deduplicating
// by sha, with the journal protocol: record in_progress, write target,
// delete sources, mark complete.
func (e *Exporter) compactOnce(ctx context.Context) error {
	keys, err := e.listSegments(ctx)
	if err != nil {
		return err
	}
	if len(keys) < 2 {
		return nil
	}
	if len(keys) > e.opts.CompactBatch {
		keys = keys[:e.opts.CompactBatch]
	}

	merged := make([]*Row, 0, 64)
	seen := make(map[plumbing.Hash]bool, 64)
	for _, key := range keys {
		frame, err := bulk.ReadAll(ctx, e.bucket, key)
		if err != nil {
			return fmt.Errorf("read segment %s: %w", key, err)
		}
		rows, err := DecodeSegment(frame)
		if err != nil {
			return fmt.Errorf("decode segment %s: %w", key, err)
		}
		for _, r := range rows {
			if seen[r.Sha] {
				continue
			}
			seen[r.Sha] = true
			merged = append(merged, r)
		}
	}

	targetKey := e.segmentKey()
	sources, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	res, err := e.db.ExecContext(ctx,
		"insert into compaction_journal(source_keys, target_key, status, created_at) values(?,?,?,?)",
		string(sources), targetKey, statusInProgress, time.Now().UnixNano())
	if err != nil {
		return err
	}
	journalID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	frame, err := EncodeSegment(merged, e.opts.Codec)
	if err != nil {
		return err
	}
	if err := e.bucket.Put(ctx, targetKey, bytes.NewReader(frame), int64(len(frame)), &bulk.PutOptions{
		ContentType: gitxSegmentMIME,
	}); err != nil {
		return err
	}
	if err := e.bucket.DeleteMany(ctx, keys); err != nil {
		return err
	}
	if _, err := e.db.ExecContext(ctx, "update compaction_journal set status = ? where id = ?", statusComplete, journalID); err != nil {
		return err
	}
	logrus.Infof("compacted %d segments into %s (%d rows)", len(keys), targetKey, len(merged))
	return nil
}

// SegmentCount reports how many segments currently exist; the runtime
// compact() report uses it.
func (e *Exporter) SegmentCount(ctx context.Context) (int, error) {
	keys, err := e.listSegments(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
