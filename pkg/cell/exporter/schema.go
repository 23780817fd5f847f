// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS write_buffer_wal (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		sha        TEXT NOT NULL,
		type       INTEGER NOT NULL,
		data       BLOB NOT NULL,
		path       TEXT,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS compaction_journal (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		source_keys TEXT NOT NULL,
		target_key  TEXT NOT NULL,
		status      TEXT NOT NULL,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS compaction_retries (
		id            INTEGER PRIMARY KEY CHECK (id = 1),
		attempt_count INTEGER NOT NULL,
		last_error    TEXT,
		updated_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bloom_filter (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		filter_data BLOB NOT NULL,
		item_count  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	)`,
}

const (
	statusInProgress = "in_progress"
	statusComplete   = "complete"
	statusFailed     = "failed"
)

// InitSchema creates the write buffer and compaction tables.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init exporter schema: %w", err)
		}
	}
	return nil
}
