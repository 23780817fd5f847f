// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Timestamps are stored as unix nanoseconds so ordering comparisons
// stay integer comparisons under sqlite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS objects (
		sha        TEXT PRIMARY KEY,
		type       INTEGER NOT NULL,
		size       INTEGER NOT NULL,
		data       BLOB,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS object_index (
		sha          TEXT PRIMARY KEY,
		tier         TEXT NOT NULL,
		pack_id      TEXT,
		offset       INTEGER,
		size         INTEGER NOT NULL,
		type         INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		chunked      INTEGER NOT NULL DEFAULT 0,
		chunk_count  INTEGER NOT NULL DEFAULT 0,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hot_objects (
		sha         TEXT PRIMARY KEY,
		type        INTEGER NOT NULL,
		data        BLOB NOT NULL,
		size        INTEGER NOT NULL,
		accessed_at INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hot_objects_accessed_at ON hot_objects(accessed_at)`,
	`CREATE TABLE IF NOT EXISTS wal (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		operation  TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		flushed    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wal_flushed ON wal(flushed)`,
	`CREATE TABLE IF NOT EXISTS sha_cache (
		sha      TEXT PRIMARY KEY,
		type     INTEGER NOT NULL,
		size     INTEGER NOT NULL,
		added_at INTEGER NOT NULL
	)`,
}

// InitSchema creates the object storage tables. Statements are
// idempotent so every cell boot runs them unconditionally.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init object schema: %w", err)
		}
	}
	return nil
}
