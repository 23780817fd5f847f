// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS refs (
		name       TEXT PRIMARY KEY,
		target     TEXT NOT NULL,
		type       TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reflog (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		ref_name TEXT NOT NULL,
		old_sha  TEXT NOT NULL,
		new_sha  TEXT NOT NULL,
		who      TEXT NOT NULL,
		at       INTEGER NOT NULL,
		reason   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reflog_ref_name ON reflog(ref_name, id)`,
	`CREATE TABLE IF NOT EXISTS branch_protection (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern            TEXT NOT NULL UNIQUE,
		required_reviews   INTEGER NOT NULL DEFAULT 0,
		prevent_force_push INTEGER NOT NULL DEFAULT 0,
		prevent_deletion   INTEGER NOT NULL DEFAULT 0,
		enabled            INTEGER NOT NULL DEFAULT 1,
		priority           INTEGER NOT NULL DEFAULT 0,
		created_at         INTEGER NOT NULL
	)`,
}

const (
	refTypeSha      = "sha"
	refTypeSymbolic = "symbolic"
)

// InitSchema creates the ref, reflog and protection tables.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init refs schema: %w", err)
		}
	}
	return nil
}
