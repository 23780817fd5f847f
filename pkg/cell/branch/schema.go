// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package branch

import (
	"context"
	"database/sql"
	"fmt"
)

var ddl = []string{
	`create table if not exists branch_tracking (
		branch        text primary key,
		remote        text not null,
		remote_branch text not null,
		ahead         integer not null default 0,
		behind        integer not null default 0,
		gone          integer not null default 0,
		updated_at    integer not null
	)`,
}

// InitSchema creates the tracking table; idempotent.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init branch schema: %w", err)
		}
	}
	return nil
}
