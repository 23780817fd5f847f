// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"context"
	"database/sql"
	"time"

	"github.com/dot-do/gitx/modules/plumbing"
)

// ReflogEntry is one audit record of a ref mutation. Entries for a ref
// chain: each old sha equals the previous entry's new sha.
type ReflogEntry struct {
	OldSha plumbing.Hash `json:"old_sha"`
	NewSha plumbing.Hash `json:"new_sha"`
	Who    string        `json:"who"`
	At     time.Time     `json:"at"`
	Reason string        `json:"reason"`
}

func appendReflog(ctx context.Context, tx *sql.Tx, name plumbing.ReferenceName, oldSha, newSha plumbing.Hash, who, reason string) error {
	_, err := tx.ExecContext(ctx,
		"insert into reflog(ref_name, old_sha, new_sha, who, at, reason) values(?,?,?,?,?,?)",
		string(name), oldSha.String(), newSha.String(), who, time.Now().UnixNano(), reason)
	return err
}

// Reflog returns the newest entries for a ref, most recent first.
func (s *Store) Reflog(ctx context.Context, name plumbing.ReferenceName, limit int) ([]*ReflogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		"select old_sha, new_sha, who, at, reason from reflog where ref_name = ? order by id desc limit ?",
		string(name), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*ReflogEntry, 0, limit)
	for rows.Next() {
		e := &ReflogEntry{}
		var oldHex, newHex string
		var at int64
		if err := rows.Scan(&oldHex, &newHex, &e.Who, &at, &e.Reason); err != nil {
			return nil, err
		}
		e.OldSha = plumbing.NewHash(oldHex)
		e.NewSha = plumbing.NewHash(newHex)
		e.At = time.Unix(0, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
