// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/dot-do/gitx/modules/plumbing"
)

// ProtectionRule guards mutations on refs whose branch name matches
// Pattern. Higher Priority wins when several rules match.
type ProtectionRule struct {
	ID               int64  `json:"id"`
	Pattern          string `json:"pattern"`
	RequiredReviews  int    `json:"required_reviews"`
	PreventForcePush bool   `json:"prevent_force_push"`
	PreventDeletion  bool   `json:"prevent_deletion"`
	Enabled          bool   `json:"enabled"`
	Priority         int    `json:"priority"`
}

var globCache sync.Map // pattern -> glob.Glob

func compileRule(pattern string) (glob.Glob, error) {
	if g, ok := globCache.Load(pattern); ok {
		return g.(glob.Glob), nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("protection pattern %q: %w", pattern, err)
	}
	globCache.Store(pattern, g)
	return g, nil
}

// PutProtection inserts or replaces the rule with the same pattern.
func (s *Store) PutProtection(ctx context.Context, r *ProtectionRule) error {
	if _, err := compileRule(r.Pattern); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`insert into branch_protection(pattern, required_reviews, prevent_force_push, prevent_deletion, enabled, priority, created_at)
		 values(?,?,?,?,?,?,?)
		 on conflict(pattern) do update set
		   required_reviews = excluded.required_reviews,
		   prevent_force_push = excluded.prevent_force_push,
		   prevent_deletion = excluded.prevent_deletion,
		   enabled = excluded.enabled,
		   priority = excluded.priority`,
		r.Pattern, r.RequiredReviews, r.PreventForcePush, r.PreventDeletion, r.Enabled, r.Priority, time.Now().UnixNano())
	return err
}

// ListProtections returns every rule, highest priority first.
func (s *Store) ListProtections(ctx context.Context) ([]*ProtectionRule, error) {
	rows, err := s.db.QueryContext(ctx,
		"select id, pattern, required_reviews, prevent_force_push, prevent_deletion, enabled, priority from branch_protection order by priority desc, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*ProtectionRule, 0, 4)
	for rows.Next() {
		r := &ProtectionRule{}
		if err := rows.Scan(&r.ID, &r.Pattern, &r.RequiredReviews, &r.PreventForcePush, &r.PreventDeletion, &r.Enabled, &r.Priority); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RemoveProtection deletes the rule with the given pattern.
func (s *Store) RemoveProtection(ctx context.Context, pattern string) error {
	_, err := s.db.ExecContext(ctx, "delete from branch_protection where pattern = ?", pattern)
	return err
}

// matchRule finds the highest-priority enabled rule matching the ref.
// Branch refs match on their short name, everything else on the full
// name.
func (s *Store) matchRule(ctx context.Context, name plumbing.ReferenceName) (*ProtectionRule, error) {
	rules, err := s.ListProtections(ctx)
	if err != nil {
		return nil, err
	}
	subject := name.String()
	if name.IsBranch() {
		subject = name.BranchName()
	}
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		g, err := compileRule(r.Pattern)
		if err != nil {
			return nil, err
		}
		if g.Match(subject) {
			return r, nil
		}
	}
	return nil, nil
}
