// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package refs is the authoritative ref store: named refs with CAS
// updates under per-ref mutexes, symbolic resolution, a reflog riding
// the same transaction as each mutation, and branch protection
// enforcement.
package refs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/plumbing"
)

// resolution depth bound for symbolic chains
const maxSymrefDepth = 10

// maxAncestryWalk bounds the commit walk protection uses to decide
// whether an update is a fast-forward.
const maxAncestryWalk = 1000

// ObjectSource is the slice of the object store the ref layer needs:
// existence for the target invariant and commits for ancestry walks.
type ObjectSource interface {
	HasObject(ctx context.Context, oid plumbing.Hash) (bool, error)
	GetCommit(ctx context.Context, oid plumbing.Hash) (*gitobj.Commit, error)
}

// Store is the ref store of one cell.
type Store struct {
	db      *sql.DB
	objects ObjectSource
	locks   sync.Map // plumbing.ReferenceName -> *sync.Mutex
}

// Open runs the schema migrations and returns the store.
func Open(ctx context.Context, db *sql.DB, objects ObjectSource) (*Store, error) {
	if err := InitSchema(ctx, db); err != nil {
		return nil, err
	}
	return &Store{db: db, objects: objects}, nil
}

func (s *Store) lock(name plumbing.ReferenceName) func() {
	mu, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// UpdateOptions qualify an UpdateRef call.
type UpdateOptions struct {
	// ExpectedOld, when set, demands the ref currently points there.
	ExpectedOld *plumbing.Hash
	// Create demands the ref does not exist yet.
	Create bool
	// Force records a forced update in the reflog; protection rules
	// still apply.
	Force bool
	// ApprovalCount is the number of review approvals the update
	// carries, checked against required_reviews.
	ApprovalCount int

	Who    string
	Reason string
}

func (o *UpdateOptions) who() string {
	if o == nil || o.Who == "" {
		return "gitx"
	}
	return o.Who
}

func (o *UpdateOptions) reason(fallback string) string {
	if o == nil || o.Reason == "" {
		return fallback
	}
	return o.Reason
}

// GetRef reads one ref without locking.
func (s *Store) GetRef(ctx context.Context, name plumbing.ReferenceName) (*plumbing.Reference, error) {
	return s.getRef(ctx, s.db, name)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getRef(ctx context.Context, q queryRower, name plumbing.ReferenceName) (*plumbing.Reference, error) {
	var target, typ string
	err := q.QueryRowContext(ctx, "select target, type from refs where name = ?", string(name)).Scan(&target, &typ)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrReferenceNotFound{Name: name}
	}
	if err != nil {
		return nil, err
	}
	if typ == refTypeSymbolic {
		return plumbing.NewSymbolicReference(name, plumbing.ReferenceName(target)), nil
	}
	return plumbing.NewHashReference(name, plumbing.NewHash(target)), nil
}

// UpdateRef points name at newSha with CAS semantics and appends a
// reflog entry in the same transaction.
func (s *Store) UpdateRef(ctx context.Context, name plumbing.ReferenceName, newSha plumbing.Hash, opts *UpdateOptions) error {
	if name != plumbing.HEAD && !plumbing.ValidateReferenceName([]byte(name)) {
		return &plumbing.ErrBadReferenceName{Name: string(name)}
	}
	unlock := s.lock(name)
	defer unlock()

	current, err := s.getRef(ctx, s.db, name)
	exists := err == nil
	if err != nil && !IsErrReferenceNotFound(err) {
		return err
	}
	if opts != nil && opts.Create && exists {
		return &ErrReferenceExists{Name: name}
	}
	if !exists && (opts == nil || !opts.Create) {
		return &ErrReferenceNotFound{Name: name}
	}
	var oldSha plumbing.Hash
	if exists {
		if current.Type() == plumbing.SymbolicReference {
			// Updating through a symref writes the terminal ref.
			if _, oldSha, err = s.ResolveRef(ctx, name); err != nil && !IsErrReferenceNotFound(err) {
				return err
			}
		} else {
			oldSha = current.Hash()
		}
	}
	if opts != nil && opts.ExpectedOld != nil && oldSha != *opts.ExpectedOld {
		return &ErrReferenceChanged{Name: name, Expected: *opts.ExpectedOld, Actual: oldSha}
	}

	// The terminal sha must exist before the ref write commits.
	ok, err := s.objects.HasObject(ctx, newSha)
	if err != nil {
		return err
	}
	if !ok {
		return plumbing.NoSuchObject(newSha)
	}

	if err := s.admit(ctx, name, oldSha, newSha, exists, opts); err != nil {
		return err
	}

	fallback := "update"
	if !exists {
		fallback = "create"
	} else if opts != nil && opts.Force {
		fallback = "forced-update"
	}
	return s.commitRefWrite(ctx, name, refTypeSha, newSha.String(), oldSha, newSha, opts.who(), opts.reason(fallback))
}

// DeleteRef removes a ref; protection rules may deny it.
func (s *Store) DeleteRef(ctx context.Context, name plumbing.ReferenceName, opts *UpdateOptions) error {
	unlock := s.lock(name)
	defer unlock()

	current, err := s.getRef(ctx, s.db, name)
	if err != nil {
		return err
	}
	oldSha := current.Hash()

	rule, err := s.matchRule(ctx, name)
	if err != nil {
		return err
	}
	if rule != nil && rule.PreventDeletion {
		return &ErrProtectedReference{Name: name, Pattern: rule.Pattern, Reason: "deletion prevented"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("new tx error: %v", err)
	}
	res, err := tx.ExecContext(ctx, "delete from refs where name = ?", string(name))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		_ = tx.Rollback()
		if err != nil {
			return err
		}
		return &ErrReferenceNotFound{Name: name}
	}
	if err := appendReflog(ctx, tx, name, oldSha, plumbing.ZeroHash, opts.who(), opts.reason("delete")); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ListRefs returns refs under prefix in lexicographic order. The
// single query gives advertisement a consistent snapshot.
func (s *Store) ListRefs(ctx context.Context, prefix string) ([]*plumbing.Reference, error) {
	rows, err := s.db.QueryContext(ctx,
		"select name, target, type from refs where name >= ? and name < ? order by name",
		prefix, prefix+"\xff")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*plumbing.Reference, 0, 16)
	for rows.Next() {
		var name, target, typ string
		if err := rows.Scan(&name, &target, &typ); err != nil {
			return nil, err
		}
		if typ == refTypeSymbolic {
			out = append(out, plumbing.NewSymbolicReference(plumbing.ReferenceName(name), plumbing.ReferenceName(target)))
			continue
		}
		out = append(out, plumbing.NewHashReference(plumbing.ReferenceName(name), plumbing.NewHash(target)))
	}
	return out, rows.Err()
}

// ResolveRef chases symbolic links to the terminal (name, sha).
func (s *Store) ResolveRef(ctx context.Context, name plumbing.ReferenceName) (plumbing.ReferenceName, plumbing.Hash, error) {
	seen := make(map[plumbing.ReferenceName]bool, 4)
	cur := name
	for depth := 0; depth < maxSymrefDepth; depth++ {
		if seen[cur] {
			return "", plumbing.ZeroHash, &ErrSymrefCycle{Name: name}
		}
		seen[cur] = true
		ref, err := s.getRef(ctx, s.db, cur)
		if err != nil {
			return "", plumbing.ZeroHash, err
		}
		if ref.Type() == plumbing.HashReference {
			return cur, ref.Hash(), nil
		}
		cur = ref.Target()
	}
	return "", plumbing.ZeroHash, &ErrSymrefCycle{Name: name}
}

// ReadPackedRefs always reports none; this design keeps every ref as
// a row.
func (s *Store) ReadPackedRefs(ctx context.Context) ([]*plumbing.Reference, error) {
	return nil, nil
}

// UpdateHead repoints HEAD: symbolic to a ref name, detached to a
// commit sha.
func (s *Store) UpdateHead(ctx context.Context, target string, symbolic bool, opts *UpdateOptions) error {
	unlock := s.lock(plumbing.HEAD)
	defer unlock()

	var oldSha plumbing.Hash
	if _, sha, err := s.ResolveRef(ctx, plumbing.HEAD); err == nil {
		oldSha = sha
	}

	if symbolic {
		name := plumbing.ReferenceName(target)
		if !plumbing.ValidateReferenceName([]byte(name)) {
			return &plumbing.ErrBadReferenceName{Name: target}
		}
		var newSha plumbing.Hash
		if _, sha, err := s.ResolveRef(ctx, name); err == nil {
			newSha = sha
		}
		return s.commitRefWrite(ctx, plumbing.HEAD, refTypeSymbolic, string(name), oldSha, newSha, opts.who(), opts.reason("checkout"))
	}

	sha, err := plumbing.NewHashEx(target)
	if err != nil {
		return err
	}
	ok, err := s.objects.HasObject(ctx, sha)
	if err != nil {
		return err
	}
	if !ok {
		return plumbing.NoSuchObject(sha)
	}
	return s.commitRefWrite(ctx, plumbing.HEAD, refTypeSha, sha.String(), oldSha, sha, opts.who(), opts.reason("checkout: detached"))
}

// Head resolves the HEAD row itself (symbolic or detached).
func (s *Store) Head(ctx context.Context) (*plumbing.Reference, error) {
	return s.GetRef(ctx, plumbing.HEAD)
}

// commitRefWrite upserts the ref row and appends the reflog entry in
// one transaction; callers hold the ref mutex.
func (s *Store) commitRefWrite(ctx context.Context, name plumbing.ReferenceName, typ, target string, oldSha, newSha plumbing.Hash, who, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("new tx error: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		"insert into refs(name, target, type, updated_at) values(?,?,?,?) on conflict(name) do update set target = excluded.target, type = excluded.type, updated_at = excluded.updated_at",
		string(name), target, typ, time.Now().UnixNano()); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := appendReflog(ctx, tx, name, oldSha, newSha, who, reason); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// admit applies the highest-priority matching protection rule.
func (s *Store) admit(ctx context.Context, name plumbing.ReferenceName, oldSha, newSha plumbing.Hash, exists bool, opts *UpdateOptions) error {
	rule, err := s.matchRule(ctx, name)
	if err != nil || rule == nil {
		return err
	}
	if rule.RequiredReviews > 0 {
		carried := 0
		if opts != nil {
			carried = opts.ApprovalCount
		}
		if carried < rule.RequiredReviews {
			return &ErrReviewsMissing{Name: name, Required: rule.RequiredReviews, Carried: carried}
		}
	}
	if rule.PreventForcePush && exists && !oldSha.IsZero() {
		ff, err := s.isAncestor(ctx, oldSha, newSha)
		if err != nil {
			return err
		}
		if !ff {
			return &ErrProtectedReference{Name: name, Pattern: rule.Pattern, Reason: "non-fast-forward push prevented"}
		}
	}
	return nil
}

// isAncestor walks committer parents from desc looking for ancestor,
// bounded by maxAncestryWalk.
func (s *Store) isAncestor(ctx context.Context, ancestor, desc plumbing.Hash) (bool, error) {
	if ancestor == desc {
		return true, nil
	}
	queue := []plumbing.Hash{desc}
	seen := map[plumbing.Hash]bool{desc: true}
	for steps := 0; len(queue) > 0 && steps < maxAncestryWalk; steps++ {
		oid := queue[0]
		queue = queue[1:]
		c, err := s.objects.GetCommit(ctx, oid)
		if plumbing.IsNoSuchObject(err) {
			continue
		}
		if err != nil {
			return false, err
		}
		for _, p := range c.Parents {
			if p == ancestor {
				return true, nil
			}
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return false, nil
}
