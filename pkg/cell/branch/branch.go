// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package branch is the domain façade over the ref store: branch CRUD
// with git name validation, delete safety gates, rename with HEAD
// transfer, and persisted upstream tracking metadata.
package branch

import (
	"context"
	"database/sql"
	"regexp"

	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/dot-do/gitx/pkg/cell/refs"
)

// maxWalk bounds the commit walks behind IsMerged and ahead/behind.
const maxWalk = 1000

// Manager exposes branch level operations on top of a ref store.
type Manager struct {
	db      *sql.DB
	refs    *refs.Store
	objects refs.ObjectSource
}

// Open runs the schema migrations and returns the manager.
func Open(ctx context.Context, db *sql.DB, rs *refs.Store, objects refs.ObjectSource) (*Manager, error) {
	if err := InitSchema(ctx, db); err != nil {
		return nil, err
	}
	return &Manager{db: db, refs: rs, objects: objects}, nil
}

// Branch is a derived view of one branch ref.
type Branch struct {
	Name      string        `json:"name"`
	Ref       string        `json:"ref"`
	Sha       plumbing.Hash `json:"sha"`
	IsCurrent bool          `json:"is_current"`
	IsRemote  bool          `json:"is_remote"`
	Tracking  *Tracking     `json:"tracking,omitempty"`
}

var hexPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Create points refs/heads/<name> at the commit startPoint resolves
// to. startPoint accepts a commit sha, a branch short name, a full ref
// name, HEAD, or empty (also HEAD). force overwrites an existing
// branch.
func (m *Manager) Create(ctx context.Context, name, startPoint string, force bool) (*Branch, error) {
	if !plumbing.ValidateBranchName([]byte(name)) {
		return nil, &plumbing.ErrBadReferenceName{Name: name}
	}
	sha, err := m.resolveStartPoint(ctx, startPoint)
	if err != nil {
		return nil, err
	}

	refName := plumbing.NewBranchReferenceName(name)
	opts := &refs.UpdateOptions{Create: true, Reason: "branch: created from " + displayStartPoint(startPoint)}
	if force {
		if _, err := m.refs.GetRef(ctx, refName); err == nil {
			opts.Create = false
			opts.Force = true
		}
	}
	if err := m.refs.UpdateRef(ctx, refName, sha, opts); err != nil {
		return nil, err
	}
	return &Branch{Name: name, Ref: refName.String(), Sha: sha}, nil
}

func displayStartPoint(startPoint string) string {
	if startPoint == "" {
		return "HEAD"
	}
	return startPoint
}

func (m *Manager) resolveStartPoint(ctx context.Context, startPoint string) (plumbing.Hash, error) {
	if startPoint == "" || startPoint == plumbing.HEAD.String() {
		if _, sha, err := m.refs.ResolveRef(ctx, plumbing.HEAD); err == nil && !sha.IsZero() {
			return sha, nil
		}
		return plumbing.ZeroHash, &ErrInvalidStartPoint{StartPoint: displayStartPoint(startPoint)}
	}
	if hexPattern.MatchString(startPoint) {
		sha := plumbing.NewHash(startPoint)
		if _, err := m.objects.GetCommit(ctx, sha); err != nil {
			if plumbing.IsNoSuchObject(err) {
				return plumbing.ZeroHash, &ErrInvalidStartPoint{StartPoint: startPoint}
			}
			return plumbing.ZeroHash, err
		}
		return sha, nil
	}
	for _, candidate := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(startPoint),
		plumbing.NewTagReferenceName(startPoint),
		plumbing.ReferenceName(startPoint),
	} {
		if _, sha, err := m.refs.ResolveRef(ctx, candidate); err == nil {
			return sha, nil
		} else if !refs.IsErrReferenceNotFound(err) && !refs.IsErrSymrefCycle(err) {
			return plumbing.ZeroHash, err
		}
	}
	return plumbing.ZeroHash, &ErrInvalidStartPoint{StartPoint: startPoint}
}

// Get reads one local branch.
func (m *Manager) Get(ctx context.Context, name string) (*Branch, error) {
	refName := plumbing.NewBranchReferenceName(name)
	ref, err := m.refs.GetRef(ctx, refName)
	if refs.IsErrReferenceNotFound(err) {
		return nil, &ErrBranchNotFound{Name: name}
	}
	if err != nil {
		return nil, err
	}
	b := &Branch{Name: name, Ref: refName.String(), Sha: ref.Hash()}
	if current, err := m.currentBranch(ctx); err == nil && current == refName {
		b.IsCurrent = true
	}
	if tr, err := m.getTracking(ctx, name); err == nil {
		b.Tracking = tr
	} else if err != sql.ErrNoRows {
		return nil, err
	}
	return b, nil
}

// List returns local branches plus remote-tracking branches, sorted by
// ref name.
func (m *Manager) List(ctx context.Context) ([]*Branch, error) {
	current, _ := m.currentBranch(ctx)
	out := make([]*Branch, 0, 16)
	for _, prefix := range []string{"refs/heads/", "refs/remotes/"} {
		found, err := m.refs.ListRefs(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, ref := range found {
			if ref.Type() != plumbing.HashReference {
				continue
			}
			b := &Branch{
				Name:      ref.Name().Short(),
				Ref:       ref.Name().String(),
				Sha:       ref.Hash(),
				IsCurrent: ref.Name() == current,
				IsRemote:  ref.Name().IsRemote(),
			}
			if !b.IsRemote {
				if tr, err := m.getTracking(ctx, b.Name); err == nil {
					b.Tracking = tr
				} else if err != sql.ErrNoRows {
					return nil, err
				}
			}
			out = append(out, b)
		}
	}
	return out, nil
}

// Delete removes a branch. The current branch is never deletable; an
// unmerged branch needs force.
func (m *Manager) Delete(ctx context.Context, name string, force bool) error {
	refName := plumbing.NewBranchReferenceName(name)
	if current, err := m.currentBranch(ctx); err == nil && current == refName {
		return &ErrCannotDeleteCurrent{Name: name}
	}
	if !force {
		merged, into, err := m.mergedIntoHead(ctx, refName)
		if err != nil {
			return err
		}
		if !merged {
			return &ErrBranchNotMerged{Name: name, Into: into}
		}
	}
	if err := m.refs.DeleteRef(ctx, refName, &refs.UpdateOptions{Reason: "branch: deleted"}); err != nil {
		if refs.IsErrReferenceNotFound(err) {
			return &ErrBranchNotFound{Name: name}
		}
		return err
	}
	_, err := m.db.ExecContext(ctx, "delete from branch_tracking where branch = ?", name)
	return err
}

// Rename moves a branch to a new name, carrying its tracking row and
// repointing HEAD when the renamed branch is current.
func (m *Manager) Rename(ctx context.Context, from, to string, force bool) error {
	if !plumbing.ValidateBranchName([]byte(to)) {
		return &plumbing.ErrBadReferenceName{Name: to}
	}
	fromRef := plumbing.NewBranchReferenceName(from)
	toRef := plumbing.NewBranchReferenceName(to)
	ref, err := m.refs.GetRef(ctx, fromRef)
	if refs.IsErrReferenceNotFound(err) {
		return &ErrBranchNotFound{Name: from}
	}
	if err != nil {
		return err
	}
	wasCurrent := false
	if current, err := m.currentBranch(ctx); err == nil && current == fromRef {
		wasCurrent = true
	}

	opts := &refs.UpdateOptions{Create: true, Reason: "branch: renamed " + fromRef.String() + " to " + toRef.String()}
	if force {
		if _, err := m.refs.GetRef(ctx, toRef); err == nil {
			opts.Create = false
			opts.Force = true
		}
	}
	if err := m.refs.UpdateRef(ctx, toRef, ref.Hash(), opts); err != nil {
		return err
	}
	if wasCurrent {
		if err := m.refs.UpdateHead(ctx, toRef.String(), true, &refs.UpdateOptions{Reason: "branch: renamed"}); err != nil {
			return err
		}
	}
	if err := m.refs.DeleteRef(ctx, fromRef, &refs.UpdateOptions{Reason: "branch: renamed to " + to}); err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, "update branch_tracking set branch = ? where branch = ?", to, from)
	return err
}

// Current returns the checked-out branch, or ErrBranchNotFound when
// HEAD is detached or unborn.
func (m *Manager) Current(ctx context.Context) (*Branch, error) {
	name, err := m.currentBranch(ctx)
	if err != nil {
		return nil, &ErrBranchNotFound{Name: plumbing.HEAD.String()}
	}
	return m.Get(ctx, name.BranchName())
}

func (m *Manager) currentBranch(ctx context.Context) (plumbing.ReferenceName, error) {
	head, err := m.refs.Head(ctx)
	if err != nil {
		return "", err
	}
	if head.Type() != plumbing.SymbolicReference || !head.Target().IsBranch() {
		return "", plumbing.ErrReferenceNotFound
	}
	return head.Target(), nil
}

// IsMerged reports whether branch's tip is reachable from into's tip.
func (m *Manager) IsMerged(ctx context.Context, name, into string) (bool, error) {
	_, tip, err := m.refs.ResolveRef(ctx, plumbing.NewBranchReferenceName(name))
	if refs.IsErrReferenceNotFound(err) {
		return false, &ErrBranchNotFound{Name: name}
	}
	if err != nil {
		return false, err
	}
	_, intoTip, err := m.refs.ResolveRef(ctx, plumbing.NewBranchReferenceName(into))
	if refs.IsErrReferenceNotFound(err) {
		return false, &ErrBranchNotFound{Name: into}
	}
	if err != nil {
		return false, err
	}
	ancestors, err := m.ancestors(ctx, intoTip)
	if err != nil {
		return false, err
	}
	return ancestors[tip], nil
}

// mergedIntoHead gates delete: reachable from HEAD, or trivially
// merged when HEAD is unborn.
func (m *Manager) mergedIntoHead(ctx context.Context, refName plumbing.ReferenceName) (bool, string, error) {
	_, headSha, err := m.refs.ResolveRef(ctx, plumbing.HEAD)
	if refs.IsErrReferenceNotFound(err) {
		return true, "", nil
	}
	if err != nil {
		return false, "", err
	}
	_, tip, err := m.refs.ResolveRef(ctx, refName)
	if err != nil {
		return false, "", err
	}
	ancestors, err := m.ancestors(ctx, headSha)
	if err != nil {
		return false, "", err
	}
	return ancestors[tip], plumbing.HEAD.String(), nil
}

// ancestors returns the commits reachable from tip, tip included,
// bounded by maxWalk.
func (m *Manager) ancestors(ctx context.Context, tip plumbing.Hash) (map[plumbing.Hash]bool, error) {
	seen := map[plumbing.Hash]bool{tip: true}
	queue := []plumbing.Hash{tip}
	for steps := 0; len(queue) > 0 && steps < maxWalk; steps++ {
		oid := queue[0]
		queue = queue[1:]
		c, err := m.objects.GetCommit(ctx, oid)
		if plumbing.IsNoSuchObject(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, p := range c.Parents {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	return seen, nil
}
