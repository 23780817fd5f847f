// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package branch

import (
	"context"
	"database/sql"
	"time"

	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/dot-do/gitx/pkg/cell/refs"
)

// Tracking is one branch's upstream relationship. Ahead and Behind are
// refreshed lazily; Gone marks an upstream whose ref has disappeared.
type Tracking struct {
	Remote       string `json:"remote"`
	RemoteBranch string `json:"remote_branch"`
	Ahead        int    `json:"ahead"`
	Behind       int    `json:"behind"`
	Gone         bool   `json:"gone"`
}

// SetUpstream records the upstream of a branch and refreshes its
// counters.
func (m *Manager) SetUpstream(ctx context.Context, name, remote, remoteBranch string) error {
	if _, err := m.refs.GetRef(ctx, plumbing.NewBranchReferenceName(name)); err != nil {
		if refs.IsErrReferenceNotFound(err) {
			return &ErrBranchNotFound{Name: name}
		}
		return err
	}
	if _, err := m.db.ExecContext(ctx,
		"insert into branch_tracking(branch, remote, remote_branch, ahead, behind, gone, updated_at) values(?,?,?,0,0,0,?) on conflict(branch) do update set remote = excluded.remote, remote_branch = excluded.remote_branch, updated_at = excluded.updated_at",
		name, remote, remoteBranch, time.Now().UnixNano()); err != nil {
		return err
	}
	_, err := m.RefreshTracking(ctx, name)
	return err
}

// UnsetUpstream drops the tracking row; missing rows are fine.
func (m *Manager) UnsetUpstream(ctx context.Context, name string) error {
	_, err := m.db.ExecContext(ctx, "delete from branch_tracking where branch = ?", name)
	return err
}

// RefreshTracking recomputes ahead/behind against the remote-tracking
// ref and persists the result.
func (m *Manager) RefreshTracking(ctx context.Context, name string) (*Tracking, error) {
	tr, err := m.getTracking(ctx, name)
	if err == sql.ErrNoRows {
		return nil, &ErrBranchNotFound{Name: name}
	}
	if err != nil {
		return nil, err
	}
	_, local, err := m.refs.ResolveRef(ctx, plumbing.NewBranchReferenceName(name))
	if err != nil {
		return nil, err
	}

	remoteRef := plumbing.NewRemoteReferenceName(tr.Remote, tr.RemoteBranch)
	_, remote, err := m.refs.ResolveRef(ctx, remoteRef)
	switch {
	case refs.IsErrReferenceNotFound(err):
		tr.Gone = true
		tr.Ahead, tr.Behind = 0, 0
	case err != nil:
		return nil, err
	default:
		tr.Gone = false
		if tr.Ahead, tr.Behind, err = m.AheadBehind(ctx, local, remote); err != nil {
			return nil, err
		}
	}
	if _, err := m.db.ExecContext(ctx,
		"update branch_tracking set ahead = ?, behind = ?, gone = ?, updated_at = ? where branch = ?",
		tr.Ahead, tr.Behind, tr.Gone, time.Now().UnixNano(), name); err != nil {
		return nil, err
	}
	return tr, nil
}

// AheadBehind counts commits reachable from exactly one of the two
// tips, each walk bounded by maxWalk.
func (m *Manager) AheadBehind(ctx context.Context, local, remote plumbing.Hash) (ahead, behind int, err error) {
	localSet, err := m.ancestors(ctx, local)
	if err != nil {
		return 0, 0, err
	}
	remoteSet, err := m.ancestors(ctx, remote)
	if err != nil {
		return 0, 0, err
	}
	for oid := range localSet {
		if !remoteSet[oid] {
			ahead++
		}
	}
	for oid := range remoteSet {
		if !localSet[oid] {
			behind++
		}
	}
	return ahead, behind, nil
}

func (m *Manager) getTracking(ctx context.Context, name string) (*Tracking, error) {
	tr := &Tracking{}
	err := m.db.QueryRowContext(ctx,
		"select remote, remote_branch, ahead, behind, gone from branch_tracking where branch = ?", name).
		Scan(&tr.Remote, &tr.RemoteBranch, &tr.Ahead, &tr.Behind, &tr.Gone)
	if err != nil {
		return nil, err
	}
	return tr, nil
}
