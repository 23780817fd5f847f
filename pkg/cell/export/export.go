// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package export writes analytic table snapshots of a cell — its
// reachable commits and its refs — as columnar files in bulk storage,
// tracked as asynchronous jobs.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dot-do/gitx/modules/bulk"
	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/dot-do/gitx/pkg/cell/exporter"
	"github.com/dot-do/gitx/pkg/cell/refs"
	"github.com/dot-do/gitx/pkg/cell/store"
)

const (
	TableCommits = "commits"
	TableRefs    = "refs"

	// maxCommitWalk bounds one commits export.
	maxCommitWalk = 100000
)

// Job states.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Request selects what one export job writes.
type Request struct {
	Tables []string `json:"tables,omitempty"`
	Codec  string   `json:"codec,omitempty"`
	Format string   `json:"format,omitempty"`
}

// Job is the externally visible state of one export.
type Job struct {
	ID         string    `json:"exportId"`
	Status     string    `json:"status"`
	Tables     []string  `json:"tables"`
	Codec      string    `json:"codec"`
	Keys       []string  `json:"keys,omitempty"`
	Rows       int       `json:"rows"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Manager runs export jobs for one cell.
type Manager struct {
	objects   *store.Store
	refs      *refs.Store
	bucket    bulk.Bucket
	prefix    string
	namespace string

	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewManager(objects *store.Store, rs *refs.Store, bucket bulk.Bucket, prefix, namespace string) *Manager {
	return &Manager{
		objects:   objects,
		refs:      rs,
		bucket:    bucket,
		prefix:    prefix,
		namespace: namespace,
		jobs:      make(map[string]*Job),
	}
}

// ErrInvalidRequest reports an export request Start refused.
type ErrInvalidRequest struct {
	Reason string
}

func (e *ErrInvalidRequest) Error() string {
	return "gitx: " + e.Reason
}

func IsErrInvalidRequest(err error) bool {
	var e *ErrInvalidRequest
	return errors.As(err, &e)
}

// Start validates the request and registers a running job; the caller
// drives Run, usually on a background dispatcher.
func (m *Manager) Start(req *Request) (*Job, exporter.Codec, error) {
	codec, err := exporter.ParseCodec(req.Codec)
	if err != nil {
		return nil, 0, &ErrInvalidRequest{Reason: err.Error()}
	}
	if req.Format != "" && req.Format != "raw" {
		return nil, 0, &ErrInvalidRequest{Reason: fmt.Sprintf("unsupported export format %q", req.Format)}
	}
	tables := req.Tables
	if len(tables) == 0 {
		tables = []string{TableCommits, TableRefs}
	}
	for _, table := range tables {
		if table != TableCommits && table != TableRefs {
			return nil, 0, &ErrInvalidRequest{Reason: fmt.Sprintf("unknown export table %q", table)}
		}
	}
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusRunning,
		Tables:    tables,
		Codec:     codec.String(),
		StartedAt: time.Now(),
	}
	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()
	return job, codec, nil
}

// Status returns a snapshot of one job, or false.
func (m *Manager) Status(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	snapshot := *job
	return &snapshot, true
}

// Run executes a started job to completion and records the outcome.
func (m *Manager) Run(ctx context.Context, id string, codec exporter.Codec) error {
	m.mu.RLock()
	job, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gitx: unknown export job %q", id)
	}

	var keys []string
	rows := 0
	var failed error
	for _, table := range job.Tables {
		var columns []Column
		var err error
		switch table {
		case TableCommits:
			columns, err = m.commitColumns(ctx)
		case TableRefs:
			columns, err = m.refColumns(ctx)
		}
		if err != nil {
			failed = err
			break
		}
		frame, err := EncodeTable(columns, codec)
		if err != nil {
			failed = err
			break
		}
		key := fmt.Sprintf("%s/exports/%s/%s.%s", m.prefix, job.ID, table, codec.Ext())
		if err := m.bucket.Put(ctx, key, bytes.NewReader(frame), int64(len(frame)), nil); err != nil {
			failed = err
			break
		}
		keys = append(keys, key)
		rows += len(columns[0].Values)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job.Keys = keys
	job.Rows = rows
	job.FinishedAt = time.Now()
	if failed != nil {
		job.Status = StatusFailed
		job.Error = failed.Error()
		logrus.Errorf("export %s failed: %v", job.ID, failed)
		return failed
	}
	job.Status = StatusComplete
	return nil
}

// commitColumns walks every commit reachable from the cell's refs.
func (m *Manager) commitColumns(ctx context.Context) ([]Column, error) {
	tips, err := m.refs.ListRefs(ctx, "refs/")
	if err != nil {
		return nil, err
	}
	seen := make(map[plumbing.Hash]bool, 64)
	queue := make([]plumbing.Hash, 0, len(tips))
	for _, ref := range tips {
		if _, sha, err := m.refs.ResolveRef(ctx, ref.Name()); err == nil && !sha.IsZero() && !seen[sha] {
			seen[sha] = true
			queue = append(queue, sha)
		}
	}

	columns := []Column{
		{Name: "sha"}, {Name: "tree_sha"}, {Name: "parent_shas"},
		{Name: "author"}, {Name: "committer"}, {Name: "message"}, {Name: "ts"},
	}
	appendRow := func(vals ...[]byte) {
		for i := range vals {
			columns[i].Values = append(columns[i].Values, vals[i])
		}
	}
	for steps := 0; len(queue) > 0 && steps < maxCommitWalk; steps++ {
		oid := queue[0]
		queue = queue[1:]
		c, err := m.objects.GetCommit(ctx, oid)
		if plumbing.IsNoSuchObject(err) {
			// a ref tip may point at a tag or blob
			continue
		}
		if err != nil {
			return nil, err
		}
		parents := make([]string, 0, len(c.Parents))
		for _, p := range c.Parents {
			parents = append(parents, p.String())
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
		parentList, err := json.Marshal(parents)
		if err != nil {
			return nil, err
		}
		appendRow(
			[]byte(oid.String()),
			[]byte(c.Tree.String()),
			parentList,
			[]byte(c.Author.String()),
			[]byte(c.Committer.String()),
			[]byte(c.Message),
			[]byte(strconv.FormatInt(c.Committer.When.Unix(), 10)),
		)
	}
	return columns, nil
}

// refColumns lists every ref with its terminal sha.
func (m *Manager) refColumns(ctx context.Context) ([]Column, error) {
	found, err := m.refs.ListRefs(ctx, "refs/")
	if err != nil {
		return nil, err
	}
	columns := []Column{{Name: "name"}, {Name: "target_sha"}, {Name: "repository"}}
	for _, ref := range found {
		sha := ref.Hash()
		if ref.Type() == plumbing.SymbolicReference {
			if _, resolved, err := m.refs.ResolveRef(ctx, ref.Name()); err == nil {
				sha = resolved
			} else {
				continue
			}
		}
		columns[0].Values = append(columns[0].Values, []byte(ref.Name().String()))
		columns[1].Values = append(columns[1].Values, []byte(sha.String()))
		columns[2].Values = append(columns[2].Values, []byte(m.namespace))
	}
	return columns, nil
}
