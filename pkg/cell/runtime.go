// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package cell is the single-writer coordinator of one RepoCell: it
// owns the object store, ref store, branch manager, columnar exporter
// and wire protocol server, serves the cell's HTTP surface, and runs
// the background alarm that drives flushing and compaction.
package cell

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/dot-do/gitx/modules/bulk"
	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/dot-do/gitx/pkg/cell/branch"
	"github.com/dot-do/gitx/pkg/cell/export"
	"github.com/dot-do/gitx/pkg/cell/exporter"
	"github.com/dot-do/gitx/pkg/cell/refs"
	"github.com/dot-do/gitx/pkg/cell/store"
	"github.com/dot-do/gitx/pkg/cell/wire"
)

// ErrNotInitialized reports an operation that needs a prior initialize.
var ErrNotInitialized = errors.New("gitx: cell not initialized")

// ErrInvalidNamespace reports a namespace that cannot appear in a URL
// path segment.
type ErrInvalidNamespace struct {
	Namespace string
}

func (e *ErrInvalidNamespace) Error() string {
	return fmt.Sprintf("gitx: invalid namespace %q", e.Namespace)
}

func IsErrInvalidNamespace(err error) bool {
	var e *ErrInvalidNamespace
	return errors.As(err, &e)
}

var namespacePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// taskQueueDepth bounds the best-effort background dispatcher.
const taskQueueDepth = 64

// Runtime is one live cell.
type Runtime struct {
	cfg    *Config
	db     *sql.DB
	bucket bulk.Bucket

	objects  *store.Store
	refs     *refs.Store
	branches *branch.Manager
	exporter *exporter.Exporter
	exports  *export.Manager
	server   *wire.Server
	client   *wire.Client

	srv     *http.Server
	router  http.Handler
	domains *DomainRouter

	lifetime context.Context
	stop     context.CancelFunc
	tasks    chan func(context.Context)
	wg       sync.WaitGroup
	alarm    *time.Timer

	startedAt time.Time
}

// New boots a runtime: schema migrations, component wiring, route
// table, dispatcher and alarm loop.
func New(ctx context.Context, cfg *Config) (*Runtime, error) {
	cfg.fill()
	if cfg.DataDir == "" {
		return nil, errors.New("gitx: data_dir not configured")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "cell.db"))
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writers; a single conn avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	bucket, err := openBucket(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	rt, err := wireComponents(ctx, cfg, db, bucket)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	rt.lifetime, rt.stop = context.WithCancel(context.Background())
	rt.tasks = make(chan func(context.Context), taskQueueDepth)
	rt.wg.Add(1)
	go rt.dispatchLoop()
	rt.alarm = time.AfterFunc(cfg.AlarmInterval.Duration, rt.onAlarm)
	rt.startedAt = time.Now()

	rt.domains = NewDomainRouter()
	rt.domains.Register("repository", rt.repositoryEntity)
	rt.router = rt.routes()
	rt.srv = &http.Server{
		Addr:         cfg.Listen,
		Handler:      rt.router,
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
		IdleTimeout:  cfg.IdleTimeout.Duration,
	}
	return rt, nil
}

func openBucket(ctx context.Context, cfg *Config) (bulk.Bucket, error) {
	if cfg.S3 == nil {
		logrus.Warnf("cell %s: no bulk storage configured, using in-memory bucket", cfg.Namespace)
		return bulk.NewMemory(), nil
	}
	return bulk.NewS3(ctx, &bulk.S3Options{
		Endpoint:        cfg.S3.Endpoint,
		Region:          cfg.S3.Region,
		Bucket:          cfg.S3.Bucket,
		AccessKeyID:     cfg.S3.AccessKeyID,
		AccessKeySecret: cfg.S3.AccessKeySecret,
		ForcePathStyle:  cfg.S3.ForcePathStyle,
	})
}

func wireComponents(ctx context.Context, cfg *Config, db *sql.DB, bucket bulk.Bucket) (*Runtime, error) {
	storeOpts := &store.Options{
		Prefix:        cfg.Prefix,
		HotObjectMax:  cfg.HotObjectMax,
		HotMaxBytes:   cfg.HotMaxBytes,
		EnableMetrics: cfg.Metrics,
	}
	if cfg.Cache != nil {
		storeOpts.CacheNumCounters = cfg.Cache.NumCounters
		storeOpts.CacheMaxCost = cfg.Cache.MaxCost
		storeOpts.CacheBufferItems = cfg.Cache.BufferItems
	}
	objects, err := store.Open(ctx, db, bucket, storeOpts)
	if err != nil {
		return nil, err
	}
	codec, err := exporter.ParseCodec(cfg.SegmentCodec)
	if err != nil {
		objects.Close()
		return nil, err
	}
	exp, err := exporter.Open(ctx, db, bucket, &exporter.Options{Prefix: cfg.Prefix, Codec: codec})
	if err != nil {
		objects.Close()
		return nil, err
	}
	// the exporter's bloom filter doubles as the store's membership
	// pre-filter
	objects.SetMembershipHint(exp)

	rs, err := refs.Open(ctx, db, objects)
	if err != nil {
		objects.Close()
		return nil, err
	}
	branches, err := branch.Open(ctx, db, rs, objects)
	if err != nil {
		objects.Close()
		return nil, err
	}
	if err := initMetaSchema(ctx, db); err != nil {
		objects.Close()
		return nil, err
	}
	return &Runtime{
		cfg:      cfg,
		db:       db,
		bucket:   bucket,
		objects:  objects,
		refs:     rs,
		branches: branches,
		exporter: exp,
		exports:  export.NewManager(objects, rs, bucket, cfg.Prefix, cfg.Namespace),
		server:   wire.NewServer(objects, rs),
		client:   wire.NewClient(nil),
	}, nil
}

// ListenAndServe blocks serving the cell's HTTP surface.
func (rt *Runtime) ListenAndServe() error {
	logrus.Infof("cell %s listening on %s", rt.cfg.Namespace, rt.cfg.Listen)
	return rt.srv.ListenAndServe()
}

// Handler exposes the route table; tests mount it on httptest servers.
func (rt *Runtime) Handler() http.Handler { return rt.router }

// Shutdown stops the HTTP server, the alarm and the dispatcher, then
// closes storage.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	err := rt.srv.Shutdown(ctx)
	rt.alarm.Stop()
	rt.stop()
	rt.wg.Wait()
	rt.objects.Close()
	if cerr := rt.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// WaitUntil schedules best-effort background work bounded by the
// cell's lifetime. Work is dropped, with a log line, when the queue is
// saturated or the cell is shutting down.
func (rt *Runtime) WaitUntil(task func(context.Context)) {
	select {
	case rt.tasks <- task:
	case <-rt.lifetime.Done():
		logrus.Warnf("cell %s: dropping background task, shutting down", rt.cfg.Namespace)
	default:
		logrus.Warnf("cell %s: dropping background task, queue full", rt.cfg.Namespace)
	}
}

func (rt *Runtime) dispatchLoop() {
	defer rt.wg.Done()
	for {
		select {
		case task := <-rt.tasks:
			task(rt.lifetime)
		case <-rt.lifetime.Done():
			return
		}
	}
}

// onAlarm drains the exporter buffer and drives compaction, re-arming
// itself at the retry interval the compaction loop asks for.
func (rt *Runtime) onAlarm() {
	next := rt.cfg.AlarmInterval.Duration

	ctx, cancel := context.WithTimeout(rt.lifetime, rt.cfg.FlushTimeout.Duration)
	if rt.exporter.Stats().BufferedRows > 0 {
		if err := rt.exporter.Flush(ctx); err != nil {
			logrus.Errorf("cell %s: alarm flush: %v", rt.cfg.Namespace, err)
		}
	}
	cancel()

	ctx, cancel = context.WithTimeout(rt.lifetime, rt.cfg.CompactTimeout.Duration)
	retryIn, err := rt.exporter.RunCompactionIfNeeded(ctx)
	if err != nil {
		logrus.Errorf("cell %s: compaction: %v", rt.cfg.Namespace, err)
	}
	if demoted, err := rt.objects.Maintain(ctx); err != nil {
		logrus.Errorf("cell %s: hot tier maintenance: %v", rt.cfg.Namespace, err)
	} else if demoted > 0 {
		logrus.Debugf("cell %s: demoted %d stale hot objects", rt.cfg.Namespace, demoted)
	}
	cancel()
	if retryIn > 0 {
		next = retryIn
	}

	select {
	case <-rt.lifetime.Done():
	default:
		rt.alarm.Reset(next)
	}
}

// InvalidateCaches drops every in-memory read accelerator.
func (rt *Runtime) InvalidateCaches() {
	rt.objects.InvalidateCaches()
}

var metaDDL = `create table if not exists cell_meta (
	key        text primary key,
	value      text not null,
	updated_at integer not null
)`

func initMetaSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, metaDDL)
	return err
}

func (rt *Runtime) metaGet(ctx context.Context, key string) (string, error) {
	var v string
	err := rt.db.QueryRowContext(ctx, "select value from cell_meta where key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (rt *Runtime) metaSet(ctx context.Context, key, value string) error {
	_, err := rt.db.ExecContext(ctx,
		"insert into cell_meta(key, value, updated_at) values(?,?,?) on conflict(key) do update set value = excluded.value, updated_at = excluded.updated_at",
		key, value, time.Now().UnixNano())
	return err
}

// Initialized reports whether the cell has a persisted namespace.
func (rt *Runtime) Initialized(ctx context.Context) (bool, error) {
	ns, err := rt.metaGet(ctx, "namespace")
	return ns != "", err
}

// Initialize persists the cell's namespace and seeds the initial empty
// tree and commit so clones of a fresh cell have a valid HEAD.
// Idempotent: initializing an already initialized cell is a no-op.
func (rt *Runtime) Initialize(ctx context.Context, ns, parent string) error {
	if !namespacePattern.MatchString(ns) {
		return &ErrInvalidNamespace{Namespace: ns}
	}
	current, err := rt.metaGet(ctx, "namespace")
	if err != nil {
		return err
	}
	if current != "" {
		if current != ns {
			return &ErrInvalidNamespace{Namespace: ns}
		}
		return nil
	}

	tree, err := rt.objects.PutTree(ctx, nil)
	if err != nil {
		return err
	}
	who := gitobj.Signature{Name: "gitx", Email: "cell@gitx", When: time.Now()}
	seed, err := rt.objects.PutCommit(ctx, &gitobj.Commit{
		Tree:      tree,
		Author:    who,
		Committer: who,
		Message:   "initialize cell " + ns + "\n",
	})
	if err != nil {
		return err
	}
	err = rt.refs.UpdateRef(ctx, plumbing.Mainline, seed, &refs.UpdateOptions{Create: true, Who: "cell", Reason: "initialize"})
	if err != nil && !refs.IsErrReferenceExists(err) {
		return err
	}
	if err := rt.refs.UpdateHead(ctx, plumbing.Mainline.String(), true, &refs.UpdateOptions{Who: "cell", Reason: "initialize"}); err != nil {
		return err
	}
	if err := rt.metaSet(ctx, "namespace", ns); err != nil {
		return err
	}
	if parent != "" {
		if err := rt.metaSet(ctx, "parent", parent); err != nil {
			return err
		}
	}
	logrus.Infof("cell %s initialized (parent=%q)", ns, parent)
	return nil
}

// ForkRequest asks the scheduler for a new cell parented on this one.
type ForkRequest struct {
	To     string `json:"ns"`
	Branch string `json:"branch,omitempty"`
}

// ForkResult describes the requested child cell; the scheduler that
// hosts cells performs the actual placement.
type ForkResult struct {
	Namespace string `json:"ns"`
	Parent    string `json:"parent"`
	Branch    string `json:"branch,omitempty"`
}

// Fork validates a fork request against this cell's state.
func (rt *Runtime) Fork(ctx context.Context, req *ForkRequest) (*ForkResult, error) {
	ns, err := rt.metaGet(ctx, "namespace")
	if err != nil {
		return nil, err
	}
	if ns == "" {
		return nil, ErrNotInitialized
	}
	if !namespacePattern.MatchString(req.To) {
		return nil, &ErrInvalidNamespace{Namespace: req.To}
	}
	if req.To == ns {
		return nil, &refs.ErrReferenceExists{Name: plumbing.ReferenceName(req.To)}
	}
	branchName := req.Branch
	if branchName != "" {
		if _, err := rt.branches.Get(ctx, branchName); err != nil {
			return nil, err
		}
	}
	return &ForkResult{Namespace: req.To, Parent: ns, Branch: branchName}, nil
}

// CompactReport counts what a compaction pass would touch; the actual
// columnar compaction runs on the alarm loop.
type CompactReport struct {
	Segments   int   `json:"segments"`
	HotObjects int64 `json:"hot_objects"`
	HotBytes   int64 `json:"hot_bytes"`
}

// Compact reports compactable state without mutating it.
func (rt *Runtime) Compact(ctx context.Context) (*CompactReport, error) {
	segments, err := rt.exporter.SegmentCount(ctx)
	if err != nil {
		return nil, err
	}
	count, bytes, err := rt.objects.HotStats(ctx)
	if err != nil {
		return nil, err
	}
	return &CompactReport{Segments: segments, HotObjects: count, HotBytes: bytes}, nil
}
