// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package cell

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/gitobj/pack"
	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/dot-do/gitx/pkg/cell/exporter"
	"github.com/dot-do/gitx/pkg/cell/refs"
	"github.com/dot-do/gitx/pkg/cell/store"
	"github.com/dot-do/gitx/pkg/cell/wire"
)

// syncPutChunk bounds per-batch index transactions during a sync.
const syncPutChunk = 512

// Repository identifies the remote a sync pulls from.
type Repository struct {
	CloneURL string `json:"clone_url"`
	Ref      string `json:"ref,omitempty"`
}

// SyncRequest pulls a remote repository into the cell over smart HTTP.
type SyncRequest struct {
	Repository Repository `json:"repository"`
}

// SyncResult summarizes one sync.
type SyncResult struct {
	Success     bool     `json:"success"`
	ObjectCount int      `json:"objectCount"`
	Refs        []string `json:"refs"`
}

// Sync fetches the remote's branches (or the one requested ref),
// stores the new objects, feeds them to the columnar exporter, and
// fast-forwards the matching local refs. A remote with nothing new is
// a successful no-op.
func (rt *Runtime) Sync(ctx context.Context, req *SyncRequest) (*SyncResult, error) {
	remote := req.Repository.CloneURL
	if remote == "" {
		return nil, &wire.ErrBadRequest{Line: "sync: repository.clone_url required"}
	}
	ads, err := rt.client.DiscoverRefs(ctx, remote, wire.ServiceUploadPack)
	if err != nil {
		return nil, err
	}
	targets := rt.syncTargets(ads, req.Repository.Ref)
	if req.Repository.Ref != "" && len(targets) == 0 {
		return nil, &refs.ErrReferenceNotFound{Name: plumbing.ReferenceName(req.Repository.Ref)}
	}

	wants, err := rt.missingTips(ctx, targets)
	if err != nil {
		return nil, err
	}
	var count int
	if len(wants) > 0 {
		haves, err := rt.localTips(ctx)
		if err != nil {
			return nil, err
		}
		if count, err = rt.ingestPack(ctx, remote, wants, haves); err != nil {
			return nil, err
		}
	}

	names, err := rt.advanceRefs(ctx, targets)
	if err != nil {
		return nil, err
	}
	logrus.Infof("cell %s: synced %s: %d objects, %d refs", rt.cfg.Namespace, remote, count, len(names))
	return &SyncResult{Success: true, ObjectCount: count, Refs: names}, nil
}

// syncTargets selects the advertised refs a sync should mirror: every
// branch, or just the requested ref.
func (rt *Runtime) syncTargets(ads *wire.Advertisement, want string) []*plumbing.Reference {
	var targets []*plumbing.Reference
	for _, ref := range ads.Refs {
		switch {
		case want != "":
			if string(ref.Name()) == want || ref.Name().BranchName() == want {
				targets = append(targets, ref)
			}
		case ref.Name().IsBranch():
			targets = append(targets, ref)
		}
	}
	return targets
}

func (rt *Runtime) missingTips(ctx context.Context, targets []*plumbing.Reference) ([]plumbing.Hash, error) {
	var wants []plumbing.Hash
	seen := make(map[plumbing.Hash]bool)
	for _, ref := range targets {
		oid := ref.Hash()
		if seen[oid] {
			continue
		}
		seen[oid] = true
		ok, err := rt.objects.HasObject(ctx, oid)
		if err != nil {
			return nil, err
		}
		if !ok {
			wants = append(wants, oid)
		}
	}
	return wants, nil
}

// localTips gathers our branch tips as negotiation haves so the remote
// sends incremental packs.
func (rt *Runtime) localTips(ctx context.Context) ([]plumbing.Hash, error) {
	local, err := rt.refs.ListRefs(ctx, "refs/heads/")
	if err != nil {
		return nil, err
	}
	var haves []plumbing.Hash
	for _, ref := range local {
		if ref.Type() == plumbing.HashReference && !ref.Hash().IsZero() {
			haves = append(haves, ref.Hash())
		}
	}
	return haves, nil
}

func (rt *Runtime) ingestPack(ctx context.Context, remote string, wants, haves []plumbing.Hash) (int, error) {
	packBytes, err := rt.client.FetchPack(ctx, remote, wants, haves)
	if err != nil {
		return 0, err
	}
	objects, err := pack.Decode(packBytes, func(oid plumbing.Hash) (gitobj.ObjectType, []byte, error) {
		o, err := rt.objects.GetObject(ctx, oid)
		if err != nil {
			return gitobj.InvalidObject, nil, err
		}
		return o.Type, o.Payload, nil
	})
	if err != nil {
		return 0, fmt.Errorf("sync: decode pack: %w", err)
	}
	now := time.Now().UnixNano()
	for start := 0; start < len(objects); start += syncPutChunk {
		end := min(start+syncPutChunk, len(objects))
		batch := make([]*store.Incoming, 0, end-start)
		rows := make([]*exporter.Row, 0, end-start)
		for _, o := range objects[start:end] {
			batch = append(batch, &store.Incoming{Type: o.Type, Payload: o.Payload})
			rows = append(rows, &exporter.Row{Sha: o.Hash(), Type: o.Type, Payload: o.Payload, Ts: now})
		}
		if _, err := rt.objects.PutObjects(ctx, batch); err != nil {
			return 0, err
		}
		if err := rt.exporter.Accept(ctx, rows); err != nil {
			return 0, err
		}
	}
	return len(objects), nil
}

// advanceRefs moves each target ref to the advertised tip and mirrors
// a ref pointer into bulk storage for out-of-band readers.
func (rt *Runtime) advanceRefs(ctx context.Context, targets []*plumbing.Reference) ([]string, error) {
	names := make([]string, 0, len(targets))
	for _, ref := range targets {
		name := ref.Name()
		opts := &refs.UpdateOptions{Who: "sync", Reason: "sync from remote", Force: true}
		if _, err := rt.refs.GetRef(ctx, name); refs.IsErrReferenceNotFound(err) {
			opts.Create = true
		} else if err != nil {
			return nil, err
		}
		if err := rt.refs.UpdateRef(ctx, name, ref.Hash(), opts); err != nil {
			return nil, err
		}
		key := path.Join(rt.cfg.Prefix, string(name))
		body := []byte(ref.Hash().String() + "\n")
		if err := rt.bucket.Put(ctx, key, bytes.NewReader(body), int64(len(body)), nil); err != nil {
			logrus.Warnf("cell %s: mirror %s to bulk: %v", rt.cfg.Namespace, name, err)
		}
		names = append(names, string(name))
	}
	return names, nil
}
