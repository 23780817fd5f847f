// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"

	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/gitobj/pack"
	"github.com/dot-do/gitx/modules/plumbing"
)

// maxClosureWalk bounds the commit frontier of one negotiation.
const maxClosureWalk = 100000

// closure enumerates every object reachable from wants that is not
// reachable from haves: commits first, then each kept commit's trees
// and blobs, deduplicated. Tag wants are peeled and included.
func (s *Server) closure(ctx context.Context, wants, haves []plumbing.Hash) ([]*pack.Object, error) {
	cut, err := s.commitSet(ctx, haves)
	if err != nil {
		return nil, err
	}

	var out []*pack.Object
	seen := make(map[plumbing.Hash]bool, 64)
	keep := func(oid plumbing.Hash, t gitobj.ObjectType, payload []byte) {
		if !seen[oid] {
			seen[oid] = true
			out = append(out, &pack.Object{Type: t, Payload: payload})
		}
	}

	queue := make([]plumbing.Hash, 0, len(wants))
	queued := make(map[plumbing.Hash]bool, len(wants))
	for _, want := range wants {
		o, err := s.objects.GetObject(ctx, want)
		if err != nil {
			return nil, err
		}
		if o.Type == gitobj.TagObject {
			keep(want, o.Type, o.Payload)
			tag, err := gitobj.DecodeTag(o.Payload)
			if err != nil {
				return nil, err
			}
			want = tag.Object
			if o, err = s.objects.GetObject(ctx, want); err != nil {
				return nil, err
			}
		}
		if o.Type != gitobj.CommitObject {
			keep(want, o.Type, o.Payload)
			continue
		}
		if !queued[want] && !cut[want] {
			queued[want] = true
			queue = append(queue, want)
		}
	}

	for steps := 0; len(queue) > 0 && steps < maxClosureWalk; steps++ {
		oid := queue[0]
		queue = queue[1:]
		o, err := s.objects.GetObject(ctx, oid)
		if err != nil {
			return nil, err
		}
		keep(oid, o.Type, o.Payload)
		c, err := gitobj.DecodeCommit(o.Payload)
		if err != nil {
			return nil, err
		}
		if err := s.keepTree(ctx, c.Tree, seen, &out); err != nil {
			return nil, err
		}
		for _, p := range c.Parents {
			if !queued[p] && !cut[p] {
				queued[p] = true
				queue = append(queue, p)
			}
		}
	}
	return out, nil
}

func (s *Server) keepTree(ctx context.Context, oid plumbing.Hash, seen map[plumbing.Hash]bool, out *[]*pack.Object) error {
	if seen[oid] {
		return nil
	}
	o, err := s.objects.GetObject(ctx, oid)
	if err != nil {
		return err
	}
	seen[oid] = true
	*out = append(*out, &pack.Object{Type: gitobj.TreeObject, Payload: o.Payload})
	entries, err := gitobj.DecodeTree(o.Payload)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		switch {
		case entry.IsDir():
			if err := s.keepTree(ctx, entry.Hash, seen, out); err != nil {
				return err
			}
		case entry.Mode == gitobj.ModeGitlink:
			// submodule commits live in another repository
		default:
			if seen[entry.Hash] {
				continue
			}
			blob, err := s.objects.GetObject(ctx, entry.Hash)
			if err != nil {
				return err
			}
			seen[entry.Hash] = true
			*out = append(*out, &pack.Object{Type: blob.Type, Payload: blob.Payload})
		}
	}
	return nil
}

// commitSet is the commits reachable from the given tips. Tips the
// store does not have are ignored, so stale haves cost nothing.
func (s *Server) commitSet(ctx context.Context, tips []plumbing.Hash) (map[plumbing.Hash]bool, error) {
	seen := make(map[plumbing.Hash]bool, len(tips))
	queue := make([]plumbing.Hash, 0, len(tips))
	for _, tip := range tips {
		if !seen[tip] {
			seen[tip] = true
			queue = append(queue, tip)
		}
	}
	for steps := 0; len(queue) > 0 && steps < maxClosureWalk; steps++ {
		oid := queue[0]
		queue = queue[1:]
		c, err := s.objects.GetCommit(ctx, oid)
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
