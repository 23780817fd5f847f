// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"io"

	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/dot-do/gitx/modules/plumbing/format/pktline"
	"github.com/dot-do/gitx/pkg/cell/refs"
	"github.com/dot-do/gitx/pkg/cell/store"
)

// Server answers upload-pack and receive-pack for one cell.
type Server struct {
	objects *store.Store
	refs    *refs.Store
}

func NewServer(objects *store.Store, rs *refs.Store) *Server {
	return &Server{objects: objects, refs: rs}
}

// AdvertiseRefs writes the smart HTTP ref advertisement for service.
// An empty repository advertises only the capability line on the zero
// id, the way git-serve does.
func (s *Server) AdvertiseRefs(ctx context.Context, w io.Writer, service string) error {
	if service != ServiceUploadPack && service != ServiceReceivePack {
		return ErrUnknownService
	}
	e := pktline.NewEncoder(w)
	if err := e.Encodef("# service=%s\n", service); err != nil {
		return err
	}
	if err := e.Flush(); err != nil {
		return err
	}

	advertised, err := s.advertisable(ctx)
	if err != nil {
		return err
	}
	if len(advertised) == 0 {
		if err := e.Encodef("%s capabilities^{}\x00%s\n", plumbing.ZeroHash, capabilities(service)); err != nil {
			return err
		}
		return e.Flush()
	}
	for i, ref := range advertised {
		if i == 0 {
			err = e.Encodef("%s %s\x00%s\n", ref.Hash(), ref.Name(), capabilities(service))
		} else {
			err = e.Encodef("%s %s\n", ref.Hash(), ref.Name())
		}
		if err != nil {
			return err
		}
	}
	return e.Flush()
}

// advertisable is HEAD (resolved) first, then all refs, symbolic ones
// peeled to their terminal sha.
func (s *Server) advertisable(ctx context.Context) ([]*plumbing.Reference, error) {
	out := make([]*plumbing.Reference, 0, 16)
	if _, sha, err := s.refs.ResolveRef(ctx, plumbing.HEAD); err == nil && !sha.IsZero() {
		out = append(out, plumbing.NewHashReference(plumbing.HEAD, sha))
	}
	found, err := s.refs.ListRefs(ctx, "refs/")
	if err != nil {
		return nil, err
	}
	for _, ref := range found {
		if ref.Type() == plumbing.SymbolicReference {
			if _, sha, err := s.refs.ResolveRef(ctx, ref.Name()); err == nil {
				out = append(out, plumbing.NewHashReference(ref.Name(), sha))
			}
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}
