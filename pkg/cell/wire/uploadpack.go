// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dot-do/gitx/modules/gitobj/pack"
	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/dot-do/gitx/modules/plumbing/format/pktline"
)

type uploadRequest struct {
	wants []plumbing.Hash
	haves []plumbing.Hash
	caps  []string
}

// UploadPack answers one fetch: reads the want/have negotiation from r
// and streams ACK/NAK plus the pack to w.
func (s *Server) UploadPack(ctx context.Context, w io.Writer, r io.Reader) error {
	req, err := parseUploadRequest(r)
	if err != nil {
		return err
	}
	e := pktline.NewEncoder(w)
	if len(req.wants) == 0 {
		return e.Flush()
	}

	// Simplified multi-ack: acknowledge the last common have, or NAK.
	var common []plumbing.Hash
	for _, have := range req.haves {
		ok, err := s.objects.HasObject(ctx, have)
		if err != nil {
			return err
		}
		if ok {
			common = append(common, have)
		}
	}
	if len(common) > 0 {
		if err := e.Encodef("ACK %s\n", common[len(common)-1]); err != nil {
			return err
		}
	} else if err := e.EncodeString("NAK\n"); err != nil {
		return err
	}

	objects, err := s.closure(ctx, req.wants, common)
	if err != nil {
		if hasCap(req.caps, capSideBand64k) {
			writeBandError(w, err)
		}
		return err
	}

	if !hasCap(req.caps, capSideBand64k) {
		return pack.Encode(w, objects)
	}
	progress := pktline.NewMuxer(pktline.BandProgress, w)
	fmt.Fprintf(progress, "Enumerating objects: %d, done.\n", len(objects))
	if err := pack.Encode(pktline.NewMuxer(pktline.BandPack, w), objects); err != nil {
		writeBandError(w, err)
		return err
	}
	return e.Flush()
}

func writeBandError(w io.Writer, err error) {
	mux := pktline.NewMuxer(pktline.BandError, w)
	fmt.Fprintf(mux, "%v\n", err)
}

func parseUploadRequest(r io.Reader) (*uploadRequest, error) {
	req := &uploadRequest{}
	sc := pktline.NewScanner(r)
	for sc.Scan() {
		line := string(bytes.TrimSuffix(sc.Bytes(), []byte{'\n'}))
		switch {
		case line == "":
			// flush between wants and haves
		case line == "done":
			return req, sc.Err()
		case strings.HasPrefix(line, "want "):
			rest := line[len("want "):]
			if fields := strings.Fields(rest); len(fields) > 1 {
				req.caps = append(req.caps, fields[1:]...)
				rest = fields[0]
			}
			sha, err := plumbing.NewHashEx(rest)
			if err != nil {
				return nil, &ErrBadRequest{Line: line}
			}
			req.wants = append(req.wants, sha)
		case strings.HasPrefix(line, "have "):
			sha, err := plumbing.NewHashEx(line[len("have "):])
			if err != nil {
				return nil, &ErrBadRequest{Line: line}
			}
			req.haves = append(req.haves, sha)
		default:
			return nil, &ErrBadRequest{Line: line}
		}
	}
	return req, sc.Err()
}
