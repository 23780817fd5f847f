// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/gitobj/pack"
	"github.com/dot-do/gitx/modules/plumbing"
	"github.com/dot-do/gitx/modules/plumbing/format/pktline"
	"github.com/dot-do/gitx/pkg/cell/refs"
	"github.com/dot-do/gitx/pkg/cell/store"
)

// putChunk is how many unpacked objects go into one store transaction.
const putChunk = 512

type refCommand struct {
	oldSha plumbing.Hash
	newSha plumbing.Hash
	name   plumbing.ReferenceName
}

type commandResult struct {
	name   plumbing.ReferenceName
	reason string // empty means ok
}

// ReceivePack answers one push: reads ref commands and the packfile
// from r, stores the objects, applies each command with CAS on its old
// sha, and writes the report-status response to w.
func (s *Server) ReceivePack(ctx context.Context, w io.Writer, r io.Reader) error {
	commands, caps, err := parseCommands(r)
	if err != nil {
		return err
	}
	out := w
	if hasCap(caps, capSideBand64k) {
		out = pktline.NewMuxer(pktline.BandPack, w)
	}
	e := pktline.NewEncoder(out)
	if len(commands) == 0 {
		return pktline.NewEncoder(w).Flush()
	}

	if err := s.unpack(ctx, r, commands); err != nil {
		if err := e.Encodef("unpack %v\n", err); err != nil {
			return err
		}
		for _, cmd := range commands {
			if err := e.Encodef("ng %s unpacker error\n", cmd.name); err != nil {
				return err
			}
		}
		return finishReport(w, e, caps)
	}
	if err := e.EncodeString("unpack ok\n"); err != nil {
		return err
	}

	results := s.applyCommands(ctx, commands, hasCap(caps, capAtomic))
	for _, res := range results {
		if res.reason == "" {
			err = e.Encodef("ok %s\n", res.name)
		} else {
			err = e.Encodef("ng %s %s\n", res.name, res.reason)
		}
		if err != nil {
			return err
		}
	}
	return finishReport(w, e, caps)
}

// finishReport closes the inner report and, under side-band, the outer
// stream.
func finishReport(w io.Writer, e *pktline.Encoder, caps []string) error {
	if err := e.Flush(); err != nil {
		return err
	}
	if hasCap(caps, capSideBand64k) {
		return pktline.NewEncoder(w).Flush()
	}
	return nil
}

// unpack decodes the pack that follows the command list and writes
// every object in chunked batches. Objects a push re-sends dedupe by
// sha inside the store.
func (s *Server) unpack(ctx context.Context, r io.Reader, commands []*refCommand) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		// delete-only pushes carry no pack
		return nil
	}
	objects, err := pack.Decode(raw, func(oid plumbing.Hash) (gitobj.ObjectType, []byte, error) {
		o, err := s.objects.GetObject(ctx, oid)
		if err != nil {
			return gitobj.InvalidObject, nil, err
		}
		return o.Type, o.Payload, nil
	})
	if err != nil {
		return err
	}
	for start := 0; start < len(objects); start += putChunk {
		end := min(start+putChunk, len(objects))
		batch := make([]*store.Incoming, 0, end-start)
		for _, o := range objects[start:end] {
			batch = append(batch, &store.Incoming{Type: o.Type, Payload: o.Payload})
		}
		if _, err := s.objects.PutObjects(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// applyCommands runs every command through the ref store. Under
// atomic, the first failure rolls back the commands already applied
// and fails the rest.
func (s *Server) applyCommands(ctx context.Context, commands []*refCommand, atomic bool) []*commandResult {
	results := make([]*commandResult, len(commands))
	applied := 0
	var failed error
	for i, cmd := range commands {
		err := s.applyCommand(ctx, cmd)
		if err == nil {
			results[i] = &commandResult{name: cmd.name}
			applied = i + 1
			continue
		}
		results[i] = &commandResult{name: cmd.name, reason: reasonFor(err)}
		if atomic {
			failed = err
			break
		}
	}
	if failed == nil {
		return results
	}
	for i := 0; i < applied; i++ {
		s.revertCommand(ctx, commands[i])
		results[i] = &commandResult{name: commands[i].name, reason: "atomic transaction failed"}
	}
	for i := applied; i < len(commands); i++ {
		if results[i] == nil {
			results[i] = &commandResult{name: commands[i].name, reason: "atomic transaction failed"}
		}
	}
	return results
}

func (s *Server) applyCommand(ctx context.Context, cmd *refCommand) error {
	opts := &refs.UpdateOptions{Who: "receive-pack", Reason: "push"}
	switch {
	case cmd.newSha.IsZero():
		return s.refs.DeleteRef(ctx, cmd.name, opts)
	case cmd.oldSha.IsZero():
		opts.Create = true
		return s.refs.UpdateRef(ctx, cmd.name, cmd.newSha, opts)
	default:
		opts.ExpectedOld = &cmd.oldSha
		return s.refs.UpdateRef(ctx, cmd.name, cmd.newSha, opts)
	}
}

// revertCommand best-effort restores a ref after an atomic push fails.
func (s *Server) revertCommand(ctx context.Context, cmd *refCommand) {
	opts := &refs.UpdateOptions{Who: "receive-pack", Reason: "atomic push rollback", Force: true}
	switch {
	case cmd.oldSha.IsZero():
		_ = s.refs.DeleteRef(ctx, cmd.name, opts)
	default:
		_ = s.refs.UpdateRef(ctx, cmd.name, cmd.oldSha, opts)
	}
}

func reasonFor(err error) string {
	switch {
	case refs.IsErrReferenceChanged(err):
		return "fetch first"
	case refs.IsErrProtectedReference(err), refs.IsErrReviewsMissing(err):
		return "protected branch"
	case plumbing.IsNoSuchObject(err):
		return "missing necessary objects"
	default:
		return strings.ReplaceAll(err.Error(), "\n", " ")
	}
}

// parseCommands reads `<old> <new> <ref>` lines up to the flush that
// separates them from the pack; capabilities ride after NUL on the
// first line.
func parseCommands(r io.Reader) ([]*refCommand, []string, error) {
	var commands []*refCommand
	var caps []string
	sc := pktline.NewScanner(r)
	for sc.Scan() {
		payload := sc.Bytes()
		if len(payload) == 0 {
			return commands, caps, sc.Err()
		}
		line := string(bytes.TrimSuffix(payload, []byte{'\n'}))
		if len(commands) == 0 {
			if head, tail, ok := strings.Cut(line, "\x00"); ok {
				caps = strings.Fields(tail)
				line = head
			}
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, nil, &ErrBadRequest{Line: line}
		}
		oldSha, err := plumbing.NewHashEx(fields[0])
		if err != nil {
			return nil, nil, &ErrBadRequest{Line: line}
		}
		newSha, err := plumbing.NewHashEx(fields[1])
		if err != nil {
			return nil, nil, &ErrBadRequest{Line: line}
		}
		commands = append(commands, &refCommand{oldSha: oldSha, newSha: newSha, name: plumbing.ReferenceName(fields[2])})
	}
	return commands, caps, sc.Err()
}
