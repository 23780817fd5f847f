// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package gitobj

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dot-do/gitx/modules/plumbing"
)

// Filemode values permitted in a tree entry.
const (
	ModeBlob       = 0o100644
	ModeExecutable = 0o100755
	ModeDir        = 0o040000
	ModeSymlink    = 0o120000
	ModeGitlink    = 0o160000
)

var validModes = map[uint32]bool{
	ModeBlob:       true,
	ModeExecutable: true,
	ModeDir:        true,
	ModeSymlink:    true,
	ModeGitlink:    true,
}

// TreeEntry is one mode/name/oid triple inside a tree object.
type TreeEntry struct {
	Mode uint32        `json:"mode"`
	Name string        `json:"name"`
	Hash plumbing.Hash `json:"hash"`
}

func (e *TreeEntry) IsDir() bool {
	return e.Mode == ModeDir
}

// sortName is the byte string the entry sorts by: git compares directory
// names as if they carried a trailing slash, which keeps the tree hash
// stable across encoders.
func (e *TreeEntry) sortName() string {
	if e.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

type ErrInvalidTreeEntry struct {
	Name   string
	Reason string
}

func (e *ErrInvalidTreeEntry) Error() string {
	return fmt.Sprintf("gitx: invalid tree entry %q: %s", e.Name, e.Reason)
}

func validateEntry(e *TreeEntry) error {
	switch {
	case len(e.Name) == 0:
		return &ErrInvalidTreeEntry{Name: e.Name, Reason: "empty name"}
	case e.Name == "." || e.Name == "..":
		return &ErrInvalidTreeEntry{Name: e.Name, Reason: "reserved name"}
	case strings.ContainsAny(e.Name, "/\x00"):
		return &ErrInvalidTreeEntry{Name: e.Name, Reason: "name contains '/' or NUL"}
	case !validModes[e.Mode]:
		return &ErrInvalidTreeEntry{Name: e.Name, Reason: fmt.Sprintf("mode %o not allowed", e.Mode)}
	case e.Hash.IsZero():
		return &ErrInvalidTreeEntry{Name: e.Name, Reason: "zero oid"}
	}
	return nil
}

// EncodeTree serializes entries in canonical form: sorted by byte order
// with directories compared as "name/", each frame being
// "<mode> <name>\x00<20-byte oid>". Input order does not matter; any
// permutation of the same entries yields identical bytes.
func EncodeTree(entries []*TreeEntry) ([]byte, error) {
	sorted := make([]*TreeEntry, len(entries))
	copy(sorted, entries)
	// duplicate check on raw names: the sort keys of a blob "a" and a
	// directory "a" ("a" vs "a/") need not be adjacent
	seen := make(map[string]bool, len(sorted))
	for _, e := range sorted {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if seen[e.Name] {
			return nil, &ErrInvalidTreeEntry{Name: e.Name, Reason: "duplicate name"}
		}
		seen[e.Name] = true
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].sortName() < sorted[j].sortName()
	})
	var buf bytes.Buffer
	for _, e := range sorted {
		buf.WriteString(strconv.FormatUint(uint64(e.Mode), 8))
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.Hash[:])
	}
	return buf.Bytes(), nil
}

// DecodeTree scans "<mode> <name>\x00<oid>" frames.
func DecodeTree(b []byte) ([]*TreeEntry, error) {
	entries := make([]*TreeEntry, 0, 8)
	var off int64
	for len(b) > 0 {
		sp := bytes.IndexByte(b, ' ')
		if sp == -1 {
			return nil, plumbing.NewErrMalformed(off, "tree entry missing mode terminator")
		}
		mode, err := strconv.ParseUint(string(b[:sp]), 8, 32)
		if err != nil {
			return nil, plumbing.NewErrMalformed(off, "tree entry mode %q", b[:sp])
		}
		b = b[sp+1:]
		off += int64(sp) + 1
		nul := bytes.IndexByte(b, 0)
		if nul == -1 {
			return nil, plumbing.NewErrMalformed(off, "tree entry name not terminated")
		}
		name := string(b[:nul])
		b = b[nul+1:]
		off += int64(nul) + 1
		if len(b) < plumbing.HASH_DIGEST_SIZE {
			return nil, plumbing.NewErrMalformed(off, "tree entry oid truncated")
		}
		var oid plumbing.Hash
		copy(oid[:], b[:plumbing.HASH_DIGEST_SIZE])
		b = b[plumbing.HASH_DIGEST_SIZE:]
		off += plumbing.HASH_DIGEST_SIZE
		entries = append(entries, &TreeEntry{Mode: uint32(mode), Name: name, Hash: oid})
	}
	return entries, nil
}
