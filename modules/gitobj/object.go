// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package gitobj implements the canonical git object formats: loose
// object framing, tree/commit/tag codecs and SHA-1 object identity.
package gitobj

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"strconv"

	"github.com/dot-do/gitx/modules/plumbing"
)

// ObjectType is one of the four git object types.
type ObjectType int8

const (
	InvalidObject ObjectType = 0
	BlobObject    ObjectType = 1
	TreeObject    ObjectType = 2
	CommitObject  ObjectType = 3
	TagObject     ObjectType = 4
)

func (t ObjectType) String() string {
	switch t {
	case BlobObject:
		return "blob"
	case TreeObject:
		return "tree"
	case CommitObject:
		return "commit"
	case TagObject:
		return "tag"
	}
	return "invalid"
}

func (t ObjectType) Valid() bool {
	return t >= BlobObject && t <= TagObject
}

// ParseObjectType parses an object type name.
func ParseObjectType(s string) (ObjectType, error) {
	switch s {
	case "blob":
		return BlobObject, nil
	case "tree":
		return TreeObject, nil
	case "commit":
		return CommitObject, nil
	case "tag":
		return TagObject, nil
	}
	return InvalidObject, fmt.Errorf("gitx: unknown object type %q", s)
}

// HashObject computes the object identity: SHA-1 over
// "<type> <len>\x00<payload>".
func HashObject(t ObjectType, payload []byte) plumbing.Hash {
	h := plumbing.NewHasher()
	_, _ = h.Write([]byte(t.String()))
	_, _ = h.Write([]byte{' '})
	_, _ = h.Write([]byte(strconv.Itoa(len(payload))))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return h.Sum()
}

// EncodeLoose frames payload as a canonical loose object:
// "<type> <len>\x00<payload>".
func EncodeLoose(t ObjectType, payload []byte) []byte {
	header := t.String() + " " + strconv.Itoa(len(payload))
	out := make([]byte, 0, len(header)+1+len(payload))
	out = append(out, header...)
	out = append(out, 0)
	out = append(out, payload...)
	return out
}

// DecodeLoose splits a canonical loose object into its type and payload.
func DecodeLoose(b []byte) (ObjectType, []byte, error) {
	nul := bytes.IndexByte(b, 0)
	if nul == -1 {
		return InvalidObject, nil, plumbing.NewErrMalformed(int64(len(b)), "loose object header not terminated")
	}
	header := b[:nul]
	typeName, sizeText, ok := bytes.Cut(header, []byte{' '})
	if !ok {
		return InvalidObject, nil, plumbing.NewErrMalformed(0, "loose object header missing size")
	}
	t, err := ParseObjectType(string(typeName))
	if err != nil {
		return InvalidObject, nil, plumbing.NewErrMalformed(0, "loose object type %q", typeName)
	}
	size, err := strconv.Atoi(string(sizeText))
	if err != nil || size < 0 {
		return InvalidObject, nil, plumbing.NewErrMalformed(int64(len(typeName)+1), "loose object size %q", sizeText)
	}
	payload := b[nul+1:]
	if len(payload) != size {
		return InvalidObject, nil, plumbing.NewErrMalformed(int64(nul+1), "loose object size mismatch: header %d, body %d", size, len(payload))
	}
	return t, payload, nil
}

// CompressLoose writes the zlib deflated loose framing of an object, the
// on-disk format git uses for loose objects.
func CompressLoose(t ObjectType, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(EncodeLoose(t, payload)); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UncompressLoose inflates and splits a deflated loose object.
func UncompressLoose(b []byte) (ObjectType, []byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return InvalidObject, nil, plumbing.NewErrMalformed(0, "bad zlib stream: %v", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return InvalidObject, nil, plumbing.NewErrMalformed(0, "truncated zlib stream: %v", err)
	}
	return DecodeLoose(raw)
}
