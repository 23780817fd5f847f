// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package gitobj

import (
	"bytes"
	"fmt"

	"github.com/dot-do/gitx/modules/plumbing"
)

// Tag is a parsed annotated tag object.
type Tag struct {
	Hash       plumbing.Hash `json:"hash"`
	Object     plumbing.Hash `json:"object"`
	ObjectType ObjectType    `json:"type"`
	Name       string        `json:"tag"`
	Tagger     *Signature    `json:"tagger,omitempty"`
	Message    string        `json:"message"`
}

// Encode serializes the tag payload (without the loose header).
func (t *Tag) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Object)
	fmt.Fprintf(&buf, "type %s\n", t.ObjectType)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	if t.Tagger != nil {
		fmt.Fprintf(&buf, "tagger %s\n", t.Tagger)
	}
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes()
}

// DecodeTag parses a tag payload.
func DecodeTag(b []byte) (*Tag, error) {
	t := &Tag{}
	var off int64
	rest := b
	for {
		line, remain, found := bytes.Cut(rest, []byte{'\n'})
		if !found {
			return nil, plumbing.NewErrMalformed(off, "tag header not terminated")
		}
		if len(line) == 0 {
			t.Message = string(remain)
			break
		}
		key, value, ok := bytes.Cut(line, []byte{' '})
		if !ok {
			return nil, plumbing.NewErrMalformed(off, "tag header line %q", line)
		}
		switch string(key) {
		case "object":
			oid, err := plumbing.NewHashEx(string(value))
			if err != nil {
				return nil, plumbing.NewErrMalformed(off, "tag object oid %q", value)
			}
			t.Object = oid
		case "type":
			ot, err := ParseObjectType(string(value))
			if err != nil {
				return nil, plumbing.NewErrMalformed(off, "tag object type %q", value)
			}
			t.ObjectType = ot
		case "tag":
			t.Name = string(value)
		case "tagger":
			t.Tagger = &Signature{}
			t.Tagger.Decode(value)
		}
		off += int64(len(line)) + 1
		rest = remain
	}
	if t.Object.IsZero() || !t.ObjectType.Valid() {
		return nil, plumbing.NewErrMalformed(0, "tag missing object or type header")
	}
	return t, nil
}
