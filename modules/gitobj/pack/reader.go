// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
	"io"

	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/plumbing"
)

// EncodeIndexed writes objects as a version 2 pack like Encode and
// additionally returns the byte offset of every entry, which the cold
// tier records in the object index for point reads.
func EncodeIndexed(w io.Writer, objects []*Object) ([]int64, error) {
	h := sha1.New()
	var counted countingWriter
	counted.w = io.MultiWriter(w, h)

	if _, err := counted.Write(packMagic[:]); err != nil {
		return nil, err
	}
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], Version)
	if _, err := counted.Write(word[:]); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(word[:], uint32(len(objects)))
	if _, err := counted.Write(word[:]); err != nil {
		return nil, err
	}

	offsets := make([]int64, 0, len(objects))
	for _, o := range objects {
		offsets = append(offsets, counted.n)
		if err := writeEntryHeader(&counted, packType(o.Type), uint64(len(o.Payload))); err != nil {
			return nil, err
		}
		zw := zlib.NewWriter(&counted)
		if _, err := zw.Write(o.Payload); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
	}
	if _, err := w.Write(h.Sum(nil)); err != nil {
		return nil, err
	}
	return offsets, nil
}

// ReadEntry inflates the undeltified entry at offset in a pack image.
func ReadEntry(b []byte, offset int64) (*Object, error) {
	if offset < 12 || offset >= int64(len(b)) {
		return nil, plumbing.NewErrMalformed(offset, "pack offset out of range")
	}
	r := bytes.NewReader(b)
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	t, size, err := readEntryHeader(r, offset)
	if err != nil {
		return nil, err
	}
	ot := objectType(t)
	if ot == gitobj.InvalidObject {
		return nil, plumbing.NewErrMalformed(offset, "pack entry at offset is deltified or invalid (type %d)", t)
	}
	payload, err := inflate(r, size, offset)
	if err != nil {
		return nil, err
	}
	return &Object{Type: ot, Payload: payload}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
