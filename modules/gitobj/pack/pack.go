// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package pack implements packfile version 2 framing: "PACK" magic,
// big-endian object count, per-object type+size headers with zlib
// compressed payloads, ofs-delta and ref-delta entries, and the
// trailing SHA-1 over the whole stream.
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

const (
	Version = 2

	typeCommit   = 1
	typeTree     = 2
	typeBlob     = 3
	typeTag      = 4
	typeOfsDelta = 6
	typeRefDelta = 7
)

var packMagic = [4]byte{'P', 'A', 'C', 'K'}

// Object is one fully resolved entry of a pack.
type Object struct {
	Type    gitobj.ObjectType
	Payload []byte
}

func (o *Object) Hash() plumbing.Hash {
	return gitobj.HashObject(o.Type, o.Payload)
}

func packType(t gitobj.ObjectType) byte {
	switch t {
	case gitobj.CommitObject:
		return typeCommit
	case gitobj.TreeObject:
		return typeTree
	case gitobj.BlobObject:
		return typeBlob
	case gitobj.TagObject:
		return typeTag
	}
	return 0
}

func objectType(t byte) gitobj.ObjectType {
	switch t {
	case typeCommit:
		return gitobj.CommitObject
	case typeTree:
		return gitobj.TreeObject
	case typeBlob:
		return gitobj.BlobObject
	case typeTag:
		return gitobj.TagObject
	}
	return gitobj.InvalidObject
}

// Encode writes objects as a version 2 pack. Entries are emitted
// undeltified; the trailing SHA-1 closes the stream.
func Encode(w io.Writer, objects []*Object) error {
	h := sha1.New()
	mw := io.MultiWriter(w, h)

	if _, err := mw.Write(packMagic[:]); err != nil {
		return err
	}
	var word [4]byte
	binary.BigEndian.PutUint32(word[:], Version)
	if _, err := mw.Write(word[:]); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(word[:], uint32(len(objects)))
	if _, err := mw.Write(word[:]); err != nil {
		return err
	}

	for _, o := range objects {
		if err := writeEntryHeader(mw, packType(o.Type), uint64(len(o.Payload))); err != nil {
			return err
		}
		zw := zlib.NewWriter(mw)
		if _, err := zw.Write(o.Payload); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
	}
	_, err := w.Write(h.Sum(nil))
	return err
}

// writeEntryHeader emits the variable length type+size header: the low
// nibble of the first byte carries size bits 0-3 and bits 4-6 the type;
// the MSB marks continuation with 7 size bits per following byte.
func writeEntryHeader(w io.Writer, t byte, size uint64) error {
	b := byte(t<<4) | byte(size&0x0f)
	size >>= 4
	for size > 0 {
		if _, err := w.Write([]byte{b | 0x80}); err != nil {
			return err
		}
		b = byte(size & 0x7f)
		size >>= 7
	}
	_, err := w.Write([]byte{b})
	return err
}

// BaseFunc resolves a ref-delta base that is not part of the pack
// itself, typically against an object store of already known objects.
type BaseFunc func(oid plumbing.Hash) (gitobj.ObjectType, []byte, error)

// Decode verifies the pack framing and returns every object with deltas
// resolved. A nil base resolver restricts ref-delta bases to objects
// appearing earlier in the same pack.
func Decode(b []byte, base BaseFunc) ([]*Object, error) {
	if len(b) < 12+plumbing.HASH_DIGEST_SIZE {
		return nil, plumbing.NewErrMalformed(0, "pack too short: %d bytes", len(b))
	}
	if !bytes.Equal(b[0:4], packMagic[:]) {
		return nil, plumbing.NewErrMalformed(0, "bad pack magic %q", b[0:4])
	}
	if v := binary.BigEndian.Uint32(b[4:8]); v != Version {
		return nil, plumbing.NewErrMalformed(4, "unsupported pack version %d", v)
	}
	count := binary.BigEndian.Uint32(b[8:12])

	body := b[:len(b)-plumbing.HASH_DIGEST_SIZE]
	trailer := b[len(b)-plumbing.HASH_DIGEST_SIZE:]
	sum := sha1.Sum(body)
	if !bytes.Equal(sum[:], trailer) {
		return nil, plumbing.NewErrMalformed(int64(len(body)), "pack checksum mismatch")
	}

	r := bytes.NewReader(body)
	if _, err := r.Seek(12, io.SeekStart); err != nil {
		return nil, err
	}

	objects := make([]*Object, 0, count)
	byOffset := make(map[int64]*Object, count)
	for i := uint32(0); i < count; i++ {
		offset := int64(len(body)) - int64(r.Len())
		o, err := readEntry(r, offset, byOffset, objects, base)
		if err != nil {
			return nil, err
		}
		objects = append(objects, o)
		byOffset[offset] = o
	}
	if r.Len() != 0 {
		return nil, plumbing.NewErrMalformed(int64(len(body))-int64(r.Len()), "trailing garbage after %d pack entries", count)
	}
	return objects, nil
}

func readEntry(r *bytes.Reader, offset int64, byOffset map[int64]*Object, prior []*Object, base BaseFunc) (*Object, error) {
	t, size, err := readEntryHeader(r, offset)
	if err != nil {
		return nil, err
	}
	switch t {
	case typeCommit, typeTree, typeBlob, typeTag:
		payload, err := inflate(r, size, offset)
		if err != nil {
			return nil, err
		}
		return &Object{Type: objectType(t), Payload: payload}, nil
	case typeOfsDelta:
		neg, err := readOfsDeltaOffset(r, offset)
		if err != nil {
			return nil, err
		}
		baseObj, ok := byOffset[offset-neg]
		if !ok {
			return nil, plumbing.NewErrMalformed(offset, "ofs-delta base at %d not found", offset-neg)
		}
		delta, err := inflate(r, size, offset)
		if err != nil {
			return nil, err
		}
		payload, err := applyDelta(baseObj.Payload, delta, offset)
		if err != nil {
			return nil, err
		}
		return &Object{Type: baseObj.Type, Payload: payload}, nil
	case typeRefDelta:
		var oid plumbing.Hash
		if _, err := io.ReadFull(r, oid[:]); err != nil {
			return nil, plumbing.NewErrMalformed(offset, "ref-delta base oid truncated")
		}
		baseType, basePayload, err := resolveRefDeltaBase(oid, prior, base)
		if err != nil {
			return nil, plumbing.NewErrMalformed(offset, "ref-delta base %s: %v", oid, err)
		}
		delta, err := inflate(r, size, offset)
		if err != nil {
			return nil, err
		}
		payload, err := applyDelta(basePayload, delta, offset)
		if err != nil {
			return nil, err
		}
		return &Object{Type: baseType, Payload: payload}, nil
	}
	return nil, plumbing.NewErrMalformed(offset, "unknown pack entry type %d", t)
}

func resolveRefDeltaBase(oid plumbing.Hash, prior []*Object, base BaseFunc) (gitobj.ObjectType, []byte, error) {
	for _, o := range prior {
		if o.Hash() == oid {
			return o.Type, o.Payload, nil
		}
	}
	if base != nil {
		return base(oid)
	}
	return gitobj.InvalidObject, nil, plumbing.NoSuchObject(oid)
}

func readEntryHeader(r *bytes.Reader, offset int64) (byte, uint64, error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, 0, plumbing.NewErrMalformed(offset, "pack entry header truncated")
	}
	t := (c >> 4) & 0x07
	size := uint64(c & 0x0f)
	shift := uint(4)
	for c&0x80 != 0 {
		if c, err = r.ReadByte(); err != nil {
			return 0, 0, plumbing.NewErrMalformed(offset, "pack entry size truncated")
		}
		size |= uint64(c&0x7f) << shift
		shift += 7
	}
	return t, size, nil
}

// readOfsDeltaOffset decodes the base offset of an ofs-delta entry;
// the encoding adds one to each continuation step so offsets are
// strictly positive.
func readOfsDeltaOffset(r *bytes.Reader, offset int64) (int64, error) {
	c, err := r.ReadByte()
	if err != nil {
		return 0, plumbing.NewErrMalformed(offset, "ofs-delta offset truncated")
	}
	neg := int64(c & 0x7f)
	for c&0x80 != 0 {
		if c, err = r.ReadByte(); err != nil {
			return 0, plumbing.NewErrMalformed(offset, "ofs-delta offset truncated")
		}
		neg = ((neg + 1) << 7) | int64(c&0x7f)
	}
	return neg, nil
}

// inflate reads one zlib stream in place. bytes.Reader implements
// io.ByteReader so the flate decoder consumes exactly the stream.
func inflate(r *bytes.Reader, expected uint64, offset int64) ([]byte, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, plumbing.NewErrMalformed(offset, "bad zlib stream: %v", err)
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, plumbing.NewErrMalformed(offset, "truncated zlib stream: %v", err)
	}
	if uint64(len(payload)) != expected {
		return nil, plumbing.NewErrMalformed(offset, "entry size mismatch: header %d, inflated %d", expected, len(payload))
	}
	return payload, nil
}
