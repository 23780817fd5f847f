// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dot-do/gitx/modules/gitobj"
	"github.com/dot-do/gitx/modules/plumbing"
)

// Row is one object record of a columnar segment.
type Row struct {
	Sha     plumbing.Hash
	Type    gitobj.ObjectType
	Payload []byte
	Ts      int64

	walID int64
}

// Segment frame:
//
//	"GXSG" | version:1 | codec:1 | rows:4(BE)
//	then five column blocks, each <len:4(BE)><codec-compressed bytes>:
//	sha (20B fixed), type (1B), size (8B BE), payload (concatenated,
//	split by the size column), ts (8B BE)
const (
	segmentVersion = 1
	segmentMagic   = "GXSG"
)

// EncodeSegment serializes rows column-major with the given codec.
func EncodeSegment(rows []*Row, codec Codec) ([]byte, error) {
	if !codec.valid() {
		return nil, fmt.Errorf("unknown codec %d", byte(codec))
	}
	n := len(rows)
	shaCol := make([]byte, 0, n*plumbing.HASH_DIGEST_SIZE)
	typeCol := make([]byte, 0, n)
	sizeCol := make([]byte, 0, n*8)
	tsCol := make([]byte, 0, n*8)
	var payloadLen int
	for _, r := range rows {
		payloadLen += len(r.Payload)
	}
	payloadCol := make([]byte, 0, payloadLen)

	var word [8]byte
	for _, r := range rows {
		shaCol = append(shaCol, r.Sha[:]...)
		typeCol = append(typeCol, byte(r.Type))
		binary.BigEndian.PutUint64(word[:], uint64(len(r.Payload)))
		sizeCol = append(sizeCol, word[:]...)
		payloadCol = append(payloadCol, r.Payload...)
		binary.BigEndian.PutUint64(word[:], uint64(r.Ts))
		tsCol = append(tsCol, word[:]...)
	}

	out := make([]byte, 0, 10+payloadLen/2)
	out = append(out, segmentMagic...)
	out = append(out, segmentVersion, byte(codec))
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(n))
	out = append(out, count[:]...)
	for _, col := range [][]byte{shaCol, typeCol, sizeCol, payloadCol, tsCol} {
		block, err := compress(codec, col)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(count[:], uint32(len(block)))
		out = append(out, count[:]...)
		out = append(out, block...)
	}
	return out, nil
}

// DecodeSegment parses a segment frame back into rows.
func DecodeSegment(b []byte) ([]*Row, error) {
	if len(b) < 10 || string(b[0:4]) != segmentMagic {
		return nil, plumbing.NewErrMalformed(0, "not a columnar segment")
	}
	if b[4] != segmentVersion {
		return nil, plumbing.NewErrMalformed(4, "unsupported segment version %d", b[4])
	}
	codec := Codec(b[5])
	if !codec.valid() {
		return nil, plumbing.NewErrMalformed(5, "unknown segment codec %d", b[5])
	}
	n := int(binary.BigEndian.Uint32(b[6:10]))

	cols := make([][]byte, 0, 5)
	rest := b[10:]
	for i := 0; i < 5; i++ {
		if len(rest) < 4 {
			return nil, plumbing.NewErrMalformed(int64(len(b)-len(rest)), "segment column header truncated")
		}
		blockLen := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if len(rest) < blockLen {
			return nil, plumbing.NewErrMalformed(int64(len(b)-len(rest)), "segment column block truncated")
		}
		col, err := decompress(codec, rest[:blockLen])
		if err != nil {
			return nil, plumbing.NewErrMalformed(int64(len(b)-len(rest)), "segment column block: %v", err)
		}
		cols = append(cols, col)
		rest = rest[blockLen:]
	}
	shaCol, typeCol, sizeCol, payloadCol, tsCol := cols[0], cols[1], cols[2], cols[3], cols[4]
	if len(shaCol) != n*plumbing.HASH_DIGEST_SIZE || len(typeCol) != n || len(sizeCol) != n*8 || len(tsCol) != n*8 {
		return nil, plumbing.NewErrMalformed(10, "segment column sizes disagree with row count %d", n)
	}

	rows := make([]*Row, 0, n)
	var off int
	for i := 0; i < n; i++ {
		size := int(binary.BigEndian.Uint64(sizeCol[i*8 : i*8+8]))
		if off+size > len(payloadCol) {
			return nil, plumbing.NewErrMalformed(10, "segment payload column exhausted at row %d", i)
		}
		r := &Row{
			Type:    gitobj.ObjectType(typeCol[i]),
			Payload: payloadCol[off : off+size],
			Ts:      int64(binary.BigEndian.Uint64(tsCol[i*8 : i*8+8])),
		}
		copy(r.Sha[:], shaCol[i*plumbing.HASH_DIGEST_SIZE:(i+1)*plumbing.HASH_DIGEST_SIZE])
		rows = append(rows, r)
		off += size
	}
	if off != len(payloadCol) {
		return nil, plumbing.NewErrMalformed(10, "segment payload column has %d trailing bytes", len(payloadCol)-off)
	}
	return rows, nil
}

// NewRow stamps an object for the buffer.
func NewRow(sha plumbing.Hash, t gitobj.ObjectType, payload []byte) *Row {
	return &Row{Sha: sha, Type: t, Payload: payload, Ts: time.Now().UnixNano()}
}
