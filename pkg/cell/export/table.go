// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"encoding/binary"
	"fmt"

	"github.com/dot-do/gitx/pkg/cell/exporter"
)

// Table frame layout: "GXTB" magic, version byte, codec byte, column
// count (2 bytes BE), row count (4 bytes BE); then per column a
// name (2-byte BE length prefixed) and one compressed block (4-byte BE
// length prefixed). A plain block is the column's values concatenated,
// each value 4-byte BE length prefixed.
var tableMagic = []byte("GXTB")

const tableVersion = 1

// ErrMalformedTable reports an undecodable table frame.
type ErrMalformedTable struct {
	Offset int
	Reason string
}

func (e *ErrMalformedTable) Error() string {
	return fmt.Sprintf("gitx: malformed table frame at byte %d: %s", e.Offset, e.Reason)
}

// Column is one named column of a table, row-aligned with its peers.
type Column struct {
	Name   string
	Values [][]byte
}

// EncodeTable serializes columns into one frame. All columns must have
// the same number of rows.
func EncodeTable(columns []Column, codec exporter.Codec) ([]byte, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("gitx: table needs at least one column")
	}
	rows := len(columns[0].Values)
	for _, col := range columns[1:] {
		if len(col.Values) != rows {
			return nil, fmt.Errorf("gitx: column %q has %d rows, want %d", col.Name, len(col.Values), rows)
		}
	}

	out := make([]byte, 0, 1024)
	out = append(out, tableMagic...)
	out = append(out, tableVersion, byte(codec))
	out = binary.BigEndian.AppendUint16(out, uint16(len(columns)))
	out = binary.BigEndian.AppendUint32(out, uint32(rows))
	for _, col := range columns {
		out = binary.BigEndian.AppendUint16(out, uint16(len(col.Name)))
		out = append(out, col.Name...)
		plain := make([]byte, 0, 256)
		for _, v := range col.Values {
			plain = binary.BigEndian.AppendUint32(plain, uint32(len(v)))
			plain = append(plain, v...)
		}
		block, err := exporter.Compress(codec, plain)
		if err != nil {
			return nil, err
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(block)))
		out = append(out, block...)
	}
	return out, nil
}

// DecodeTable parses a table frame back into its columns.
func DecodeTable(b []byte) ([]Column, error) {
	r := &tableReader{b: b}
	if string(r.take(4)) != string(tableMagic) {
		return nil, &ErrMalformedTable{Offset: 0, Reason: "bad magic"}
	}
	if v := r.takeByte(); v != tableVersion {
		return nil, &ErrMalformedTable{Offset: 4, Reason: fmt.Sprintf("unsupported version %d", v)}
	}
	codec := exporter.Codec(r.takeByte())
	cols := int(binary.BigEndian.Uint16(r.take(2)))
	rows := int(binary.BigEndian.Uint32(r.take(4)))
	if r.err != nil {
		return nil, &ErrMalformedTable{Offset: r.off, Reason: "truncated header"}
	}

	out := make([]Column, 0, cols)
	for i := 0; i < cols; i++ {
		nameLen := int(binary.BigEndian.Uint16(r.take(2)))
		name := string(r.take(nameLen))
		blockLen := int(binary.BigEndian.Uint32(r.take(4)))
		block := r.take(blockLen)
		if r.err != nil {
			return nil, &ErrMalformedTable{Offset: r.off, Reason: "truncated column"}
		}
		plain, err := exporter.Decompress(codec, block)
		if err != nil {
			return nil, &ErrMalformedTable{Offset: r.off, Reason: err.Error()}
		}
		values, err := splitValues(plain, rows)
		if err != nil {
			return nil, &ErrMalformedTable{Offset: r.off, Reason: err.Error()}
		}
		out = append(out, Column{Name: name, Values: values})
	}
	if r.off != len(b) {
		return nil, &ErrMalformedTable{Offset: r.off, Reason: "trailing bytes"}
	}
	return out, nil
}

func splitValues(plain []byte, rows int) ([][]byte, error) {
	values := make([][]byte, 0, rows)
	off := 0
	for i := 0; i < rows; i++ {
		if off+4 > len(plain) {
			return nil, fmt.Errorf("column block exhausted at row %d", i)
		}
		n := int(binary.BigEndian.Uint32(plain[off : off+4]))
		off += 4
		if off+n > len(plain) {
			return nil, fmt.Errorf("column block exhausted at row %d", i)
		}
		values = append(values, plain[off:off+n])
		off += n
	}
	if off != len(plain) {
		return nil, fmt.Errorf("column block has trailing bytes")
	}
	return values, nil
}

type tableReader struct {
	b   []byte
	off int
	err error
}

func (r *tableReader) take(n int) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.b) {
		if r.err == nil {
			r.err = fmt.Errorf("short read")
		}
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *tableReader) takeByte() byte {
	b := r.take(1)
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
