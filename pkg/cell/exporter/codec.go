// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects the compression applied to segment column blocks.
type Codec byte

const (
	Uncompressed Codec = iota
	Snappy
	LZ4
	LZ4Raw
	Zstd
)

func (c Codec) String() string {
	switch c {
	case Uncompressed:
		return "uncompressed"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case LZ4Raw:
		return "lz4_raw"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("codec(%d)", byte(c))
}

// Ext is the segment key suffix for this codec.
func (c Codec) Ext() string {
	switch c {
	case Snappy:
		return "seg.sz"
	case LZ4:
		return "seg.lz4"
	case LZ4Raw:
		return "seg.lz4r"
	case Zstd:
		return "seg.zst"
	}
	return "seg"
}

func (c Codec) valid() bool { return c <= Zstd }

// ParseCodec maps a request parameter to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "", "uncompressed", "none":
		return Uncompressed, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "lz4_raw", "lz4raw":
		return LZ4Raw, nil
	case "zstd":
		return Zstd, nil
	}
	return Uncompressed, fmt.Errorf("unknown codec %q", s)
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// Compress applies c to one column block.
func Compress(c Codec, b []byte) ([]byte, error) { return compress(c, b) }

// Decompress reverses Compress.
func Decompress(c Codec, b []byte) ([]byte, error) { return decompress(c, b) }

func compress(c Codec, b []byte) ([]byte, error) {
	switch c {
	case Uncompressed:
		return b, nil
	case Snappy:
		return snappy.Encode(nil, b), nil
	case LZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(b); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case LZ4Raw:
		return lz4RawCompress(b)
	case Zstd:
		return zstdEncoder.EncodeAll(b, nil), nil
	}
	return nil, fmt.Errorf("unknown codec %d", byte(c))
}

func decompress(c Codec, b []byte) ([]byte, error) {
	switch c {
	case Uncompressed:
		return b, nil
	case Snappy:
		return snappy.Decode(nil, b)
	case LZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(b)))
	case LZ4Raw:
		return lz4RawDecompress(b)
	case Zstd:
		return zstdDecoder.DecodeAll(b, nil)
	}
	return nil, fmt.Errorf("unknown codec %d", byte(c))
}

// lz4RawCompress frames a raw LZ4 block as
// <orig-len:8><stored:1><block>; incompressible input is stored as-is
// with the stored flag set.
func lz4RawCompress(b []byte) ([]byte, error) {
	out := make([]byte, 9+lz4.CompressBlockBound(len(b)))
	binary.BigEndian.PutUint64(out[:8], uint64(len(b)))
	var c lz4.Compressor
	n, err := c.CompressBlock(b, out[9:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		out[8] = 1
		return append(out[:9], b...), nil
	}
	out[8] = 0
	return out[:9+n], nil
}

func lz4RawDecompress(b []byte) ([]byte, error) {
	if len(b) < 9 {
		return nil, fmt.Errorf("lz4 raw block too short: %d bytes", len(b))
	}
	origLen := binary.BigEndian.Uint64(b[:8])
	if b[8] == 1 {
		if uint64(len(b)-9) != origLen {
			return nil, fmt.Errorf("lz4 raw stored block length mismatch")
		}
		return b[9:], nil
	}
	out := make([]byte, origLen)
	n, err := lz4.UncompressBlock(b[9:], out)
	if err != nil {
		return nil, err
	}
	if uint64(n) != origLen {
		return nil, fmt.Errorf("lz4 raw block inflated %d bytes, expected %d", n, origLen)
	}
	return out, nil
}
