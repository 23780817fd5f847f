// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package pack

import (
	"github.com/dot-do/gitx/modules/plumbing"
)

// applyDelta reconstructs a target payload from a base payload and a
// git delta stream: two size varints followed by copy/insert
// instructions.
func applyDelta(base, delta []byte, packOffset int64) ([]byte, error) {
	srcSize, n := deltaHeaderSize(delta)
	if n == 0 {
		return nil, plumbing.NewErrMalformed(packOffset, "delta source size truncated")
	}
	if uint64(len(base)) != srcSize {
		return nil, plumbing.NewErrMalformed(packOffset, "delta base size mismatch: want %d, have %d", srcSize, len(base))
	}
	delta = delta[n:]
	targetSize, n := deltaHeaderSize(delta)
	if n == 0 {
		return nil, plumbing.NewErrMalformed(packOffset, "delta target size truncated")
	}
	delta = delta[n:]

	target := make([]byte, 0, targetSize)
	for len(delta) > 0 {
		cmd := delta[0]
		delta = delta[1:]
		switch {
		case cmd&0x80 != 0:
			// copy from base: optional offset and size bytes selected
			// by the low cmd bits
			var offset, size uint64
			shift := uint(0)
			for bit := byte(0x01); bit <= 0x08; bit <<= 1 {
				if cmd&bit != 0 {
					if len(delta) == 0 {
						return nil, plumbing.NewErrMalformed(packOffset, "delta copy offset truncated")
					}
					offset |= uint64(delta[0]) << shift
					delta = delta[1:]
				}
				shift += 8
			}
			shift = 0
			for bit := byte(0x10); bit <= 0x40; bit <<= 1 {
				if cmd&bit != 0 {
					if len(delta) == 0 {
						return nil, plumbing.NewErrMalformed(packOffset, "delta copy size truncated")
					}
					size |= uint64(delta[0]) << shift
					delta = delta[1:]
				}
				shift += 8
			}
			if size == 0 {
				size = 0x10000
			}
			if offset+size > uint64(len(base)) {
				return nil, plumbing.NewErrMalformed(packOffset, "delta copy out of range: %d+%d > %d", offset, size, len(base))
			}
			target = append(target, base[offset:offset+size]...)
		case cmd != 0:
			// insert literal bytes
			if int(cmd) > len(delta) {
				return nil, plumbing.NewErrMalformed(packOffset, "delta insert truncated")
			}
			target = append(target, delta[:cmd]...)
			delta = delta[cmd:]
		default:
			return nil, plumbing.NewErrMalformed(packOffset, "delta cmd 0 is reserved")
		}
	}
	if uint64(len(target)) != targetSize {
		return nil, plumbing.NewErrMalformed(packOffset, "delta target size mismatch: want %d, got %d", targetSize, len(target))
	}
	return target, nil
}

// deltaHeaderSize decodes a little-endian 7-bit varint, returning the
// value and the number of bytes consumed (0 on truncation).
func deltaHeaderSize(b []byte) (uint64, int) {
	var v uint64
	var shift uint
	for i, c := range b {
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}
