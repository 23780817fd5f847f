// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package streamio holds small bounded-read helpers shared by config
// loading and other places that refuse to slurp unbounded input.
package streamio

import (
	"bytes"
	"io"
)

// ReadMax reads at most n bytes from r.
func ReadMax(r io.Reader, n int64) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(n))
	if _, err := buf.ReadFrom(io.LimitReader(r, n)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GrowReadMax reads at most n bytes from r, pre-growing the buffer to
// grow bytes for inputs whose typical size is far below the cap.
func GrowReadMax(r io.Reader, n int64, grow int) ([]byte, error) {
	var buf bytes.Buffer
	if grow <= 0 {
		grow = int(n)
	}
	buf.Grow(grow)
	if _, err := buf.ReadFrom(io.LimitReader(r, n)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
