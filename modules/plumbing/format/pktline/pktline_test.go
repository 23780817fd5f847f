// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package pktline

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	require.NoError(t, e.EncodeString("hello\n", "world\n"))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Encodef("want %s\n", "deadbeef"))

	s := NewScanner(&buf)
	require.True(t, s.Scan())
	require.Equal(t, "hello\n", string(s.Bytes()))
	require.True(t, s.Scan())
	require.Equal(t, "world\n", string(s.Bytes()))
	require.True(t, s.Scan())
	require.Len(t, s.Bytes(), 0) // flush-pkt
	require.True(t, s.Scan())
	require.Equal(t, "want deadbeef\n", string(s.Bytes()))
	require.False(t, s.Scan())
	require.NoError(t, s.Err())
}

func TestEncodePayloadTooLong(t *testing.T) {
	e := NewEncoder(io.Discard)
	require.ErrorIs(t, e.Encode(make([]byte, MaxPayloadSize+1)), ErrPayloadTooLong)
}

func TestScannerInvalidLen(t *testing.T) {
	for _, in := range []string{"wwww", "0001", "0003", "ffff"} {
		s := NewScanner(strings.NewReader(in))
		require.False(t, s.Scan(), in)
		require.Error(t, s.Err(), in)
	}
}

func TestSidebandMux(t *testing.T) {
	var buf bytes.Buffer
	mux := NewMuxer(BandPack, &buf)
	payload := bytes.Repeat([]byte{0xaa}, maxBandPayload+100)
	n, err := mux.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	NewEncoder(&buf).Flush()

	var progress bytes.Buffer
	d := NewDemuxer(&buf)
	d.Progress = &progress
	out, err := io.ReadAll(d)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestSidebandError(t *testing.T) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	require.NoError(t, e.Encode(append([]byte{BandError}, []byte("object store on fire")...)))

	d := NewDemuxer(&buf)
	_, err := io.ReadAll(d)
	require.ErrorContains(t, err, "object store on fire")
}
