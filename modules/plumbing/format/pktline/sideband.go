// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package pktline

import (
	"errors"
	"fmt"
	"io"
)

// Side-band-64k channel numbers.
const (
	BandPack     byte = 1
	BandProgress byte = 2
	BandError    byte = 3

	// maxBandPayload leaves room for the channel byte within a pkt-line.
	maxBandPayload = MaxPayloadSize - 1
)

// Muxer multiplexes one side-band channel over pkt-lines.
type Muxer struct {
	band byte
	e    *Encoder
}

// NewMuxer returns a writer that frames everything written to it as
// pkt-lines on the given band.
func NewMuxer(band byte, w io.Writer) *Muxer {
	return &Muxer{band: band, e: NewEncoder(w)}
}

func (m *Muxer) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		n := min(len(p), maxBandPayload)
		chunk := make([]byte, 0, n+1)
		chunk = append(chunk, m.band)
		chunk = append(chunk, p[:n]...)
		if err := m.e.Encode(chunk); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Demuxer reads a side-band-64k stream, copying pack data through and
// surfacing progress and error bands.
type Demuxer struct {
	s        *Scanner
	pending  []byte
	Progress io.Writer
}

func NewDemuxer(r io.Reader) *Demuxer {
	return &Demuxer{s: NewScanner(r)}
}

func (d *Demuxer) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		if !d.s.Scan() {
			if err := d.s.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		payload := d.s.Bytes()
		if len(payload) == 0 {
			// flush-pkt terminates the stream
			return 0, io.EOF
		}
		switch payload[0] {
		case BandPack:
			d.pending = append(d.pending[:0], payload[1:]...)
		case BandProgress:
			if d.Progress != nil {
				_, _ = d.Progress.Write(payload[1:])
			}
		case BandError:
			return 0, fmt.Errorf("remote error: %s", string(payload[1:]))
		default:
			return 0, errors.New("invalid side-band channel")
		}
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}
