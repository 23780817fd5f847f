// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package pktline

import (
	"errors"
	"io"
)

var (
	// ErrInvalidPktLen is returned by Err() when an invalid pkt-len is found.
	ErrInvalidPktLen = errors.New("invalid pkt-len found")
)

// Scanner provides a convenient interface for reading the payloads of a
// series of pkt-lines.  It takes an io.Reader providing the source,
// which then can be tokenized through repeated calls to the Scan
// method.
//
// After each Scan call, the Bytes method will return the payload of the
// corresponding pkt-line on a shared buffer, which will be 65516 bytes
// or smaller.  Flush pkt-lines are represented by empty byte slices.
//
// Scanning stops at EOF or the first I/O error.
type Scanner struct {
	r       io.Reader
	err     error
	payload []byte
	len     [lenSize]byte
	buf     [MaxPayloadSize]byte
}

// NewScanner returns a new Scanner to read from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r}
}

// Err returns the first error encountered by the Scanner.
func (s *Scanner) Err() error {
	return s.err
}

// Scan advances the Scanner to the next pkt-line, whose payload will
// then be available through the Bytes method.  Scanning stops at EOF
// or the first I/O error.  After Scan returns false, the Err method
// will return any error that occurred during scanning, except that if
// it was io.EOF, Err will return nil.
func (s *Scanner) Scan() bool {
	var l int
	if l, s.err = s.readPayloadLen(); s.err == io.EOF {
		s.err = nil
		return false
	}
	if s.err != nil {
		return false
	}

	if s.err = s.readPayload(l); s.err != nil {
		return false
	}
	return true
}

// Bytes returns the most recent payload generated by a call to Scan.
// The underlying array may point to data that will be overwritten by a
// subsequent call to Scan. It does no allocation.
func (s *Scanner) Bytes() []byte {
	return s.payload
}

// readPayloadLen returns the payload length by reading the pkt-len and
// subtracting the pkt-len size.
func (s *Scanner) readPayloadLen() (int, error) {
	if _, err := io.ReadFull(s.r, s.len[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, ErrInvalidPktLen
		}
		return 0, err
	}

	n, err := hexDecode(s.len)
	if err != nil {
		return 0, err
	}

	switch {
	case n == 0:
		return 0, nil
	case n <= lenSize:
		return 0, ErrInvalidPktLen
	case n > MaxPayloadSize+lenSize:
		return 0, ErrInvalidPktLen
	default:
		return n - lenSize, nil
	}
}

// hexDecode returns the value of the 4 hexadecimal digits in b.
func hexDecode(b [lenSize]byte) (int, error) {
	var n int
	for i := 0; i < lenSize; i++ {
		d := asciiHexToByte(b[i])
		if d == 255 {
			return 0, ErrInvalidPktLen
		}
		n = n<<4 | int(d)
	}
	return n, nil
}

func asciiHexToByte(b byte) byte {
	switch {
	case b >= '0' && b <= '9':
		return b - '0'
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10
	default:
		return 255
	}
}

func (s *Scanner) readPayload(l int) error {
	if l == 0 {
		s.payload = s.buf[:0]
		return nil
	}
	if _, err := io.ReadFull(s.r, s.buf[:l]); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	s.payload = s.buf[:l]
	return nil
}
