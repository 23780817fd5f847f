// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package pktline implements the pkt-line framing used by the git smart
// wire protocols: each line carries a 4 hex digit length prefix which
// includes the prefix itself, and the special length 0000 is a flush-pkt.
package pktline

const (
	// lenSize is the size of the length prefix, in bytes.
	lenSize = 4

	// MaxPayloadSize is the maximum payload size of a pkt-line.
	MaxPayloadSize = 65516

	// FlushString is the flush-pkt on the wire.
	FlushString = "0000"
)

var (
	flushPkt = []byte(FlushString)
)
