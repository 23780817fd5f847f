// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the git smart HTTP protocol on both sides:
// ref advertisement, upload-pack negotiation and pack streaming for
// fetch, receive-pack for push, and the client used for cell sync.
package wire

import (
	"errors"
	"fmt"
	"strings"
)

const (
	ServiceUploadPack  = "git-upload-pack"
	ServiceReceivePack = "git-receive-pack"

	agent = "gitx/1"

	capSideBand64k = "side-band-64k"
	capAtomic      = "atomic"
)

// capabilities advertised on the first ref line.
func capabilities(service string) string {
	switch service {
	case ServiceReceivePack:
		return strings.Join([]string{"report-status", "delete-refs", capAtomic, capSideBand64k, "agent=" + agent}, " ")
	default:
		return strings.Join([]string{"multi_ack_detailed", "no-done", capSideBand64k, "ofs-delta", "agent=" + agent}, " ")
	}
}

var ErrUnknownService = errors.New("gitx: unknown git service")

// ErrBadRequest reports a malformed protocol request.
type ErrBadRequest struct {
	Line string
}

func (e *ErrBadRequest) Error() string {
	return fmt.Sprintf("gitx: malformed wire request line %q", e.Line)
}

func IsErrBadRequest(err error) bool {
	var e *ErrBadRequest
	return errors.As(err, &e)
}

func hasCap(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}
