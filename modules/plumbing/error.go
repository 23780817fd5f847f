// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package plumbing

import (
	"errors"
	"fmt"
)

var (
	// ErrStop is used to stop a ForEach function in an Iter
	ErrStop = errors.New("stop iter")
)

// noSuchObject is an error type that occurs when no object with a given object
// ID is available.
type noSuchObject struct {
	oid Hash
}

// Error implements the error.Error() function.
func (e *noSuchObject) Error() string {
	return fmt.Sprintf("gitx: no such object: %s", e.oid)
}

// NoSuchObject creates a new error representing a missing object with a given
// object ID.
func NoSuchObject(oid Hash) error {
	return &noSuchObject{oid: oid}
}

// IsNoSuchObject indicates whether an error is a noSuchObject and is non-nil.
func IsNoSuchObject(e error) bool {
	if e == nil {
		return false
	}
	var err *noSuchObject
	return errors.As(e, &err)
}

func ExtractNoSuchObject(e error) (Hash, bool) {
	var err *noSuchObject
	if !errors.As(e, &err) {
		return ZeroHash, false
	}
	return err.oid, true
}

// ErrMalformed reports an unparsable object, tree frame or pack stream; the
// offset points at the byte where decoding failed.
type ErrMalformed struct {
	Offset int64
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("gitx: malformed input at offset %d: %s", e.Offset, e.Reason)
}

func NewErrMalformed(offset int64, format string, a ...any) error {
	return &ErrMalformed{Offset: offset, Reason: fmt.Sprintf(format, a...)}
}

func IsErrMalformed(err error) bool {
	var e *ErrMalformed
	return errors.As(err, &e)
}

type ErrMismatchedType struct {
	Oid  Hash
	Want string
	Got  string
}

func (e *ErrMismatchedType) Error() string {
	return fmt.Sprintf("gitx: object %s is a %s, not a %s", e.Oid, e.Got, e.Want)
}

func NewErrMismatchedType(oid Hash, got, want string) error {
	return &ErrMismatchedType{Oid: oid, Got: got, Want: want}
}

type ErrResourceLocked struct {
	name ReferenceName
	t    string
}

func (err *ErrResourceLocked) Error() string {
	return fmt.Sprintf("%s '%s' locked", err.t, err.name)
}

func IsErrResourceLocked(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrResourceLocked
	return errors.As(err, &e)
}

func NewErrResourceLocked(t string, name ReferenceName) error {
	return &ErrResourceLocked{t: t, name: name}
}

type ErrRevNotFound struct {
	Reason string
}

func (e *ErrRevNotFound) Error() string { return e.Reason }

func NewErrRevNotFound(format string, a ...any) error {
	return &ErrRevNotFound{Reason: fmt.Sprintf(format, a...)}
}
