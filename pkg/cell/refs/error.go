// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"errors"
	"fmt"

	"github.com/dot-do/gitx/modules/plumbing"
)

// ErrReferenceNotFound reports an update or read of an absent ref.
type ErrReferenceNotFound struct {
	Name plumbing.ReferenceName
}

func (e *ErrReferenceNotFound) Error() string {
	return fmt.Sprintf("reference '%s' not found", e.Name)
}

func IsErrReferenceNotFound(err error) bool {
	var e *ErrReferenceNotFound
	return errors.As(err, &e)
}

// ErrReferenceChanged reports a failed compare-and-swap: the ref moved
// under the caller.
type ErrReferenceChanged struct {
	Name     plumbing.ReferenceName
	Expected plumbing.Hash
	Actual   plumbing.Hash
}

func (e *ErrReferenceChanged) Error() string {
	return fmt.Sprintf("reference '%s' changed: expected %s, found %s", e.Name, e.Expected, e.Actual)
}

func IsErrReferenceChanged(err error) bool {
	var e *ErrReferenceChanged
	return errors.As(err, &e)
}

// ErrReferenceExists reports a create of a ref that is already there.
type ErrReferenceExists struct {
	Name plumbing.ReferenceName
}

func (e *ErrReferenceExists) Error() string {
	return fmt.Sprintf("reference '%s' already exists", e.Name)
}

func IsErrReferenceExists(err error) bool {
	var e *ErrReferenceExists
	return errors.As(err, &e)
}

// ErrProtectedReference reports a mutation denied by a protection
// rule.
type ErrProtectedReference struct {
	Name    plumbing.ReferenceName
	Pattern string
	Reason  string
}

func (e *ErrProtectedReference) Error() string {
	return fmt.Sprintf("reference '%s' is protected by rule %q: %s", e.Name, e.Pattern, e.Reason)
}

func IsErrProtectedReference(err error) bool {
	var e *ErrProtectedReference
	return errors.As(err, &e)
}

// ErrReviewsMissing reports an update on a ref whose protection rule
// demands approvals the caller did not carry.
type ErrReviewsMissing struct {
	Name     plumbing.ReferenceName
	Required int
	Carried  int
}

func (e *ErrReviewsMissing) Error() string {
	return fmt.Sprintf("reference '%s' requires %d approvals, update carries %d", e.Name, e.Required, e.Carried)
}

func IsErrReviewsMissing(err error) bool {
	var e *ErrReviewsMissing
	return errors.As(err, &e)
}

// ErrSymrefCycle reports a symbolic reference chain that loops or
// exceeds the resolution depth.
type ErrSymrefCycle struct {
	Name plumbing.ReferenceName
}

func (e *ErrSymrefCycle) Error() string {
	return fmt.Sprintf("symbolic reference '%s' resolution cycles", e.Name)
}

func IsErrSymrefCycle(err error) bool {
	var e *ErrSymrefCycle
	return errors.As(err, &e)
}
