// Copyright ©️ dot-do. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package branch

import (
	"errors"
	"fmt"
)

// ErrInvalidStartPoint reports that a branch start point is neither an
// existing commit, a known ref, nor HEAD.
type ErrInvalidStartPoint struct {
	StartPoint string
}

func (e *ErrInvalidStartPoint) Error() string {
	return fmt.Sprintf("gitx: invalid start point %q", e.StartPoint)
}

func IsErrInvalidStartPoint(err error) bool {
	var e *ErrInvalidStartPoint
	return errors.As(err, &e)
}

// ErrCannotDeleteCurrent reports a delete aimed at the checked-out branch.
type ErrCannotDeleteCurrent struct {
	Name string
}

func (e *ErrCannotDeleteCurrent) Error() string {
	return fmt.Sprintf("gitx: cannot delete current branch %q", e.Name)
}

func IsErrCannotDeleteCurrent(err error) bool {
	var e *ErrCannotDeleteCurrent
	return errors.As(err, &e)
}

// ErrBranchNotMerged reports a delete of a branch whose tip is not
// reachable from the comparison branch.
type ErrBranchNotMerged struct {
	Name string
	Into string
}

func (e *ErrBranchNotMerged) Error() string {
	return fmt.Sprintf("gitx: branch %q is not fully merged into %q", e.Name, e.Into)
}

func IsErrBranchNotMerged(err error) bool {
	var e *ErrBranchNotMerged
	return errors.As(err, &e)
}

// ErrBranchNotFound reports a missing branch.
type ErrBranchNotFound struct {
	Name string
}

func (e *ErrBranchNotFound) Error() string {
	return fmt.Sprintf("gitx: branch %q not found", e.Name)
}

func IsErrBranchNotFound(err error) bool {
	var e *ErrBranchNotFound
	return errors.As(err, &e)
}
