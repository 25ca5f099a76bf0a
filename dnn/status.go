// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dnn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status returned by the library routines.
type Status int

const (
	StatusSuccess Status = iota
	StatusNotInitialized
	StatusAllocFailed
	StatusBadParam
	StatusInternalError
	StatusInvalidValue
	StatusArchMismatch
	StatusMappingError
	StatusExecutionFailed
	StatusNotSupported
)

var statusNames = map[Status]string{
	StatusSuccess:         "SUCCESS",
	StatusNotInitialized:  "NOT_INITIALIZED",
	StatusAllocFailed:     "ALLOC_FAILED",
	StatusBadParam:        "BAD_PARAM",
	StatusInternalError:   "INTERNAL_ERROR",
	StatusInvalidValue:    "INVALID_VALUE",
	StatusArchMismatch:    "ARCH_MISMATCH",
	StatusMappingError:    "MAPPING_ERROR",
	StatusExecutionFailed: "EXECUTION_FAILED",
	StatusNotSupported:    "NOT_SUPPORTED",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if name, found := statusNames[s]; found {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Error is a non-success Status returned by a library routine.
type Error struct {
	Op     string
	Status Status
	Msg    string
}

// Error implements error.
func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("dnn.%s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("dnn.%s: %s: %s", e.Op, e.Status, e.Msg)
}

// Is reports whether target is an *Error with the same Status, so
// `errors.Is(err, &dnn.Error{Status: dnn.StatusBadParam})` matches any op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Status == e.Status && (t.Op == "" || t.Op == e.Op)
}

// Errorf creates an error with a stack trace for the given operation and non-success
// status. It returns nil for StatusSuccess.
func Errorf(op string, status Status, format string, args ...any) error {
	if status == StatusSuccess {
		return nil
	}
	return errors.WithStack(&Error{Op: op, Status: status, Msg: fmt.Sprintf(format, args...)})
}

// StatusOf returns the Status carried by err: StatusSuccess for nil, and
// StatusInternalError for errors not created by the library.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var dnnErr *Error
	if errors.As(err, &dnnErr) {
		return dnnErr.Status
	}
	return StatusInternalError
}
