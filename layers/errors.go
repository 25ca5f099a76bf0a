// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import "github.com/pkg/errors"

// Kinds of failure of a layer. Errors returned by layers match one of them with errors.Is,
// while still unwrapping to the underlying cause (e.g. a *dnn.Error or memory.ErrOutOfMemory).
var (
	// ErrResourceCreation is returned when a library handle or descriptor could not be created.
	ErrResourceCreation = errors.New("resource creation failure")

	// ErrConfiguration is returned when the layer parameters or the configuration of a descriptor
	// are rejected.
	ErrConfiguration = errors.New("configuration failure")

	// ErrAllocation is returned when device memory can't be obtained.
	ErrAllocation = errors.New("allocation failure")

	// ErrTeardown is returned when releasing some resource failed.
	ErrTeardown = errors.New("teardown failure")
)

type kindError struct {
	kind, cause error
}

func (e *kindError) Error() string   { return e.kind.Error() + ": " + e.cause.Error() }
func (e *kindError) Unwrap() []error { return []error{e.kind, e.cause} }

// withKind tags cause with one of the failure kinds. It returns nil if cause is nil.
func withKind(kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &kindError{kind: kind, cause: cause}
}
