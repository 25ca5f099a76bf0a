// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the dtype and dimensions of a tensor held in device memory.
//
// Normalization layers work on 4-D blobs laid out as NCHW, so beyond the generic accessors
// Shape offers Num, Channels, Height and Width for rank-4 shapes.
//
// Example: a batch of 2 images with 3 channels of 4x4 pixels in float32 is
// `shapes.Make(dtypes.Float32, 2, 3, 4, 4)`, printed as `(Float32)[2 3 4 4]`, and uses
// `2*3*4*4*4` bytes -- see Shape.Memory.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape of a tensor: its DType and dimensions.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// It panics if any of the dimensions is <= 0. Use MakeOrError if the dimensions come
// from user input.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s, err := MakeOrError(dtype, dimensions...)
	if err != nil {
		exceptions.Panicf("shapes.Make: %v", err)
	}
	return s
}

// MakeOrError is like Make, but returns an error instead of panicking.
func MakeOrError(dtype dtypes.DType, dimensions ...int) (Shape, error) {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	if dtype == dtypes.InvalidDType {
		return Invalid(), errors.Errorf("cannot create shape %v with an invalid dtype", dimensions)
	}
	for axis, dim := range dimensions {
		if dim <= 0 {
			return Invalid(), errors.Errorf("cannot create shape %s: axis %d has dimension %d <= 0", s, axis, dim)
		}
	}
	return s, nil
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Num returns the batch dimension (axis 0) of a rank-4 shape.
func (s Shape) Num() int { return s.legacyDim(0) }

// Channels returns axis 1 of a rank-4 shape.
func (s Shape) Channels() int { return s.legacyDim(1) }

// Height returns axis 2 of a rank-4 shape.
func (s Shape) Height() int { return s.legacyDim(2) }

// Width returns axis 3 of a rank-4 shape.
func (s Shape) Width() int { return s.legacyDim(3) }

// legacyDim returns the axis of a 4-D shape, padding lower ranks with 1s on the right,
// so a (N, C) shape reads as (N, C, 1, 1).
func (s Shape) legacyDim(axis int) int {
	if s.Rank() > 4 {
		exceptions.Panicf("shape %s has rank > 4, it cannot be read as NCHW", s)
	}
	if axis >= s.Rank() {
		return 1
	}
	return s.Dimensions[axis]
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape, the same as the size in bytes.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// EqualDimensions compares two shapes for equality of dimensions. Dtypes can be different.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}
