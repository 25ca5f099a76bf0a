// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blob implements Blob, the tensor container passed between layers: a shape plus two
// device blocks, the data (values) and the diff (gradients).
package blob

import (
	stderrors "errors"
	"fmt"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lcn/memory"
	"github.com/gomlx/lcn/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Blob holds the data and diff of a tensor in device memory.
//
// Storage only grows: reshaping to a shape that fits the current capacity keeps the blocks
// (and their contents) untouched.
//
// Blob is not safe for concurrent use.
type Blob struct {
	device     memory.Device
	shape      shapes.Shape
	capacity   uintptr
	data, diff *memory.Block
}

// New allocates a Blob with the given shape on device.
func New(device memory.Device, shape shapes.Shape) (*Blob, error) {
	b := &Blob{device: device}
	if err := b.Reshape(shape); err != nil {
		return nil, err
	}
	return b, nil
}

// Reshape changes the shape of the blob, reallocating its storage if the new shape needs
// more memory than its capacity. Contents are undefined after a reallocation.
func (b *Blob) Reshape(shape shapes.Shape) error {
	if !shape.Ok() || shape.Size() == 0 {
		return errors.Errorf("blob.Reshape: invalid shape %s", shape)
	}
	need := shape.Memory()
	if need > b.capacity {
		// The previous storage is gone from here on: on failure the blob is left empty.
		err := b.free()
		if err != nil {
			b.shape = shapes.Invalid()
			return errors.WithMessagef(err, "blob.Reshape(%s): releasing previous storage", shape)
		}
		data, err := b.device.Malloc(need)
		if err != nil {
			b.shape = shapes.Invalid()
			return errors.WithMessagef(err, "blob.Reshape(%s): allocating data", shape)
		}
		diff, err := b.device.Malloc(need)
		if err != nil {
			b.shape = shapes.Invalid()
			return stderrors.Join(errors.WithMessagef(err, "blob.Reshape(%s): allocating diff", shape), b.device.Free(data))
		}
		b.data, b.diff, b.capacity = data, diff, need
		klog.V(2).Infof("blob: storage grown to 2 x %s for shape %s", humanize.IBytes(uint64(need)), shape)
	}
	b.shape = shape.Clone()
	return nil
}

func (b *Blob) free() error {
	data, diff := b.data, b.diff
	b.data, b.diff, b.capacity = nil, nil, 0
	return stderrors.Join(b.device.Free(data), b.device.Free(diff))
}

// Close releases the device storage of the blob. It's idempotent.
func (b *Blob) Close() error {
	b.shape = shapes.Invalid()
	return b.free()
}

// Device where the blob is stored.
func (b *Blob) Device() memory.Device { return b.device }

// Shape of the blob.
func (b *Blob) Shape() shapes.Shape { return b.shape }

// DType of the blob elements.
func (b *Blob) DType() dtypes.DType { return b.shape.DType }

// Num is the batch dimension of a 4-D blob.
func (b *Blob) Num() int { return b.shape.Num() }

// Channels is the channels dimension of a 4-D blob.
func (b *Blob) Channels() int { return b.shape.Channels() }

// Height is the height dimension of a 4-D blob.
func (b *Blob) Height() int { return b.shape.Height() }

// Width is the width dimension of a 4-D blob.
func (b *Blob) Width() int { return b.shape.Width() }

// Count returns the number of elements of the blob.
func (b *Blob) Count() int { return b.shape.Size() }

// Capacity in bytes of each of the data and diff blocks.
func (b *Blob) Capacity() uintptr { return b.capacity }

// Data returns the block holding the values.
func (b *Blob) Data() *memory.Block { return b.data }

// Diff returns the block holding the gradients.
func (b *Blob) Diff() *memory.Block { return b.diff }

// String implements fmt.Stringer.
func (b *Blob) String() string {
	return fmt.Sprintf("Blob%s", b.shape)
}

// flatOf returns a slice of T aliasing the first Count elements of block.
//
// It panics if T doesn't match the blob dtype, or if the block is not host-visible.
func flatOf[T dtypes.Supported](b *Blob, block *memory.Block, caller string) []T {
	if b.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("%s[%T] is incompatible with blob's dtype %s", caller, v, b.shape.DType)
	}
	if block == nil {
		exceptions.Panicf("%s: blob %s has no storage", caller, b)
	}
	data := block.Bytes()
	if data == nil {
		exceptions.Panicf("%s: blob storage %s is not host-visible", caller, block)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), b.Count())
}

func assign[T dtypes.Supported](b *Blob, block *memory.Block, caller string, values []T) {
	flat := flatOf[T](b, block, caller)
	if len(values) != len(flat) {
		var v T
		exceptions.Panicf("%s[%T] is trying to store %d values into shape %s, which requires %d values",
			caller, v, len(values), b.shape, len(flat))
	}
	copy(flat, values)
}

// SetFlat copies values into the data of the blob. It panics if the dtype or the number of
// values don't match the blob.
func SetFlat[T dtypes.Supported](b *Blob, values []T) {
	assign(b, b.data, "SetFlat", values)
}

// Flat returns a copy of the data of the blob. It panics if the dtype doesn't match.
func Flat[T dtypes.Supported](b *Blob) []T {
	return append([]T(nil), flatOf[T](b, b.data, "Flat")...)
}

// SetDiffFlat copies values into the diff of the blob. It panics if the dtype or the number
// of values don't match the blob.
func SetDiffFlat[T dtypes.Supported](b *Blob, values []T) {
	assign(b, b.diff, "SetDiffFlat", values)
}

// DiffFlat returns a copy of the diff of the blob. It panics if the dtype doesn't match.
func DiffFlat[T dtypes.Supported](b *Blob) []T {
	return append([]T(nil), flatOf[T](b, b.diff, "DiffFlat")...)
}
