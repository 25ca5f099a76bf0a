// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// view reads and writes the elements of a block as float64, whatever its storage dtype.
type view interface {
	at(ii int) float64
	set(ii int, v float64)
}

type float32View []float32

func (v float32View) at(ii int) float64     { return float64(v[ii]) }
func (v float32View) set(ii int, x float64) { v[ii] = float32(x) }

type float64View []float64

func (v float64View) at(ii int) float64     { return v[ii] }
func (v float64View) set(ii int, x float64) { v[ii] = x }

type float16View []float16.Float16

func (v float16View) at(ii int) float64     { return float64(v[ii].Float32()) }
func (v float16View) set(ii int, x float64) { v[ii] = float16.Fromfloat32(float32(x)) }

// newView returns a view of the first count elements of data. data must be at least
// count*dtype.Memory() bytes long and aligned, which is the case for memory.Block storage.
func newView(dtype dtypes.DType, data []byte, count int) view {
	ptr := unsafe.Pointer(unsafe.SliceData(data))
	switch dtype {
	case dtypes.Float32:
		return float32View(unsafe.Slice((*float32)(ptr), count))
	case dtypes.Float64:
		return float64View(unsafe.Slice((*float64)(ptr), count))
	case dtypes.Float16:
		return float16View(unsafe.Slice((*float16.Float16)(ptr), count))
	}
	return nil
}
