// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dnn defines the interface to a deep neural network compute library: the vendor
// library that owns descriptor semantics and all the normalization math.
//
// Handles and descriptors are opaque to the callers, and only the Library that created them
// can configure, use or destroy them. Every routine is synchronous and returns an error
// wrapping an *Error with a non-success Status on failure.
//
// Implementations register themselves with Register, and are selected by New with the
// LCN_DNN environment variable -- see package dnn/host for the reference implementation.
//
// A Library and the objects it creates are not safe for concurrent use: one handle is used
// by one stream of computation at a time.
package dnn

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lcn/memory"
)

// Handle is the compute context of the library. It is opaque from the callers perspective.
type Handle any

// TensorDescriptor describes the shape and layout of a tensor. It is opaque from the callers perspective.
type TensorDescriptor any

// LRNDescriptor holds the parameters of a local response/contrast normalization.
// It is opaque from the callers perspective.
type LRNDescriptor any

// TensorFormat is the memory layout of a 4-D tensor.
type TensorFormat int

const (
	// NCHW is the layout batch, channels, height, width, with width the fastest changing axis.
	NCHW TensorFormat = iota
	// NHWC is the layout batch, height, width, channels.
	NHWC
)

// String implements fmt.Stringer.
func (f TensorFormat) String() string {
	switch f {
	case NCHW:
		return "NCHW"
	case NHWC:
		return "NHWC"
	}
	return "InvalidTensorFormat"
}

// DivNormMode selects how the means of the divisive normalization are given.
type DivNormMode int

const (
	// PrecomputedMeans takes the means as an input tensor. A nil means tensor is taken as zeros.
	PrecomputedMeans DivNormMode = iota
)

// Limits of the LRN descriptor parameters.
const (
	LRNMinN    = 1
	LRNMaxN    = 16
	LRNMinK    = 1e-5
	LRNMinBeta = 0.01
)

// Library is the API a compute library needs to implement.
//
// Scaling factors alpha and beta in the compute routines blend the result with the prior
// value of the destination: dst = alpha*result + beta*dst.
type Library interface {
	// Name returns the short name of the library. E.g.: "host".
	Name() string

	// Create a new compute context.
	Create() (Handle, error)

	// Destroy a compute context created with Create.
	Destroy(handle Handle) error

	// CreateTensorDescriptor creates an unconfigured tensor descriptor.
	CreateTensorDescriptor() (TensorDescriptor, error)

	// SetTensor4dDescriptor configures a descriptor as a 4-D tensor of the given format and dtype.
	SetTensor4dDescriptor(desc TensorDescriptor, format TensorFormat, dtype dtypes.DType, n, c, h, w int) error

	// DestroyTensorDescriptor destroys a descriptor created with CreateTensorDescriptor.
	DestroyTensorDescriptor(desc TensorDescriptor) error

	// CreateLRNDescriptor creates an LRN descriptor with default parameters.
	CreateLRNDescriptor() (LRNDescriptor, error)

	// SetLRNDescriptor configures the normalization window size n (of n x n pixels for the
	// divisive normalization), alpha, beta and k.
	SetLRNDescriptor(desc LRNDescriptor, n int, alpha, beta, k float64) error

	// DestroyLRNDescriptor destroys a descriptor created with CreateLRNDescriptor.
	DestroyLRNDescriptor(desc LRNDescriptor) error

	// DivisiveNormalizationForward computes the spatial divisive normalization of x into y.
	//
	// means may be nil, in which case it is taken as zeros. temp and temp2 are scratch
	// buffers each at least the size of x.
	DivisiveNormalizationForward(handle Handle, norm LRNDescriptor, mode DivNormMode,
		alpha float64, xDesc TensorDescriptor, x, means, temp, temp2 *memory.Block,
		beta float64, yDesc TensorDescriptor, y *memory.Block) error

	// DivisiveNormalizationBackward computes the gradient dx (and optionally dMeans) given x,
	// means (possibly nil) and the gradient dy of the output.
	DivisiveNormalizationBackward(handle Handle, norm LRNDescriptor, mode DivNormMode,
		alpha float64, xDesc TensorDescriptor, x, means, dy, temp, temp2 *memory.Block,
		beta float64, dxDesc TensorDescriptor, dx, dMeans *memory.Block) error
}
