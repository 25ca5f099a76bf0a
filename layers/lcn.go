// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	stderrors "errors"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/lcn/blob"
	"github.com/gomlx/lcn/dnn"
	"github.com/gomlx/lcn/memory"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NumScratchBuffers used by the divisive normalization routines.
const NumScratchBuffers = 2

// LCN is the within-channel local contrast normalization layer, delegating the computation
// to a dnn.Library.
//
// It owns four library objects: the compute context, the normalization descriptor, and the
// input (bottom) and output (top) tensor descriptors. Each one is held by its own
// dnn.Resource, so a failure in the middle of SetUp releases what was already created, and
// Close releases what is live, in any state.
//
// The scratch buffers follow the memory.Policy given at construction.
type LCN struct {
	*LRN

	lib    dnn.Library
	policy memory.Policy

	handle                *dnn.Resource[dnn.Handle]
	normDesc              *dnn.Resource[dnn.LRNDescriptor]
	bottomDesc, topDesc   *dnn.Resource[dnn.TensorDescriptor]
	handlesInitialized    bool
	setUpCalled, reshaped bool
	closed                bool

	scratch *memory.Scratch

	// Copied from the LRN parameters at SetUp.
	size           int
	alpha, beta, k float64
}

// NewLCN creates the layer for param, using lib and allocating scratch buffers with policy.
// No resource is acquired until SetUp.
func NewLCN(param LayerParameter, lib dnn.Library, policy memory.Policy) *LCN {
	return &LCN{
		LRN:     NewLRN(param),
		lib:     lib,
		policy:  policy,
		scratch: memory.NewScratch(policy, NumScratchBuffers),
	}
}

// Library used by the layer.
func (l *LCN) Library() dnn.Library { return l.lib }

// Policy used for the scratch buffers.
func (l *LCN) Policy() memory.Policy { return l.policy }

// Scratch returns the scratch buffers of the layer.
func (l *LCN) Scratch() *memory.Scratch { return l.scratch }

// HandlesInitialized reports whether all four library objects were created by SetUp and not
// yet released by Close.
func (l *LCN) HandlesInitialized() bool { return l.handlesInitialized }

// Handle returns the compute context, nil if not initialized.
func (l *LCN) Handle() dnn.Handle { return resourceData(l.handle) }

// NormDescriptor returns the normalization descriptor, nil if not initialized.
func (l *LCN) NormDescriptor() dnn.LRNDescriptor { return resourceData(l.normDesc) }

// BottomDescriptor returns the input tensor descriptor, nil if not initialized.
func (l *LCN) BottomDescriptor() dnn.TensorDescriptor { return resourceData(l.bottomDesc) }

// TopDescriptor returns the output tensor descriptor, nil if not initialized.
func (l *LCN) TopDescriptor() dnn.TensorDescriptor { return resourceData(l.topDesc) }

func resourceData[T any](r *dnn.Resource[T]) T {
	if !r.Live() {
		var zero T
		return zero
	}
	return r.Data
}

type releaser interface {
	Name() string
	Release() error
}

// SetUp validates the parameters and creates the library objects. It must be called
// exactly once, before any other method but Close.
func (l *LCN) SetUp(bottom, top []*blob.Blob) (err error) {
	if l.closed {
		return errors.Errorf("LCN %q: SetUp called after Close", l.Name())
	}
	if l.setUpCalled {
		return errors.Errorf("LCN %q: SetUp called twice", l.Name())
	}
	l.setUpCalled = true
	if err = l.LRN.LayerSetUp(bottom, top); err != nil {
		return err
	}

	// Release in reverse order whatever was acquired if any creation fails.
	var acquired []releaser
	defer func() {
		if err == nil {
			return
		}
		for ii := len(acquired) - 1; ii >= 0; ii-- {
			if releaseErr := acquired[ii].Release(); releaseErr != nil {
				klog.Errorf("LCN %q: while unwinding a failed SetUp: %+v", l.Name(), releaseErr)
				err = stderrors.Join(err, withKind(ErrTeardown, releaseErr))
			}
		}
	}()

	handle, err := dnn.Acquire("compute context", l.lib.Create, l.lib.Destroy)
	if err != nil {
		return withKind(ErrResourceCreation, errors.WithMessagef(err, "LCN %q", l.Name()))
	}
	acquired = append(acquired, handle)

	normDesc, err := dnn.Acquire("normalization descriptor", l.lib.CreateLRNDescriptor, l.lib.DestroyLRNDescriptor)
	if err != nil {
		return withKind(ErrResourceCreation, errors.WithMessagef(err, "LCN %q", l.Name()))
	}
	acquired = append(acquired, normDesc)

	bottomDesc, err := dnn.Acquire("bottom descriptor", l.lib.CreateTensorDescriptor, l.lib.DestroyTensorDescriptor)
	if err != nil {
		return withKind(ErrResourceCreation, errors.WithMessagef(err, "LCN %q", l.Name()))
	}
	acquired = append(acquired, bottomDesc)

	topDesc, err := dnn.Acquire("top descriptor", l.lib.CreateTensorDescriptor, l.lib.DestroyTensorDescriptor)
	if err != nil {
		return withKind(ErrResourceCreation, errors.WithMessagef(err, "LCN %q", l.Name()))
	}

	l.handle, l.normDesc, l.bottomDesc, l.topDesc = handle, normDesc, bottomDesc, topDesc
	l.handlesInitialized = true
	l.size, l.alpha, l.beta, l.k = l.LocalSize(), l.LRN.Alpha(), l.LRN.Beta(), l.LRN.K()
	klog.V(1).Infof("LCN %q: set up with library %s and %s memory policy", l.Name(), l.lib.Name(), l.policy.Name())
	return nil
}

// Reshape configures the descriptors for the 4-D bottom blob, reshapes top and makes the
// scratch buffers follow the new size.
//
// If it fails, Forward and Backward are rejected until a later Reshape succeeds.
func (l *LCN) Reshape(bottom, top []*blob.Blob) error {
	if !l.handlesInitialized {
		return errors.Errorf("LCN %q: Reshape called before a successful SetUp", l.Name())
	}
	l.reshaped = false
	if err := l.LRN.Reshape(bottom, top); err != nil {
		return err
	}
	b := bottom[0]
	n, c, h, w := b.Num(), b.Channels(), b.Height(), b.Width()
	if err := l.lib.SetTensor4dDescriptor(l.bottomDesc.Data, dnn.NCHW, b.DType(), n, c, h, w); err != nil {
		return withKind(ErrConfiguration, errors.WithMessagef(err, "LCN %q: configuring bottom descriptor", l.Name()))
	}
	if err := l.lib.SetTensor4dDescriptor(l.topDesc.Data, dnn.NCHW, b.DType(), n, c, h, w); err != nil {
		return withKind(ErrConfiguration, errors.WithMessagef(err, "LCN %q: configuring top descriptor", l.Name()))
	}
	if err := l.lib.SetLRNDescriptor(l.normDesc.Data, l.size, l.alpha, l.beta, l.k); err != nil {
		return withKind(ErrConfiguration, errors.WithMessagef(err, "LCN %q: configuring normalization descriptor", l.Name()))
	}

	size := uintptr(b.Count()) * b.DType().Memory()
	if err := l.scratch.Reserve(size); err != nil {
		return withKind(ErrAllocation, errors.WithMessagef(err, "LCN %q: reserving %d scratch buffers of %s",
			l.Name(), NumScratchBuffers, humanize.IBytes(uint64(size))))
	}
	l.reshaped = true
	klog.V(1).Infof("LCN %q: reshaped to %s, %s", l.Name(), b.Shape(), l.scratch)
	return nil
}

// withScratch runs fn with the scratch buffers for one computation.
func (l *LCN) withScratch(what string, fn func(temp, temp2 *memory.Block) error) (err error) {
	if !l.handlesInitialized || !l.reshaped {
		return errors.Errorf("LCN %q: %s called before SetUp and Reshape", l.Name(), what)
	}
	buffers, release, err := l.scratch.Acquire()
	if err != nil {
		return withKind(ErrAllocation, errors.WithMessagef(err, "LCN %q: %s", l.Name(), what))
	}
	defer func() {
		if releaseErr := release(); releaseErr != nil {
			err = stderrors.Join(err, withKind(ErrAllocation, errors.WithMessagef(releaseErr,
				"LCN %q: %s: returning scratch buffers", l.Name(), what)))
		}
	}()
	if err = fn(buffers[0], buffers[1]); err != nil {
		return errors.WithMessagef(err, "LCN %q: %s", l.Name(), what)
	}
	return nil
}

// Forward normalizes the data of bottom into the data of top.
func (l *LCN) Forward(bottom, top []*blob.Blob) error {
	if err := checkBlobs("LCN.Forward", bottom, top); err != nil {
		return err
	}
	return l.withScratch("Forward", func(temp, temp2 *memory.Block) error {
		return l.lib.DivisiveNormalizationForward(l.handle.Data, l.normDesc.Data, dnn.PrecomputedMeans,
			1, l.bottomDesc.Data, bottom[0].Data(), nil, temp, temp2,
			0, l.topDesc.Data, top[0].Data())
	})
}

// Backward computes the diff of bottom from the diff of top, if propagateDown[0] is set.
func (l *LCN) Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error {
	if err := checkBlobs("LCN.Backward", bottom, top); err != nil {
		return err
	}
	if len(propagateDown) == 0 || !propagateDown[0] {
		return nil
	}
	return l.withScratch("Backward", func(temp, temp2 *memory.Block) error {
		return l.lib.DivisiveNormalizationBackward(l.handle.Data, l.normDesc.Data, dnn.PrecomputedMeans,
			1, l.bottomDesc.Data, bottom[0].Data(), nil, top[0].Diff(), temp, temp2,
			0, l.bottomDesc.Data, bottom[0].Diff(), nil)
	})
}

// Close releases the descriptors, the compute context and any owned scratch buffer.
//
// It is safe to call in any state: objects never created are skipped, and every release is
// attempted even if an earlier one fails. Failures are logged and returned joined, matching
// ErrTeardown. Close is idempotent, and the layer can't be used afterwards.
func (l *LCN) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.handlesInitialized = false
	l.reshaped = false

	var errs []error
	for _, r := range []releaser{l.bottomDesc, l.topDesc, l.normDesc, l.handle} {
		if err := r.Release(); err != nil {
			klog.Errorf("LCN %q: %+v", l.Name(), err)
			errs = append(errs, err)
		}
	}
	if err := l.scratch.Close(); err != nil {
		klog.Errorf("LCN %q: releasing scratch buffers: %+v", l.Name(), err)
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return withKind(ErrTeardown, errors.WithMessagef(stderrors.Join(errs...), "LCN %q", l.Name()))
	}
	return nil
}
