// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dnntest provides a resource-tracking dnn.Library for tests.
//
// It wraps another library (by default the host one), records every call, keeps count of
// the objects created and destroyed of each kind, remembers how each descriptor was last
// configured, and can inject failures on any routine.
package dnntest

import (
	"fmt"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lcn/dnn"
	"github.com/gomlx/lcn/dnn/host"
	"github.com/gomlx/lcn/memory"
)

// Kind of library object.
type Kind string

const (
	KindHandle           Kind = "handle"
	KindTensorDescriptor Kind = "tensor descriptor"
	KindLRNDescriptor    Kind = "LRN descriptor"
)

// Call records one call to the tracked library.
type Call struct {
	Op     string
	Object any // Object created, configured or destroyed, if any.
	Err    error
}

// TensorConfig is the last configuration applied to a tensor descriptor.
type TensorConfig struct {
	Format     dnn.TensorFormat
	DType      dtypes.DType
	N, C, H, W int
}

// String implements fmt.Stringer.
func (c TensorConfig) String() string {
	return fmt.Sprintf("%s(%s)[%d %d %d %d]", c.Format, c.DType, c.N, c.C, c.H, c.W)
}

// LRNConfig is the last configuration applied to an LRN descriptor.
type LRNConfig struct {
	N              int
	Alpha, Beta, K float64
}

// Library wraps a dnn.Library and tracks the objects it creates.
type Library struct {
	inner dnn.Library

	mu        sync.Mutex
	calls     []Call
	faults    map[string]dnn.Status
	live      map[any]Kind
	created   map[Kind]int
	destroyed map[Kind]int
	tensors   map[any]TensorConfig
	lrns      map[any]LRNConfig
}

// Compile-time check.
var _ dnn.Library = (*Library)(nil)

// New returns a tracking Library wrapping inner.
func New(inner dnn.Library) *Library {
	return &Library{
		inner:     inner,
		faults:    make(map[string]dnn.Status),
		live:      make(map[any]Kind),
		created:   make(map[Kind]int),
		destroyed: make(map[Kind]int),
		tensors:   make(map[any]TensorConfig),
		lrns:      make(map[any]LRNConfig),
	}
}

// NewHost returns a tracking Library wrapping a sequential host library.
func NewHost() *Library {
	return New(host.NewLibrary(0))
}

// Inner returns the wrapped library.
func (l *Library) Inner() dnn.Library { return l.inner }

// FailOn makes every following call to op (e.g. "CreateLRNDescriptor") fail with status,
// without calling the wrapped library, until ClearFaults is called.
func (l *Library) FailOn(op string, status dnn.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = status
}

// ClearFaults removes all injected failures.
func (l *Library) ClearFaults() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.faults)
}

// Calls returns a copy of all calls recorded so far.
func (l *Library) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// CallsOf returns the recorded calls to op.
func (l *Library) CallsOf(op string) []Call {
	var calls []Call
	for _, c := range l.Calls() {
		if c.Op == op {
			calls = append(calls, c)
		}
	}
	return calls
}

// NumCalls returns the number of recorded calls.
func (l *Library) NumCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// Reset clears the recorded calls, keeping faults, counters and live objects.
func (l *Library) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// Created returns the number of objects of the given kind successfully created.
func (l *Library) Created(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.created[kind]
}

// Destroyed returns the number of objects of the given kind successfully destroyed.
func (l *Library) Destroyed(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed[kind]
}

// NumLive returns the number of objects created and not yet destroyed, of all kinds.
func (l *Library) NumLive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// LiveOf returns the number of live objects of the given kind.
func (l *Library) LiveOf(kind Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var count int
	for _, k := range l.live {
		if k == kind {
			count++
		}
	}
	return count
}

// TensorConfigOf returns the last configuration applied to desc.
func (l *Library) TensorConfigOf(desc dnn.TensorDescriptor) (TensorConfig, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, found := l.tensors[desc]
	return c, found
}

// LRNConfigOf returns the last configuration applied to desc.
func (l *Library) LRNConfigOf(desc dnn.LRNDescriptor) (LRNConfig, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, found := l.lrns[desc]
	return c, found
}

// fault returns the injected error for op, if any.
func (l *Library) fault(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, found := l.faults[op]
	if !found {
		return nil
	}
	return dnn.Errorf(op, status, "dnntest: injected failure")
}

func (l *Library) record(op string, object any, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, Call{Op: op, Object: object, Err: err})
}

func create[T any](l *Library, op string, kind Kind, fn func() (T, error)) (T, error) {
	var obj T
	err := l.fault(op)
	if err == nil {
		obj, err = fn()
	}
	l.record(op, obj, err)
	if err == nil {
		l.mu.Lock()
		l.live[obj] = kind
		l.created[kind]++
		l.mu.Unlock()
	}
	return obj, err
}

func (l *Library) destroy(op string, kind Kind, obj any, fn func() error) error {
	err := l.fault(op)
	if err == nil {
		err = fn()
	}
	l.record(op, obj, err)
	if err == nil {
		l.mu.Lock()
		delete(l.live, obj)
		delete(l.tensors, obj)
		delete(l.lrns, obj)
		l.destroyed[kind]++
		l.mu.Unlock()
	}
	return err
}

func (l *Library) call(op string, obj any, fn func() error) error {
	err := l.fault(op)
	if err == nil {
		err = fn()
	}
	l.record(op, obj, err)
	return err
}

// Name implements dnn.Library.
func (l *Library) Name() string { return "tracking:" + l.inner.Name() }

// Create implements dnn.Library.
func (l *Library) Create() (dnn.Handle, error) {
	return create(l, "Create", KindHandle, l.inner.Create)
}

// Destroy implements dnn.Library.
func (l *Library) Destroy(h dnn.Handle) error {
	return l.destroy("Destroy", KindHandle, h, func() error { return l.inner.Destroy(h) })
}

// CreateTensorDescriptor implements dnn.Library.
func (l *Library) CreateTensorDescriptor() (dnn.TensorDescriptor, error) {
	return create(l, "CreateTensorDescriptor", KindTensorDescriptor, l.inner.CreateTensorDescriptor)
}

// SetTensor4dDescriptor implements dnn.Library.
func (l *Library) SetTensor4dDescriptor(desc dnn.TensorDescriptor, format dnn.TensorFormat, dtype dtypes.DType, n, c, h, w int) error {
	err := l.call("SetTensor4dDescriptor", desc, func() error {
		return l.inner.SetTensor4dDescriptor(desc, format, dtype, n, c, h, w)
	})
	if err == nil {
		l.mu.Lock()
		l.tensors[desc] = TensorConfig{Format: format, DType: dtype, N: n, C: c, H: h, W: w}
		l.mu.Unlock()
	}
	return err
}

// DestroyTensorDescriptor implements dnn.Library.
func (l *Library) DestroyTensorDescriptor(desc dnn.TensorDescriptor) error {
	return l.destroy("DestroyTensorDescriptor", KindTensorDescriptor, desc, func() error {
		return l.inner.DestroyTensorDescriptor(desc)
	})
}

// CreateLRNDescriptor implements dnn.Library.
func (l *Library) CreateLRNDescriptor() (dnn.LRNDescriptor, error) {
	return create(l, "CreateLRNDescriptor", KindLRNDescriptor, l.inner.CreateLRNDescriptor)
}

// SetLRNDescriptor implements dnn.Library.
func (l *Library) SetLRNDescriptor(desc dnn.LRNDescriptor, n int, alpha, beta, k float64) error {
	err := l.call("SetLRNDescriptor", desc, func() error {
		return l.inner.SetLRNDescriptor(desc, n, alpha, beta, k)
	})
	if err == nil {
		l.mu.Lock()
		l.lrns[desc] = LRNConfig{N: n, Alpha: alpha, Beta: beta, K: k}
		l.mu.Unlock()
	}
	return err
}

// DestroyLRNDescriptor implements dnn.Library.
func (l *Library) DestroyLRNDescriptor(desc dnn.LRNDescriptor) error {
	return l.destroy("DestroyLRNDescriptor", KindLRNDescriptor, desc, func() error {
		return l.inner.DestroyLRNDescriptor(desc)
	})
}

// DivisiveNormalizationForward implements dnn.Library.
func (l *Library) DivisiveNormalizationForward(h dnn.Handle, norm dnn.LRNDescriptor, mode dnn.DivNormMode,
	alpha float64, xDesc dnn.TensorDescriptor, x, means, temp, temp2 *memory.Block,
	beta float64, yDesc dnn.TensorDescriptor, y *memory.Block) error {
	return l.call("DivisiveNormalizationForward", h, func() error {
		return l.inner.DivisiveNormalizationForward(h, norm, mode, alpha, xDesc, x, means, temp, temp2, beta, yDesc, y)
	})
}

// DivisiveNormalizationBackward implements dnn.Library.
func (l *Library) DivisiveNormalizationBackward(h dnn.Handle, norm dnn.LRNDescriptor, mode dnn.DivNormMode,
	alpha float64, xDesc dnn.TensorDescriptor, x, means, dy, temp, temp2 *memory.Block,
	beta float64, dxDesc dnn.TensorDescriptor, dx, dMeans *memory.Block) error {
	return l.call("DivisiveNormalizationBackward", h, func() error {
		return l.inner.DivisiveNormalizationBackward(h, norm, mode, alpha, xDesc, x, means, dy, temp, temp2, beta, dxDesc, dx, dMeans)
	})
}
