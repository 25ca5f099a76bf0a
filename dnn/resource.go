// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dnn

import (
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Resource owns one library object (a Handle or a descriptor) and the function that destroys it.
//
// The destroy function is called at most once: after the first Release the Resource is
// forever marked as empty, even if destroying failed, since a library object in an
// unknown state must not be destroyed twice.
//
// If a Resource is garbage collected while still live, the leak is logged loudly. The
// object is not destroyed from the garbage collector, because library objects are not safe
// for use outside the stream that owns them.
//
// There are no synchronization mechanisms, calling Release concurrently is undefined.
type Resource[T any] struct {
	Data    T
	name    string
	destroy func(T) error
	live    *atomic.Bool // Shared with the cleanup, which can't reference the Resource.
}

// Acquire calls create and, if it succeeds, returns a live Resource that releases the created
// object with destroy.
//
// name is used in error messages and diagnostics, e.g. "normalization descriptor".
func Acquire[T any](name string, create func() (T, error), destroy func(T) error) (*Resource[T], error) {
	data, err := create()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create %s", name)
	}
	r := &Resource[T]{
		Data:    data,
		name:    name,
		destroy: destroy,
		live:    &atomic.Bool{},
	}
	r.live.Store(true)
	runtime.AddCleanup(r, reportLeak, leakInfo{name: name, live: r.live})
	return r, nil
}

type leakInfo struct {
	name string
	live *atomic.Bool
}

func reportLeak(info leakInfo) {
	if info.live.Load() {
		klog.Errorf("dnn: %s was garbage collected without being released: the library object leaked", info.name)
	}
}

// Name of the resource, as given to Acquire.
func (r *Resource[T]) Name() string { return r.name }

// Live returns whether r holds an object not yet released. It's false for a nil Resource.
func (r *Resource[T]) Live() bool {
	return r != nil && r.live.Load()
}

// Release destroys the object. It is a no-op for a nil or already released Resource.
func (r *Resource[T]) Release() error {
	if !r.Live() {
		return nil
	}
	r.live.Store(false)
	if err := r.destroy(r.Data); err != nil {
		return errors.WithMessagef(err, "failed to destroy %s", r.name)
	}
	return nil
}
