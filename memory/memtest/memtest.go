// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memtest provides a resource-tracking memory.Device for tests: it records every
// Malloc and Free, reports blocks still alive, and can inject failures.
package memtest

import (
	"sync"

	"github.com/gomlx/lcn/memory"
	"github.com/pkg/errors"
)

// Call records one call to the tracked device.
type Call struct {
	Op    string // "Malloc" or "Free".
	Size  uintptr
	Block *memory.Block
	Err   error
}

// Device wraps a memory.HostDevice and records every call made to it.
type Device struct {
	*memory.HostDevice

	mu           sync.Mutex
	calls        []Call
	mallocFaults map[int]error // Indexed by the 1-based number of the Malloc call.
	freeFault    error
	numMallocs   int
	live         map[uint64]*memory.Block
}

// Compile-time check.
var _ memory.Device = (*Device)(nil)

// New returns a new tracking Device with no memory limit.
func New() *Device {
	return &Device{
		HostDevice:   memory.NewHostDevice(0),
		mallocFaults: make(map[int]error),
		live:         make(map[uint64]*memory.Block),
	}
}

// FailMalloc makes the nth Malloc call (1-based, counting from the creation of the device)
// fail with a wrapped memory.ErrOutOfMemory.
func (d *Device) FailMalloc(nth int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mallocFaults[nth] = errors.Wrapf(memory.ErrOutOfMemory, "memtest: injected failure on Malloc #%d", nth)
}

// FailNextMalloc makes the next Malloc call fail.
func (d *Device) FailNextMalloc() {
	d.mu.Lock()
	nth := d.numMallocs + 1
	d.mu.Unlock()
	d.FailMalloc(nth)
}

// FailFrees makes every following Free call fail with err (after still releasing the
// memory), until called again with nil.
func (d *Device) FailFrees(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freeFault = err
}

// Malloc implements memory.Device.
func (d *Device) Malloc(size uintptr) (*memory.Block, error) {
	d.mu.Lock()
	d.numMallocs++
	fault := d.mallocFaults[d.numMallocs]
	d.mu.Unlock()

	var b *memory.Block
	err := fault
	if err == nil {
		b, err = d.HostDevice.Malloc(size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Op: "Malloc", Size: size, Block: b, Err: err})
	if b != nil {
		d.live[b.ID()] = b
	}
	return b, err
}

// Free implements memory.Device.
func (d *Device) Free(b *memory.Block) error {
	err := d.HostDevice.Free(b)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil && d.freeFault != nil {
		err = d.freeFault
	}
	d.calls = append(d.calls, Call{Op: "Free", Size: b.Size(), Block: b, Err: err})
	if b != nil {
		delete(d.live, b.ID())
	}
	return err
}

// Calls returns a copy of all calls recorded so far.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// CallsOf returns the recorded calls of the given op ("Malloc" or "Free").
func (d *Device) CallsOf(op string) []Call {
	var calls []Call
	for _, c := range d.Calls() {
		if c.Op == op {
			calls = append(calls, c)
		}
	}
	return calls
}

// NumCalls returns the number of recorded calls.
func (d *Device) NumCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// Live returns the blocks allocated and not yet freed.
func (d *Device) Live() []*memory.Block {
	d.mu.Lock()
	defer d.mu.Unlock()
	blocks := make([]*memory.Block, 0, len(d.live))
	for _, b := range d.live {
		blocks = append(blocks, b)
	}
	return blocks
}

// Reset clears the recorded calls, keeping injected faults and live blocks.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}
