// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory manages device memory used by layers: raw blocks, the devices that
// allocate them, a pooling allocator shared across layers, and the allocation policies
// that decide how a layer's scratch buffers follow its input shape.
package memory

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrOutOfMemory is returned (wrapped) by Device.Malloc when the device can't satisfy a request.
	ErrOutOfMemory = errors.New("out of device memory")

	// ErrInvalidFree is returned (wrapped) when freeing a block twice or on the wrong device.
	ErrInvalidFree = errors.New("invalid free")

	// ErrInvalidSize is returned (wrapped) when requesting a zero-sized block.
	ErrInvalidSize = errors.New("invalid allocation size")
)

// Block is a region of device memory.
//
// Blocks are created by Device.Malloc and must be returned with Device.Free. A freed
// block should never be used again, and callers should drop references to it.
type Block struct {
	id     uint64
	size   uintptr
	device string

	// host is the host-visible storage of the block, nil for memory not mapped on the host.
	host []byte

	freed bool
}

// ID returns a device-unique identifier of the block, used for diagnostics.
func (b *Block) ID() uint64 { return b.id }

// Size in bytes of the block.
func (b *Block) Size() uintptr {
	if b == nil {
		return 0
	}
	return b.size
}

// Bytes returns the host-visible storage of the block, or nil if the block is not
// host-visible or was freed.
//
// The slice is 8-byte aligned, so it can be reinterpreted as a slice of any supported dtype.
func (b *Block) Bytes() []byte {
	if b == nil || b.freed {
		return nil
	}
	return b.host
}

// Freed returns whether the block has already been returned to its device.
func (b *Block) Freed() bool { return b.freed }

// String implements fmt.Stringer.
func (b *Block) String() string {
	if b == nil {
		return "<nil block>"
	}
	return fmt.Sprintf("%s#%d[%s]", b.device, b.id, humanize.IBytes(uint64(b.size)))
}

// Device allocates and frees device memory.
//
// Calls are synchronous: when Malloc or Free returns, the operation is complete.
type Device interface {
	// Name of the device, used in diagnostics.
	Name() string

	// Malloc allocates a block of size bytes.
	Malloc(size uintptr) (*Block, error)

	// Free returns the block to the device. Freeing a nil block is a no-op.
	Free(block *Block) error
}

// DeviceStats holds the accounting of a HostDevice.
type DeviceStats struct {
	Mallocs, Frees       int
	LiveBlocks           int
	LiveBytes, PeakBytes uintptr
}

// HostDevice is a Device backed by host memory.
//
// It is safe for concurrent use.
type HostDevice struct {
	name  string
	limit uintptr // 0 for no limit.

	mu     sync.Mutex
	nextID uint64
	live   map[uint64]*Block
	stats  DeviceStats
}

// Compile-time check.
var _ Device = (*HostDevice)(nil)

// NewHostDevice creates a HostDevice. If limit > 0, allocations that would take the live bytes
// above limit fail with ErrOutOfMemory.
func NewHostDevice(limit uintptr) *HostDevice {
	return &HostDevice{
		name:  "host",
		limit: limit,
		live:  make(map[uint64]*Block),
	}
}

// Name implements Device.
func (d *HostDevice) Name() string { return d.name }

// Malloc implements Device.
func (d *HostDevice) Malloc(size uintptr) (*Block, error) {
	if size == 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "%s: Malloc(0)", d.name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limit > 0 && d.stats.LiveBytes+size > d.limit {
		return nil, errors.Wrapf(ErrOutOfMemory, "%s: Malloc(%s) with %s in use, limit is %s", d.name,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(d.stats.LiveBytes)), humanize.IBytes(uint64(d.limit)))
	}

	// Allocate as 64-bit words, so the storage is aligned for any dtype.
	words := make([]uint64, (size+7)/8)
	d.nextID++
	b := &Block{
		id:     d.nextID,
		size:   size,
		device: d.name,
		host:   unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size),
	}
	d.live[b.id] = b
	d.stats.Mallocs++
	d.stats.LiveBlocks++
	d.stats.LiveBytes += size
	d.stats.PeakBytes = max(d.stats.PeakBytes, d.stats.LiveBytes)
	if klog.V(3).Enabled() {
		klog.Infof("%s: allocated %s", d.name, b)
	}
	return b, nil
}

// Free implements Device.
func (d *HostDevice) Free(b *Block) error {
	if b == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.freed {
		return errors.Wrapf(ErrInvalidFree, "%s: block %s freed twice", d.name, b)
	}
	if d.live[b.id] != b {
		return errors.Wrapf(ErrInvalidFree, "%s: block %s doesn't belong to this device", d.name, b)
	}
	delete(d.live, b.id)
	b.freed = true
	b.host = nil
	d.stats.Frees++
	d.stats.LiveBlocks--
	d.stats.LiveBytes -= b.size
	if klog.V(3).Enabled() {
		klog.Infof("%s: freed %s", d.name, b)
	}
	return nil
}

// Stats returns a snapshot of the device accounting.
func (d *HostDevice) Stats() DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
