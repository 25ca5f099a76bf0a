// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Policy decides how scratch buffers follow the size required by a layer.
//
// It is chosen once, when a layer is constructed. The two implementations are Direct
// (each layer owns its buffers and grows them on demand) and Pooled (the layer only keeps
// the logical size, blocks are borrowed from a Pool during computation).
type Policy interface {
	// Name of the policy: "direct" or "pooled".
	Name() string

	// UsingPool reports whether buffer lifetime is delegated to a pooling allocator.
	UsingPool() bool

	// Device used for the final release of any owned buffer.
	Device() Device

	reserve(s *Scratch, size uintptr) error
	acquire(s *Scratch) ([]*Block, func() error, error)
}

// Direct returns the policy where a layer owns its buffers, allocated from device:
// buffers are reallocated only when the required size exceeds their capacity, so
// capacity never shrinks.
func Direct(device Device) Policy {
	return &directPolicy{device: device}
}

// Pooled returns the policy where a layer only records the required size, and borrows
// blocks from pool for the duration of each computation.
func Pooled(pool *Pool) Policy {
	return &pooledPolicy{pool: pool}
}

// PolicyFromConfig returns the policy named by config ("direct" or "pooled"), allocating
// from device. The pooled policy gets a new Pool.
func PolicyFromConfig(config string, device Device) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(config)) {
	case "", "direct":
		return Direct(device), nil
	case "pooled", "pool":
		return Pooled(NewPool(device)), nil
	}
	return nil, errors.Errorf("unknown memory policy %q, valid values are \"direct\" or \"pooled\"", config)
}

type directPolicy struct {
	device Device
}

func (p *directPolicy) Name() string    { return "direct" }
func (p *directPolicy) UsingPool() bool { return false }
func (p *directPolicy) Device() Device  { return p.device }

// reserve grows the owned buffers if size exceeds the current capacity.
func (p *directPolicy) reserve(s *Scratch, size uintptr) error {
	s.size = size
	if size <= s.capacity {
		return nil
	}
	if err := s.freeOwned(p.device); err != nil {
		return errors.WithMessagef(err, "releasing scratch buffers to grow them to %s", humanize.IBytes(uint64(size)))
	}
	for ii := range s.buffers {
		b, err := p.device.Malloc(size)
		if err != nil {
			// Leave no partial allocation behind: either all buffers are sized, or all are nil.
			if freeErr := s.freeOwned(p.device); freeErr != nil {
				err = stderrors.Join(err, freeErr)
			}
			return errors.WithMessagef(err, "allocating scratch buffer %d of %d", ii, len(s.buffers))
		}
		s.buffers[ii] = b
	}
	s.capacity = size
	klog.V(1).Infof("scratch buffers grown to %d x %s on %s", len(s.buffers), humanize.IBytes(uint64(size)), p.device.Name())
	return nil
}

func (p *directPolicy) acquire(s *Scratch) ([]*Block, func() error, error) {
	if s.capacity == 0 || s.capacity < s.size {
		return nil, nil, errors.Errorf("scratch buffers not reserved (capacity %d, required %d)", s.capacity, s.size)
	}
	return s.buffers, func() error { return nil }, nil
}

type pooledPolicy struct {
	pool *Pool
}

func (p *pooledPolicy) Name() string    { return "pooled" }
func (p *pooledPolicy) UsingPool() bool { return true }
func (p *pooledPolicy) Device() Device  { return p.pool.Device() }

// PoolOf returns the Pool used by a pooled policy, or false for other policies.
func PoolOf(policy Policy) (*Pool, bool) {
	p, ok := policy.(*pooledPolicy)
	if !ok {
		return nil, false
	}
	return p.pool, true
}

// reserve only records the logical size: the pool owns the memory.
func (p *pooledPolicy) reserve(s *Scratch, size uintptr) error {
	s.size = size
	return nil
}

func (p *pooledPolicy) acquire(s *Scratch) ([]*Block, func() error, error) {
	if s.size == 0 {
		return nil, nil, errors.New("scratch buffers not reserved")
	}
	blocks := make([]*Block, 0, s.count)
	release := func() error {
		var errs []error
		for _, b := range blocks {
			if err := p.pool.Release(b); err != nil {
				errs = append(errs, err)
			}
		}
		blocks = nil
		return stderrors.Join(errs...)
	}
	for range s.count {
		b, err := p.pool.Acquire(s.size)
		if err != nil {
			if releaseErr := release(); releaseErr != nil {
				err = stderrors.Join(err, releaseErr)
			}
			return nil, nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, release, nil
}

// Scratch is a fixed-count set of temporary device buffers, all of the same size, used
// internally by a computation and not part of any persistent state.
//
// Invariant: owned buffers are either all nil or all at least Capacity bytes.
//
// Scratch is not safe for concurrent use.
type Scratch struct {
	policy   Policy
	count    int
	size     uintptr // Logical size required.
	capacity uintptr // Size of the owned buffers, 0 if none.
	buffers  []*Block
}

// NewScratch creates an empty set of count buffers following policy. No memory is allocated
// until Reserve is called.
func NewScratch(policy Policy, count int) *Scratch {
	return &Scratch{
		policy:  policy,
		count:   count,
		buffers: make([]*Block, count),
	}
}

// Policy returns the allocation policy of the scratch buffers.
func (s *Scratch) Policy() Policy { return s.policy }

// Count returns the number of buffers.
func (s *Scratch) Count() int { return s.count }

// Size returns the logical size in bytes required for each buffer.
func (s *Scratch) Size() uintptr { return s.size }

// Capacity returns the size in bytes of each owned buffer, 0 if there are none.
func (s *Scratch) Capacity() uintptr { return s.capacity }

// Buffers returns the owned buffers. Under the pooled policy they are all nil.
func (s *Scratch) Buffers() []*Block { return s.buffers }

// Reserve makes the buffers follow the new required size in bytes, according to the policy.
func (s *Scratch) Reserve(size uintptr) error {
	return s.policy.reserve(s, size)
}

// Acquire returns the buffers to use for one computation, and a function to call when the
// computation is finished.
func (s *Scratch) Acquire() (buffers []*Block, release func() error, err error) {
	return s.policy.acquire(s)
}

// Close frees any owned buffers, regardless of the policy. It's idempotent.
func (s *Scratch) Close() error {
	s.size = 0
	return s.freeOwned(s.policy.Device())
}

// freeOwned frees every owned buffer, setting each slot to nil as soon as it is released,
// and resets the capacity. All buffers are visited even if some Free fails.
func (s *Scratch) freeOwned(device Device) error {
	var errs []error
	for ii, b := range s.buffers {
		if b == nil {
			continue
		}
		s.buffers[ii] = nil
		if err := device.Free(b); err != nil {
			errs = append(errs, err)
		}
	}
	s.capacity = 0
	return stderrors.Join(errs...)
}

// String implements fmt.Stringer.
func (s *Scratch) String() string {
	return fmt.Sprintf("Scratch{policy=%s, %d x %s, capacity=%s}", s.policy.Name(), s.count,
		humanize.IBytes(uint64(s.size)), humanize.IBytes(uint64(s.capacity)))
}
