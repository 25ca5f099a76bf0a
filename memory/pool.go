// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memory

import (
	stderrors "errors"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// sizeCategory represents different block size categories for pooling.
type sizeCategory int

const (
	smallBlocks sizeCategory = iota
	mediumBlocks
	largeBlocks
	numCategories
)

const (
	// Size thresholds for block categories.
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB

	// MaxPooledPerCategory is the maximum number of idle blocks kept per size category.
	MaxPooledPerCategory = 100
)

func categorize(size uintptr) sizeCategory {
	if size < smallThreshold {
		return smallBlocks
	}
	if size < mediumThreshold {
		return mediumBlocks
	}
	return largeBlocks
}

// PoolStats holds the accounting of a Pool.
type PoolStats struct {
	// Allocated is the number of blocks the pool requested from its device, Released the number
	// of blocks returned to the pool.
	Allocated, Released int

	// Hits and Misses count Acquire calls served from idle blocks or by the device.
	Hits, Misses int

	// Pooled is the current number of idle blocks.
	Pooled int
}

// Pool is a pooling allocator: it recycles device blocks across many layers and calls,
// instead of each layer allocating and freeing independently.
//
// Idle blocks are kept in size categories and reused first-fit. It is safe for concurrent use.
type Pool struct {
	device Device

	mu    sync.Mutex
	idle  [numCategories][]*Block
	stats PoolStats
}

// NewPool creates a Pool allocating from device.
func NewPool(device Device) *Pool {
	p := &Pool{device: device}
	for ii := range p.idle {
		p.idle[ii] = make([]*Block, 0, MaxPooledPerCategory)
	}
	return p
}

// Device returns the device the pool allocates from.
func (p *Pool) Device() Device { return p.device }

// Acquire returns an idle block of at least size bytes, or allocates a new one.
func (p *Pool) Acquire(size uintptr) (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	category := categorize(size)
	for ii, b := range p.idle[category] {
		if b.Size() >= size {
			p.idle[category] = append(p.idle[category][:ii], p.idle[category][ii+1:]...)
			p.stats.Hits++
			return b, nil
		}
	}

	p.stats.Misses++
	b, err := p.device.Malloc(size)
	if err != nil {
		return nil, errors.WithMessage(err, "memory.Pool.Acquire")
	}
	p.stats.Allocated++
	return b, nil
}

// Release returns a block to the pool for reuse.
// If its size category is full, the block is freed immediately.
func (p *Pool) Release(b *Block) error {
	if b == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Released++
	category := categorize(b.Size())
	if len(p.idle[category]) >= MaxPooledPerCategory {
		klog.V(1).Infof("memory.Pool: category %d is full, freeing %s", category, b)
		return p.device.Free(b)
	}
	p.idle[category] = append(p.idle[category], b)
	return nil
}

// Clear frees all idle blocks. Blocks currently acquired are not affected.
func (p *Pool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for ii := range p.idle {
		for _, b := range p.idle[ii] {
			if err := p.device.Free(b); err != nil {
				errs = append(errs, err)
			}
		}
		p.idle[ii] = p.idle[ii][:0]
	}
	if len(errs) > 0 {
		return errors.Wrapf(stderrors.Join(errs...), "memory.Pool.Clear: %d blocks failed to free", len(errs))
	}
	return nil
}

// Stats returns a snapshot of the pool accounting.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	for _, idle := range p.idle {
		stats.Pooled += len(idle)
	}
	return stats
}
