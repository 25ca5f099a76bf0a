// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_Run(t *testing.T) {
	for _, parallelism := range []int{-1, 0, 1, 3} {
		pool := NewWithParallelism(parallelism)
		const numTasks = 50
		var visited [numTasks]atomic.Int32
		var count atomic.Int32
		pool.Run(numTasks, func(ii int) {
			visited[ii].Add(1)
			count.Add(1)
			runtime.Gosched()
		})
		assert.Equal(t, int32(numTasks), count.Load(), "parallelism=%d", parallelism)
		for ii := range visited {
			assert.Equal(t, int32(1), visited[ii].Load(), "parallelism=%d, task %d", parallelism, ii)
		}
	}
}

func TestPool_RespectsLimit(t *testing.T) {
	pool := NewWithParallelism(2)
	var running, maxRunning atomic.Int32
	pool.Run(20, func(int) {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		runtime.Gosched()
		running.Add(-1)
	})
	assert.LessOrEqual(t, int(maxRunning.Load()), 2)
	assert.Equal(t, int32(0), running.Load())
}

func TestPool_Defaults(t *testing.T) {
	pool := New()
	assert.True(t, pool.IsEnabled())
	assert.False(t, pool.IsUnlimited())
	assert.Equal(t, runtime.NumCPU(), pool.MaxParallelism())
	pool.SetMaxParallelism(-1)
	assert.True(t, pool.IsUnlimited())
}
