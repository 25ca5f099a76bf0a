// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lcn/dnn"
	"github.com/gomlx/lcn/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

type testEnv struct {
	t      *testing.T
	lib    *Library
	dev    *memory.HostDevice
	handle dnn.Handle
	norm   dnn.LRNDescriptor
}

func newTestEnv(t *testing.T, parallelism int, n int, alpha, beta, k float64) *testEnv {
	env := &testEnv{t: t, lib: NewLibrary(parallelism), dev: memory.NewHostDevice(0)}
	var err error
	env.handle, err = env.lib.Create()
	require.NoError(t, err)
	env.norm, err = env.lib.CreateLRNDescriptor()
	require.NoError(t, err)
	require.NoError(t, env.lib.SetLRNDescriptor(env.norm, n, alpha, beta, k))
	return env
}

func (env *testEnv) desc(format dnn.TensorFormat, dtype dtypes.DType, n, c, h, w int) dnn.TensorDescriptor {
	d, err := env.lib.CreateTensorDescriptor()
	require.NoError(env.t, err)
	require.NoError(env.t, env.lib.SetTensor4dDescriptor(d, format, dtype, n, c, h, w))
	return d
}

func (env *testEnv) block(dtype dtypes.DType, values []float64) *memory.Block {
	b, err := env.dev.Malloc(uintptr(len(values)) * dtype.Memory())
	require.NoError(env.t, err)
	v := newView(dtype, b.Bytes(), len(values))
	for ii, x := range values {
		v.set(ii, x)
	}
	return b
}

func (env *testEnv) zeros(dtype dtypes.DType, count int) *memory.Block {
	return env.block(dtype, make([]float64, count))
}

func values(dtype dtypes.DType, b *memory.Block, count int) []float64 {
	v := newView(dtype, b.Bytes(), count)
	out := make([]float64, count)
	for ii := range out {
		out[ii] = v.at(ii)
	}
	return out
}

func randomValues(rng *rand.Rand, count int) []float64 {
	v := make([]float64, count)
	for ii := range v {
		v[ii] = rng.Float64()*2 - 1
	}
	return v
}

// referenceForward computes the within-channel normalization of an NCHW tensor directly from its definition.
func referenceForward(x []float64, n, c, h, w, size int, alpha, beta, k float64) []float64 {
	y := make([]float64, len(x))
	pre := (size - 1) / 2
	for in := range n {
		for ic := range c {
			base := (in*c + ic) * h * w
			for ih := range h {
				for iw := range w {
					var sum float64
					for dh := range size {
						for dw := range size {
							hh, ww := ih-pre+dh, iw-pre+dw
							if hh < 0 || hh >= h || ww < 0 || ww >= w {
								continue
							}
							v := x[base+hh*w+ww]
							sum += v * v
						}
					}
					o := base + ih*w + iw
					y[o] = x[o] * math.Pow(k+alpha/float64(size*size)*sum, -beta)
				}
			}
		}
	}
	return y
}

func TestForwardMatchesReference(t *testing.T) {
	const n, c, h, w = 2, 3, 4, 5
	rng := rand.New(rand.NewPCG(1, 2))
	for _, parallelism := range []int{0, 4} {
		for _, size := range []int{1, 3, 5} {
			env := newTestEnv(t, parallelism, size, 0.5, 0.75, 1.5)
			desc := env.desc(dnn.NCHW, dtypes.Float64, n, c, h, w)
			x := randomValues(rng, n*c*h*w)
			xb := env.block(dtypes.Float64, x)
			yb := env.zeros(dtypes.Float64, len(x))
			t1, t2 := env.zeros(dtypes.Float64, len(x)), env.zeros(dtypes.Float64, len(x))
			require.NoError(t, env.lib.DivisiveNormalizationForward(env.handle, env.norm, dnn.PrecomputedMeans,
				1, desc, xb, nil, t1, t2, 0, desc, yb))
			want := referenceForward(x, n, c, h, w, size, 0.5, 0.75, 1.5)
			assert.InDeltaSlice(t, want, values(dtypes.Float64, yb, len(x)), 1e-12, "size=%d, parallelism=%d", size, parallelism)

			// temp2 holds the squares of the input.
			squares := values(dtypes.Float64, t2, len(x))
			for ii, v := range x {
				assert.InDelta(t, v*v, squares[ii], 1e-12)
			}
		}
	}
}

func TestForwardScalingAndMeans(t *testing.T) {
	const n, c, h, w = 1, 2, 3, 3
	count := n * c * h * w
	rng := rand.New(rand.NewPCG(3, 4))
	env := newTestEnv(t, 2, 3, 1e-1, 0.75, 2)
	desc := env.desc(dnn.NCHW, dtypes.Float64, n, c, h, w)
	x := randomValues(rng, count)
	means := randomValues(rng, count)
	centeredX := make([]float64, count)
	for ii := range x {
		centeredX[ii] = x[ii] - means[ii]
	}
	prior := randomValues(rng, count)
	xb, mb, yb := env.block(dtypes.Float64, x), env.block(dtypes.Float64, means), env.block(dtypes.Float64, prior)
	t1, t2 := env.zeros(dtypes.Float64, count), env.zeros(dtypes.Float64, count)
	require.NoError(t, env.lib.DivisiveNormalizationForward(env.handle, env.norm, dnn.PrecomputedMeans,
		2, desc, xb, mb, t1, t2, 0.5, desc, yb))
	ref := referenceForward(centeredX, n, c, h, w, 3, 1e-1, 0.75, 2)
	got := values(dtypes.Float64, yb, count)
	for ii := range ref {
		assert.InDelta(t, 2*ref[ii]+0.5*prior[ii], got[ii], 1e-12)
	}
}

func TestForwardNHWC(t *testing.T) {
	const n, c, h, w = 2, 3, 4, 4
	count := n * c * h * w
	rng := rand.New(rand.NewPCG(5, 6))
	env := newTestEnv(t, -1, 3, 1, 0.75, 1)
	nchw := env.desc(dnn.NCHW, dtypes.Float32, n, c, h, w)
	nhwc := env.desc(dnn.NHWC, dtypes.Float32, n, c, h, w)
	x := randomValues(rng, count)

	// Transpose x to NHWC.
	xT := make([]float64, count)
	for in := range n {
		for ic := range c {
			for ih := range h {
				for iw := range w {
					xT[((in*h+ih)*w+iw)*c+ic] = x[((in*c+ic)*h+ih)*w+iw]
				}
			}
		}
	}
	y1, y2 := env.zeros(dtypes.Float32, count), env.zeros(dtypes.Float32, count)
	t1, t2 := env.zeros(dtypes.Float32, count), env.zeros(dtypes.Float32, count)
	require.NoError(t, env.lib.DivisiveNormalizationForward(env.handle, env.norm, dnn.PrecomputedMeans,
		1, nchw, env.block(dtypes.Float32, x), nil, t1, t2, 0, nchw, y1))
	// Input in NHWC, output in NCHW: the results must match.
	require.NoError(t, env.lib.DivisiveNormalizationForward(env.handle, env.norm, dnn.PrecomputedMeans,
		1, nhwc, env.block(dtypes.Float32, xT), nil, t1, t2, 0, nchw, y2))
	assert.InDeltaSlice(t, values(dtypes.Float32, y1, count), values(dtypes.Float32, y2, count), 1e-6)
}

func TestForwardFloat16(t *testing.T) {
	const n, c, h, w = 1, 2, 4, 4
	count := n * c * h * w
	rng := rand.New(rand.NewPCG(7, 8))
	env := newTestEnv(t, 1, 3, 1e-4, 0.75, 1)
	desc := env.desc(dnn.NCHW, dtypes.Float16, n, c, h, w)
	x := randomValues(rng, count)
	y := env.zeros(dtypes.Float16, count)
	require.NoError(t, env.lib.DivisiveNormalizationForward(env.handle, env.norm, dnn.PrecomputedMeans,
		1, desc, env.block(dtypes.Float16, x), nil, env.zeros(dtypes.Float16, count), env.zeros(dtypes.Float16, count),
		0, desc, y))
	want := referenceForward(x, n, c, h, w, 3, 1e-4, 0.75, 1)
	assert.InDeltaSlice(t, want, values(dtypes.Float16, y, count), 2e-3)
}

func TestBackwardGradientCheck(t *testing.T) {
	const n, c, h, w = 1, 2, 4, 5
	count := n * c * h * w
	for _, size := range []int{2, 3, 5} {
		rng := rand.New(rand.NewPCG(9, uint64(size)))
		const alpha, beta, k = 0.7, 0.75, 1.3
		env := newTestEnv(t, 3, size, alpha, beta, k)
		desc := env.desc(dnn.NCHW, dtypes.Float64, n, c, h, w)
		x := randomValues(rng, count)
		dy := randomValues(rng, count)

		loss := func(x []float64) float64 {
			y := make([]float64, count)
			yb := env.zeros(dtypes.Float64, count)
			require.NoError(t, env.lib.DivisiveNormalizationForward(env.handle, env.norm, dnn.PrecomputedMeans,
				1, desc, env.block(dtypes.Float64, x), nil, env.zeros(dtypes.Float64, count), env.zeros(dtypes.Float64, count),
				0, desc, yb))
			copy(y, values(dtypes.Float64, yb, count))
			var l float64
			for ii := range y {
				l += y[ii] * dy[ii]
			}
			return l
		}

		dx, dMeans := env.zeros(dtypes.Float64, count), env.zeros(dtypes.Float64, count)
		require.NoError(t, env.lib.DivisiveNormalizationBackward(env.handle, env.norm, dnn.PrecomputedMeans,
			1, desc, env.block(dtypes.Float64, x), nil, env.block(dtypes.Float64, dy),
			env.zeros(dtypes.Float64, count), env.zeros(dtypes.Float64, count), 0, desc, dx, dMeans))
		got := values(dtypes.Float64, dx, count)
		gotMeans := values(dtypes.Float64, dMeans, count)

		const eps = 1e-6
		for ii := range x {
			plus, minus := append([]float64(nil), x...), append([]float64(nil), x...)
			plus[ii] += eps
			minus[ii] -= eps
			numeric := (loss(plus) - loss(minus)) / (2 * eps)
			assert.InDelta(t, numeric, got[ii], 1e-6, "size=%d, element %d", size, ii)
			assert.InDelta(t, -got[ii], gotMeans[ii], 1e-12)
		}
	}
}

func TestBackwardBlending(t *testing.T) {
	const count = 1 * 1 * 3 * 3
	rng := rand.New(rand.NewPCG(10, 11))
	env := newTestEnv(t, 0, 3, 1, 0.75, 1)
	desc := env.desc(dnn.NCHW, dtypes.Float64, 1, 1, 3, 3)
	x, dy, prior := randomValues(rng, count), randomValues(rng, count), randomValues(rng, count)
	run := func(alpha, beta float64, dxInit []float64) []float64 {
		dx := env.block(dtypes.Float64, dxInit)
		require.NoError(t, env.lib.DivisiveNormalizationBackward(env.handle, env.norm, dnn.PrecomputedMeans,
			alpha, desc, env.block(dtypes.Float64, x), nil, env.block(dtypes.Float64, dy),
			env.zeros(dtypes.Float64, count), env.zeros(dtypes.Float64, count), beta, desc, dx, nil))
		return values(dtypes.Float64, dx, count)
	}
	plain := run(1, 0, make([]float64, count))
	blended := run(3, 2, prior)
	for ii := range plain {
		assert.InDelta(t, 3*plain[ii]+2*prior[ii], blended[ii], 1e-12)
	}
}

func TestDescriptorValidation(t *testing.T) {
	lib := NewLibrary(0)
	norm, err := lib.CreateLRNDescriptor()
	require.NoError(t, err)
	badParam := &dnn.Error{Status: dnn.StatusBadParam}
	require.ErrorIs(t, lib.SetLRNDescriptor(norm, 0, 1, 0.75, 1), badParam)
	require.ErrorIs(t, lib.SetLRNDescriptor(norm, 17, 1, 0.75, 1), badParam)
	require.ErrorIs(t, lib.SetLRNDescriptor(norm, 5, math.NaN(), 0.75, 1), badParam)
	require.ErrorIs(t, lib.SetLRNDescriptor(norm, 5, 1, 0.001, 1), badParam)
	require.ErrorIs(t, lib.SetLRNDescriptor(norm, 5, 1, 0.75, 0), badParam)
	require.ErrorIs(t, lib.SetLRNDescriptor(norm, 5, 1, 0.75, math.Inf(1)), badParam)
	require.NoError(t, lib.SetLRNDescriptor(norm, 5, 1e-4, 0.75, 1))

	desc, err := lib.CreateTensorDescriptor()
	require.NoError(t, err)
	require.ErrorIs(t, lib.SetTensor4dDescriptor(desc, dnn.NCHW, dtypes.Float32, 2, 0, 4, 4), badParam)
	require.ErrorIs(t, lib.SetTensor4dDescriptor(desc, dnn.NCHW, dtypes.Int32, 2, 3, 4, 4),
		&dnn.Error{Status: dnn.StatusNotSupported})
	require.ErrorIs(t, lib.SetTensor4dDescriptor(desc, dnn.TensorFormat(7), dtypes.Float32, 2, 3, 4, 4), badParam)
	require.NoError(t, lib.SetTensor4dDescriptor(desc, dnn.NCHW, dtypes.Float32, 2, 3, 4, 4))

	// Too many elements, including products that would wrap around int64.
	notSupported := &dnn.Error{Status: dnn.StatusNotSupported}
	require.ErrorIs(t, lib.SetTensor4dDescriptor(desc, dnn.NCHW, dtypes.Float32, 1<<16, 1<<16, 1<<16, 1<<16), notSupported)
	require.ErrorIs(t, lib.SetTensor4dDescriptor(desc, dnn.NCHW, dtypes.Float32, 1<<30, 1<<30, 1<<30, 16), notSupported)
	require.ErrorIs(t, lib.SetTensor4dDescriptor(desc, dnn.NCHW, dtypes.Float32, 1, 1, 1<<16, 1<<15), notSupported)
	require.NoError(t, lib.SetTensor4dDescriptor(desc, dnn.NCHW, dtypes.Float32, 1, 1, 1<<16, 1<<15-1))

	require.NoError(t, lib.DestroyTensorDescriptor(desc))
	require.ErrorIs(t, lib.DestroyTensorDescriptor(desc), badParam)
	require.NoError(t, lib.DestroyLRNDescriptor(norm))
	require.ErrorIs(t, lib.SetLRNDescriptor(norm, 5, 1, 0.75, 1), badParam)
	require.ErrorIs(t, lib.DestroyLRNDescriptor("not a descriptor"), badParam)

	h, err := lib.Create()
	require.NoError(t, err)
	require.NoError(t, lib.Destroy(h))
	err = lib.Destroy(h)
	require.ErrorIs(t, err, &dnn.Error{Status: dnn.StatusNotInitialized})
	assert.Equal(t, dnn.StatusNotInitialized, dnn.StatusOf(err))
}

func TestComputeValidation(t *testing.T) {
	env := newTestEnv(t, 0, 3, 1, 0.75, 1)
	desc := env.desc(dnn.NCHW, dtypes.Float32, 1, 2, 3, 3)
	other := env.desc(dnn.NCHW, dtypes.Float32, 1, 2, 3, 4)
	unset, err := env.lib.CreateTensorDescriptor()
	require.NoError(t, err)
	small := env.zeros(dtypes.Float32, 5)
	x, y := env.zeros(dtypes.Float32, 18), env.zeros(dtypes.Float32, 18)
	t1, t2 := env.zeros(dtypes.Float32, 18), env.zeros(dtypes.Float32, 18)
	forward := func(xDesc, yDesc dnn.TensorDescriptor, x, temp, y *memory.Block) error {
		return env.lib.DivisiveNormalizationForward(env.handle, env.norm, dnn.PrecomputedMeans,
			1, xDesc, x, nil, temp, t2, 0, yDesc, y)
	}
	require.NoError(t, forward(desc, desc, x, t1, y))
	badParam := &dnn.Error{Status: dnn.StatusBadParam}
	require.ErrorIs(t, forward(desc, other, x, t1, y), badParam)
	require.ErrorIs(t, forward(unset, desc, x, t1, y), badParam)
	require.ErrorIs(t, forward(desc, desc, x, small, y), badParam)
	require.ErrorIs(t, forward(desc, desc, nil, t1, y), badParam)
	require.ErrorIs(t, env.lib.DivisiveNormalizationForward(env.handle, env.norm, dnn.DivNormMode(3),
		1, desc, x, nil, t1, t2, 0, desc, y), &dnn.Error{Status: dnn.StatusNotSupported})

	require.NoError(t, env.dev.Free(t1))
	require.ErrorIs(t, forward(desc, desc, x, t1, y), &dnn.Error{Status: dnn.StatusMappingError})

	require.NoError(t, env.lib.Destroy(env.handle))
	require.ErrorIs(t, forward(desc, desc, x, t2, y), &dnn.Error{Status: dnn.StatusNotInitialized})
}

func TestRegistration(t *testing.T) {
	assert.Contains(t, dnn.Registered(), Name)
	lib := dnn.NewWithConfig("host:workers=2")
	require.IsType(t, &Library{}, lib)
	assert.Equal(t, 2, lib.(*Library).workers.MaxParallelism())
	assert.Equal(t, Name, dnn.NewWithConfig("host").Name())
	require.Panics(t, func() { dnn.NewWithConfig("host:workers=two") })
	require.Panics(t, func() { dnn.NewWithConfig("host:threads=2") })
	require.Panics(t, func() { dnn.NewWithConfig("cudnn") })

	t.Setenv(dnn.LCN_DNN, "host:workers=0")
	assert.Equal(t, 0, dnn.New().(*Library).workers.MaxParallelism())
}
