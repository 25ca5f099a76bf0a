// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package host implements a dnn.Library that runs on host memory, in pure Go.
//
// It serves as the reference implementation of the library semantics: descriptor life-cycle
// and validation, parameter limits and the divisive normalization math. Tensors of dtype
// Float32, Float64 and Float16 are supported, the latter computed in float64 and stored in
// half precision.
//
// The library registers itself as "host", and takes as configuration an optional
// "workers=N" to limit the number of planes normalized in parallel (0 disables parallelism,
// -1 makes it unlimited). E.g.: LCN_DNN="host:workers=4".
package host

import (
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lcn/dnn"
	"github.com/gomlx/lcn/internal/workerspool"
	"k8s.io/klog/v2"
)

// Name of the library, used to register it.
const Name = "host"

func init() {
	dnn.Register(Name, New)
}

// Default LRN descriptor parameters, set by CreateLRNDescriptor.
const (
	DefaultLRNN     = 5
	DefaultLRNAlpha = 1e-4
	DefaultLRNBeta  = 0.75
	DefaultLRNK     = 2.0
)

// Library implements dnn.Library on host memory.
type Library struct {
	workers *workerspool.Pool
	nextID  uint64
}

// Compile-time check.
var _ dnn.Library = (*Library)(nil)

// New constructs a host Library from a configuration string, see package documentation.
//
// It panics with an invalid configuration.
func New(config string) dnn.Library {
	parallelism := -2
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "workers":
			var err error
			parallelism, err = strconv.Atoi(value)
			if err != nil {
				exceptions.Panicf("dnn/host: invalid value %q for \"workers\" in configuration %q: %v", value, config, err)
			}
		default:
			exceptions.Panicf("dnn/host: unknown option %q in configuration %q", key, config)
		}
	}
	if parallelism == -2 {
		return NewLibrary(workerspool.New().MaxParallelism())
	}
	return NewLibrary(parallelism)
}

// NewLibrary creates a host Library normalizing at most maxParallelism planes in parallel.
func NewLibrary(maxParallelism int) *Library {
	return &Library{workers: workerspool.NewWithParallelism(maxParallelism)}
}

// Name implements dnn.Library.
func (l *Library) Name() string { return Name }

func (l *Library) newID() uint64 {
	l.nextID++
	return l.nextID
}

type handle struct {
	id        uint64
	destroyed bool
}

type tensorDesc struct {
	id         uint64
	configured bool
	destroyed  bool
	format     dnn.TensorFormat
	dtype      dtypes.DType
	n, c, h, w int
}

// strides returns the element strides of each NCHW axis for the descriptor format.
func (d *tensorDesc) strides() (sn, sc, sh, sw int) {
	if d.format == dnn.NHWC {
		return d.h * d.w * d.c, 1, d.w * d.c, d.c
	}
	return d.c * d.h * d.w, d.h * d.w, d.w, 1
}

func (d *tensorDesc) count() int { return d.n * d.c * d.h * d.w }

func (d *tensorDesc) memory() uintptr { return uintptr(d.count()) * d.dtype.Memory() }

func (d *tensorDesc) sameDims(o *tensorDesc) bool {
	return d.n == o.n && d.c == o.c && d.h == o.h && d.w == o.w
}

type lrnDesc struct {
	id                uint64
	destroyed         bool
	n                 int
	alpha, beta, kVal float64
}

// Create implements dnn.Library.
func (l *Library) Create() (dnn.Handle, error) {
	h := &handle{id: l.newID()}
	klog.V(2).Infof("dnn/host: created handle #%d", h.id)
	return h, nil
}

// Destroy implements dnn.Library.
func (l *Library) Destroy(h dnn.Handle) error {
	hh, err := l.handle("Destroy", h)
	if err != nil {
		return err
	}
	hh.destroyed = true
	klog.V(2).Infof("dnn/host: destroyed handle #%d", hh.id)
	return nil
}

func (l *Library) handle(op string, h dnn.Handle) (*handle, error) {
	hh, ok := h.(*handle)
	if !ok || hh == nil {
		return nil, dnn.Errorf(op, dnn.StatusBadParam, "invalid handle of type %T", h)
	}
	if hh.destroyed {
		return nil, dnn.Errorf(op, dnn.StatusNotInitialized, "handle #%d was destroyed", hh.id)
	}
	return hh, nil
}

// CreateTensorDescriptor implements dnn.Library.
func (l *Library) CreateTensorDescriptor() (dnn.TensorDescriptor, error) {
	return &tensorDesc{id: l.newID()}, nil
}

// SetTensor4dDescriptor implements dnn.Library.
func (l *Library) SetTensor4dDescriptor(desc dnn.TensorDescriptor, format dnn.TensorFormat, dtype dtypes.DType, n, c, h, w int) error {
	const op = "SetTensor4dDescriptor"
	d, err := l.tensorDesc(op, desc, false)
	if err != nil {
		return err
	}
	if format != dnn.NCHW && format != dnn.NHWC {
		return dnn.Errorf(op, dnn.StatusBadParam, "invalid tensor format %d", format)
	}
	if !supportedDType(dtype) {
		return dnn.Errorf(op, dnn.StatusNotSupported, "dtype %s not supported", dtype)
	}
	if n <= 0 || c <= 0 || h <= 0 || w <= 0 {
		return dnn.Errorf(op, dnn.StatusBadParam, "invalid dimensions n=%d, c=%d, h=%d, w=%d", n, c, h, w)
	}
	if !fitsInt32(n, c, h, w) {
		return dnn.Errorf(op, dnn.StatusNotSupported, "tensor of %d x %d x %d x %d elements is too large", n, c, h, w)
	}
	d.format, d.dtype = format, dtype
	d.n, d.c, d.h, d.w = n, c, h, w
	d.configured = true
	return nil
}

// DestroyTensorDescriptor implements dnn.Library.
func (l *Library) DestroyTensorDescriptor(desc dnn.TensorDescriptor) error {
	d, err := l.tensorDesc("DestroyTensorDescriptor", desc, false)
	if err != nil {
		return err
	}
	d.destroyed = true
	return nil
}

func (l *Library) tensorDesc(op string, desc dnn.TensorDescriptor, mustBeConfigured bool) (*tensorDesc, error) {
	d, ok := desc.(*tensorDesc)
	if !ok || d == nil {
		return nil, dnn.Errorf(op, dnn.StatusBadParam, "invalid tensor descriptor of type %T", desc)
	}
	if d.destroyed {
		return nil, dnn.Errorf(op, dnn.StatusBadParam, "tensor descriptor #%d was destroyed", d.id)
	}
	if mustBeConfigured && !d.configured {
		return nil, dnn.Errorf(op, dnn.StatusBadParam, "tensor descriptor #%d was not configured", d.id)
	}
	return d, nil
}

// CreateLRNDescriptor implements dnn.Library.
func (l *Library) CreateLRNDescriptor() (dnn.LRNDescriptor, error) {
	return &lrnDesc{
		id:    l.newID(),
		n:     DefaultLRNN,
		alpha: DefaultLRNAlpha,
		beta:  DefaultLRNBeta,
		kVal:  DefaultLRNK,
	}, nil
}

// SetLRNDescriptor implements dnn.Library.
func (l *Library) SetLRNDescriptor(desc dnn.LRNDescriptor, n int, alpha, beta, k float64) error {
	const op = "SetLRNDescriptor"
	d, err := l.lrnDesc(op, desc)
	if err != nil {
		return err
	}
	switch {
	case n < dnn.LRNMinN || n > dnn.LRNMaxN:
		return dnn.Errorf(op, dnn.StatusBadParam, "window size n=%d out of range [%d, %d]", n, dnn.LRNMinN, dnn.LRNMaxN)
	case math.IsNaN(alpha) || math.IsInf(alpha, 0):
		return dnn.Errorf(op, dnn.StatusBadParam, "alpha=%g is not finite", alpha)
	case !(beta >= dnn.LRNMinBeta) || math.IsInf(beta, 0):
		return dnn.Errorf(op, dnn.StatusBadParam, "beta=%g must be finite and >= %g", beta, dnn.LRNMinBeta)
	case !(k >= dnn.LRNMinK) || math.IsInf(k, 0):
		return dnn.Errorf(op, dnn.StatusBadParam, "k=%g must be finite and >= %g", k, dnn.LRNMinK)
	}
	d.n, d.alpha, d.beta, d.kVal = n, alpha, beta, k
	return nil
}

// DestroyLRNDescriptor implements dnn.Library.
func (l *Library) DestroyLRNDescriptor(desc dnn.LRNDescriptor) error {
	d, err := l.lrnDesc("DestroyLRNDescriptor", desc)
	if err != nil {
		return err
	}
	d.destroyed = true
	return nil
}

func (l *Library) lrnDesc(op string, desc dnn.LRNDescriptor) (*lrnDesc, error) {
	d, ok := desc.(*lrnDesc)
	if !ok || d == nil {
		return nil, dnn.Errorf(op, dnn.StatusBadParam, "invalid LRN descriptor of type %T", desc)
	}
	if d.destroyed {
		return nil, dnn.Errorf(op, dnn.StatusBadParam, "LRN descriptor #%d was destroyed", d.id)
	}
	return d, nil
}

// fitsInt32 reports whether the product of the positive dims is at most math.MaxInt32,
// without overflowing.
func fitsInt32(dims ...int) bool {
	total := 1
	for _, dim := range dims {
		if dim > math.MaxInt32/total {
			return false
		}
		total *= dim
	}
	return true
}

func supportedDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16:
		return true
	}
	return false
}
