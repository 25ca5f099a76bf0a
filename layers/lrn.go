// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers implements the local response normalization layers: the parameters shared
// by all implementations, the LRN base layer and LCN, the within-channel normalization
// accelerated by a dnn.Library.
//
// Layers are created from a LayerParameter with Create, given an Env with the library and
// the memory.Policy to use, and follow the life-cycle:
//
//	layer, err := layers.Create(param, env)
//	err = layer.SetUp(bottom, top)    // Exactly once.
//	err = layer.Reshape(bottom, top)  // Whenever the input shape changes.
//	err = layer.Forward(bottom, top)
//	err = layer.Backward(top, []bool{true}, bottom)
//	err = layer.Close()               // Always, even if SetUp failed.
//
// Layers are not safe for concurrent use.
package layers

import (
	"math"

	"github.com/gomlx/lcn/blob"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LRN holds the parameters and the shape bookkeeping common to local response
// normalization implementations.
type LRN struct {
	param LayerParameter

	size, prePad   int
	alpha, beta, k float64
	num, channels  int
	height, width  int
	setUpDone      bool
}

// NewLRN creates the base layer for param. Parameters are only validated by LayerSetUp.
func NewLRN(param LayerParameter) *LRN {
	return &LRN{param: param}
}

// Name of the layer.
func (l *LRN) Name() string { return l.param.Name }

// Type of the layer.
func (l *LRN) Type() string { return "LRN" }

// Param returns the configuration of the layer.
func (l *LRN) Param() LayerParameter { return l.param }

// LocalSize is the side of the normalization window.
func (l *LRN) LocalSize() int { return l.size }

// PrePad is the number of pixels (or channels) before the center of the window.
func (l *LRN) PrePad() int { return l.prePad }

// Alpha is the scaling coefficient.
func (l *LRN) Alpha() float64 { return l.alpha }

// Beta is the exponent.
func (l *LRN) Beta() float64 { return l.beta }

// K is the additive bias.
func (l *LRN) K() float64 { return l.k }

// Num is the batch size of the last input given to Reshape.
func (l *LRN) Num() int { return l.num }

// Channels of the last input given to Reshape.
func (l *LRN) Channels() int { return l.channels }

// Height of the last input given to Reshape.
func (l *LRN) Height() int { return l.height }

// Width of the last input given to Reshape.
func (l *LRN) Width() int { return l.width }

func checkBlobs(what string, bottom, top []*blob.Blob) error {
	if len(bottom) != 1 || len(top) != 1 || bottom[0] == nil || top[0] == nil {
		return errors.Errorf("%s requires exactly one bottom and one top blob, got %d and %d", what, len(bottom), len(top))
	}
	return nil
}

// LayerSetUp validates the parameters and copies them into the layer.
func (l *LRN) LayerSetUp(bottom, top []*blob.Blob) error {
	if err := checkBlobs("LRN.LayerSetUp", bottom, top); err != nil {
		return err
	}
	p := l.param.LRN
	if p.LocalSize < 1 || p.LocalSize%2 == 0 {
		return withKind(ErrConfiguration, errors.Errorf("LRN %q: only odd values >= 1 are supported for local_size, got %d", l.Name(), p.LocalSize))
	}
	for _, v := range []struct {
		name  string
		value float64
	}{{"alpha", p.Alpha}, {"beta", p.Beta}, {"k", p.K}} {
		if math.IsNaN(v.value) || math.IsInf(v.value, 0) {
			return withKind(ErrConfiguration, errors.Errorf("LRN %q: %s must be finite, got %g", l.Name(), v.name, v.value))
		}
	}
	l.size = p.LocalSize
	l.prePad = (p.LocalSize - 1) / 2
	l.alpha, l.beta, l.k = p.Alpha, p.Beta, p.K
	l.setUpDone = true
	klog.V(1).Infof("LRN %q: local_size=%d, alpha=%g, beta=%g, k=%g, norm_region=%s", l.Name(), l.size, l.alpha, l.beta, l.k, p.NormRegion)
	return nil
}

// Reshape records the dimensions of the 4-D bottom blob and reshapes top to the same shape.
func (l *LRN) Reshape(bottom, top []*blob.Blob) error {
	if err := checkBlobs("LRN.Reshape", bottom, top); err != nil {
		return err
	}
	if !l.setUpDone {
		return errors.Errorf("LRN %q: Reshape called before LayerSetUp", l.Name())
	}
	shape := bottom[0].Shape()
	if shape.Rank() != 4 {
		return withKind(ErrConfiguration, errors.Errorf("LRN %q: input must have 4 axes, corresponding to (num, channels, height, width), got shape %s", l.Name(), shape))
	}
	l.num, l.channels, l.height, l.width = shape.Num(), shape.Channels(), shape.Height(), shape.Width()
	if err := top[0].Reshape(shape); err != nil {
		return withKind(ErrAllocation, errors.WithMessagef(err, "LRN %q: reshaping top", l.Name()))
	}
	return nil
}
