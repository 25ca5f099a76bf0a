// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"maps"
	"slices"

	"github.com/gomlx/lcn/blob"
	"github.com/gomlx/lcn/dnn"
	"github.com/gomlx/lcn/memory"
	"github.com/pkg/errors"
)

// Layer is the life-cycle shared by all layers, see package documentation.
type Layer interface {
	Name() string
	Type() string
	SetUp(bottom, top []*blob.Blob) error
	Reshape(bottom, top []*blob.Blob) error
	Forward(bottom, top []*blob.Blob) error
	Backward(top []*blob.Blob, propagateDown []bool, bottom []*blob.Blob) error
	Close() error
}

// Compile-time check.
var _ Layer = (*LCN)(nil)

// Env holds what layers need from the surrounding framework.
type Env struct {
	// Library to delegate computations to. If nil, dnn.New() is used.
	Library dnn.Library

	// Policy for the scratch buffers. Required.
	Policy memory.Policy
}

// Creator builds a layer from its parameters.
type Creator func(param LayerParameter, env Env) (Layer, error)

var creators = make(map[string]Creator)

// Register the creator of layers of the given type. It should be called during the
// initialization of a package; registering a type again replaces its creator.
func Register(layerType string, creator Creator) {
	creators[layerType] = creator
}

// RegisteredTypes returns the sorted types of layers that can be created.
func RegisteredTypes() []string {
	return slices.Sorted(maps.Keys(creators))
}

// Create a layer of type param.Type.
func Create(param LayerParameter, env Env) (Layer, error) {
	creator, found := creators[param.Type]
	if !found {
		return nil, withKind(ErrConfiguration, errors.Errorf("unknown layer type %q for layer %q, registered types are %q",
			param.Type, param.Name, RegisteredTypes()))
	}
	return creator(param, env)
}

func init() {
	Register("LRN", createLRN)
}

// createLRN picks the implementation of an "LRN" layer. Only the within-channel
// normalization is implemented here, with the DNN engine.
func createLRN(param LayerParameter, env Env) (Layer, error) {
	p := param.LRN
	if p.NormRegion != WithinChannel || (p.Engine != EngineDefault && p.Engine != EngineDNN) {
		return nil, withKind(ErrConfiguration, errors.Errorf("LRN layer %q: no %s engine for norm_region %s",
			param.Name, p.Engine, p.NormRegion))
	}
	if env.Policy == nil {
		return nil, errors.Errorf("LRN layer %q: no memory policy given", param.Name)
	}
	lib := env.Library
	if lib == nil {
		lib = dnn.New()
	}
	return NewLCN(param, lib, env.Policy), nil
}
