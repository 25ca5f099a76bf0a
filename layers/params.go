// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"bytes"
	"io"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// NormRegion selects the neighborhood of a local response normalization.
type NormRegion int

const (
	// AcrossChannels normalizes each pixel by the same pixel in the neighboring channels.
	AcrossChannels NormRegion = iota

	// WithinChannel normalizes each pixel by its spatial neighborhood in the same channel.
	// This is local contrast normalization.
	WithinChannel
)

var normRegionNames = []string{"ACROSS_CHANNELS", "WITHIN_CHANNEL"}

// String implements fmt.Stringer.
func (r NormRegion) String() string {
	if r < 0 || int(r) >= len(normRegionNames) {
		return "InvalidNormRegion"
	}
	return normRegionNames[r]
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting the names (case-insensitive) or the
// numeric value.
func (r *NormRegion) UnmarshalYAML(node *yaml.Node) error {
	v, err := enumFromYAML(node, normRegionNames, "norm_region")
	*r = NormRegion(v)
	return err
}

// Engine selects the implementation of a layer.
type Engine int

const (
	// EngineDefault picks the accelerated implementation if one is available.
	EngineDefault Engine = iota

	// EngineHost is the framework's own CPU implementation.
	EngineHost

	// EngineDNN is the implementation delegating to a dnn.Library.
	EngineDNN
)

var engineNames = []string{"DEFAULT", "HOST", "DNN"}

// String implements fmt.Stringer.
func (e Engine) String() string {
	if e < 0 || int(e) >= len(engineNames) {
		return "InvalidEngine"
	}
	return engineNames[e]
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting the names (case-insensitive) or the
// numeric value.
func (e *Engine) UnmarshalYAML(node *yaml.Node) error {
	v, err := enumFromYAML(node, engineNames, "engine")
	*e = Engine(v)
	return err
}

func enumFromYAML(node *yaml.Node, names []string, field string) (int, error) {
	if node.Kind != yaml.ScalarNode {
		return 0, errors.Errorf("line %d: %s must be a scalar", node.Line, field)
	}
	for ii, name := range names {
		if strings.EqualFold(node.Value, name) {
			return ii, nil
		}
	}
	var v int
	if err := node.Decode(&v); err == nil && v >= 0 && v < len(names) {
		return v, nil
	}
	return 0, errors.Errorf("line %d: invalid %s %q, valid values are %q", node.Line, field, node.Value, names)
}

// LRNParameter configures a local response normalization layer.
type LRNParameter struct {
	// LocalSize is the side of the normalization window, it must be odd.
	LocalSize int `yaml:"local_size"`

	Alpha float64 `yaml:"alpha"`
	Beta  float64 `yaml:"beta"`
	K     float64 `yaml:"k"`

	NormRegion NormRegion `yaml:"norm_region"`
	Engine     Engine     `yaml:"engine"`
}

// DefaultLRNParameter returns the parameters used for the fields not given.
func DefaultLRNParameter() LRNParameter {
	return LRNParameter{
		LocalSize:  5,
		Alpha:      1,
		Beta:       0.75,
		K:          1,
		NormRegion: AcrossChannels,
		Engine:     EngineDefault,
	}
}

// LayerParameter is the configuration of one layer of a network.
type LayerParameter struct {
	Name string       `yaml:"name"`
	Type string       `yaml:"type"`
	LRN  LRNParameter `yaml:"lrn_param"`
}

// ParseLayerParameter parses a YAML document describing one layer, e.g.:
//
//	name: norm1
//	type: LRN
//	lrn_param:
//	  local_size: 5
//	  alpha: 0.0001
//	  beta: 0.75
//	  norm_region: WITHIN_CHANNEL
//
// Missing fields take the values of DefaultLRNParameter. Unknown fields are an error.
func ParseLayerParameter(data []byte) (LayerParameter, error) {
	param := LayerParameter{LRN: DefaultLRNParameter()}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&param); err != nil && !errors.Is(err, io.EOF) {
		return LayerParameter{}, errors.Wrap(err, "failed to parse layer parameter")
	}
	return param, nil
}
