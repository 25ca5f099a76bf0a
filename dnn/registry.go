// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dnn

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Constructor builds a Library from its library-specific configuration, which may be empty.
type Constructor func(config string) Library

var (
	constructors = make(map[string]Constructor)

	// fallbackName is the library used when no configuration names one.
	fallbackName string
)

// Register makes a library available under name to New and NewWithConfig.
// Registering the same name again replaces the constructor.
//
// Libraries register themselves from an init function, so importing a library package
// (e.g. `_ "github.com/gomlx/lcn/dnn/host"`) is enough to make it available.
func Register(name string, constructor Constructor) {
	if len(constructors) == 0 {
		fallbackName = name
	}
	constructors[name] = constructor
}

// Registered returns the names of the registered libraries, sorted.
func Registered() []string {
	return slices.Sorted(maps.Keys(constructors))
}

// DefaultConfig, if set, is used by New when LCN_DNN is not in the environment.
var DefaultConfig string

// LCN_DNN is the environment variable that selects the library used by New, formatted as
// in NewWithConfig.
const LCN_DNN = "LCN_DNN"

// New returns the library selected by $LCN_DNN, or else by DefaultConfig, or else the
// first library registered, with an empty configuration.
//
// It panics if no library was registered or the selected one is unknown.
func New() Library {
	if config, found := os.LookupEnv(LCN_DNN); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig returns the library selected by config, formatted as "<name>[:<config>]":
// e.g. "host" or "host:workers=4". The part after the colon is passed to the library
// constructor. An empty config selects the first library registered.
//
// It panics if no library was registered or the selected one is unknown.
func NewWithConfig(config string) Library {
	if len(constructors) == 0 {
		exceptions.Panicf(`dnn: no library registered, import one, e.g. _ "github.com/gomlx/lcn/dnn/host"`)
	}
	name, libConfig, _ := strings.Cut(config, ":")
	if name == "" {
		name = fallbackName
	}
	constructor, found := constructors[name]
	if !found {
		exceptions.Panicf("dnn: unknown library %q in configuration %q, registered libraries are %q",
			name, config, Registered())
	}
	return constructor(libConfig)
}
