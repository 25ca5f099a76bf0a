// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lcn/blob"
	"github.com/gomlx/lcn/dnn"
	"github.com/gomlx/lcn/dnn/dnntest"
	"github.com/gomlx/lcn/layers"
	"github.com/gomlx/lcn/memory"
	"github.com/gomlx/lcn/types/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// failingLayer fails SetUp and Close.
type failingLayer struct {
	layers.Layer
	closed int
}

var (
	errSetUp = errors.New("set up failed")
	errClose = errors.New("close failed")
)

func (l *failingLayer) SetUp(_, _ []*blob.Blob) error { return errSetUp }
func (l *failingLayer) Close() error {
	l.closed++
	return errClose
}

func TestSetUp(t *testing.T) {
	layer := &failingLayer{}
	err := setUp(layer, nil, nil)
	require.ErrorIs(t, err, errSetUp)
	require.ErrorIs(t, err, errClose)
	assert.Equal(t, 1, layer.closed)

	// A library fault releases everything created so far.
	lib := dnntest.NewHost()
	lib.FailOn("CreateTensorDescriptor", dnn.StatusAllocFailed)
	param := layers.LayerParameter{Name: "lcn", Type: "LRN", LRN: layers.DefaultLRNParameter()}
	param.LRN.NormRegion = layers.WithinChannel
	lcn, err := layers.Create(param, layers.Env{Library: lib, Policy: memory.Direct(memory.NewHostDevice(0))})
	require.NoError(t, err)
	device := memory.NewHostDevice(0)
	bottom, err := blob.New(device, shapes.Make(dtypes.Float32, 1, 1, 2, 2))
	require.NoError(t, err)
	top, err := blob.New(device, shapes.Make(dtypes.Float32, 1, 1, 2, 2))
	require.NoError(t, err)
	err = setUp(lcn, []*blob.Blob{bottom}, []*blob.Blob{top})
	require.ErrorIs(t, err, layers.ErrResourceCreation)
	assert.Zero(t, lib.NumLive())

	// Success leaves the layer open.
	lib.ClearFaults()
	lcn, err = layers.Create(param, layers.Env{Library: lib, Policy: memory.Direct(memory.NewHostDevice(0))})
	require.NoError(t, err)
	require.NoError(t, setUp(lcn, []*blob.Blob{bottom}, []*blob.Blob{top}))
	assert.Equal(t, 4, lib.NumLive())
	require.NoError(t, lcn.Close())
	assert.Zero(t, lib.NumLive())
}

func TestReport(t *testing.T) {
	r := newReport(true, lipgloss.Right, lipgloss.Left)
	r.Table.Headers("name", "value")
	r.Row(false, "a", "1")
	r.Row(true, "b", "2")
	r.Row(false, "c", "3")
	assert.Equal(t, cellStyle, r.rowStyle(0))
	assert.Equal(t, markedStyle, r.rowStyle(1))
	assert.Equal(t, cellStyle, r.rowStyle(2))
	assert.Equal(t, fadedStyle, r.rowStyle(3))
	out := r.Table.Render()
	for _, cell := range []string{"name", "value", "a", "b", "c"} {
		assert.Contains(t, out, cell)
	}

	assert.Equal(t, lipgloss.Left, alignmentOf(nil, 3))
	assert.Equal(t, lipgloss.Right, alignmentOf([]lipgloss.Position{lipgloss.Right, lipgloss.Left}, 0))
	assert.Equal(t, lipgloss.Left, alignmentOf([]lipgloss.Position{lipgloss.Right, lipgloss.Left}, 5))
}
