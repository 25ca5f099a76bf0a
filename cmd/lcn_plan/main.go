// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// lcn_plan drives a local contrast normalization layer over a sequence of input shapes and
// reports, for each reshape, how the scratch buffers followed the memory policy, and at the
// end the accounting of library objects and device memory.
//
// Example:
//
//	lcn_plan -shapes=2x3x4x4,2x3x8x8,1x3x8x8 -policy=direct -iterations=10
//
// The layer parameters can also be given as a YAML layer definition with -param.
package main

import (
	stderrors "errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lcn/blob"
	"github.com/gomlx/lcn/dnn"
	"github.com/gomlx/lcn/dnn/dnntest"
	_ "github.com/gomlx/lcn/dnn/host"
	"github.com/gomlx/lcn/layers"
	"github.com/gomlx/lcn/memory"
	"github.com/gomlx/lcn/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

var (
	flagShapes = flag.String("shapes", "2x3x4x4,2x3x8x8",
		"Comma-separated list of input shapes (num x channels x height x width) to reshape the layer to, in order.")
	flagPolicy    = flag.String("policy", "direct", "Memory policy of the scratch buffers: \"direct\" or \"pooled\".")
	flagParam     = flag.String("param", "", "YAML file with the layer definition. If set, the LRN flags are ignored.")
	flagLocalSize = flag.Int("local_size", 5, "Side of the normalization window, must be odd.")
	flagAlpha     = flag.Float64("alpha", 1e-4, "Scaling coefficient.")
	flagBeta      = flag.Float64("beta", 0.75, "Exponent.")
	flagK         = flag.Float64("k", 1, "Additive bias.")
	flagDType     = flag.String("dtype", "float32", "DType of the input: float32, float64 or float16.")
	flagLibrary   = flag.String("library", "",
		fmt.Sprintf("Library configuration, e.g. \"host:workers=4\". If empty, uses $%s or the first registered one.", dnn.LCN_DNN))
	flagMemLimit   = flag.Uint64("mem_limit", 0, "Device memory limit in bytes, 0 for no limit.")
	flagIterations = flag.Int("iterations", 1, "Number of forward+backward passes after each reshape.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() > 0 {
		klog.Errorf("Unexpected arguments %q. See 'lcn_plan -help'.", flag.Args())
		os.Exit(1)
	}

	param := must.M1(layerParam())
	dtype := must.M1(parseDType(*flagDType))
	shapeList := must.M1(parseShapes(*flagShapes, dtype))
	if err := run(param, shapeList); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func layerParam() (layers.LayerParameter, error) {
	if *flagParam != "" {
		data, err := os.ReadFile(*flagParam)
		if err != nil {
			return layers.LayerParameter{}, errors.Wrapf(err, "reading layer definition")
		}
		return layers.ParseLayerParameter(data)
	}
	return layers.LayerParameter{
		Name: "lcn",
		Type: "LRN",
		LRN: layers.LRNParameter{
			LocalSize:  *flagLocalSize,
			Alpha:      *flagAlpha,
			Beta:       *flagBeta,
			K:          *flagK,
			NormRegion: layers.WithinChannel,
			Engine:     layers.EngineDNN,
		},
	}, nil
}

func parseDType(name string) (dtypes.DType, error) {
	switch strings.ToLower(name) {
	case "float32", "f32":
		return dtypes.Float32, nil
	case "float64", "f64":
		return dtypes.Float64, nil
	case "float16", "f16":
		return dtypes.Float16, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported dtype %q", name)
}

func parseShapes(spec string, dtype dtypes.DType) ([]shapes.Shape, error) {
	var list []shapes.Shape
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var dims []int
		for _, dimStr := range strings.Split(part, "x") {
			dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
			if err != nil {
				return nil, errors.Wrapf(err, "parsing shape %q", part)
			}
			dims = append(dims, dim)
		}
		if len(dims) != 4 {
			return nil, errors.Errorf("shape %q must have 4 dimensions (num x channels x height x width)", part)
		}
		shape, err := shapes.MakeOrError(dtype, dims...)
		if err != nil {
			return nil, err
		}
		list = append(list, shape)
	}
	if len(list) == 0 {
		return nil, errors.New("no shapes given")
	}
	return list, nil
}

func newLibrary() dnn.Library {
	if *flagLibrary != "" {
		return dnn.NewWithConfig(*flagLibrary)
	}
	return dnn.New()
}

func run(param layers.LayerParameter, shapeList []shapes.Shape) (err error) {
	device := memory.NewHostDevice(uintptr(*flagMemLimit))
	policy, err := memory.PolicyFromConfig(*flagPolicy, device)
	if err != nil {
		return err
	}
	lib := dnntest.New(newLibrary())
	layer, err := layers.Create(param, layers.Env{Library: lib, Policy: policy})
	if err != nil {
		return err
	}
	lcn, ok := layer.(*layers.LCN)
	if !ok {
		return errors.Errorf("layer %q of type %T doesn't report scratch buffers", layer.Name(), layer)
	}

	blobDevice := memory.NewHostDevice(0)
	bottom := must.M1(blob.New(blobDevice, shapeList[0]))
	top := must.M1(blob.New(blobDevice, shapeList[0]))
	defer func() {
		for _, b := range []*blob.Blob{bottom, top} {
			if closeErr := b.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	}()
	bottoms, tops := []*blob.Blob{bottom}, []*blob.Blob{top}

	if err = setUp(layer, bottoms, tops); err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(fmt.Sprintf("Reshapes (%s policy, library %s)", policy.Name(), lib.Inner().Name())))
	reshapes := newReport(true, lipgloss.Right)
	reshapes.Table.Headers("#", "Shape", "Required", "Capacity", "Mallocs", "Frees", "Live")
	rng := rand.New(rand.NewPCG(42, uint64(len(shapeList))))
	for ii, shape := range shapeList {
		before := device.Stats()
		if err = bottom.Reshape(shape); err != nil {
			break
		}
		if err = layer.Reshape(bottoms, tops); err != nil {
			break
		}
		if err = iterate(layer, bottoms, tops, rng, shape); err != nil {
			break
		}
		after := device.Stats()
		scratch := lcn.Scratch()
		reshapes.Row(after.Mallocs > before.Mallocs,
			strconv.Itoa(ii), shape.String(),
			humanize.IBytes(uint64(scratch.Size())), humanize.IBytes(uint64(scratch.Capacity())),
			humanize.Comma(int64(after.Mallocs-before.Mallocs)), humanize.Comma(int64(after.Frees-before.Frees)),
			humanize.IBytes(uint64(after.LiveBytes)))
	}
	fmt.Println(reshapes.Table.Render())
	if closeErr := layer.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if pool, isPooled := memory.PoolOf(policy); isPooled {
		printPool(pool)
		if clearErr := pool.Clear(); clearErr != nil && err == nil {
			err = clearErr
		}
	}
	printSummary(lib, device)
	return err
}

// setUp sets up layer, closing it if that fails. Teardown errors are joined to the SetUp error.
func setUp(layer layers.Layer, bottoms, tops []*blob.Blob) error {
	err := layer.SetUp(bottoms, tops)
	if err == nil {
		return nil
	}
	if closeErr := layer.Close(); closeErr != nil {
		err = stderrors.Join(err, closeErr)
	}
	return err
}

// iterate runs the forward and backward passes on random inputs.
func iterate(layer layers.Layer, bottoms, tops []*blob.Blob, rng *rand.Rand, shape shapes.Shape) error {
	if *flagIterations <= 0 {
		return nil
	}
	bar := progressbar.NewOptions(*flagIterations,
		progressbar.OptionSetDescription(fmt.Sprintf("%-24s", shape)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowIts(),
		progressbar.OptionClearOnFinish())
	defer func() { _ = bar.Finish() }()
	for range *flagIterations {
		fillRandom(bottoms[0], rng, false)
		fillRandom(tops[0], rng, true)
		if err := layer.Forward(bottoms, tops); err != nil {
			return err
		}
		if err := layer.Backward(tops, []bool{true}, bottoms); err != nil {
			return err
		}
		_ = bar.Add(1)
	}
	return nil
}

func fillRandom(b *blob.Blob, rng *rand.Rand, diff bool) {
	switch b.DType() {
	case dtypes.Float32:
		values := make([]float32, b.Count())
		for ii := range values {
			values[ii] = rng.Float32()*2 - 1
		}
		setFlat(b, values, diff)
	case dtypes.Float64:
		values := make([]float64, b.Count())
		for ii := range values {
			values[ii] = rng.Float64()*2 - 1
		}
		setFlat(b, values, diff)
	case dtypes.Float16:
		values := make([]float16.Float16, b.Count())
		for ii := range values {
			values[ii] = float16.Fromfloat32(rng.Float32()*2 - 1)
		}
		setFlat(b, values, diff)
	}
}

func setFlat[T dtypes.Supported](b *blob.Blob, values []T, diff bool) {
	if diff {
		blob.SetDiffFlat(b, values)
	} else {
		blob.SetFlat(b, values)
	}
}

func printPool(pool *memory.Pool) {
	stats := pool.Stats()
	fmt.Println(titleStyle.Render("Pool"))
	table := newReport(false, lipgloss.Right, lipgloss.Left)
	table.Row(false, "allocated", humanize.Comma(int64(stats.Allocated)))
	table.Row(false, "released", humanize.Comma(int64(stats.Released)))
	table.Row(false, "hits", humanize.Comma(int64(stats.Hits)))
	table.Row(false, "misses", humanize.Comma(int64(stats.Misses)))
	table.Row(false, "idle blocks", humanize.Comma(int64(stats.Pooled)))
	fmt.Println(table.Table.Render())
}

func printSummary(lib *dnntest.Library, device *memory.HostDevice) {
	fmt.Println(titleStyle.Render("Library objects"))
	table := newReport(true, lipgloss.Right, lipgloss.Right)
	table.Table.Headers("Kind", "Created", "Destroyed", "Live")
	for _, kind := range []dnntest.Kind{dnntest.KindHandle, dnntest.KindLRNDescriptor, dnntest.KindTensorDescriptor} {
		live := lib.LiveOf(kind)
		table.Row(live > 0, string(kind),
			strconv.Itoa(lib.Created(kind)), strconv.Itoa(lib.Destroyed(kind)), strconv.Itoa(live))
	}
	fmt.Println(table.Table.Render())

	stats := device.Stats()
	fmt.Println(titleStyle.Render("Scratch device"))
	summary := newReport(false, lipgloss.Right, lipgloss.Left)
	summary.Row(false, "mallocs", humanize.Comma(int64(stats.Mallocs)))
	summary.Row(false, "frees", humanize.Comma(int64(stats.Frees)))
	summary.Row(false, "peak", humanize.IBytes(uint64(stats.PeakBytes)))
	summary.Row(stats.LiveBlocks > 0, "live blocks", humanize.Comma(int64(stats.LiveBlocks)))
	summary.Row(false, "live", humanize.IBytes(uint64(stats.LiveBytes)))
	fmt.Println(summary.Table.Render())
}
