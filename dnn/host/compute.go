// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"math"

	"github.com/gomlx/lcn/dnn"
	"github.com/gomlx/lcn/memory"
)

// DivisiveNormalizationForward implements dnn.Library.
//
// For every image plane, with x_m = x - means and a window of n x n pixels centered
// (pre-padding (n-1)/2, zero padded) on each pixel:
//
//	temp2 = x_m²
//	temp  = s = k + alpha_lrn/n² * Σ_window temp2
//	y     = alpha * x_m * s^(-beta_lrn) + beta * y
func (l *Library) DivisiveNormalizationForward(h dnn.Handle, norm dnn.LRNDescriptor, mode dnn.DivNormMode,
	alpha float64, xDesc dnn.TensorDescriptor, x, means, temp, temp2 *memory.Block,
	beta float64, yDesc dnn.TensorDescriptor, y *memory.Block) error {
	const op = "DivisiveNormalizationForward"
	nd, xd, yd, err := l.validate(op, h, norm, mode, xDesc, yDesc)
	if err != nil {
		return err
	}
	views, err := blockViews(op,
		blockArg{"x", xd, x, false}, blockArg{"means", xd, means, true},
		blockArg{"temp", xd, temp, false}, blockArg{"temp2", xd, temp2, false},
		blockArg{"y", yd, y, false})
	if err != nil {
		return err
	}
	xv, mv, tv, t2v, yv := views[0], views[1], views[2], views[3], views[4]

	ysn, ysc, ysh, ysw := yd.strides()
	l.workers.Run(xd.n*xd.c, func(plane int) {
		nn, cc := plane/xd.c, plane%xd.c
		yBase := nn*ysn + cc*ysc
		scalePlane(nd, xd, nn, cc, xv, mv, tv, t2v, func(hh, ww, _ int, xm, s float64) {
			yo := yBase + hh*ysh + ww*ysw
			result := alpha * xm * math.Pow(s, -nd.beta)
			if beta != 0 {
				result += beta * yv.at(yo)
			}
			yv.set(yo, result)
		})
	})
	return nil
}

// DivisiveNormalizationBackward implements dnn.Library.
//
// With s and x_m as in the forward pass, and g = dy * x_m * s^(-beta_lrn-1) (stored in temp2):
//
//	dx     = alpha * (dy * s^(-beta_lrn) - 2*alpha_lrn*beta_lrn/n² * x_m * Σ_{windows containing the pixel} g) + beta * dx
//	dMeans = -alpha * (...) + beta * dMeans
func (l *Library) DivisiveNormalizationBackward(h dnn.Handle, norm dnn.LRNDescriptor, mode dnn.DivNormMode,
	alpha float64, xDesc dnn.TensorDescriptor, x, means, dy, temp, temp2 *memory.Block,
	beta float64, dxDesc dnn.TensorDescriptor, dx, dMeans *memory.Block) error {
	const op = "DivisiveNormalizationBackward"
	nd, xd, dxd, err := l.validate(op, h, norm, mode, xDesc, dxDesc)
	if err != nil {
		return err
	}
	views, err := blockViews(op,
		blockArg{"x", xd, x, false}, blockArg{"means", xd, means, true},
		blockArg{"dy", xd, dy, false},
		blockArg{"temp", xd, temp, false}, blockArg{"temp2", xd, temp2, false},
		blockArg{"dx", dxd, dx, false}, blockArg{"dMeans", dxd, dMeans, true})
	if err != nil {
		return err
	}
	xv, mv, dyv, tv, t2v, dxv, dmv := views[0], views[1], views[2], views[3], views[4], views[5], views[6]

	sn, sc, sh, sw := xd.strides()
	dsn, dsc, dsh, dsw := dxd.strides()
	prePad := (nd.n - 1) / 2
	coef := 2 * nd.alpha * nd.beta / float64(nd.n*nd.n)
	blend := func(v view, o int, value float64) {
		if beta != 0 {
			value += beta * v.at(o)
		}
		v.set(o, value)
	}
	l.workers.Run(xd.n*xd.c, func(plane int) {
		nn, cc := plane/xd.c, plane%xd.c
		base := nn*sn + cc*sc
		dBase := nn*dsn + cc*dsc

		// temp <- s, then temp2 <- g.
		scalePlane(nd, xd, nn, cc, xv, mv, tv, t2v, nil)
		for hh := range xd.h {
			for ww := range xd.w {
				o := base + hh*sh + ww*sw
				t2v.set(o, dyv.at(o)*centered(xv, mv, o)*math.Pow(tv.at(o), -nd.beta-1))
			}
		}

		for hh := range xd.h {
			for ww := range xd.w {
				o := base + hh*sh + ww*sw
				var sum float64
				for ih := max(hh+prePad-nd.n+1, 0); ih <= min(hh+prePad, xd.h-1); ih++ {
					for iw := max(ww+prePad-nd.n+1, 0); iw <= min(ww+prePad, xd.w-1); iw++ {
						sum += t2v.at(base + ih*sh + iw*sw)
					}
				}
				grad := alpha * (dyv.at(o)*math.Pow(tv.at(o), -nd.beta) - coef*centered(xv, mv, o)*sum)
				do := dBase + hh*dsh + ww*dsw
				blend(dxv, do, grad)
				if dmv != nil {
					blend(dmv, do, -grad)
				}
			}
		}
	})
	return nil
}

// validate the handle, normalization descriptor and the pair of tensor descriptors of a compute routine.
func (l *Library) validate(op string, h dnn.Handle, norm dnn.LRNDescriptor, mode dnn.DivNormMode,
	inDesc, outDesc dnn.TensorDescriptor) (nd *lrnDesc, in, out *tensorDesc, err error) {
	if _, err = l.handle(op, h); err != nil {
		return
	}
	if nd, err = l.lrnDesc(op, norm); err != nil {
		return
	}
	if mode != dnn.PrecomputedMeans {
		err = dnn.Errorf(op, dnn.StatusNotSupported, "divisive normalization mode %d", mode)
		return
	}
	if in, err = l.tensorDesc(op, inDesc, true); err != nil {
		return
	}
	if out, err = l.tensorDesc(op, outDesc, true); err != nil {
		return
	}
	if !in.sameDims(out) || in.dtype != out.dtype {
		err = dnn.Errorf(op, dnn.StatusBadParam, "input (%s)[%d %d %d %d] and output (%s)[%d %d %d %d] descriptors don't match",
			in.dtype, in.n, in.c, in.h, in.w, out.dtype, out.n, out.c, out.h, out.w)
	}
	return
}

type blockArg struct {
	name     string
	desc     *tensorDesc
	block    *memory.Block
	optional bool
}

// blockViews checks each block is host-visible and large enough to hold its descriptor,
// and returns their views. Optional nil blocks get a nil view.
func blockViews(op string, args ...blockArg) ([]view, error) {
	views := make([]view, len(args))
	for ii, arg := range args {
		if arg.block == nil {
			if arg.optional {
				continue
			}
			return nil, dnn.Errorf(op, dnn.StatusBadParam, "%s is nil", arg.name)
		}
		data := arg.block.Bytes()
		if data == nil {
			return nil, dnn.Errorf(op, dnn.StatusMappingError, "%s block %s is not host-visible memory", arg.name, arg.block)
		}
		if need := arg.desc.memory(); uintptr(len(data)) < need {
			return nil, dnn.Errorf(op, dnn.StatusBadParam, "%s block %s is smaller than the %d bytes required", arg.name, arg.block, need)
		}
		views[ii] = newView(arg.desc.dtype, data, arg.desc.count())
	}
	return views, nil
}

func centered(x, means view, o int) float64 {
	if means == nil {
		return x.at(o)
	}
	return x.at(o) - means.at(o)
}

// scalePlane computes temp2 = x_m² and then temp = s for the plane (nn, cc), calling emit (if not nil)
// with the position, offset, x_m and s of each pixel.
func scalePlane(nd *lrnDesc, d *tensorDesc, nn, cc int, x, means, temp, temp2 view,
	emit func(hh, ww, o int, xm, s float64)) {
	sn, sc, sh, sw := d.strides()
	base := nn*sn + cc*sc
	for hh := range d.h {
		for ww := range d.w {
			o := base + hh*sh + ww*sw
			xm := centered(x, means, o)
			temp2.set(o, xm*xm)
		}
	}

	prePad := (nd.n - 1) / 2
	coef := nd.alpha / float64(nd.n*nd.n)
	for hh := range d.h {
		for ww := range d.w {
			var sum float64
			for wh := max(hh-prePad, 0); wh < min(hh-prePad+nd.n, d.h); wh++ {
				for wc := max(ww-prePad, 0); wc < min(ww-prePad+nd.n, d.w); wc++ {
					sum += temp2.at(base + wh*sh + wc*sw)
				}
			}
			o := base + hh*sh + ww*sw
			s := nd.kVal + coef*sum
			temp.set(o, s)
			if emit != nil {
				emit(hh, ww, o, centered(x, means, o), s)
			}
		}
	}
}
