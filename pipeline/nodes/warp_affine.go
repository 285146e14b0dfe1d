// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"github.com/gomlx/augment/backends"
	"github.com/gomlx/augment/params"
	"github.com/gomlx/augment/pipeline"
)

// WarpAffine applies the 2x3 inverse affine matrix
//
//	[ x0  y0  o0 ]
//	[ x1  y1  o1 ]
//
// to every output pixel and samples the input at the mapped coordinate. The
// six coefficients are drawn from the parameter factory each generation, so
// every batch gets a fresh random warp.
type WarpAffine struct {
	*unary
	coeffs [6]params.Param[float32]
}

var _ pipeline.Node = (*WarpAffine)(nil)

// NewWarpAffine creates a warp-affine node with explicit coefficient
// parameters, in kernel binding order: x0, x1, y0, y1, o0, o1.
func NewWarpAffine(input, output *pipeline.Image, coeffs [6]params.Param[float32]) *WarpAffine {
	n := &WarpAffine{coeffs: coeffs}
	n.unary = newUnary("warp_affine", input, output, 6, func(scalars []*backends.Scalar) {
		for i, coeff := range n.coeffs {
			scalars[i].Value = coeff.Get()
		}
	})
	return n
}

// NewRandomWarpAffine creates a warp-affine node with mild random scale,
// shear and translation, the default ranges of the "warp_affine" registry
// entry.
func NewRandomWarpAffine(factory *params.Factory, input, output *pipeline.Image) *WarpAffine {
	return NewWarpAffine(input, output, [6]params.Param[float32]{
		params.Uniform[float32](factory, 0.9, 1.1),    // x0: x scale
		params.Uniform[float32](factory, -0.1, 0.1),   // x1: y shear
		params.Uniform[float32](factory, -0.1, 0.1),   // y0: x shear
		params.Uniform[float32](factory, 0.9, 1.1),    // y1: y scale
		params.Uniform[float32](factory, -10.0, 10.0), // o0: x offset
		params.Uniform[float32](factory, -10.0, 10.0), // o1: y offset
	})
}

func init() {
	Register("warp_affine", func(factory *params.Factory, input, output *pipeline.Image) pipeline.Node {
		return NewRandomWarpAffine(factory, input, output)
	})
}
