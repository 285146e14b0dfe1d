// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nodes

import (
	"github.com/gomlx/augment/backends"
	"github.com/gomlx/augment/params"
	"github.com/gomlx/augment/pipeline"
)

// The single-parameter variants below all follow the same shape: one scalar
// refreshed from one Param each generation. Only their kernels and default
// ranges differ.

// Rotate rotates each image by a random angle in degrees, cropping the
// result back to the declared output size.
type Rotate struct {
	*unary
	angle params.Param[float32]
}

var _ pipeline.Node = (*Rotate)(nil)

// NewRotate creates a rotation node with the given angle parameter.
func NewRotate(input, output *pipeline.Image, angle params.Param[float32]) *Rotate {
	n := &Rotate{angle: angle}
	n.unary = newUnary("rotate", input, output, 1, func(scalars []*backends.Scalar) {
		scalars[0].Value = n.angle.Get()
	})
	return n
}

// Resize scales each image to the output's declared dimensions. It has no
// randomized parameters.
type Resize struct {
	*unary
}

var _ pipeline.Node = (*Resize)(nil)

// NewResize creates a resize node; the target size is the output image's.
func NewResize(input, output *pipeline.Image) *Resize {
	return &Resize{unary: newUnary("resize", input, output, 0, nil)}
}

// FlipAxis selects the mirroring direction of a Flip node.
type FlipAxis = int32

const (
	// FlipHorizontal mirrors left-right.
	FlipHorizontal FlipAxis = 0

	// FlipVertical mirrors top-bottom.
	FlipVertical FlipAxis = 1
)

// Flip mirrors each image along the configured axis.
type Flip struct {
	*unary
	axis params.Param[int32]
}

var _ pipeline.Node = (*Flip)(nil)

// NewFlip creates a flip node. Use params.Constant for a fixed axis or a
// factory-drawn parameter for a per-batch random axis.
func NewFlip(input, output *pipeline.Image, axis params.Param[int32]) *Flip {
	n := &Flip{axis: axis}
	n.unary = newUnary("flip", input, output, 1, func(scalars []*backends.Scalar) {
		scalars[0].Value = n.axis.Get()
	})
	return n
}

// Brightness shifts each image's brightness by a percentage in [-100, 100].
type Brightness struct {
	*unary
	percent params.Param[float32]
}

var _ pipeline.Node = (*Brightness)(nil)

// NewBrightness creates a brightness node with the given percentage
// parameter.
func NewBrightness(input, output *pipeline.Image, percent params.Param[float32]) *Brightness {
	n := &Brightness{percent: percent}
	n.unary = newUnary("brightness", input, output, 1, func(scalars []*backends.Scalar) {
		scalars[0].Value = n.percent.Get()
	})
	return n
}

// Contrast adjusts each image's contrast by a percentage in [-100, 100].
type Contrast struct {
	*unary
	percent params.Param[float32]
}

var _ pipeline.Node = (*Contrast)(nil)

// NewContrast creates a contrast node with the given percentage parameter.
func NewContrast(input, output *pipeline.Image, percent params.Param[float32]) *Contrast {
	n := &Contrast{percent: percent}
	n.unary = newUnary("contrast", input, output, 1, func(scalars []*backends.Scalar) {
		scalars[0].Value = n.percent.Get()
	})
	return n
}

// Blur applies a gaussian blur with a random sigma; sigma <= 0 is a pass
// through.
type Blur struct {
	*unary
	sigma params.Param[float32]
}

var _ pipeline.Node = (*Blur)(nil)

// NewBlur creates a blur node with the given sigma parameter.
func NewBlur(input, output *pipeline.Image, sigma params.Param[float32]) *Blur {
	n := &Blur{sigma: sigma}
	n.unary = newUnary("blur", input, output, 1, func(scalars []*backends.Scalar) {
		scalars[0].Value = n.sigma.Get()
	})
	return n
}

func init() {
	Register("rotate", func(factory *params.Factory, input, output *pipeline.Image) pipeline.Node {
		return NewRotate(input, output, params.Uniform[float32](factory, -30.0, 30.0))
	})
	Register("resize", func(_ *params.Factory, input, output *pipeline.Image) pipeline.Node {
		return NewResize(input, output)
	})
	Register("flip", func(factory *params.Factory, input, output *pipeline.Image) pipeline.Node {
		return NewFlip(input, output, params.Uniform[int32](factory, 0, 2))
	})
	Register("brightness", func(factory *params.Factory, input, output *pipeline.Image) pipeline.Node {
		return NewBrightness(input, output, params.Uniform[float32](factory, -25.0, 25.0))
	})
	Register("contrast", func(factory *params.Factory, input, output *pipeline.Image) pipeline.Node {
		return NewContrast(input, output, params.Uniform[float32](factory, -25.0, 25.0))
	})
	Register("blur", func(factory *params.Factory, input, output *pipeline.Image) pipeline.Node {
		return NewBlur(input, output, params.Uniform[float32](factory, 0.0, 2.0))
	})
}
