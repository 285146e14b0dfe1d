package host

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/gomlx/augment/backends"
	"github.com/gomlx/augment/types/images"
	"github.com/pkg/errors"
)

// kernelBinding binds one kernel name to its parameter validation (run at
// graph verification) and its implementation (run at graph execution).
// Scalar values are read at execution time: nodes mutate their scalars
// between executions to push freshly drawn augmentation parameters.
type kernelBinding struct {
	validate func(op backends.OpSpec) error
	run      func(ctx *Context, op backends.OpSpec)
}

// kernelModules lists the kernel modules this backend can load, mirroring
// the vendor runtime's loadable extension modules. The "utility" module's
// kernels are dispatched through Context.RunKernel rather than graph nodes,
// see utility.go. There is no "media" (video decode) module on the host
// backend.
var kernelModules = map[string]map[string]*kernelBinding{
	"augment": augmentKernels,
	"utility": {},
}

var augmentKernels = map[string]*kernelBinding{
	"warp_affine": {
		validate: validateUnary(6, scalarTypes(float32(0), float32(0), float32(0), float32(0), float32(0), float32(0)), false),
		run:      runWarpAffine,
	},
	"rotate": {
		validate: validateUnary(1, scalarTypes(float32(0)), true),
		run: runPerItem(func(img *image.NRGBA, info images.Info, scalars []*backends.Scalar) *image.NRGBA {
			angle := mustFloat32(scalars[0].Value)
			rotated := imaging.Rotate(img, float64(angle), color.NRGBA{A: 255})
			return imaging.CropAnchor(rotated, info.Width, info.Height, imaging.Center)
		}),
	},
	"resize": {
		validate: validateUnary(0, nil, false),
		run: runPerItem(func(img *image.NRGBA, info images.Info, _ []*backends.Scalar) *image.NRGBA {
			return imaging.Resize(img, info.Width, info.Height, imaging.Lanczos)
		}),
	},
	"flip": {
		validate: validateUnary(1, scalarTypes(int32(0)), true),
		run: runPerItem(func(img *image.NRGBA, _ images.Info, scalars []*backends.Scalar) *image.NRGBA {
			if mustInt32(scalars[0].Value) == 0 {
				return imaging.FlipH(img)
			}
			return imaging.FlipV(img)
		}),
	},
	"brightness": {
		validate: validateUnary(1, scalarTypes(float32(0)), true),
		run: runPerItem(func(img *image.NRGBA, _ images.Info, scalars []*backends.Scalar) *image.NRGBA {
			return imaging.AdjustBrightness(img, float64(mustFloat32(scalars[0].Value)))
		}),
	},
	"contrast": {
		validate: validateUnary(1, scalarTypes(float32(0)), true),
		run: runPerItem(func(img *image.NRGBA, _ images.Info, scalars []*backends.Scalar) *image.NRGBA {
			return imaging.AdjustContrast(img, float64(mustFloat32(scalars[0].Value)))
		}),
	},
	"blur": {
		validate: validateUnary(1, scalarTypes(float32(0)), true),
		run: runPerItem(func(img *image.NRGBA, _ images.Info, scalars []*backends.Scalar) *image.NRGBA {
			sigma := float64(mustFloat32(scalars[0].Value))
			if sigma <= 0 {
				return img
			}
			return imaging.Blur(img, sigma)
		}),
	},
}

// validateUnary builds the validation for a single-input single-output
// kernel with a fixed scalar signature. If sameGeometry is set, input and
// output must have identical geometry; otherwise only the format and batch
// must match (e.g. resize and warp produce different dimensions).
func validateUnary(numScalars int, scalarCheck func(op backends.OpSpec) error, sameGeometry bool) func(op backends.OpSpec) error {
	return func(op backends.OpSpec) error {
		if len(op.Inputs) != 1 || len(op.Outputs) != 1 {
			return errors.Errorf("expected 1 input and 1 output image, got %d and %d",
				len(op.Inputs), len(op.Outputs))
		}
		if len(op.Scalars) != numScalars {
			return errors.Errorf("expected %d scalar parameter(s), got %d", numScalars, len(op.Scalars))
		}
		in, out := op.Inputs[0], op.Outputs[0]
		for _, operand := range []*backends.Operand{in, out} {
			if err := validateOperandFormat(operand); err != nil {
				return err
			}
		}
		if in.Info.Format != out.Info.Format {
			return errors.Errorf("input format %s and output format %s differ", in.Info.Format, out.Info.Format)
		}
		if in.Info.Batch != out.Info.Batch {
			return errors.Errorf("input batch %d and output batch %d differ", in.Info.Batch, out.Info.Batch)
		}
		if sameGeometry && !in.Info.Eq(out.Info) {
			return errors.Errorf("input %s and output %s must have the same geometry", in.Info, out.Info)
		}
		if scalarCheck != nil {
			return scalarCheck(op)
		}
		return nil
	}
}

// scalarTypes returns a check that each scalar currently holds a value of
// the same type as the corresponding prototype.
func scalarTypes(prototypes ...any) func(op backends.OpSpec) error {
	return func(op backends.OpSpec) error {
		for i, proto := range prototypes {
			switch proto.(type) {
			case float32:
				if _, ok := op.Scalars[i].Value.(float32); !ok {
					return errors.Errorf("scalar #%d: expected float32, got %T", i, op.Scalars[i].Value)
				}
			case int32:
				if _, ok := op.Scalars[i].Value.(int32); !ok {
					return errors.Errorf("scalar #%d: expected int32, got %T", i, op.Scalars[i].Value)
				}
			default:
				return errors.Errorf("scalar #%d: unsupported prototype type %T", i, proto)
			}
		}
		return nil
	}
}

// runPerItem lifts an NRGBA -> NRGBA transform into a batched kernel: the
// stacked input is split per batch item, transformed, and written into the
// output operand at the item's row block. The transform receives the output
// Info (per-item geometry) to size its result.
func runPerItem(transform func(img *image.NRGBA, outInfo images.Info, scalars []*backends.Scalar) *image.NRGBA) func(ctx *Context, op backends.OpSpec) {
	return func(ctx *Context, op backends.OpSpec) {
		in, out := op.Inputs[0], op.Outputs[0]
		src := ctx.bytesOf(in.Buffer)
		dst := ctx.bytesOf(out.Buffer)
		for item := 0; item < in.Info.Batch; item++ {
			img := itemToNRGBA(src, in.Info, item)
			result := transform(img, out.Info, op.Scalars)
			itemFromNRGBA(result, dst, out.Info, item)
		}
	}
}

// runWarpAffine applies the 2x3 inverse affine matrix [c0 c2 c4; c1 c3 c5]
// to each output pixel and samples the input nearest-neighbor; out-of-bounds
// samples produce black. Implemented directly since the imaging library has
// no general affine warp.
func runWarpAffine(ctx *Context, op backends.OpSpec) {
	in, out := op.Inputs[0], op.Outputs[0]
	src := ctx.bytesOf(in.Buffer)
	dst := ctx.bytesOf(out.Buffer)
	var c [6]float32
	for i := range c {
		c[i] = mustFloat32(op.Scalars[i].Value)
	}
	channels := out.Info.PlaneCount()
	srcStride := in.Info.Width * channels
	dstStride := out.Info.Width * channels
	for item := 0; item < out.Info.Batch; item++ {
		srcBase := item * in.Info.Height * srcStride
		dstBase := item * out.Info.Height * dstStride
		for y := 0; y < out.Info.Height; y++ {
			for x := 0; x < out.Info.Width; x++ {
				// Floor, not truncate: coordinates in (-1, 0) are out of
				// bounds, they must not collapse onto pixel 0.
				fx, fy := float32(x), float32(y)
				sx := int(math.Floor(float64(c[0]*fx + c[2]*fy + c[4])))
				sy := int(math.Floor(float64(c[1]*fx + c[3]*fy + c[5])))
				dstOffset := dstBase + y*dstStride + x*channels
				if sx < 0 || sx >= in.Info.Width || sy < 0 || sy >= in.Info.Height {
					for ch := 0; ch < channels; ch++ {
						dst[dstOffset+ch] = 0
					}
					continue
				}
				srcOffset := srcBase + sy*srcStride + sx*channels
				copy(dst[dstOffset:dstOffset+channels], src[srcOffset:srcOffset+channels])
			}
		}
	}
}

// itemToNRGBA copies batch item `item` of a stacked buffer into an NRGBA
// image for the imaging kernels. Gray expands to r=g=b, BGR swaps to RGB so
// color-sensitive kernels see proper colors.
func itemToNRGBA(data []byte, info images.Info, item int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, info.Width, info.Height))
	channels := info.PlaneCount()
	base := item * info.Height * info.Width * channels
	for y := 0; y < info.Height; y++ {
		for x := 0; x < info.Width; x++ {
			src := base + (y*info.Width+x)*channels
			dst := img.PixOffset(x, y)
			switch info.Format {
			case images.Gray:
				v := data[src]
				img.Pix[dst], img.Pix[dst+1], img.Pix[dst+2] = v, v, v
			case images.RGB24:
				img.Pix[dst], img.Pix[dst+1], img.Pix[dst+2] = data[src], data[src+1], data[src+2]
			case images.BGR24:
				img.Pix[dst], img.Pix[dst+1], img.Pix[dst+2] = data[src+2], data[src+1], data[src]
			}
			img.Pix[dst+3] = 255
		}
	}
	return img
}

// itemFromNRGBA writes an NRGBA image back into batch item `item` of a
// stacked buffer, converting to the operand's color format.
func itemFromNRGBA(img *image.NRGBA, data []byte, info images.Info, item int) {
	channels := info.PlaneCount()
	base := item * info.Height * info.Width * channels
	for y := 0; y < info.Height; y++ {
		for x := 0; x < info.Width; x++ {
			src := img.PixOffset(x, y)
			dst := base + (y*info.Width+x)*channels
			r, g, b := img.Pix[src], img.Pix[src+1], img.Pix[src+2]
			switch info.Format {
			case images.Gray:
				// Rec. 601 luma, same weighting the image/color package uses.
				data[dst] = uint8((19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16)
			case images.RGB24:
				data[dst], data[dst+1], data[dst+2] = r, g, b
			case images.BGR24:
				data[dst], data[dst+1], data[dst+2] = b, g, r
			}
		}
	}
}
