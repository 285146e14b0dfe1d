package host

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/augment/backends"
	"github.com/gomlx/exceptions"
)

// Utility kernels are data-parallel helpers dispatched directly through
// Context.RunKernel (not attached to graphs). They back the pipeline's
// normalized tensor copy on device-emulating contexts.
//
// Argument binding, in order, for copyUint8ToNHWC and copyUint8ToNCHW:
//
//	src backends.Buffer      uint8 image, channel-interleaved
//	dst backends.Buffer      float32 staging tensor (little-endian)
//	destOffset int           element offset into dst
//	width, height, channels int
//	m0, m1, m2 float32       per-channel multipliers
//	o0, o1, o2 float32       per-channel offsets
//	reverseChannels bool
//
// workSize must be width*height*channels, one logical thread per element.
var utilityKernels = map[string]func(ctx *Context, workSize int, args []any){
	"copyUint8ToNHWC": func(ctx *Context, workSize int, args []any) {
		runCopyUint8(ctx, "copyUint8ToNHWC", workSize, args, false)
	},
	"copyUint8ToNCHW": func(ctx *Context, workSize int, args []any) {
		runCopyUint8(ctx, "copyUint8ToNCHW", workSize, args, true)
	},
}

// RunKernel implements backends.Context.
func (ctx *Context) RunKernel(kernel string, workSize int, args ...any) {
	ctx.assertValid()
	if !ctx.modules["utility"] {
		exceptions.Panicf("host backend: kernel %q requires the %q kernel module to be loaded", kernel, "utility")
	}
	fn, found := utilityKernels[kernel]
	if !found {
		exceptions.Panicf("host backend: unknown utility kernel %q", kernel)
	}
	fn(ctx, workSize, args)
}

func runCopyUint8(ctx *Context, kernel string, workSize int, args []any, planar bool) {
	if len(args) != 13 {
		exceptions.Panicf("host backend: kernel %q takes 13 arguments, got %d", kernel, len(args))
	}
	srcBuf := kernelArg[backends.Buffer](kernel, args, 0)
	dstBuf := kernelArg[backends.Buffer](kernel, args, 1)
	destOffset := kernelArg[int](kernel, args, 2)
	width := kernelArg[int](kernel, args, 3)
	height := kernelArg[int](kernel, args, 4)
	channels := kernelArg[int](kernel, args, 5)
	var mult, offset [3]float32
	for i := 0; i < 3; i++ {
		mult[i] = kernelArg[float32](kernel, args, 6+i)
		offset[i] = kernelArg[float32](kernel, args, 9+i)
	}
	reverse := kernelArg[bool](kernel, args, 12)

	channelSize := width * height
	if workSize != channelSize*channels {
		exceptions.Panicf("host backend: kernel %q dispatched with workSize=%d, want %d (=%dx%dx%d)",
			kernel, workSize, channelSize*channels, width, height, channels)
	}
	src := ctx.bytesOf(srcBuf)
	dst := ctx.bytesOf(dstBuf)
	if len(src) < workSize {
		exceptions.Panicf("host backend: kernel %q source buffer has %d bytes, needs %d", kernel, len(src), workSize)
	}
	if len(dst) < (destOffset+workSize)*4 {
		exceptions.Panicf("host backend: kernel %q staging buffer has %d bytes, needs %d",
			kernel, len(dst), (destOffset+workSize)*4)
	}

	for i := 0; i < channelSize; i++ {
		for c := 0; c < channels; c++ {
			srcChannel := c
			if reverse {
				srcChannel = channels - c - 1
			}
			value := offset[c] + mult[c]*float32(src[i*channels+srcChannel])
			var idx int
			if planar {
				idx = destOffset + c*channelSize + i
			} else {
				idx = destOffset + i*channels + c
			}
			binary.LittleEndian.PutUint32(dst[idx*4:], math.Float32bits(value))
		}
	}
}

// readFloats decodes a little-endian float32 buffer into dst.
func readFloats(data []byte, dst []float32) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
}

// kernelArg asserts the type of one kernel argument.
func kernelArg[T any](kernel string, args []any, i int) T {
	value, ok := args[i].(T)
	if !ok {
		var want T
		exceptions.Panicf("host backend: kernel %q argument #%d: expected %T, got %T", kernel, i, want, args[i])
	}
	return value
}

func mustFloat32(value any) float32 {
	v, ok := value.(float32)
	if !ok {
		exceptions.Panicf("host backend: scalar expected to hold float32, got %T", value)
	}
	return v
}

func mustInt32(value any) int32 {
	v, ok := value.(int32)
	if !ok {
		exceptions.Panicf("host backend: scalar expected to hold int32, got %T", value)
	}
	return v
}
