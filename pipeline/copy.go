package pipeline

import (
	"github.com/gomlx/augment/types/images"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// CopyOutput copies the raw bytes of every output image into dst, in binding
// order, at offsets 0, s, 2s, ... where s is one image's byte size. No
// layout conversion or normalization is performed.
//
// On device memory the copies are enqueued asynchronously except the last
// one, which blocks; the queue contract guarantees all prior copies are
// visible once it returns.
func (mg *MasterGraph) CopyOutput(dst []byte) error {
	err := exceptions.TryCatch[error](func() {
		mg.assertRetrievable()
		mg.convertTime.Start()
		defer mg.convertTime.Stop()

		size := mg.outputInfo.Size()
		if len(dst) < size*len(mg.outputImages) {
			exceptions.Panicf("destination buffer has %d bytes, the %d output image(s) need %d",
				len(dst), len(mg.outputImages), size*len(mg.outputImages))
		}

		queue := mg.ctx.Queue()
		offset := 0
		remaining := len(mg.outputImages)
		for _, img := range mg.outputImages {
			remaining--
			// Only the last copy blocks; it doubles as the completion
			// barrier for all earlier ones.
			img.CopyData(queue, dst[offset:offset+size], remaining == 0)
			offset += size
		}
	})
	if err != nil {
		return errors.WithMessage(err, "failed to copy pipeline output")
	}
	return nil
}

// CopyOutTensor converts every output image into dst as normalized float32,
// in binding order. For each channel c of each pixel:
//
//	out[c] = offset[c] + multiplier[c] * float32(raw[c'])
//
// where c' is c, or channels-1-c when reverseChannels is set (e.g. BGR to
// RGB). The layout selects interleaved (NHWC) or planar (NCHW) element
// order within each image slot.
//
// On device memory the conversion runs as a data-parallel kernel per output
// image into the unified staging tensor, followed by one blocking read; on
// host memory it converts directly into dst.
func (mg *MasterGraph) CopyOutTensor(dst []float32, layout TensorLayout,
	multiplier, offset [3]float32, reverseChannels bool) error {
	err := exceptions.TryCatch[error](func() {
		mg.assertRetrievable()
		mg.convertTime.Start()
		defer mg.convertTime.Stop()

		imageSize := mg.outputInfo.Size()
		total := imageSize * len(mg.outputImages)
		if len(dst) < total {
			exceptions.Panicf("destination tensor has %d elements, the %d output image(s) need %d",
				len(dst), len(mg.outputImages), total)
		}

		if mg.memType == images.Device {
			mg.convertOnDevice(dst[:total], layout, multiplier, offset, reverseChannels)
			return
		}
		destOffset := 0
		for _, img := range mg.outputImages {
			convertImage(img.HostBytes(), dst[destOffset:destOffset+imageSize],
				mg.outputInfo, layout, multiplier, offset, reverseChannels)
			destOffset += imageSize
		}
	})
	if err != nil {
		return errors.WithMessage(err, "failed to copy pipeline output tensor")
	}
	return nil
}

// CopyOutTensorF16 is CopyOutTensor with a half-precision destination. The
// transform is computed in float32 and rounded per element.
func (mg *MasterGraph) CopyOutTensorF16(dst []float16.Float16, layout TensorLayout,
	multiplier, offset [3]float32, reverseChannels bool) error {
	total := mg.outputInfo.Size() * len(mg.outputImages)
	if len(dst) < total {
		return errors.Errorf("failed to copy pipeline output tensor: destination has %d elements, need %d",
			len(dst), total)
	}
	staging := make([]float32, total)
	if err := mg.CopyOutTensor(staging, layout, multiplier, offset, reverseChannels); err != nil {
		return err
	}
	for i, value := range staging {
		dst[i] = float16.Fromfloat32(value)
	}
	return nil
}

// convertOnDevice dispatches the conversion kernel once per output image,
// each writing its slot of the unified staging tensor, then does one
// blocking read of the whole tensor into dst.
func (mg *MasterGraph) convertOnDevice(dst []float32, layout TensorLayout,
	multiplier, offset [3]float32, reverseChannels bool) {
	kernel := "copyUint8ToNHWC"
	if layout == NCHW {
		kernel = "copyUint8ToNCHW"
	}
	w := mg.outputInfo.Width
	h := mg.outputInfo.HeightBatch()
	c := mg.outputInfo.PlaneCount()
	imageSize := mg.outputInfo.Size()

	destOffset := 0
	for _, img := range mg.outputImages {
		mg.ctx.RunKernel(kernel, imageSize,
			img.Buffer(), mg.outputTensor, destOffset, w, h, c,
			multiplier[0], multiplier[1], multiplier[2],
			offset[0], offset[1], offset[2],
			reverseChannels)
		destOffset += imageSize
	}
	mg.ctx.ReadFloats(mg.outputTensor, dst)
}

// convertImage is the host conversion path for one output image.
func convertImage(src []byte, dst []float32, info images.Info,
	layout TensorLayout, multiplier, offset [3]float32, reverseChannels bool) {
	channels := info.PlaneCount()
	channelSize := info.Width * info.HeightBatch()
	for i := 0; i < channelSize; i++ {
		for c := 0; c < channels; c++ {
			srcChannel := c
			if reverseChannels {
				srcChannel = channels - c - 1
			}
			value := offset[c] + multiplier[c]*float32(src[i*channels+srcChannel])
			if layout == NHWC {
				dst[i*channels+c] = value
			} else {
				dst[c*channelSize+i] = value
			}
		}
	}
}

// assertRetrievable panics unless the pipeline is built and its outputs hold
// data.
func (mg *MasterGraph) assertRetrievable() {
	if !mg.verified {
		exceptions.Panicf("graph not verified: Build and Run the pipeline before retrieving output")
	}
}
