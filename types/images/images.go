/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package images defines Info, the immutable descriptor of a batched image
// flowing through an augmentation pipeline: its per-item width and height,
// batch size, color format, memory type (host or device) and element dtype.
//
// Info is used both by the concrete Image values owned by a pipeline (see
// package pipeline) and by the compute backends when validating and
// materializing graph operands (see package backends).
//
// Images are always stored batch-stacked: the batch is one contiguous buffer
// of Batch items stacked vertically, so the stacked height is Height*Batch.
// Kernels and copies operate on the stacked buffer.
package images

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// MemType describes where an image buffer lives.
type MemType int

const (
	// Host memory: buffers are directly addressable byte slices.
	Host MemType = iota

	// Device memory: buffers are opaque handles, accessed only through the
	// backend's command queue.
	Device
)

// String implements fmt.Stringer.
func (m MemType) String() string {
	switch m {
	case Host:
		return "host"
	case Device:
		return "device"
	}
	return fmt.Sprintf("MemType(%d)", int(m))
}

// ColorFormat enumerates the pixel formats understood by the pipeline.
// Only 8-bit single-plane and packed 3-channel formats are supported by the
// augmentation kernel bindings.
type ColorFormat int

const (
	// Gray is single-channel 8-bit.
	Gray ColorFormat = iota

	// RGB24 is packed 3-channel 8-bit, channel-interleaved, R first.
	RGB24

	// BGR24 is packed 3-channel 8-bit, channel-interleaved, B first.
	BGR24
)

// PlaneCount returns the number of color channels of the format.
func (f ColorFormat) PlaneCount() int {
	if f == Gray {
		return 1
	}
	return 3
}

// String implements fmt.Stringer.
func (f ColorFormat) String() string {
	switch f {
	case Gray:
		return "gray"
	case RGB24:
		return "rgb24"
	case BGR24:
		return "bgr24"
	}
	return fmt.Sprintf("ColorFormat(%d)", int(f))
}

// Type tags how (or whether) an image is materialized.
type Type int

const (
	// Unknown is the tag of images not yet bound to any storage. Node output
	// images start as Unknown and are promoted to Virtual by the master graph
	// during build, unless they were declared as pipeline outputs.
	Unknown Type = iota

	// Regular images own (or borrow) a concrete buffer, created before the
	// graph is verified.
	Regular

	// Virtual images have no buffer until the compiled graph materializes one
	// during verification. Their storage belongs to the compiled graph and
	// must never be accessed by the orchestration layer.
	Virtual
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case Unknown:
		return "unknown"
	case Regular:
		return "regular"
	case Virtual:
		return "virtual"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Info is the immutable descriptor of a batched image: shape, format and
// storage kind. Create it with Make and derive variations with the With*
// methods -- Info is always passed by value.
type Info struct {
	// Width and Height of one batch item, in pixels.
	Width, Height int

	// Batch is the number of items stacked in the buffer.
	Batch int

	// Format of the pixels. It defines the channel (plane) count.
	Format ColorFormat

	// MemType is where the buffer lives, host or device.
	MemType MemType

	// Type tags the materialization state. It does not participate in
	// equality: two images with the same geometry are interchangeable slots
	// of the unified output tensor regardless of how they are stored.
	Type Type

	// DType of one channel element. Always dtypes.Uint8 for decoded images.
	DType dtypes.DType
}

// Make returns the Info of a batch of width x height images with the given
// format and memory type. The Type starts as Unknown and the element dtype
// is uint8.
func Make(width, height, batch int, format ColorFormat, memType MemType) Info {
	return Info{
		Width:   width,
		Height:  height,
		Batch:   batch,
		Format:  format,
		MemType: memType,
		Type:    Unknown,
		DType:   dtypes.Uint8,
	}
}

// HeightBatch returns the stacked height of the whole batch buffer.
func (i Info) HeightBatch() int { return i.Height * i.Batch }

// PlaneCount returns the number of color channels.
func (i Info) PlaneCount() int { return i.Format.PlaneCount() }

// ItemSize returns the number of elements of one batch item: W*H*C.
func (i Info) ItemSize() int { return i.Width * i.Height * i.PlaneCount() }

// Size returns the number of elements of the stacked batch: W*H*Batch*C.
func (i Info) Size() int { return i.Width * i.HeightBatch() * i.PlaneCount() }

// Memory returns the number of bytes needed to store the stacked batch.
func (i Info) Memory() uintptr { return i.DType.Memory() * uintptr(i.Size()) }

// Eq compares the geometry of two descriptors: width, stacked height, plane
// count, format and dtype. The Type tag and memory location are not compared.
func (i Info) Eq(other Info) bool {
	return i.Width == other.Width &&
		i.HeightBatch() == other.HeightBatch() &&
		i.Format == other.Format &&
		i.DType == other.DType
}

// Ok reports whether the descriptor holds a valid, non-empty geometry.
func (i Info) Ok() bool {
	return i.Width > 0 && i.Height > 0 && i.Batch > 0
}

// WithType returns a copy of the Info with the Type tag replaced.
func (i Info) WithType(t Type) Info {
	i.Type = t
	return i
}

// WithMemType returns a copy of the Info with the memory type replaced.
func (i Info) WithMemType(m MemType) Info {
	i.MemType = m
	return i
}

// String implements fmt.Stringer.
func (i Info) String() string {
	return fmt.Sprintf("(%s %s)[%dx%dx%d batch=%d %s]",
		i.Format, i.DType, i.Width, i.Height, i.PlaneCount(), i.Batch, i.MemType)
}
