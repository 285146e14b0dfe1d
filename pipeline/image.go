package pipeline

import (
	"github.com/gomlx/augment/backends"
	"github.com/gomlx/augment/types/images"
	"github.com/gomlx/exceptions"
)

// Allocation tags who owns an image's buffer across the host/device
// boundary.
type Allocation int

const (
	// AllocationNone: no buffer yet. Images start here; node outputs still
	// tagged AllocationNone at build time become virtual.
	AllocationNone Allocation = iota

	// AllocationExternal: the buffer is owned by the caller; the image never
	// frees it.
	AllocationExternal

	// AllocationInternal: the buffer was allocated on the context by the
	// image and is freed when the image is finalized.
	AllocationInternal

	// AllocationVirtual: the buffer is materialized and owned by the
	// compiled graph after verification. The orchestration layer must never
	// access it.
	AllocationVirtual
)

// Image is one batched image of the pipeline: an Info descriptor plus the
// operand shared with the graph nodes that read or write it. The buffer
// behind the operand is bound according to the Allocation tag.
type Image struct {
	ctx     backends.Context
	operand *backends.Operand
	alloc   Allocation
}

// NewImage returns an Image described by info, with no storage bound yet.
// Images are created through the master graph's registries (see
// MasterGraph.CreateImage), which decide how they get materialized.
func NewImage(info images.Info) *Image {
	return &Image{
		operand: &backends.Operand{Info: info.WithType(images.Unknown)},
	}
}

// Info returns the image's descriptor.
func (img *Image) Info() images.Info { return img.operand.Info }

// Operand returns the graph operand backing this image. Nodes wire it into
// their OpSpec; it is shared by pointer so virtual images pick up the buffer
// the compiled graph materializes.
func (img *Image) Operand() *backends.Operand { return img.operand }

// Allocation returns the buffer ownership tag.
func (img *Image) Allocation() Allocation { return img.alloc }

// Buffer returns the buffer currently bound. It is nil for virtual images
// before graph verification; virtual buffers belong to the compiled graph
// and must not be read or written directly.
func (img *Image) Buffer() backends.Buffer { return img.operand.Buffer }

// Create allocates an internally-owned buffer on the context and binds it.
// The image becomes regular and frees the buffer when finalized.
func (img *Image) Create(ctx backends.Context) {
	img.assertUnbound()
	img.ctx = ctx
	img.operand.Buffer = ctx.NewBuffer(int(img.operand.Info.Memory()))
	img.operand.Info = img.operand.Info.WithType(images.Regular)
	img.alloc = AllocationInternal
}

// CreateFromHandle binds a caller-owned buffer. The image becomes regular
// but never frees the buffer.
func (img *Image) CreateFromHandle(ctx backends.Context, buffer backends.Buffer) {
	img.assertUnbound()
	if buffer == nil || buffer.Size() < int(img.operand.Info.Memory()) {
		exceptions.Panicf("cannot create image %s from handle: need %d bytes, buffer has %d",
			img.operand.Info, img.operand.Info.Memory(), bufferSize(buffer))
	}
	img.ctx = ctx
	img.operand.Buffer = buffer
	img.operand.Info = img.operand.Info.WithType(images.Regular)
	img.alloc = AllocationExternal
}

// CreateVirtual defers the buffer to the compiled graph: it is materialized
// during graph verification and owned by the graph. Before verification the
// image has no valid buffer and must not be read.
func (img *Image) CreateVirtual(ctx backends.Context) {
	img.assertUnbound()
	img.ctx = ctx
	img.operand.Info = img.operand.Info.WithType(images.Virtual)
	img.alloc = AllocationVirtual
}

// CopyData copies the image's raw bytes into dst. Device images go through
// the queue, honoring its deferred-copy semantics when blocking is false;
// host images copy immediately regardless of blocking.
func (img *Image) CopyData(queue backends.Queue, dst []byte, blocking bool) {
	buf := img.readableBuffer()
	if hostBuf, ok := buf.(backends.HostBuffer); ok {
		copy(dst, hostBuf.Bytes())
		return
	}
	queue.CopyToHost(buf, dst, blocking)
}

// FillData copies src into the image's buffer, the write-side counterpart of
// CopyData. Used by loader modules to deliver decoded batches.
func (img *Image) FillData(queue backends.Queue, src []byte, blocking bool) {
	buf := img.readableBuffer()
	if hostBuf, ok := buf.(backends.HostBuffer); ok {
		copy(hostBuf.Bytes(), src)
		return
	}
	queue.CopyFromHost(buf, src, blocking)
}

// HostBytes returns the backing storage of a host-memory image. Panics for
// device or virtual images.
func (img *Image) HostBytes() []byte {
	buf := img.readableBuffer()
	hostBuf, ok := buf.(backends.HostBuffer)
	if !ok {
		exceptions.Panicf("image %s is not host-addressable", img.operand.Info)
	}
	return hostBuf.Bytes()
}

// Finalize releases the buffer if the image owns it. Virtual buffers belong
// to the compiled graph and external buffers to the caller; both are only
// unbound. Idempotent, and safe to call after the context was finalized.
func (img *Image) Finalize() error {
	if img.operand.Buffer == nil {
		return nil
	}
	var err error
	if img.alloc == AllocationInternal {
		err = img.ctx.FinalizeBuffer(img.operand.Buffer)
	}
	img.operand.Buffer = nil
	return err
}

func (img *Image) assertUnbound() {
	if img.alloc != AllocationNone {
		exceptions.Panicf("image %s already has storage bound (allocation=%d)", img.operand.Info, img.alloc)
	}
}

func (img *Image) readableBuffer() backends.Buffer {
	if img.alloc == AllocationVirtual {
		exceptions.Panicf("image %s is virtual: its buffer belongs to the compiled graph", img.operand.Info)
	}
	if img.operand.Buffer == nil {
		exceptions.Panicf("image %s has no buffer bound", img.operand.Info)
	}
	return img.operand.Buffer
}

func bufferSize(buffer backends.Buffer) int {
	if buffer == nil {
		return 0
	}
	return buffer.Size()
}
