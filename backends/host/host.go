// Package host implements the pure Go reference backend for the augmentation
// pipeline.
//
// With CPU affinity it hands out host memory buffers directly addressable by
// the orchestration layer. With GPU affinity it emulates device memory in
// RAM: buffers become opaque handles reachable only through the command
// queue, which honors the deferred-copy ordering contract of
// backends.Queue. This keeps every device code path of the pipeline
// exercisable without an accelerator runtime.
//
// Augmentation kernels are bound in kernel module "augment" and the tensor
// conversion kernels in module "utility"; see kernels.go.
package host

import (
	"github.com/gomlx/augment/backends"
	"github.com/gomlx/augment/types/images"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to use in backends.NewWithConfig to select this backend.
const BackendName = "host"

func init() {
	backends.Register(BackendName, New)
}

// Backend implements backends.Backend with pure Go kernels.
type Backend struct {
	config string
}

// New creates a host Backend. The config string is currently unused and kept
// for the backends.Constructor contract.
func New(config string) backends.Backend {
	return &Backend{config: config}
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "Pure Go host backend (device memory emulated in RAM)"
}

// NumDevices implements backends.Backend.
func (b *Backend) NumDevices() backends.DeviceNum { return 1 }

// NewContext implements backends.Backend.
func (b *Backend) NewContext(affinity backends.Affinity, deviceNum backends.DeviceNum, cpuThreads int) backends.Context {
	if deviceNum < 0 || deviceNum >= b.NumDevices() {
		exceptions.Panicf("backend %q has %d device(s), cannot create context on device #%d",
			BackendName, b.NumDevices(), deviceNum)
	}
	memType := images.Host
	if affinity == backends.GPU {
		memType = images.Device
		klog.V(1).Infof("host backend: GPU affinity requested, emulating device memory in RAM")
	}
	ctx := &Context{
		id:         uuid.NewString(),
		memType:    memType,
		cpuThreads: cpuThreads,
		modules:    make(map[string]bool),
		buffers:    make(map[backends.Buffer]bool),
	}
	ctx.queue = &queue{ctx: ctx}
	klog.V(1).Infof("host backend: created context %s (affinity=%s, memType=%s)", ctx.id, affinity, memType)
	return ctx
}

// Context implements backends.Context for the host backend.
type Context struct {
	id         string
	memType    images.MemType
	cpuThreads int
	queue      *queue
	modules    map[string]bool
	buffers    map[backends.Buffer]bool
	finalized  bool
}

// MemType implements backends.Context.
func (ctx *Context) MemType() images.MemType { return ctx.memType }

// LoadKernelModule implements backends.Context. The host backend ships the
// modules "augment" (augmentation kernels) and "utility" (tensor conversion).
func (ctx *Context) LoadKernelModule(name string) error {
	ctx.assertValid()
	if _, found := kernelModules[name]; !found {
		return errors.Errorf("kernel module %q is not available in backend %q", name, BackendName)
	}
	ctx.modules[name] = true
	return nil
}

// NewBuffer implements backends.Context. Host contexts return buffers
// implementing backends.HostBuffer; device-emulating contexts return opaque
// buffers only reachable through the queue.
func (ctx *Context) NewBuffer(size int) backends.Buffer {
	ctx.assertValid()
	if size <= 0 {
		exceptions.Panicf("host backend: cannot allocate buffer of size %d", size)
	}
	var buf backends.Buffer
	if ctx.memType == images.Host {
		buf = &hostBuffer{data: make([]byte, size)}
	} else {
		buf = &deviceBuffer{data: make([]byte, size)}
	}
	ctx.buffers[buf] = true
	return buf
}

// FinalizeBuffer implements backends.Context.
func (ctx *Context) FinalizeBuffer(buffer backends.Buffer) error {
	if buffer == nil {
		return nil
	}
	switch b := buffer.(type) {
	case *hostBuffer:
		b.data = nil
	case *deviceBuffer:
		b.data = nil
	default:
		return errors.Errorf("buffer of type %T was not created by backend %q", buffer, BackendName)
	}
	delete(ctx.buffers, buffer)
	return nil
}

// Queue implements backends.Context.
func (ctx *Context) Queue() backends.Queue { return ctx.queue }

// NewGraph implements backends.Context.
func (ctx *Context) NewGraph() backends.Graph {
	ctx.assertValid()
	return &graph{ctx: ctx}
}

// ReadFloats implements backends.Context: a blocking little-endian float32
// read, flushing the queue first so it doubles as a completion barrier.
func (ctx *Context) ReadFloats(src backends.Buffer, dst []float32) {
	ctx.assertValid()
	ctx.queue.Finish()
	data := ctx.bytesOf(src)
	if len(data) < 4*len(dst) {
		exceptions.Panicf("host backend: ReadFloats of %d floats from buffer of %d bytes", len(dst), len(data))
	}
	readFloats(data, dst)
}

// Finalize implements backends.Context. Idempotent.
func (ctx *Context) Finalize() error {
	if ctx.finalized {
		return nil
	}
	ctx.queue.Finish()
	for buf := range ctx.buffers {
		_ = ctx.FinalizeBuffer(buf)
	}
	ctx.finalized = true
	klog.V(1).Infof("host backend: finalized context %s", ctx.id)
	return nil
}

func (ctx *Context) assertValid() {
	if ctx.finalized {
		exceptions.Panicf("host backend: context %s already finalized", ctx.id)
	}
}

// bytesOf returns the backing storage of any buffer created by this context.
// Only backend internals (kernels, queue) may reach into device buffers.
func (ctx *Context) bytesOf(buffer backends.Buffer) []byte {
	switch b := buffer.(type) {
	case *hostBuffer:
		return b.data
	case *deviceBuffer:
		return b.data
	}
	exceptions.Panicf("buffer of type %T was not created by backend %q", buffer, BackendName)
	return nil
}

// hostBuffer is directly addressable; it implements backends.HostBuffer.
type hostBuffer struct {
	data []byte
}

// Size implements backends.Buffer.
func (b *hostBuffer) Size() int { return len(b.data) }

// Bytes implements backends.HostBuffer.
func (b *hostBuffer) Bytes() []byte { return b.data }

// deviceBuffer emulates device memory: same RAM, but deliberately not
// addressable through backends.HostBuffer, so the orchestration layer can
// only reach it through the queue.
type deviceBuffer struct {
	data []byte
}

// Size implements backends.Buffer.
func (b *deviceBuffer) Size() int { return len(b.data) }

// queue implements backends.Queue. Non-blocking copies are deferred and
// flushed, in order, before any blocking operation completes -- the weakest
// behavior the Queue ordering contract allows, which keeps callers honest.
type queue struct {
	ctx     *Context
	pending []func()
}

// CopyToHost implements backends.Queue.
func (q *queue) CopyToHost(src backends.Buffer, dst []byte, blocking bool) {
	data := q.ctx.bytesOf(src)
	if len(dst) > len(data) {
		exceptions.Panicf("host backend: CopyToHost of %d bytes from buffer of %d bytes", len(dst), len(data))
	}
	op := func() { copy(dst, data) }
	if !blocking {
		q.pending = append(q.pending, op)
		return
	}
	q.Finish()
	op()
}

// CopyFromHost implements backends.Queue.
func (q *queue) CopyFromHost(dst backends.Buffer, src []byte, blocking bool) {
	data := q.ctx.bytesOf(dst)
	if len(src) > len(data) {
		exceptions.Panicf("host backend: CopyFromHost of %d bytes into buffer of %d bytes", len(src), len(data))
	}
	op := func() { copy(data, src) }
	if !blocking {
		q.pending = append(q.pending, op)
		return
	}
	q.Finish()
	op()
}

// Finish implements backends.Queue.
func (q *queue) Finish() {
	for _, op := range q.pending {
		op()
	}
	q.pending = q.pending[:0]
}
