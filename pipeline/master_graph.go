package pipeline

import (
	"github.com/gomlx/augment/backends"
	"github.com/gomlx/augment/graph"
	"github.com/gomlx/augment/params"
	"github.com/gomlx/augment/types/images"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kernel modules the master graph loads at construction. The augmentation
// and utility modules are required; the media (video decode) module is
// optional and only logged about when missing.
const (
	AugmentKernelModule = "augment"
	UtilityKernelModule = "utility"
	MediaKernelModule   = "media"
)

// MasterGraph is the root orchestrator of an augmentation pipeline. See the
// package documentation for the lifecycle. Create it with New, declare
// images, nodes and loaders, then Build once and Run repeatedly.
type MasterGraph struct {
	backend    backends.Backend
	ctx        backends.Context
	affinity   backends.Affinity
	deviceNum  backends.DeviceNum
	batchSize  int
	cpuThreads int
	memType    images.MemType
	factory    *params.Factory

	graph   *graph.Graph
	nodes   []Node
	loaders []Loader

	// outputImages in binding order: their order fixes the slot layout of
	// the unified output tensor. internalImages holds everything else the
	// master graph owns (loader buffers, virtual intermediates).
	outputImages   []*Image
	internalImages []*Image

	// outputInfo caches the common descriptor of all output images, the
	// shape of one slot of the unified tensor.
	outputInfo images.Info

	// outputTensor is the device staging buffer of the normalized copy.
	// It stays nil for host memory, where conversion writes directly into
	// the caller's buffer.
	outputTensor backends.Buffer

	verified bool

	processTime timer
	convertTime timer
}

// New constructs a MasterGraph for batches of batchSize images, on the given
// backend with the given affinity and device. cpuThreads limits host worker
// threads (<= 0 for the backend default). The parameter factory supplies the
// randomized augmentation parameters; pass params.Global() if seeding
// doesn't matter.
//
// On construction failure the partially acquired resources are released
// before the error is returned.
func New(backend backends.Backend, batchSize int, affinity backends.Affinity,
	deviceNum backends.DeviceNum, cpuThreads int, factory *params.Factory) (mg *MasterGraph, err error) {
	mg = &MasterGraph{
		backend:    backend,
		affinity:   affinity,
		deviceNum:  deviceNum,
		batchSize:  batchSize,
		cpuThreads: cpuThreads,
		factory:    factory,
	}
	err = exceptions.TryCatch[error](func() {
		if backend == nil {
			exceptions.Panicf("pipeline: backend is nil")
		}
		if batchSize <= 0 {
			exceptions.Panicf("pipeline: invalid batch size %d", batchSize)
		}
		if factory == nil {
			exceptions.Panicf("pipeline: parameter factory is nil")
		}
		mg.ctx = backend.NewContext(affinity, deviceNum, cpuThreads)
		mg.memType = mg.ctx.MemType()
		for _, module := range []string{AugmentKernelModule, UtilityKernelModule} {
			if errModule := mg.ctx.LoadKernelModule(module); errModule != nil {
				exceptions.Panicf("pipeline: cannot load required kernel module %q: %v", module, errModule)
			}
		}
		if errModule := mg.ctx.LoadKernelModule(MediaKernelModule); errModule != nil {
			klog.Warningf("pipeline: media kernel module not available, video decode disabled: %v", errModule)
		}
	})
	if err != nil {
		mg.Release()
		return nil, errors.WithMessage(err, "failed to construct the augmentation pipeline")
	}
	return mg, nil
}

// BatchSize returns the number of images per batch.
func (mg *MasterGraph) BatchSize() int { return mg.batchSize }

// MemType returns where the pipeline's images live, derived from affinity.
func (mg *MasterGraph) MemType() images.MemType { return mg.memType }

// Context returns the backend context owned by this master graph. It is
// exclusively owned: do not share it across pipelines.
func (mg *MasterGraph) Context() backends.Context { return mg.ctx }

// ParamsFactory returns the parameter factory the pipeline renews each run.
func (mg *MasterGraph) ParamsFactory() *params.Factory { return mg.factory }

// CreateImage registers a new image shaped by info (the batch dimension is
// overridden with the pipeline's batch size, the memory type with the
// context's). Output images get a concrete buffer and a tensor slot in
// binding order; non-output images stay unbound and become virtual
// intermediates during Build.
func (mg *MasterGraph) CreateImage(info images.Info, isOutput bool) *Image {
	info.Batch = mg.batchSize
	img := NewImage(info.WithMemType(mg.memType))
	if isOutput {
		img.Create(mg.ctx)
		mg.outputImages = append(mg.outputImages, img)
	}
	return img
}

// CreateLoaderOutputImage registers the image a loader module decodes into.
// It always gets a concrete (non-virtual) buffer, created before Build, so
// the loader can fill it; it additionally becomes a pipeline output when
// isOutput is set.
func (mg *MasterGraph) CreateLoaderOutputImage(info images.Info, isOutput bool) *Image {
	info.Batch = mg.batchSize
	img := NewImage(info.WithMemType(mg.memType))
	img.Create(mg.ctx)
	if isOutput {
		mg.outputImages = append(mg.outputImages, img)
	} else {
		mg.internalImages = append(mg.internalImages, img)
	}
	return img
}

// AddNode appends a processing node. Declaration order is the order nodes
// are attached to the compiled graph; execution order is resolved by the
// backend from the data dependencies.
func (mg *MasterGraph) AddNode(node Node) {
	mg.nodes = append(mg.nodes, node)
}

// AddLoader appends a loader module driven by every Run.
func (mg *MasterGraph) AddLoader(loader Loader) {
	mg.loaders = append(mg.loaders, loader)
}

// Build compiles and verifies the pipeline. Preconditions: at least one
// output image was declared and all output images share the same geometry.
// It allocates the unified output tensor, materializes virtual images for
// unbound node outputs, attaches every node and verifies the graph. Must be
// called exactly once; the pipeline is runnable only after it succeeds.
func (mg *MasterGraph) Build() error {
	err := exceptions.TryCatch[error](func() {
		mg.verified = false
		if mg.graph != nil {
			exceptions.Panicf("Build was already called on this pipeline")
		}
		if len(mg.outputImages) == 0 {
			exceptions.Panicf("no output images declared, cannot build the pipeline")
		}

		// A unified tensor is only possible if every output occupies an
		// identically shaped slot.
		mg.outputInfo = mg.outputImages[0].Info()
		for _, img := range mg.outputImages {
			if !img.Info().Eq(mg.outputInfo) {
				exceptions.Panicf("output image %s does not match %s: all output images must share the same geometry",
					img.Info(), mg.outputInfo)
			}
		}

		mg.allocateOutputTensor()
		mg.createSingleGraph()
		mg.verified = true
	})
	if err != nil {
		return errors.WithMessage(err, "failed to build the augmentation pipeline")
	}
	return nil
}

// createSingleGraph attaches all nodes into one graph and verifies it.
// Graph creation is deferred to build time so the whole node list is known.
func (mg *MasterGraph) createSingleGraph() {
	mg.graph = graph.New(mg.ctx, mg.affinity, mg.deviceNum)
	for _, node := range mg.nodes {
		// Any node output not yet materialized becomes a virtual image.
		for _, img := range node.Outputs() {
			if img.Info().Type == images.Unknown {
				img.CreateVirtual(mg.ctx)
				mg.internalImages = append(mg.internalImages, img)
			}
		}
		node.Create(mg.graph)
	}
	mg.graph.Verify()
}

// allocateOutputTensor creates the float32 staging buffer that accommodates
// all output images. Only device memory needs it: the host conversion path
// writes directly into the caller's buffer.
func (mg *MasterGraph) allocateOutputTensor() {
	if mg.memType != images.Device {
		return
	}
	elements := mg.outputInfo.Width * mg.outputInfo.HeightBatch() *
		mg.outputInfo.PlaneCount() * len(mg.outputImages)
	mg.outputTensor = mg.ctx.NewBuffer(elements * 4)
}

// Run processes one batch: renews the augmentation parameters, drives every
// loader module, executes the compiled graph synchronously and then pushes
// the renewed parameters into every node.
//
// It fails without touching loaders or the backend if the pipeline isn't
// built. A loader failure (e.g. source exhausted) aborts the call before
// execution; the pipeline stays built and Run can be retried after
// ResetLoaders.
func (mg *MasterGraph) Run() error {
	if !mg.verified {
		return errors.New("graph not verified: Build the pipeline before Run")
	}

	// Parameters are renewed first so all nodes observe one consistent set
	// for this batch.
	mg.factory.Renew()

	mg.processTime.Start()
	defer mg.processTime.Stop()
	err := exceptions.TryCatch[error](func() {
		for _, loader := range mg.loaders {
			if errLoad := loader.LoadNext(); errLoad != nil {
				exceptions.Panicf("loader module failed to load next batch of images: %v", errLoad)
			}
		}
		mg.graph.Execute()
		mg.updateParameters()
	})
	if err != nil {
		return errors.WithMessage(err, "failed to run the augmentation pipeline")
	}
	return nil
}

// updateParameters pushes the current parameter generation into every node.
func (mg *MasterGraph) updateParameters() {
	for _, node := range mg.nodes {
		node.UpdateParameters()
	}
}

// ResetLoaders rewinds every loader module to its first item.
func (mg *MasterGraph) ResetLoaders() {
	for _, loader := range mg.loaders {
		loader.Reset()
	}
}

// RemainingImageCount returns the smallest number of items any loader module
// can still deliver, or 0 if there are no loaders.
func (mg *MasterGraph) RemainingImageCount() int {
	remaining := -1
	for _, loader := range mg.loaders {
		count := loader.Count()
		if remaining == -1 || count < remaining {
			remaining = count
		}
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// OutputImageCount returns the number of declared output images, the slot
// count of the unified tensor.
func (mg *MasterGraph) OutputImageCount() int { return len(mg.outputImages) }

// OutputColorFormat returns the common color format of the outputs.
// Only valid after Build.
func (mg *MasterGraph) OutputColorFormat() images.ColorFormat { return mg.outputInfo.Format }

// OutputWidth returns the common width of the outputs. Only valid after
// Build.
func (mg *MasterGraph) OutputWidth() int { return mg.outputInfo.Width }

// OutputHeight returns the common batch-stacked height of the outputs. Only
// valid after Build.
func (mg *MasterGraph) OutputHeight() int { return mg.outputInfo.HeightBatch() }

// Timing returns the accumulated phase timings: load and decode summed over
// loaders, graph processing and output conversion.
func (mg *MasterGraph) Timing() Timing {
	var t Timing
	for _, loader := range mg.loaders {
		load, decode := loader.Timing()
		t.Load += load
		t.Decode += decode
	}
	t.Process = mg.processTime.Total()
	t.Convert = mg.convertTime.Total()
	return t
}

// Release tears down everything the master graph owns: the compiled graph,
// the backend context, every owned image and the unified output tensor.
// Failures are logged, never returned, so Release always completes. Safe to
// call multiple times, and it clears the verified flag first so no Run can
// race the teardown.
func (mg *MasterGraph) Release() {
	mg.verified = false

	if mg.graph != nil {
		if err := exceptions.TryCatch[error](mg.graph.Finalize); err != nil {
			klog.Warningf("pipeline: failed to release compiled graph: %v", err)
		}
		mg.graph = nil
	}
	if mg.ctx != nil {
		if err := mg.ctx.Finalize(); err != nil {
			klog.Warningf("pipeline: failed to release backend context: %v", err)
		}
	}

	// Image teardown is safe after the context went away: buffer release is
	// idempotent on the backend side.
	for _, img := range mg.internalImages {
		if err := img.Finalize(); err != nil {
			klog.Warningf("pipeline: failed to release internal image: %v", err)
		}
	}
	for _, img := range mg.outputImages {
		if err := img.Finalize(); err != nil {
			klog.Warningf("pipeline: failed to release output image: %v", err)
		}
	}
	mg.internalImages = nil
	mg.outputImages = nil

	mg.deallocateOutputTensor()
}

func (mg *MasterGraph) deallocateOutputTensor() {
	if mg.outputTensor == nil {
		return
	}
	if err := mg.ctx.FinalizeBuffer(mg.outputTensor); err != nil {
		klog.Warningf("pipeline: failed to release output tensor: %v", err)
	}
	mg.outputTensor = nil
}
