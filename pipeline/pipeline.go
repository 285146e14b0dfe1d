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

// Package pipeline implements the master graph of an image-augmentation
// pipeline: the orchestrator that owns the processing nodes, the loader
// modules, the output images and the unified batch output tensor, and drives
// the build/run/release lifecycle.
//
// The lifecycle is a simple state machine:
//
//	Constructed --Build()--> Built --Run()*--> ... --Release()--> Released
//
// New creates the backend context and loads the kernel modules. After
// declaring images (CreateImage, CreateLoaderOutputImage), nodes (AddNode)
// and loaders (AddLoader), Build verifies the compiled graph and allocates
// the unified output tensor; it must be called exactly once. Run may then be
// called repeatedly, one batch per call; each run renews the augmentation
// parameters, loads the next batch, executes the graph and pushes the fresh
// parameters into every node. Release tears everything down and is safe to
// call any number of times.
//
// Results are retrieved per batch with CopyOutput (raw bytes, binding
// order) or CopyOutTensor / CopyOutTensorF16 (normalized float tensor in
// NHWC or NCHW layout).
//
// A MasterGraph is driven by a single goroutine; the backend owns whatever
// parallelism its kernels use internally.
package pipeline

import (
	"time"

	"github.com/gomlx/augment/graph"
)

// Node is one augmentation step of the pipeline. Concrete implementations
// live in package pipeline/nodes; the orchestration layer is variant
// agnostic.
//
// A node references its input and output images but doesn't own them: output
// images are created through the master graph's image registries.
type Node interface {
	// Create attaches the node's kernel invocation(s) into the graph, wiring
	// its declared input and output images. Called once, during Build, in
	// node declaration order.
	Create(g *graph.Graph)

	// UpdateParameters pushes the parameter set drawn for the current
	// generation into the node's scalars, ahead of the next execution.
	UpdateParameters()

	// Outputs returns the node's output images, so the master graph can
	// materialize as virtual any that was not declared a pipeline output.
	Outputs() []*Image
}

// Loader supplies decoded images into a pipeline-owned image buffer, one
// batch per LoadNext call. Implementations live in package loaders.
type Loader interface {
	// LoadNext fills the loader's output image with the next batch. It fails
	// when the source is exhausted; the caller resets and retries.
	LoadNext() error

	// Reset rewinds the loader to its first item.
	Reset()

	// Count returns the number of items not yet loaded.
	Count() int

	// Timing returns the accumulated time spent loading (I/O) and decoding.
	Timing() (load, decode time.Duration)
}

// TensorLayout selects the element order of the normalized output tensor.
type TensorLayout int

const (
	// NHWC is channel-minor (interleaved): index = pixel*channels + channel.
	NHWC TensorLayout = iota

	// NCHW is channel-major (planar): index = channel*pixels + pixel.
	NCHW
)

// String implements fmt.Stringer.
func (l TensorLayout) String() string {
	if l == NHWC {
		return "NHWC"
	}
	return "NCHW"
}

// Timing aggregates the pipeline's phase timers: load and decode summed over
// all loader modules, graph processing and output conversion.
type Timing struct {
	Load, Decode, Process, Convert time.Duration
}

// timer accumulates the total duration of repeated start/stop cycles.
type timer struct {
	total   time.Duration
	started time.Time
}

func (t *timer) Start() { t.started = time.Now() }

func (t *timer) Stop() {
	if t.started.IsZero() {
		return
	}
	t.total += time.Since(t.started)
	t.started = time.Time{}
}

func (t *timer) Total() time.Duration { return t.total }
