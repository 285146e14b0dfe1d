package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/gomlx/augment/backends"
	"github.com/gomlx/augment/backends/host"
	"github.com/gomlx/augment/graph"
	"github.com/gomlx/augment/params"
	"github.com/gomlx/augment/types/images"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// patternLoader is a Loader that writes a fixed byte pattern into its output
// image, recording its calls so tests can assert the Run sequencing.
type patternLoader struct {
	output  *Image
	queue   backends.Queue
	data    []byte
	initial int
	left    int

	factory *params.Factory
	events  *[]string
	fail    error
}

func newPatternLoader(mg *MasterGraph, output *Image, data []byte, items int) *patternLoader {
	return &patternLoader{
		output:  output,
		queue:   mg.Context().Queue(),
		data:    data,
		initial: items,
		left:    items,
		factory: mg.ParamsFactory(),
	}
}

func (l *patternLoader) LoadNext() error {
	if l.fail != nil {
		return l.fail
	}
	if l.events != nil {
		*l.events = append(*l.events, fmt.Sprintf("load@gen%d", l.factory.Generation()))
	}
	l.output.FillData(l.queue, l.data, true)
	l.left -= l.output.Info().Batch
	return nil
}

func (l *patternLoader) Reset()     { l.left = l.initial }
func (l *patternLoader) Count() int { return l.left }
func (l *patternLoader) Timing() (load, decode time.Duration) {
	return time.Millisecond, 2 * time.Millisecond
}

// flipNode is a minimal Node attaching one flip kernel, recording parameter
// updates.
type flipNode struct {
	input, output *Image
	axis          *backends.Scalar
	events        *[]string
}

func newFlipNode(input, output *Image) *flipNode {
	return &flipNode{input: input, output: output, axis: backends.NewScalar(int32(0))}
}

func (n *flipNode) Create(g *graph.Graph) {
	g.AddNode(backends.OpSpec{
		Kernel:  "flip",
		Inputs:  []*backends.Operand{n.input.Operand()},
		Outputs: []*backends.Operand{n.output.Operand()},
		Scalars: []*backends.Scalar{n.axis},
	})
}

func (n *flipNode) UpdateParameters() {
	if n.events != nil {
		*n.events = append(*n.events, "update")
	}
}

func (n *flipNode) Outputs() []*Image { return []*Image{n.output} }

func newTestPipeline(t *testing.T, affinity backends.Affinity, batchSize int) *MasterGraph {
	mg, err := New(host.New(""), batchSize, affinity, 0, 0, params.New(42))
	require.NoError(t, err)
	t.Cleanup(mg.Release)
	return mg
}

func rgbInfo(width, height int) images.Info {
	// Batch and memory type are overridden by the image registries.
	return images.Make(width, height, 1, images.RGB24, images.Host)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, 8, backends.CPU, 0, 0, params.New(0))
	require.Error(t, err)
	_, err = New(host.New(""), 0, backends.CPU, 0, 0, params.New(0))
	require.Error(t, err)
	_, err = New(host.New(""), 8, backends.CPU, 0, 0, nil)
	require.Error(t, err)
	_, err = New(host.New(""), 8, backends.CPU, 7, 0, params.New(0))
	require.Error(t, err, "device out of range")
}

func TestBuildValidation(t *testing.T) {
	// No output images.
	mg := newTestPipeline(t, backends.CPU, 2)
	require.Error(t, mg.Build())

	// Output images with different geometries cannot share one tensor.
	mg = newTestPipeline(t, backends.CPU, 2)
	mg.CreateImage(rgbInfo(4, 4), true)
	mg.CreateImage(rgbInfo(8, 4), true)
	err := mg.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same geometry")

	// Build is once only.
	mg = newTestPipeline(t, backends.CPU, 2)
	mg.CreateImage(rgbInfo(4, 4), true)
	require.NoError(t, mg.Build())
	require.Error(t, mg.Build())
}

func TestRunRequiresBuild(t *testing.T) {
	mg := newTestPipeline(t, backends.CPU, 1)
	output := mg.CreateLoaderOutputImage(rgbInfo(2, 2), true)
	loader := newPatternLoader(mg, output, make([]byte, output.Info().Size()), 4)
	mg.AddLoader(loader)

	// An unbuilt pipeline refuses to run without touching loaders or
	// parameters.
	require.Error(t, mg.Run())
	require.Equal(t, 4, loader.Count())
	require.Equal(t, uint64(0), mg.ParamsFactory().Generation())

	require.NoError(t, mg.Build())
	require.NoError(t, mg.Run())
	require.Equal(t, 3, loader.Count())

	// And a released pipeline behaves like an unbuilt one.
	mg.Release()
	require.Error(t, mg.Run())
	require.Equal(t, 3, loader.Count())
}

func TestRunSequence(t *testing.T) {
	mg := newTestPipeline(t, backends.CPU, 1)
	input := mg.CreateLoaderOutputImage(rgbInfo(2, 1), false)
	output := mg.CreateImage(rgbInfo(2, 1), true)
	loader := newPatternLoader(mg, input, []byte{1, 2, 3, 4, 5, 6}, 10)
	node := newFlipNode(input, output)

	var events []string
	loader.events, node.events = &events, &events

	mg.AddLoader(loader)
	mg.AddNode(node)
	require.NoError(t, mg.Build())

	// Each run renews parameters first (the loader observes the new
	// generation), and pushes them into the nodes only after execution.
	require.NoError(t, mg.Run())
	require.NoError(t, mg.Run())
	assert.Equal(t, []string{"load@gen1", "update", "load@gen2", "update"}, events)
}

func TestRunLoaderFailure(t *testing.T) {
	mg := newTestPipeline(t, backends.CPU, 1)
	output := mg.CreateLoaderOutputImage(rgbInfo(2, 2), true)
	loader := newPatternLoader(mg, output, make([]byte, output.Info().Size()), 4)
	mg.AddLoader(loader)
	require.NoError(t, mg.Build())

	loader.fail = errors.New("source exhausted")
	err := mg.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loader module")

	// The pipeline stays built: Run recovers once the loader does.
	loader.fail = nil
	require.NoError(t, mg.Run())
}

func TestVirtualIntermediates(t *testing.T) {
	mg := newTestPipeline(t, backends.CPU, 2)
	input := mg.CreateLoaderOutputImage(rgbInfo(2, 1), false)
	mid := mg.CreateImage(rgbInfo(2, 1), false)
	output := mg.CreateImage(rgbInfo(2, 1), true)

	data := []byte{
		1, 2, 3, 4, 5, 6, // item 0: two RGB pixels
		7, 8, 9, 10, 11, 12, // item 1
	}
	mg.AddLoader(newPatternLoader(mg, input, data, 10))
	mg.AddNode(newFlipNode(input, mid))
	mg.AddNode(newFlipNode(mid, output))

	require.Nil(t, mid.Buffer())
	require.NoError(t, mg.Build())

	// The undeclared intermediate became a graph-owned virtual image.
	require.Equal(t, AllocationVirtual, mid.Allocation())
	require.Equal(t, images.Virtual, mid.Info().Type)
	require.NotNil(t, mid.Buffer())
	require.Panics(t, func() { mid.HostBytes() })

	// Two horizontal flips cancel out.
	require.NoError(t, mg.Run())
	got := make([]byte, output.Info().Size())
	require.NoError(t, mg.CopyOutput(got))
	assert.Equal(t, data, got)
}

func TestCopyOutputSlots(t *testing.T) {
	for _, affinity := range []backends.Affinity{backends.CPU, backends.GPU} {
		t.Run(affinity.String(), func(t *testing.T) {
			mg := newTestPipeline(t, affinity, 2)
			first := mg.CreateLoaderOutputImage(rgbInfo(2, 1), true)
			second := mg.CreateLoaderOutputImage(rgbInfo(2, 1), true)
			size := first.Info().Size()

			dataA := make([]byte, size)
			dataB := make([]byte, size)
			for i := 0; i < size; i++ {
				dataA[i], dataB[i] = byte(i), byte(100+i)
			}
			mg.AddLoader(newPatternLoader(mg, first, dataA, 10))
			mg.AddLoader(newPatternLoader(mg, second, dataB, 10))
			require.NoError(t, mg.Build())
			require.NoError(t, mg.Run())

			// Slots follow binding order at offsets 0, s, 2s, ...
			got := make([]byte, 2*size)
			require.NoError(t, mg.CopyOutput(got))
			assert.Equal(t, dataA, got[:size])
			assert.Equal(t, dataB, got[size:])

			// Destination too small.
			require.Error(t, mg.CopyOutput(make([]byte, 2*size-1)))
		})
	}
}

func TestCopyOutTensor(t *testing.T) {
	for _, affinity := range []backends.Affinity{backends.CPU, backends.GPU} {
		t.Run(affinity.String(), func(t *testing.T) {
			mg := newTestPipeline(t, affinity, 1)
			output := mg.CreateLoaderOutputImage(rgbInfo(1, 2), true)
			// Two RGB pixels.
			mg.AddLoader(newPatternLoader(mg, output, []byte{1, 2, 3, 4, 5, 6}, 10))
			require.NoError(t, mg.Build())
			require.NoError(t, mg.Run())

			multiplier := [3]float32{2, 2, 2}
			offset := [3]float32{1, 1, 1}
			got := make([]float32, 6)

			// NHWC: interleaved, out = offset + multiplier*raw.
			require.NoError(t, mg.CopyOutTensor(got, NHWC, multiplier, offset, false))
			assert.Equal(t, []float32{3, 5, 7, 9, 11, 13}, got)

			// NCHW: planar, channel by channel.
			require.NoError(t, mg.CopyOutTensor(got, NCHW, multiplier, offset, false))
			assert.Equal(t, []float32{3, 9, 5, 11, 7, 13}, got)

			// Channel reversal samples B,G,R.
			require.NoError(t, mg.CopyOutTensor(got, NHWC, multiplier, offset, true))
			assert.Equal(t, []float32{7, 5, 3, 13, 11, 9}, got)

			// Destination too small.
			require.Error(t, mg.CopyOutTensor(make([]float32, 5), NHWC, multiplier, offset, false))
		})
	}
}

func TestCopyOutTensorSlots(t *testing.T) {
	for _, affinity := range []backends.Affinity{backends.CPU, backends.GPU} {
		t.Run(affinity.String(), func(t *testing.T) {
			mg := newTestPipeline(t, affinity, 1)
			first := mg.CreateLoaderOutputImage(rgbInfo(1, 2), true)
			second := mg.CreateLoaderOutputImage(rgbInfo(1, 2), true)
			mg.AddLoader(newPatternLoader(mg, first, []byte{1, 2, 3, 4, 5, 6}, 10))
			mg.AddLoader(newPatternLoader(mg, second, []byte{10, 20, 30, 40, 50, 60}, 10))
			require.NoError(t, mg.Build())
			require.NoError(t, mg.Run())

			multiplier := [3]float32{2, 2, 2}
			offset := [3]float32{1, 1, 1}
			got := make([]float32, 12)

			// Tensor slots follow binding order, each starting one image's
			// element count (W*HB*C = 6) after the previous one.
			require.NoError(t, mg.CopyOutTensor(got, NHWC, multiplier, offset, false))
			assert.Equal(t, []float32{3, 5, 7, 9, 11, 13}, got[:6])
			assert.Equal(t, []float32{21, 41, 61, 81, 101, 121}, got[6:])

			// NCHW is planar within each slot, not across the whole tensor.
			require.NoError(t, mg.CopyOutTensor(got, NCHW, multiplier, offset, false))
			assert.Equal(t, []float32{3, 9, 5, 11, 7, 13}, got[:6])
			assert.Equal(t, []float32{21, 81, 41, 101, 61, 121}, got[6:])
		})
	}
}

func TestCopyOutTensorF16(t *testing.T) {
	mg := newTestPipeline(t, backends.CPU, 1)
	output := mg.CreateLoaderOutputImage(rgbInfo(1, 1), true)
	mg.AddLoader(newPatternLoader(mg, output, []byte{1, 2, 3}, 10))
	require.NoError(t, mg.Build())
	require.NoError(t, mg.Run())

	got := make([]float16.Float16, 3)
	require.NoError(t, mg.CopyOutTensorF16(got, NHWC, [3]float32{2, 2, 2}, [3]float32{1, 1, 1}, false))
	for i, want := range []float32{3, 5, 7} {
		assert.Equal(t, want, got[i].Float32())
	}

	require.Error(t, mg.CopyOutTensorF16(make([]float16.Float16, 2), NHWC,
		[3]float32{1, 1, 1}, [3]float32{0, 0, 0}, false))
}

func TestRemainingImageCount(t *testing.T) {
	mg := newTestPipeline(t, backends.CPU, 2)
	require.Equal(t, 0, mg.RemainingImageCount())

	a := mg.CreateLoaderOutputImage(rgbInfo(2, 2), true)
	b := mg.CreateLoaderOutputImage(rgbInfo(2, 2), true)
	size := a.Info().Size()
	loaderA := newPatternLoader(mg, a, make([]byte, size), 10)
	loaderB := newPatternLoader(mg, b, make([]byte, size), 6)
	mg.AddLoader(loaderA)
	mg.AddLoader(loaderB)

	// The scarcest loader bounds the whole pipeline.
	require.Equal(t, 6, mg.RemainingImageCount())
	require.NoError(t, mg.Build())
	require.NoError(t, mg.Run())
	require.Equal(t, 4, mg.RemainingImageCount())

	mg.ResetLoaders()
	require.Equal(t, 6, mg.RemainingImageCount())
}

func TestAccessors(t *testing.T) {
	mg := newTestPipeline(t, backends.CPU, 4)
	require.Equal(t, 4, mg.BatchSize())
	require.Equal(t, images.Host, mg.MemType())
	require.NotNil(t, mg.Context())
	require.NotNil(t, mg.ParamsFactory())

	mg.CreateImage(rgbInfo(8, 6), true)
	require.NoError(t, mg.Build())
	require.Equal(t, 1, mg.OutputImageCount())
	require.Equal(t, images.RGB24, mg.OutputColorFormat())
	require.Equal(t, 8, mg.OutputWidth())
	require.Equal(t, 6*4, mg.OutputHeight()) // Batch-stacked.
}

func TestTiming(t *testing.T) {
	mg := newTestPipeline(t, backends.CPU, 1)
	output := mg.CreateLoaderOutputImage(rgbInfo(2, 2), true)
	mg.AddLoader(newPatternLoader(mg, output, make([]byte, output.Info().Size()), 10))
	require.NoError(t, mg.Build())
	require.NoError(t, mg.Run())
	require.NoError(t, mg.CopyOutput(make([]byte, output.Info().Size())))

	timing := mg.Timing()
	assert.Equal(t, time.Millisecond, timing.Load)
	assert.Equal(t, 2*time.Millisecond, timing.Decode)
	assert.Greater(t, timing.Process, time.Duration(0))
	assert.Greater(t, timing.Convert, time.Duration(0))
}

func TestReleaseIdempotent(t *testing.T) {
	mg := newTestPipeline(t, backends.CPU, 2)
	input := mg.CreateLoaderOutputImage(rgbInfo(2, 2), false)
	output := mg.CreateImage(rgbInfo(2, 2), true)
	mg.AddLoader(newPatternLoader(mg, input, make([]byte, input.Info().Size()), 10))
	mg.AddNode(newFlipNode(input, output))
	require.NoError(t, mg.Build())
	require.NoError(t, mg.Run())

	mg.Release()
	mg.Release() // Safe to call again.
	require.Error(t, mg.Run())
	require.Error(t, mg.CopyOutput(make([]byte, 1)))

	// Releasing a never-built pipeline is fine too.
	unbuilt := newTestPipeline(t, backends.CPU, 2)
	unbuilt.Release()
}
