package graph

import (
	"testing"

	"github.com/gomlx/augment/backends"
	"github.com/gomlx/augment/backends/host"
	"github.com/gomlx/augment/types/images"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGraph(t *testing.T) *Graph {
	backend := host.New("")
	ctx := backend.NewContext(backends.CPU, 0, 0)
	require.NoError(t, ctx.LoadKernelModule("augment"))
	t.Cleanup(func() { _ = ctx.Finalize() })
	return New(ctx, backends.CPU, 0)
}

func flipOp(ctx backends.Context) backends.OpSpec {
	info := images.Make(2, 2, 1, images.Gray, images.Host).WithType(images.Regular)
	operand := func() *backends.Operand {
		return &backends.Operand{Info: info, Buffer: ctx.NewBuffer(int(info.Memory()))}
	}
	return backends.OpSpec{
		Kernel:  "flip",
		Inputs:  []*backends.Operand{operand()},
		Outputs: []*backends.Operand{operand()},
		Scalars: []*backends.Scalar{backends.NewScalar(int32(0))},
	}
}

func TestLifecycle(t *testing.T) {
	g := newTestGraph(t)
	require.Equal(t, 0, g.NumNodes())
	require.False(t, g.Verified())

	g.AddNode(flipOp(g.Context()))
	g.AddNode(flipOp(g.Context()))
	require.Equal(t, 2, g.NumNodes())

	// Execute requires a verified graph.
	require.Panics(t, g.Execute)

	g.Verify()
	require.True(t, g.Verified())
	g.Execute()
	g.Execute() // Repeated execution is the normal mode.

	// No structural changes after verification.
	require.Panics(t, func() { g.AddNode(flipOp(g.Context())) })
	require.Panics(t, g.Verify)

	g.Finalize()
	g.Finalize() // Idempotent.
	require.Panics(t, g.Verify)
	require.Panics(t, func() { g.AddNode(flipOp(g.Context())) })
}

func TestString(t *testing.T) {
	g := newTestGraph(t)
	g.AddNode(flipOp(g.Context()))
	assert.Contains(t, g.String(), "1 nodes")
}
