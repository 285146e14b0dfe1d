package host

import (
	"maps"
	"slices"

	"github.com/gomlx/augment/backends"
	"github.com/gomlx/augment/types/images"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// graph implements backends.Graph: a list of kernel invocations validated
// and executed in attachment order. Attachment order is a valid topological
// order for augmentation pipelines, where nodes are declared producer-first.
type graph struct {
	ctx   *Context
	nodes []graphNode

	// virtual buffers materialized by Verify; owned by the graph.
	virtual []backends.Buffer

	verified  bool
	finalized bool
}

type graphNode struct {
	op      backends.OpSpec
	binding *kernelBinding
}

// AddNode implements backends.Graph.
func (g *graph) AddNode(op backends.OpSpec) {
	if g.verified {
		exceptions.Panicf("host backend: cannot add node %s after the graph was verified", op)
	}
	g.nodes = append(g.nodes, graphNode{op: op})
}

// Verify implements backends.Graph: binds each node to its kernel, validates
// operand formats and scalars, and materializes virtual operand buffers.
func (g *graph) Verify() {
	if g.verified {
		return
	}
	for i := range g.nodes {
		node := &g.nodes[i]
		node.binding = g.ctx.lookupKernel(node.op.Kernel)
		if err := node.binding.validate(node.op); err != nil {
			exceptions.Panicf("host backend: graph verification failed at node #%d (kernel %q): %v",
				i, node.op.Kernel, err)
		}
		g.materialize(node.op.Inputs)
		g.materialize(node.op.Outputs)
	}
	for i, node := range g.nodes {
		for j, operand := range append(slices.Clone(node.op.Inputs), node.op.Outputs...) {
			if operand.Buffer == nil {
				exceptions.Panicf("host backend: graph verification failed at node #%d (kernel %q): operand #%d (%s) has no buffer",
					i, node.op.Kernel, j, operand.Info)
			}
		}
	}
	g.verified = true
}

// materialize allocates the buffers of virtual operands. From here on they
// belong to the compiled graph and are released by Finalize.
func (g *graph) materialize(operands []*backends.Operand) {
	for _, operand := range operands {
		if operand.Buffer != nil || operand.Info.Type != images.Virtual {
			continue
		}
		operand.Buffer = g.ctx.NewBuffer(int(operand.Info.Memory()))
		g.virtual = append(g.virtual, operand.Buffer)
	}
}

// Execute implements backends.Graph.
func (g *graph) Execute() {
	if !g.verified {
		exceptions.Panicf("host backend: graph executed before a successful Verify")
	}
	for i := range g.nodes {
		node := &g.nodes[i]
		node.binding.run(g.ctx, node.op)
	}
}

// Finalize implements backends.Graph. Idempotent.
func (g *graph) Finalize() {
	if g.finalized {
		return
	}
	for _, buf := range g.virtual {
		_ = g.ctx.FinalizeBuffer(buf)
	}
	g.virtual = nil
	g.nodes = nil
	g.finalized = true
}

// lookupKernel resolves a kernel name against the context's loaded modules.
func (ctx *Context) lookupKernel(name string) *kernelBinding {
	for module := range ctx.modules {
		if binding, found := kernelModules[module][name]; found {
			return binding
		}
	}
	exceptions.Panicf("host backend: kernel %q not found in loaded modules %v",
		name, slices.Sorted(maps.Keys(ctx.modules)))
	return nil
}

// validateOperandFormat enforces the format contract of the augmentation
// kernel bindings: 8-bit elements, single-plane or packed 3-channel only.
func validateOperandFormat(operand *backends.Operand) error {
	info := operand.Info
	if !info.Ok() {
		return errors.Errorf("operand %s has invalid geometry", info)
	}
	if info.DType.Memory() != 1 {
		return errors.Errorf("operand %s: only 8-bit elements are supported", info)
	}
	switch info.Format {
	case images.Gray, images.RGB24, images.BGR24:
	default:
		return errors.Errorf("operand %s: unsupported color format", info)
	}
	return nil
}
