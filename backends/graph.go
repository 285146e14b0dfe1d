package backends

import (
	"fmt"

	"github.com/gomlx/augment/types/images"
)

// Scalar is a mutable kernel argument. Nodes keep pointers to their scalars
// after the graph is compiled and overwrite Value between executions to push
// freshly drawn augmentation parameters -- backends must read scalar values
// at execution time, not at compile time.
type Scalar struct {
	Value any
}

// NewScalar returns a Scalar initialized with the given value.
func NewScalar(value any) *Scalar {
	return &Scalar{Value: value}
}

// Operand is one image argument of a graph node: its descriptor plus the
// buffer backing it. Virtual operands (Info.Type == images.Virtual) start
// with a nil Buffer; Graph.Verify materializes them, and from then on the
// buffer belongs to the compiled graph. Operands are shared by pointer
// between the pipeline's Image values and the graph nodes referencing them.
type Operand struct {
	Info   images.Info
	Buffer Buffer
}

// OpSpec describes one kernel invocation to attach to a Graph: the kernel
// name (resolved against the context's loaded kernel modules), the image
// operands it reads and writes, and its scalar arguments in binding order.
type OpSpec struct {
	Kernel  string
	Inputs  []*Operand
	Outputs []*Operand
	Scalars []*Scalar
}

// String implements fmt.Stringer.
func (op OpSpec) String() string {
	return fmt.Sprintf("OpSpec[%s: %d inputs, %d outputs, %d scalars]",
		op.Kernel, len(op.Inputs), len(op.Outputs), len(op.Scalars))
}

// Graph is a compiled plan of kernel invocations. Nodes are attached with
// AddNode, the plan is checked and finalized with Verify, and executed with
// Execute. The execution order is resolved by the backend from the operand
// dependencies; attachment order is a valid default.
type Graph interface {
	// AddNode attaches one kernel invocation. Panics if called after Verify.
	AddNode(op OpSpec)

	// Verify validates every node against its kernel binding (formats,
	// operand and scalar counts) and materializes the buffers of virtual
	// operands. Panics with a descriptive message on incompatible
	// shape/format combinations or unknown kernels.
	Verify()

	// Execute runs the compiled plan synchronously. Panics on kernel or
	// device failure. Requires a successful Verify.
	Execute()

	// Finalize releases the compiled plan and the virtual buffers it
	// materialized. Idempotent.
	Finalize()
}
