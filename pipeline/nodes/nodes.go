// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nodes implements the processing-node variants of the augmentation
// pipeline. Each variant binds one kernel of the backend's "augment" module;
// they differ only in their scalar parameters -- attachment and parameter
// refresh go through the shared unary base.
//
// A registry maps operation names to constructors with default randomized
// parameter ranges, for callers assembling pipelines from configuration.
package nodes

import (
	"sort"

	"github.com/gomlx/augment/backends"
	"github.com/gomlx/augment/graph"
	"github.com/gomlx/augment/params"
	"github.com/gomlx/augment/pipeline"
	"github.com/pkg/errors"
)

// unary is the shared implementation of single-input single-output nodes:
// it owns the kernel name, the image wiring and the mutable scalars pushed
// into the compiled graph.
type unary struct {
	kernel  string
	input   *pipeline.Image
	output  *pipeline.Image
	scalars []*backends.Scalar

	// refresh copies the current parameter generation into the scalars.
	refresh func(scalars []*backends.Scalar)
}

func newUnary(kernel string, input, output *pipeline.Image, numScalars int,
	refresh func(scalars []*backends.Scalar)) *unary {
	n := &unary{
		kernel:  kernel,
		input:   input,
		output:  output,
		scalars: make([]*backends.Scalar, numScalars),
		refresh: refresh,
	}
	for i := range n.scalars {
		n.scalars[i] = backends.NewScalar(nil)
	}
	if refresh != nil {
		// The first execution runs with the initial parameter draw.
		refresh(n.scalars)
	}
	return n
}

// Create implements pipeline.Node.
func (n *unary) Create(g *graph.Graph) {
	g.AddNode(backends.OpSpec{
		Kernel:  n.kernel,
		Inputs:  []*backends.Operand{n.input.Operand()},
		Outputs: []*backends.Operand{n.output.Operand()},
		Scalars: n.scalars,
	})
}

// UpdateParameters implements pipeline.Node.
func (n *unary) UpdateParameters() {
	if n.refresh != nil {
		n.refresh(n.scalars)
	}
}

// Outputs implements pipeline.Node.
func (n *unary) Outputs() []*pipeline.Image { return []*pipeline.Image{n.output} }

// Constructor builds a node with default randomized parameters registered on
// the given factory.
type Constructor func(factory *params.Factory, input, output *pipeline.Image) pipeline.Node

var registry = map[string]Constructor{}

// Register a node constructor under an operation name. Call during package
// initialization.
func Register(name string, constructor Constructor) {
	registry[name] = constructor
}

// New builds the node registered under name. It returns an error for unknown
// operation names.
func New(name string, factory *params.Factory, input, output *pipeline.Image) (pipeline.Node, error) {
	constructor, found := registry[name]
	if !found {
		return nil, errors.Errorf("unknown augmentation operation %q, known: %v", name, Names())
	}
	return constructor(factory, input, output), nil
}

// Names lists the registered operation names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
