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

// Package graph wraps a backend's compiled execution plan: it accumulates the
// kernel invocations the processing nodes attach, verifies the plan once and
// then executes it repeatedly, one batch per execution.
//
// A Graph is created and owned by a pipeline.MasterGraph; nodes attach
// themselves with AddNode during the master graph's build phase.
package graph

import (
	"fmt"

	"github.com/gomlx/augment/backends"
	"github.com/gomlx/exceptions"
)

// Graph accumulates nodes and owns the backend's compiled plan. Not safe for
// concurrent use: a single controlling goroutine drives build and execution.
type Graph struct {
	ctx       backends.Context
	affinity  backends.Affinity
	deviceNum backends.DeviceNum

	backendGraph backends.Graph
	numNodes     int
	verified     bool
}

// New creates an empty Graph on the given context.
func New(ctx backends.Context, affinity backends.Affinity, deviceNum backends.DeviceNum) *Graph {
	return &Graph{
		ctx:          ctx,
		affinity:     affinity,
		deviceNum:    deviceNum,
		backendGraph: ctx.NewGraph(),
	}
}

// Context returns the backend context the Graph is bound to.
func (g *Graph) Context() backends.Context { return g.ctx }

// Affinity returns the affinity the Graph was created with.
func (g *Graph) Affinity() backends.Affinity { return g.affinity }

// DeviceNum returns the device the Graph executes on.
func (g *Graph) DeviceNum() backends.DeviceNum { return g.deviceNum }

// NumNodes returns the number of attached nodes.
func (g *Graph) NumNodes() int { return g.numNodes }

// Verified reports whether Verify completed successfully.
func (g *Graph) Verified() bool { return g.verified }

// AddNode attaches one kernel invocation to the plan. Panics if the graph
// was already verified.
func (g *Graph) AddNode(op backends.OpSpec) {
	if g.verified {
		exceptions.Panicf("graph: cannot attach %s, graph already verified", op)
	}
	if g.backendGraph == nil {
		exceptions.Panicf("graph: cannot attach %s, graph already finalized", op)
	}
	g.backendGraph.AddNode(op)
	g.numNodes++
}

// Verify validates the plan with the backend and materializes virtual image
// buffers. Panics with a descriptive message on incompatible shape or format
// combinations. Must be called exactly once, after all nodes are attached.
func (g *Graph) Verify() {
	if g.verified {
		exceptions.Panicf("graph: Verify called twice")
	}
	if g.backendGraph == nil {
		exceptions.Panicf("graph: Verify called on finalized graph")
	}
	g.backendGraph.Verify()
	g.verified = true
}

// Execute runs the verified plan synchronously for one batch. Panics on
// backend failure or if the graph wasn't verified.
func (g *Graph) Execute() {
	if !g.verified {
		exceptions.Panicf("graph: Execute called before Verify")
	}
	g.backendGraph.Execute()
}

// Finalize releases the backend plan and the virtual buffers it owns.
// Idempotent.
func (g *Graph) Finalize() {
	if g.backendGraph == nil {
		return
	}
	g.backendGraph.Finalize()
	g.backendGraph = nil
	g.verified = false
}

// String implements fmt.Stringer.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph[%d nodes, affinity=%s, device=#%d, verified=%v]",
		g.numNodes, g.affinity, g.deviceNum, g.verified)
}
