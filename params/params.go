// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params provides the randomized augmentation parameters consumed by
// processing nodes.
//
// A Factory owns a seeded random source and every parameter registered
// against it. Factory.Renew starts a new generation: all registered
// parameters redraw once, and keep their drawn value until the next Renew.
// The master graph calls Renew exactly once at the start of each run, so
// every node observes one consistent parameter set per batch.
//
// The factory is explicit state passed by handle into the pipeline (so cores
// can be tested in isolation); Global returns the process-wide default used
// by binaries that don't care about seeding.
package params

import (
	"math/rand"
	"sync"
	"time"

	"golang.org/x/exp/constraints"
)

// Factory owns a random source and the parameters registered against it.
type Factory struct {
	mu         sync.Mutex
	rng        *rand.Rand
	generation uint64
	renewables []renewable
}

type renewable interface {
	renew(rng *rand.Rand)
}

// New creates a Factory seeded deterministically.
func New(seed int64) *Factory {
	return &Factory{rng: rand.New(rand.NewSource(seed))}
}

var (
	global     *Factory
	globalOnce sync.Once
)

// Global returns the process-wide default Factory, lazily created with a
// time-based seed. Prefer an explicit New(seed) in tests.
func Global() *Factory {
	globalOnce.Do(func() {
		global = New(time.Now().UnixNano())
	})
	return global
}

// Reset reseeds the factory and starts over at generation zero. Every
// registered parameter redraws its initial value from the new source, so a
// reset factory replays the exact sequence of a freshly created one.
func (f *Factory) Reset(seed int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rng = rand.New(rand.NewSource(seed))
	f.generation = 0
	for _, r := range f.renewables {
		r.renew(f.rng)
	}
}

// Renew starts a new generation: every registered parameter redraws once.
func (f *Factory) Renew() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generation++
	for _, r := range f.renewables {
		r.renew(f.rng)
	}
}

// Generation returns the number of Renew calls so far.
func (f *Factory) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

func (f *Factory) register(r renewable) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.renew(f.rng)
	f.renewables = append(f.renewables, r)
}

// Param is one randomized (or fixed) augmentation parameter. Get returns the
// value drawn for the current generation.
type Param[T any] interface {
	Get() T
}

// Number covers the element types parameters can range over.
type Number interface {
	constraints.Integer | constraints.Float
}

type uniformParam[T Number] struct {
	low, high T
	value     T
}

func (p *uniformParam[T]) renew(rng *rand.Rand) {
	p.value = p.low + T(rng.Float64()*float64(p.high-p.low))
}

// Get implements Param.
func (p *uniformParam[T]) Get() T { return p.value }

// Uniform registers a parameter drawn uniformly from [low, high) at every
// generation. The initial value is drawn immediately.
func Uniform[T Number](f *Factory, low, high T) Param[T] {
	p := &uniformParam[T]{low: low, high: high}
	f.register(p)
	return p
}

type constantParam[T any] struct {
	value T
}

// Get implements Param.
func (p constantParam[T]) Get() T { return p.value }

// Constant returns a parameter fixed at the given value: it never redraws
// and needs no factory.
func Constant[T any](value T) Param[T] {
	return constantParam[T]{value: value}
}
