// Package jitter spreads scheduled work uniformly across a time window so
// a burst of requests does not hit the cloud provider at the same instant.
package jitter

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Scheduled pairs an item with the instant it should become visible.
type Scheduled[T any] struct {
	Item      T
	EnqueueAt time.Time
}

// Generator draws enqueue times.  It is safe for concurrent use.
type Generator struct {
	now func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithSource makes the draws reproducible.
func WithSource(src rand.Source) Option {
	return func(g *Generator) { g.rnd = rand.New(src) }
}

// New returns a Generator using the wall clock and the runtime's random
// source unless overridden.
func New(opts ...Option) *Generator {
	g := &Generator{now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Offset returns a duration drawn uniformly from [0, window).  A
// non-positive window yields zero.
func (g *Generator) Offset(window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	if g.rnd == nil {
		return time.Duration(rand.Int64N(int64(window)))
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return time.Duration(g.rnd.Int64N(int64(window)))
}

// Spread pairs every item with now + Offset(window).  The output has the
// same length and order as items; the enqueue times are independent and
// carry no ordering.
func Spread[T any](g *Generator, items []T, window time.Duration) []Scheduled[T] {
	now := g.now()
	out := make([]Scheduled[T], len(items))
	for i, item := range items {
		out[i] = Scheduled[T]{Item: item, EnqueueAt: now.Add(g.Offset(window))}
	}
	return out
}
