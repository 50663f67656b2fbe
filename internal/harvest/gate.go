package harvest

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// Default gate capacities. OCR work is CPU-bound and gets its own
// single-permit pool.
const (
	DefaultGateCapacity    = 30
	DefaultOCRGateCapacity = 1
)

// Gate is a counting permit pool bounding in-flight operations. Acquire
// blocks until a permit is free or the context is done; the returned release
// function must be called on every exit path and is safe to call more than
// once.
//
// A source that limits a composite multi-request operation rather than each
// individual request constructs its fetch client with Unbounded() and wraps
// the composite operation in its own Gate.
type Gate interface {
	Acquire(ctx context.Context) (release func(), err error)
}

type gate struct {
	permits chan struct{}
}

// NewGate returns a Gate admitting at most capacity concurrent holders.
// Capacity is fixed at construction.
func NewGate(capacity int) Gate {
	if capacity <= 0 {
		capacity = DefaultGateCapacity
	}
	return &gate{permits: make(chan struct{}, capacity)}
}

func (g *gate) Acquire(ctx context.Context) (func(), error) {
	select {
	case g.permits <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "acquire gate permit")
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-g.permits })
	}, nil
}

type unboundedGate struct{}

// Unbounded returns a Gate that always admits immediately. It exists so a
// source can take over concurrency scoping explicitly instead of stealing
// the engine's gate.
func Unbounded() Gate {
	return unboundedGate{}
}

func (unboundedGate) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "acquire gate permit")
	}
	return func() {}, nil
}
