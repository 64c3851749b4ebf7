// Package gate bounds the number of simultaneously running external-process
// operations with a counted semaphore.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrDisposed is returned by Acquire after the gate has been shut down.
var ErrDisposed = errors.New("gate disposed")

// Gate is a counted semaphore with observable permit counters.
type Gate struct {
	sem      *semaphore.Weighted
	total    int64
	held     atomic.Int64
	disposed atomic.Bool
}

// New creates a gate with the given permit count (floor 1).
func New(max int) *Gate {
	if max < 1 {
		max = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(max)), total: int64(max)}
}

// Acquire blocks until a permit is available or ctx is cancelled. It returns
// ErrDisposed once the gate is shut down.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.disposed.Load() {
		return ErrDisposed
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if g.disposed.Load() {
		g.sem.Release(1)
		return ErrDisposed
	}
	g.held.Add(1)
	return nil
}

// Release returns a permit. Releasing more permits than were held is a
// programming error; it is logged and ignored.
func (g *Gate) Release() {
	for {
		held := g.held.Load()
		if held <= 0 {
			slog.Error("Gate released more permits than held")
			return
		}
		if g.held.CompareAndSwap(held, held-1) {
			g.sem.Release(1)
			return
		}
	}
}

// Execute runs op under a permit. The permit is released on every exit path,
// including panics, which are re-raised after release.
func (g *Gate) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return op(ctx)
}

// Dispose shuts the gate down; subsequent Acquire calls fail with
// ErrDisposed. Held permits may still be released.
func (g *Gate) Dispose() {
	g.disposed.Store(true)
}

// Total returns the configured permit count.
func (g *Gate) Total() int64 { return g.total }

// Held returns the number of permits currently held.
func (g *Gate) Held() int64 { return g.held.Load() }

// Available returns the number of free permits at the instant of the call.
func (g *Gate) Available() int64 { return g.total - g.held.Load() }
