// Package worker runs blocking inference calls on a bounded pool so that
// connection goroutines only wait for results.
package worker

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool bounds the number of concurrently running jobs.
type Pool struct {
	sem      *semaphore.Weighted
	size     int
	inflight atomic.Int64
	queued   atomic.Int64
}

// New returns a pool with size slots; size <= 0 uses runtime.NumCPU().
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

func (p *Pool) Size() int { return p.size }

// InFlight reports jobs currently holding a slot.
func (p *Pool) InFlight() int64 { return p.inflight.Load() }

// Queued reports jobs waiting for a slot.
func (p *Pool) Queued() int64 { return p.queued.Load() }

type result[T any] struct {
	value T
	err   error
}

// Submit waits for a slot, runs fn on its own goroutine and waits for the
// result. If ctx ends first Submit returns ctx.Err(); a job that already
// started keeps its slot until fn returns and its result is dropped.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	p.queued.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.queued.Add(-1)
	if err != nil {
		return zero, err
	}

	done := make(chan result[T], 1)
	p.inflight.Add(1)
	go func() {
		defer p.sem.Release(1)
		defer p.inflight.Add(-1)
		v, err := fn(ctx)
		done <- result[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
