package execution

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConnections = 5
	DefaultMaxWorkers     = 10
)

// Workers runs blocking transport calls off the caller's goroutine with a
// bounded number in flight. A caller whose context ends stops waiting; the
// call itself runs to completion in the background and then frees its slot.
type Workers struct {
	sem    *semaphore.Weighted
	size   int64
	active atomic.Int64
}

// NewWorkers creates a bridge allowing size concurrent calls.
func NewWorkers(size int) *Workers {
	if size < 1 {
		size = DefaultMaxWorkers
	}
	return &Workers{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Active returns the number of calls currently running.
func (w *Workers) Active() int {
	return int(w.active.Load())
}

// Go runs fn on a worker once a slot is free. It returns ctx.Err() without
// running fn if ctx ends while waiting for a slot.
func (w *Workers) Go(ctx context.Context, fn func()) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	w.active.Add(1)
	go func() {
		defer func() {
			w.active.Add(-1)
			w.sem.Release(1)
		}()
		fn()
	}()
	return nil
}

type result[T any] struct {
	value T
	err   error
}

// Call runs fn on a worker and waits for its result or for ctx to end.
func Call[T any](ctx context.Context, w *Workers, fn func() (T, error)) (T, error) {
	return CallOrRelease(ctx, w, fn, nil)
}

// CallOrRelease is Call for results that own resources. If the caller gives
// up before fn returns, a successful late result is handed to release.
func CallOrRelease[T any](ctx context.Context, w *Workers, fn func() (T, error), release func(T)) (T, error) {
	var zero T
	ch := make(chan result[T], 1)
	if err := w.Go(ctx, func() {
		v, err := fn()
		ch <- result[T]{v, err}
	}); err != nil {
		return zero, err
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		if release != nil {
			go func() {
				if r := <-ch; r.err == nil {
					release(r.value)
				}
			}()
		}
		return zero, ctx.Err()
	}
}
