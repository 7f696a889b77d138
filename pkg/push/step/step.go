// Package step implements the deferred-value DAG runtime that every push
// component is scheduled on: single-assignment steps with declared
// predecessors, joined through a bounded worker pool with happens-before
// ordering and cooperative cancellation.
package step

import (
	"context"
	"runtime"
	"sync"

	"github.com/ocibuild/pushcore/pkg/pusherr"
)

// Result is the single outcome a Step ever produces.
type Result[T any] struct {
	Value T
	Err   error
}

// Awaitable is anything a Step (or AllOf) can depend on.
type Awaitable interface {
	// Await blocks until the dependency has resolved, returning its error
	// (nil on success). It never blocks past ctx's own cancellation.
	Await(ctx context.Context) error
}

// Pool is a bounded worker pool shared by every step body scheduled on it.
// It is a buffered semaphore, not a thread-per-step model: bodies queue
// until a slot frees.
type Pool struct {
	sem chan struct{}
}

// NewPool creates a Pool with the given concurrency. size <= 0 defaults to
// runtime.NumCPU().
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Go schedules fn on the pool, blocking the caller until a slot is free or
// ctx is done. Returns ctx.Err() without running fn if ctx is already done.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.sem <- struct{}{}:
	}
	go func() {
		defer func() { <-p.sem }()
		fn()
	}()
	return nil
}

// Step is a generic deferred single-assignment value. Its body runs exactly
// once, on the owning Pool, after every predecessor has resolved
// successfully.
type Step[T any] struct {
	done   chan struct{}
	once   sync.Once
	result Result[T]
}

// New schedules body on pool once every predecessor in preds has resolved.
// If ctx is already done when New is called, or if any predecessor fails or
// is cancelled, the returned Step resolves without ever invoking body.
func New[T any](ctx context.Context, pool *Pool, preds []Awaitable, body func(ctx context.Context) (T, error)) *Step[T] {
	s := &Step[T]{done: make(chan struct{})}
	go s.run(ctx, pool, preds, body)
	return s
}

func (s *Step[T]) run(ctx context.Context, pool *Pool, preds []Awaitable, body func(context.Context) (T, error)) {
	if err := awaitAll(ctx, preds); err != nil {
		s.resolve(Result[T]{Err: err})
		return
	}
	if err := ctx.Err(); err != nil {
		s.resolve(Result[T]{Err: pusherr.New(pusherr.Cancelled, err)})
		return
	}
	runErr := pool.Go(ctx, func() {
		v, err := body(ctx)
		s.resolve(Result[T]{Value: v, Err: err})
	})
	if runErr != nil {
		s.resolve(Result[T]{Err: pusherr.New(pusherr.Cancelled, runErr)})
	}
}

func awaitAll(ctx context.Context, preds []Awaitable) error {
	for _, p := range preds {
		if err := p.Await(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Step[T]) resolve(r Result[T]) {
	s.once.Do(func() {
		s.result = r
		close(s.done)
	})
}

// Join blocks until the step has resolved, returning its value and error.
// It returns early with a Cancelled error if ctx is done first, without
// affecting the step's eventual resolution for other joiners.
func (s *Step[T]) Join(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.result.Value, s.result.Err
	case <-ctx.Done():
		var zero T
		return zero, pusherr.New(pusherr.Cancelled, ctx.Err())
	}
}

// Peek returns the step's result and whether it has resolved yet. It never
// blocks.
func (s *Step[T]) Peek() (Result[T], bool) {
	select {
	case <-s.done:
		return s.result, true
	default:
		return Result[T]{}, false
	}
}

// Await implements Awaitable: it waits for resolution and surfaces only the
// error, discarding the value, so a Step[T] can stand as a predecessor of a
// Step of a different type.
func (s *Step[T]) Await(ctx context.Context) error {
	_, err := s.Join(ctx)
	return err
}
