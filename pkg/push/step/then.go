package step

import "context"

// Then waits for pred to resolve, then hands its value to fn, which
// constructs a second Step of its own (typically scheduled on a Pool). Then
// resolves once that second Step resolves. The continuation goroutine holds
// no Pool slot, so fn is free to build further pool-scheduled steps without
// risking the deadlock a step body would cause by doing the same from
// inside a running, slot-holding body.
func Then[T, U any](ctx context.Context, pred *Step[T], fn func(ctx context.Context, v T) *Step[U]) *Step[U] {
	s := &Step[U]{done: make(chan struct{})}
	go func() {
		v, err := pred.Join(ctx)
		if err != nil {
			s.resolve(Result[U]{Err: err})
			return
		}
		inner := fn(ctx, v)
		iv, ierr := inner.Join(ctx)
		s.resolve(Result[U]{Value: iv, Err: ierr})
	}()
	return s
}
