package step

import "context"

// Map schedules fn to run exactly once, on pool, after s resolves
// successfully, producing a new Step[U] chained from s.
func Map[T, U any](ctx context.Context, pool *Pool, s *Step[T], fn func(T) (U, error)) *Step[U] {
	return New(ctx, pool, []Awaitable{s}, func(context.Context) (U, error) {
		v, err := s.Join(ctx)
		if err != nil {
			var zero U
			return zero, err
		}
		return fn(v)
	})
}
