package step

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ocibuild/pushcore/pkg/pusherr"
)

// allOf joins a fixed set of Awaitables, failing fast: the first error
// cancels the shared group context, so the Await calls on the remaining
// steps return at once. The sibling steps' bodies are not cancelled; they
// keep running under their own contexts.
type allOf struct {
	done chan struct{}
	err  error
}

// AllOf returns an Awaitable that resolves once every step in steps has
// resolved, or fails as soon as the first one does. It is built directly on
// errgroup so the fail-fast/cancel-siblings behavior is inherited rather
// than reimplemented.
func AllOf(ctx context.Context, steps ...Awaitable) Awaitable {
	a := &allOf{done: make(chan struct{})}
	go func() {
		defer close(a.done)
		g, gctx := errgroup.WithContext(ctx)
		for _, s := range steps {
			s := s
			g.Go(func() error {
				return s.Await(gctx)
			})
		}
		a.err = g.Wait()
	}()
	return a
}

func (a *allOf) Await(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return pusherr.New(pusherr.Cancelled, ctx.Err())
	}
}
