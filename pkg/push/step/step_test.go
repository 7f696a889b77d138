package step_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocibuild/pushcore/pkg/push/step"
	"github.com/ocibuild/pushcore/pkg/pusherr"
)

func TestStep_HappensBefore(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(4)

	var aDone atomic.Bool
	a := step.New(ctx, pool, nil, func(context.Context) (int, error) {
		time.Sleep(10 * time.Millisecond)
		aDone.Store(true)
		return 1, nil
	})

	b := step.New(ctx, pool, []step.Awaitable{a}, func(context.Context) (int, error) {
		require.True(t, aDone.Load(), "B must observe A's completion before running")
		return 2, nil
	})

	v, err := b.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestStep_PeekNonBlocking(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(1)
	release := make(chan struct{})

	s := step.New(ctx, pool, nil, func(context.Context) (int, error) {
		<-release
		return 42, nil
	})

	_, ready := s.Peek()
	assert.False(t, ready)

	close(release)
	v, err := s.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	r, ready := s.Peek()
	require.True(t, ready)
	assert.Equal(t, 42, r.Value)
}

func TestStep_FailurePropagatesToDependents(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(2)
	boom := errors.New("boom")

	a := step.New(ctx, pool, nil, func(context.Context) (int, error) {
		return 0, boom
	})

	var ran atomic.Bool
	b := step.New(ctx, pool, []step.Awaitable{a}, func(context.Context) (int, error) {
		ran.Store(true)
		return 0, nil
	})

	_, err := b.Join(ctx)
	require.Error(t, err)
	assert.False(t, ran.Load(), "B's body must not run when A fails")
}

func TestStep_AlreadyCancelledResolvesWithoutRunningBody(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool := step.NewPool(1)

	var ran atomic.Bool
	s := step.New(ctx, pool, nil, func(context.Context) (int, error) {
		ran.Store(true)
		return 0, nil
	})

	_, err := s.Join(context.Background())
	require.Error(t, err)
	assert.Equal(t, pusherr.Cancelled, pusherr.KindOf(err))
	assert.False(t, ran.Load())
}

func TestAllOf_FailFastWithoutWaitingForSlowSibling(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(4)
	boom := errors.New("boom")

	failing := step.New(ctx, pool, nil, func(context.Context) (int, error) {
		return 0, boom
	})

	started := make(chan struct{})
	var siblingCtxDone atomic.Bool
	slow := step.New(ctx, pool, nil, func(sctx context.Context) (int, error) {
		close(started)
		<-sctx.Done()
		siblingCtxDone.Store(true)
		return 0, sctx.Err()
	})

	joined := step.AllOf(ctx, failing, slow)
	err := joined.Await(ctx)
	require.Error(t, err)
}

func TestAllOf_AllSucceed(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(4)

	a := step.New(ctx, pool, nil, func(context.Context) (int, error) { return 1, nil })
	b := step.New(ctx, pool, nil, func(context.Context) (int, error) { return 2, nil })

	joined := step.AllOf(ctx, a, b)
	require.NoError(t, joined.Await(ctx))
}

func TestMap_RunsOnceAfterPredecessor(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(2)

	var calls atomic.Int32
	s := step.New(ctx, pool, nil, func(context.Context) (int, error) { return 21, nil })
	mapped := step.Map(ctx, pool, s, func(v int) (int, error) {
		calls.Add(1)
		return v * 2, nil
	})

	v, err := mapped.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestThen_RunsContinuationAfterPredecessor(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(2)

	pred := step.New(ctx, pool, nil, func(context.Context) (int, error) { return 21, nil })
	chained := step.Then(ctx, pred, func(ctx context.Context, v int) *step.Step[int] {
		return step.New(ctx, pool, nil, func(context.Context) (int, error) { return v * 2, nil })
	})

	v, err := chained.Join(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestThen_PredecessorFailureSkipsContinuation(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(2)
	boom := errors.New("boom")

	pred := step.New(ctx, pool, nil, func(context.Context) (int, error) { return 0, boom })

	var ran atomic.Bool
	chained := step.Then(ctx, pred, func(ctx context.Context, v int) *step.Step[int] {
		ran.Store(true)
		return step.New(ctx, pool, nil, func(context.Context) (int, error) { return v, nil })
	})

	_, err := chained.Join(ctx)
	require.Error(t, err)
	assert.False(t, ran.Load(), "Then must not build the continuation when pred fails")
}

func TestThen_PoolSizeOneDoesNotDeadlock(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(1)

	pred := step.New(ctx, pool, nil, func(context.Context) (int, error) { return 1, nil })
	chained := step.Then(ctx, pred, func(ctx context.Context, v int) *step.Step[int] {
		return step.New(ctx, pool, nil, func(context.Context) (int, error) { return v + 1, nil })
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := chained.Join(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Then deadlocked with a pool of size one")
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	pool := step.NewPool(2)

	var current, maxSeen atomic.Int32
	n := 10
	steps := make([]step.Awaitable, n)
	for i := 0; i < n; i++ {
		steps[i] = step.New(ctx, pool, nil, func(context.Context) (int, error) {
			c := current.Add(1)
			for {
				m := maxSeen.Load()
				if c <= m || maxSeen.CompareAndSwap(m, c) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return 0, nil
		})
	}

	require.NoError(t, step.AllOf(ctx, steps...).Await(ctx))
	assert.LessOrEqual(t, maxSeen.Load(), int32(2))
}
