package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	pool := NewWorkerPool(3)
	var count int64

	for i := 0; i < 20; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&count, 1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()
	pool.Shutdown()

	assert.EqualValues(t, 20, count)
	assert.EqualValues(t, 0, pool.Active())

	m := pool.Metrics()
	assert.EqualValues(t, 20, m.Completed)
	assert.EqualValues(t, 0, m.Failed)
}

func TestWorkerPool_CountsFailures(t *testing.T) {
	pool := NewWorkerPool(2)
	for i := 0; i < 6; i++ {
		i := i
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			if i%2 == 0 {
				return errors.New("task failed")
			}
			return nil
		}))
	}
	pool.Wait()
	pool.Shutdown()

	m := pool.Metrics()
	assert.EqualValues(t, 3, m.Completed)
	assert.EqualValues(t, 3, m.Failed)
	assert.EqualValues(t, 0, m.Active)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	var inFlight, peak int64

	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			cur := atomic.AddInt64(&inFlight, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()
	pool.Shutdown()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPool_SubmitCancelledWhileWaiting(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	close(block)
	pool.Wait()
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1)
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	pool.Wait()
	pool.Shutdown()
	assert.EqualValues(t, 0, pool.Active())
}
