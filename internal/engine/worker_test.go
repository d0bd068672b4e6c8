package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolforge/pkg/schema"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran int64
	err := pool.Go(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}, nil)
	require.NoError(t, err)

	pool.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&ran))
	assert.EqualValues(t, 1, pool.Metrics().Completed)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 3
	pool := NewWorkerPool(poolSize)
	defer pool.Shutdown()

	var maxConcurrent, current int64
	var mu sync.Mutex

	jobs := make([]func(context.Context) error, 10)
	for i := range jobs {
		jobs[i] = func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}
	}
	errs := pool.RunAll(context.Background(), jobs)

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, maxConcurrent, int64(poolSize))
	assert.Positive(t, maxConcurrent)
}

func TestWorkerPool_RunAllKeepsOrder(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	boom := errors.New("boom")
	errs := pool.RunAll(context.Background(), []func(context.Context) error{
		func(context.Context) error { return nil },
		func(context.Context) error { return boom },
		func(context.Context) error { return nil },
	})

	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])
	assert.EqualValues(t, 1, pool.Metrics().Failed)
}

func TestWorkerPool_PanicBecomesInternalError(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	errs := pool.RunAll(context.Background(), []func(context.Context) error{
		func(context.Context) error { panic("kaboom") },
	})

	assert.True(t, schema.HasCode(errs[0], schema.ErrCodeInternal))
	assert.EqualValues(t, 1, pool.Metrics().Panics)
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, pool.Go(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}, nil))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Go(ctx, func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()
	pool.Shutdown()

	err := pool.Go(context.Background(), func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrPoolShutdown)
}
