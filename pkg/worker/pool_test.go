package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func process(ctx context.Context, w testWork) error {
	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if w.fail {
		return errors.New("work failed")
	}
	return nil
}

func TestNewPool(t *testing.T) {
	pool, err := NewPool(5, 100, process)
	require.NoError(t, err)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool, err = NewPool(0, 0, process)
	require.NoError(t, err)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	_, err = NewPool[testWork](5, 100, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPool_Lifecycle(t *testing.T) {
	pool, err := NewPool(2, 10, process)
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Submit(testWork{id: 1}), ErrPoolNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}

	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(testWork{id: 6}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")

	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Processed, "stop drains queued work")
}

func TestPool_QueueFull(t *testing.T) {
	block := make(chan struct{})
	pool, err := NewPool(1, 1, func(ctx context.Context, _ testWork) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.Eventually(t, func() bool { return len(pool.workChan) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, pool.Submit(testWork{id: 2}))
	assert.ErrorIs(t, pool.Submit(testWork{id: 3}), ErrQueueFull)

	close(block)
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestPool_ErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var failedIDs []int

	pool, err := NewPool(2, 10, process, WithErrorHandler(func(w testWork, err error) {
		mu.Lock()
		defer mu.Unlock()
		failedIDs = append(failedIDs, w.id)
	}))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Submit(testWork{id: 2, fail: true}))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, []int{2}, failedIDs)
	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestPool_ContextCancellation(t *testing.T) {
	var started atomic.Int32
	pool, err := NewPool(1, 10, func(ctx context.Context, w testWork) error {
		started.Add(1)
		return process(ctx, w)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Submit(testWork{delay: time.Hour}))
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, pool.Stop(time.Second))
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	pool, err := NewPool(1, 1, func(context.Context, testWork) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{}))

	assert.ErrorIs(t, pool.Stop(20*time.Millisecond), ErrStopTimeout)
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	var processed atomic.Int64
	pool, err := NewPool(4, 1000, func(context.Context, testWork) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, pool.Submit(testWork{id: i}))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, pool.Stop(2*time.Second))
	assert.Equal(t, int64(500), processed.Load())
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool, err := NewPool(1, 5, process, WithMetricsRegistry[testWork](registry, "dispatcher"))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{}))
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.submitted))

	_, err = NewPool(1, 5, process, WithMetricsRegistry[testWork](registry, "dispatcher"))
	assert.Error(t, err, "duplicate registration reported")
}
