package async

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/courier/pkg/observability"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger(buf *syncBuffer) *observability.Logger {
	return observability.NewLogger(observability.DebugLevel, buf)
}

func TestSafeGo_Success(t *testing.T) {
	executed := atomic.Bool{}

	SafeGo(context.Background(), time.Second, "test task", nil, func(ctx context.Context) error {
		executed.Store(true)
		return nil
	})

	assert.Eventually(t, executed.Load, time.Second, 10*time.Millisecond)
}

func TestSafeGo_WithErrorIsLogged(t *testing.T) {
	buf := &syncBuffer{}

	SafeGo(context.Background(), time.Second, "test task", testLogger(buf), func(ctx context.Context) error {
		return errors.New("test error")
	})

	assert.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, "Background task failed") && strings.Contains(out, "test error")
	}, time.Second, 10*time.Millisecond)
}

func TestSafeGo_Timeout(t *testing.T) {
	canceled := make(chan struct{})

	SafeGo(context.Background(), 50*time.Millisecond, "test task", nil, func(ctx context.Context) error {
		select {
		case <-time.After(2 * time.Second):
			return nil
		case <-ctx.Done():
			close(canceled)
			return ctx.Err()
		}
	})

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("task was not canceled by timeout")
	}
}

func TestSafeGo_PanicRecovery(t *testing.T) {
	buf := &syncBuffer{}

	SafeGo(context.Background(), time.Second, "panicking task", testLogger(buf), func(ctx context.Context) error {
		panic("test panic")
	})

	assert.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "PANIC recovered")
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerPool_Basic(t *testing.T) {
	pool := NewWorkerPool(context.Background(), WorkerPoolConfig{Workers: 2, TaskName: "test pool", Timeout: time.Second})
	defer pool.Shutdown(time.Second)

	executed := atomic.Int32{}
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}))
	}

	assert.Eventually(t, func() bool { return executed.Load() == 10 }, time.Second, 10*time.Millisecond)
}

func TestWorkerPool_SubmitNeverBlocks(t *testing.T) {
	var depths []int
	var mu sync.Mutex

	pool := NewWorkerPool(context.Background(), WorkerPoolConfig{
		Workers:  1,
		TaskName: "test pool",
		Timeout:  5 * time.Second,
		OnQueueDepth: func(depth int) {
			mu.Lock()
			depths = append(depths, depth)
			mu.Unlock()
		},
	})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = pool.Submit(func(ctx context.Context) error { return nil })
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked while the only worker was busy")
	}
	assert.Equal(t, 1000, pool.Len())

	close(release)
	require.NoError(t, pool.Shutdown(2*time.Second))
	assert.Equal(t, 0, pool.Len())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, depths)
	assert.Equal(t, 0, depths[len(depths)-1])
}

func TestWorkerPool_WithErrors(t *testing.T) {
	buf := &syncBuffer{}
	var failures atomic.Int32
	pool := NewWorkerPool(context.Background(), WorkerPoolConfig{
		Workers:     2,
		TaskName:    "test pool",
		Timeout:     time.Second,
		Logger:      testLogger(buf),
		OnTaskError: func(error) { failures.Add(1) },
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			return errors.New("test error")
		}))
	}
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		panic("boom")
	}))
	require.NoError(t, pool.Shutdown(time.Second))

	assert.Equal(t, int32(6), failures.Load(), "errors and panics are both reported")
	assert.Contains(t, buf.String(), "Worker task failed")
}

func TestWorkerPool_PanicDoesNotKillWorker(t *testing.T) {
	pool := NewWorkerPool(context.Background(), WorkerPoolConfig{Workers: 1, TaskName: "test pool", Timeout: time.Second, Logger: testLogger(&syncBuffer{})})
	defer pool.Shutdown(time.Second)

	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		panic("boom")
	}))

	executed := atomic.Bool{}
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		executed.Store(true)
		return nil
	}))

	assert.Eventually(t, executed.Load, time.Second, 10*time.Millisecond)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(context.Background(), WorkerPoolConfig{Workers: 2, TaskName: "test pool", Timeout: time.Second})

	executed := atomic.Int32{}
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) error {
			time.Sleep(50 * time.Millisecond)
			executed.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(5), executed.Load())

	err := pool.Submit(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_ShutdownTimeoutCancelsTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), WorkerPoolConfig{Workers: 1, TaskName: "test pool", Timeout: 10 * time.Second, Logger: testLogger(&syncBuffer{})})

	canceled := atomic.Bool{}
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	}))

	err := pool.Shutdown(50 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	<-pool.Done()
	assert.True(t, canceled.Load())
}

func TestWorkerPool_TaskTimeout(t *testing.T) {
	pool := NewWorkerPool(context.Background(), WorkerPoolConfig{Workers: 1, TaskName: "test pool", Timeout: 50 * time.Millisecond, Logger: testLogger(&syncBuffer{})})
	defer pool.Shutdown(time.Second)

	timedOut := atomic.Bool{}
	require.NoError(t, pool.Submit(func(ctx context.Context) error {
		select {
		case <-time.After(2 * time.Second):
			return nil
		case <-ctx.Done():
			timedOut.Store(true)
			return ctx.Err()
		}
	}))

	assert.Eventually(t, timedOut.Load, time.Second, 10*time.Millisecond)
}

func TestWorkerPool_ParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(ctx, WorkerPoolConfig{Workers: 2, TaskName: "test pool", Timeout: time.Second})

	cancel()

	select {
	case <-pool.Done():
	case <-time.After(time.Second):
		t.Fatal("workers did not exit after parent context cancel")
	}
	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) error { return nil }), ErrPoolClosed)
}
