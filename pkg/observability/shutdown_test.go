package observability

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsStepsInOrder(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)

	var order []string
	for _, name := range []string{"cron", "http", "pool", "db"} {
		name := name
		sm.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"cron", "http", "pool", "db"}, order)
}

func TestShutdownManager_ContinuesAfterFailure(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)

	ran := false
	sm.Register("pool", func(ctx context.Context) error { return errors.New("drain timed out") })
	sm.Register("db", func(ctx context.Context) error {
		ran = true
		return nil
	})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool: drain timed out")
	assert.True(t, ran)
}

func TestShutdownManager_TimeoutSkipsRemainingSteps(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), 20*time.Millisecond)

	sm.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ran := false
	sm.Register("after", func(ctx context.Context) error {
		ran = true
		return nil
	})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)
}

func TestShutdownManager_WaitForShutdownOnContextCancel(t *testing.T) {
	sm := NewShutdownManager(NewLogger(InfoLevel, &bytes.Buffer{}), time.Second)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := &http.Server{Handler: http.NotFoundHandler()}
	served := make(chan error, 1)
	go func() { served <- server.Serve(ln) }()

	sm.RegisterServer("api", server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.WaitForShutdown(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForShutdown did not return after context cancel")
	}

	assert.ErrorIs(t, <-served, http.ErrServerClosed)
}

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	func() {
		defer RecoverPanic(logger, "test")
		panic("boom")
	}()

	assert.Contains(t, buf.String(), "PANIC recovered")
	assert.Contains(t, buf.String(), "boom")
	assert.NoError(t, MustRecover(nil))
	assert.EqualError(t, MustRecover("x"), "panic: x")
}
