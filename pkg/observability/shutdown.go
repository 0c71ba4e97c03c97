package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager handles graceful shutdown of services.
// Steps run one at a time in registration order so that, for example, the
// sweep schedule stops before the worker pool drains and the pool drains before the database closes.
type ShutdownManager struct {
	logger          *Logger
	steps           []namedShutdown
	shutdownTimeout time.Duration
	mu              sync.Mutex
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          logger,
		shutdownTimeout: timeout,
	}
}

// Register appends a named shutdown step
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, namedShutdown{name: name, fn: fn})
}

// RegisterServer appends a step that gracefully shuts an HTTP server down
func (sm *ShutdownManager) RegisterServer(name string, server *http.Server) {
	sm.Register(name, server.Shutdown)
}

// WaitForShutdown blocks until SIGINT, SIGTERM or ctx cancellation, then runs Shutdown
func (sm *ShutdownManager) WaitForShutdown(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	sm.logger.Info("Shutdown requested, starting graceful shutdown")

	return sm.Shutdown()
}

// Shutdown runs every step within the shutdown timeout. A failing step does not stop later ones.
func (sm *ShutdownManager) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	sm.mu.Lock()
	steps := append([]namedShutdown(nil), sm.steps...)
	sm.mu.Unlock()

	var errs []error
	for _, step := range steps {
		if ctx.Err() != nil {
			sm.logger.WithField("step", step.name).Warn("Shutdown timeout reached, skipping step")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, ctx.Err()))
			continue
		}

		logger := sm.logger.WithField("step", step.name)
		logger.Info("Executing shutdown step")
		if err := step.fn(ctx); err != nil {
			logger.WithError(err).Error("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		logger.Info("Shutdown step complete")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d errors: %w", len(errs), errors.Join(errs...))
	}

	sm.logger.Info("Graceful shutdown complete")
	return nil
}
