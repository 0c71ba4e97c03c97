package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/courier/pkg/observability"
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool shut down")

// Task is a unit of work run by the pool
type Task func(context.Context) error

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// Example:
//
//	SafeGo(ctx, 5*time.Second, "last triggered update", logger, func(ctx context.Context) error {
//	    return store.UpdateSubscriptionLastTriggered(ctx, ids, now)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			// Caller decides what is critical; here we only log
			logger.WithError(err).WithField("task", taskName).Warn("Background task failed")
		}
	}()
}

// WorkerPoolConfig configures a WorkerPool
type WorkerPoolConfig struct {
	Workers  int
	TaskName string
	// Timeout bounds each task
	Timeout time.Duration
	Logger  *observability.Logger
	// OnQueueDepth is called with the number of queued tasks whenever it changes
	OnQueueDepth func(depth int)
	// OnTaskError is called after a task fails or panics; the failure is already logged
	OnTaskError func(err error)
}

// WorkerPool runs submitted tasks on a fixed number of workers.
// The queue is unbounded: Submit never blocks, and bursts queue up in memory.
type WorkerPool struct {
	workers  int
	taskName string
	timeout  time.Duration
	logger   *observability.Logger
	onDepth  func(int)
	onError  func(error)

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Task
	closed bool

	doneCh       chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewWorkerPool creates a new worker pool and starts its workers.
//
// Example:
//
//	pool := NewWorkerPool(ctx, WorkerPoolConfig{Workers: 10, TaskName: "webhook delivery", Timeout: 45 * time.Second})
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//	    return deliver(ctx, recordID)
//	})
func NewWorkerPool(ctx context.Context, config WorkerPoolConfig) *WorkerPool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = time.Minute
	}
	if config.Logger == nil {
		config.Logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if config.OnQueueDepth == nil {
		config.OnQueueDepth = func(int) {}
	}
	if config.OnTaskError == nil {
		config.OnTaskError = func(error) {}
	}

	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  config.Workers,
		taskName: config.TaskName,
		timeout:  config.Timeout,
		logger:   config.Logger.WithField("pool", config.TaskName),
		onDepth:  config.OnQueueDepth,
		onError:  config.OnTaskError,
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	pool.cond = sync.NewCond(&pool.mu)

	// Wake idle workers if the parent context goes away
	go func() {
		select {
		case <-ctx.Done():
			pool.mu.Lock()
			pool.closed = true
			pool.mu.Unlock()
			pool.cond.Broadcast()
		case <-pool.doneCh:
		}
	}()

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < pool.workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task. It returns ErrPoolClosed once the pool is shutting down.
func (p *WorkerPool) Submit(fn Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.queue = append(p.queue, fn)
	depth := len(p.queue)
	p.mu.Unlock()

	p.onDepth(depth)
	p.cond.Signal()
	return nil
}

// Len returns the number of queued tasks not yet picked up by a worker
func (p *WorkerPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown stops accepting tasks and waits up to timeout for the queue to drain.
// On timeout the remaining tasks are abandoned and running tasks are cancelled.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cond.Broadcast()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

// Done is closed once every worker has exited
func (p *WorkerPool) Done() <-chan struct{} {
	return p.doneCh
}

// next blocks until a task is available; ok is false when the worker should exit
func (p *WorkerPool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.ctx.Err() != nil {
		if n := len(p.queue); n > 0 {
			p.logger.Warnf("Abandoning %d queued tasks after cancellation", n)
			p.queue = nil
			p.onDepth(0)
		}
		return nil, false
	}
	if len(p.queue) == 0 {
		return nil, false
	}

	fn := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.onDepth(len(p.queue))
	return fn, true
}

func (p *WorkerPool) worker(id int) {
	for {
		fn, ok := p.next()
		if !ok {
			return
		}
		p.run(id, fn)
	}
}

func (p *WorkerPool) run(id int, fn Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("worker", id).
				WithField("panic", r).
				WithField("stack", string(debug.Stack())).
				Error("PANIC recovered in worker task")
			p.onError(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.logger.WithError(err).WithField("worker", id).Warn("Worker task failed")
		p.onError(err)
	}
}
