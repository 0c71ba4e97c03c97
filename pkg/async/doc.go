// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery, timeout
// enforcement, context cancellation, and error logging.
//
// # Key Functions
//
// SafeGo: Execute function in goroutine with safety features
//
//	async.SafeGo(ctx, 10*time.Second, "last triggered update", logger, func(ctx context.Context) error {
//		return store.UpdateSubscriptionLastTriggered(ctx, ids, now)
//	})
//
// WorkerPool: Fixed set of workers draining an unbounded FIFO queue
//
//	pool := async.NewWorkerPool(ctx, async.WorkerPoolConfig{Workers: 16, TaskName: "webhook delivery"})
//	defer pool.Shutdown(30 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//		_, err := attempter.Attempt(ctx, record)
//		return err
//	})
//
// Submit never blocks. When events outpace the workers the queue grows in memory;
// OnQueueDepth reports its size so it can be exported as a gauge.
//
// # Related Packages
//
//   - pkg/webhooks: Hands first delivery attempts to the pool
package async
