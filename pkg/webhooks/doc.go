// Package webhooks delivers platform events to subscriber HTTP endpoints.
//
// # Overview
//
// An Event is matched against the tenant's active subscriptions. For every match the
// Dispatcher writes a pending DeliveryRecord and hands the first attempt to a worker
// pool, so Trigger returns as soon as the records are durable. The Sweeper re-attempts
// records whose retry time has passed.
//
// Each attempt POSTs the payload's canonical bytes with an HMAC-SHA256 signature in
// X-Webhook-Signature. A 2xx response delivers the record; anything else schedules a
// retry from a fixed table (1m, 5m, 30m) until three attempts have been made.
//
// # Usage Example
//
//	store := webhooks.NewMemoryStore(0)
//	attempter := webhooks.NewAttempter(store, webhooks.DefaultAttempterConfig())
//	pool := async.NewWorkerPool(ctx, async.WorkerPoolConfig{Workers: 8, TaskName: "webhook attempt"})
//	dispatcher := webhooks.NewDispatcher(webhooks.NewMatcher(store), store, attempter, pool)
//
//	result, err := dispatcher.Trigger(ctx, webhooks.Event{
//		Type:     webhooks.EventMemberJoined,
//		TenantID: "org-1",
//		Data:     map[string]interface{}{"member_id": "m-1"},
//	})
//
// Verify a delivery on the receiving side:
//
//	ok := webhooks.VerifySignature(body, r.Header.Get(webhooks.HeaderSignature), secret)
//
// # Delivery Guarantees
//
// Delivery is at-least-once. Receivers should deduplicate on X-Webhook-Id, which is
// stable across retries of the same record. Success and failed are terminal.
package webhooks
