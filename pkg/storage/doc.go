// Package storage configures the persistence backends behind the delivery engine.
//
// # Backends
//
// memory: webhooks.MemoryStore keeps records in process. Nothing survives a restart,
// so it is only suitable for development and tests.
//
// postgres: storage/postgres stores delivery records and reads subscriptions from
// PostgreSQL. Reads for the operator API can be spread over read replicas.
//
//	config := storage.Config{
//		Type:             storage.TypePostgres,
//		PostgresURL:      "postgres://localhost/courier?sslmode=disable",
//		PostgresMaxConns: 20,
//	}
//
// # Subscription Caching
//
// Matching reads the tenant's active subscriptions on every trigger. storage/cache puts
// an in-process LRU (L1) and optionally Redis (L2) in front of the source. Entries live for
// CacheTTL, so subscription changes are picked up within that window.
package storage
