// Package engine assembles the delivery engine from configuration.
//
// Both the courier service and the standalone sweeper build their store, subscription
// caches, recorders, attempter and sweeper through New so the two processes always agree
// on retry policy and storage layout.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/courier/pkg/async"
	"github.com/platinummonkey/courier/pkg/config"
	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/storage"
	"github.com/platinummonkey/courier/pkg/storage/cache"
	"github.com/platinummonkey/courier/pkg/storage/postgres"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

// Version is reported by the health endpoints
var Version = "dev"

// store is what every storage backend provides
type store interface {
	webhooks.Store
	webhooks.SubscriptionSource
	webhooks.DeliveryReader
}

// Engine holds the wired delivery components and the resources they own
type Engine struct {
	Config   *config.Config
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Recorder observability.Recorders
	Health   *observability.HealthChecker

	Store         webhooks.Store
	Reader        webhooks.DeliveryReader
	Subscriptions webhooks.SubscriptionSource
	Attempter     *webhooks.Attempter
	Sweeper       *webhooks.Sweeper

	otel  *observability.OTelProviders
	db    *postgres.ConnectionManager
	redis *redis.Client
	l1    *cache.LRUSubscriptionCache
	l2    *cache.RedisSubscriptionCache
}

// New builds an engine. On error every resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (e *Engine, err error) {
	e = &Engine{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Health:   observability.NewHealthChecker(Version),
	}
	defer func() {
		if err != nil {
			e.Close(context.Background())
			e = nil
		}
	}()

	e.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	e.Metrics = observability.NewMetrics(e.Registry)

	e.otel, err = observability.InitOTel(ctx, cfg.Observability.OTel, logger)
	if err != nil {
		return e, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	recorders := []observability.DeliveryRecorder{e.Metrics}
	if e.otel != nil {
		otelMetrics, err := observability.NewOTelMetrics(e.otel.MeterProvider)
		if err != nil {
			return e, fmt.Errorf("failed to create OTel metrics: %w", err)
		}
		recorders = append(recorders, otelMetrics)
	}
	e.Recorder = observability.NewRecorders(recorders...)

	backend, err := e.openStore(ctx)
	if err != nil {
		return e, err
	}
	e.Store = backend
	e.Reader = backend

	e.Subscriptions, err = e.subscriptionSource(ctx, backend)
	if err != nil {
		return e, err
	}

	e.Attempter = webhooks.NewAttempter(backend, cfg.Delivery.AttempterConfig(),
		webhooks.WithAttempterLogger(logger),
		webhooks.WithAttempterRecorder(e.Recorder),
	)
	e.Sweeper = webhooks.NewSweeper(backend, e.Attempter, cfg.Delivery.SweeperConfig(), logger, e.Recorder)

	logger.WithFields(map[string]interface{}{
		"storage":      cfg.Storage.Type,
		"max_attempts": cfg.Delivery.MaxAttempts,
		"schedule":     cfg.Delivery.SweepSchedule,
	}).Info("Delivery engine initialized")
	return e, nil
}

func (e *Engine) openStore(ctx context.Context) (store, error) {
	cfg := e.Config.Storage

	switch cfg.Type {
	case storage.TypeMemory:
		e.Logger.Warn("Using in-memory delivery store; records are lost on restart")
		e.Health.AddCheck("store", true, func(context.Context) error { return nil })
		return webhooks.NewMemoryStore(cfg.MemoryMaxRecords), nil

	case storage.TypePostgres:
		cm, err := postgres.NewConnectionManager(postgres.ConnectionConfigFrom(cfg), e.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		e.db = cm

		if cfg.PostgresMigrate {
			if err := postgres.Migrate(ctx, cm.Primary()); err != nil {
				return nil, err
			}
			e.Logger.Info("Database schema applied")
		}

		e.Health.AddDatabase("postgres", cm.Primary())
		for i, replica := range cm.AllReplicas() {
			e.Health.AddCheck(fmt.Sprintf("postgres-replica-%d", i), false, replica.PingContext)
		}
		return postgres.NewStore(cm), nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// subscriptionSource layers the configured caches over the backend: LRU, then Redis, then the store
func (e *Engine) subscriptionSource(ctx context.Context, backend webhooks.SubscriptionSource) (webhooks.SubscriptionSource, error) {
	cfg := e.Config.Storage
	if !cfg.CacheEnabled {
		return backend, nil
	}

	source := backend
	opts := []cache.Option{cache.WithRecorder(e.Recorder), cache.WithLogger(e.Logger)}

	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		e.redis = client
		e.Health.AddRedis("redis", client)
		e.l2 = cache.NewRedisSubscriptionCache(source, client, cfg.CacheTTL, opts...)
		source = e.l2
	}
	if cfg.L1CacheSize > 0 {
		e.l1 = cache.NewLRUSubscriptionCache(source, cfg.L1CacheSize, cfg.CacheTTL, opts...)
		source = e.l1
	}
	return source, nil
}

// InvalidateSubscriptions drops cached lookups for tenantID so a subscription change, such as a
// deactivation, is matched on the next trigger instead of after the cache TTL. Redis is cleared
// before the in-process cache so the LRU cannot refill from a stale shared entry.
// Other instances keep their own LRU entries until the TTL.
func (e *Engine) InvalidateSubscriptions(ctx context.Context, tenantID string) error {
	if e.l2 != nil {
		if err := e.l2.Invalidate(ctx, tenantID); err != nil {
			return err
		}
	}
	if e.l1 != nil {
		e.l1.Invalidate(tenantID)
	}
	e.Logger.WithField("tenant_id", tenantID).Debug("Subscription cache invalidated")
	return nil
}

// NewWorkerPool starts the pool that runs immediate attempts, reporting its queue depth
func (e *Engine) NewWorkerPool(ctx context.Context) *async.WorkerPool {
	return async.NewWorkerPool(ctx, async.WorkerPoolConfig{
		Workers:  e.Config.Delivery.Workers,
		TaskName: "webhook delivery",
		// Bounded by the lease so a stuck task never outlives its claim
		Timeout:      webhooks.DefaultAttemptLease,
		Logger:       e.Logger,
		OnQueueDepth: e.Recorder.SetQueueDepth,
		OnTaskError:  e.Metrics.RecordTaskError,
	})
}

// NewDispatcher wires a dispatcher to pool. A nil pool leaves every attempt to the sweep.
func (e *Engine) NewDispatcher(pool *async.WorkerPool) *webhooks.Dispatcher {
	return webhooks.NewDispatcher(webhooks.NewMatcher(e.Subscriptions), e.Store, e.Attempter, pool,
		webhooks.WithDispatcherLogger(e.Logger),
		webhooks.WithDispatcherRecorder(e.Recorder),
	)
}

// StartBackground runs the replica health routine that feeds pool stats to the metrics
func (e *Engine) StartBackground(ctx context.Context) {
	if e.db != nil {
		e.db.StartHealthCheckRoutine(ctx, 30*time.Second, e.Metrics.UpdateDBStats)
	}
}

// Close releases OpenTelemetry, Redis and the database, in that order
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if err := observability.ShutdownOTel(ctx, e.otel, e.Logger); err != nil {
		errs = append(errs, err)
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	return errors.Join(errs...)
}
