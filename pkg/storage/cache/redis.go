package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/storage"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

const redisKeyPrefix = "courier:subscriptions:"

// NewRedisClient creates a Redis client from the storage config and checks connectivity
func NewRedisClient(ctx context.Context, config storage.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Override with config values if provided
	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB > 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisMaxRetries > 0 {
		opts.MaxRetries = config.RedisMaxRetries
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisSubscriptionCache shares subscription lookups between engine instances.
// Redis failures are logged and the lookup falls through to the source.
type RedisSubscriptionCache struct {
	source   webhooks.SubscriptionSource
	client   *redis.Client
	ttl      time.Duration
	recorder Recorder
	logger   *observability.Logger
	counters counters
}

// NewRedisSubscriptionCache caches lookups in Redis for ttl
func NewRedisSubscriptionCache(source webhooks.SubscriptionSource, client *redis.Client, ttl time.Duration, opts ...Option) *RedisSubscriptionCache {
	o := newOptions(opts)
	return &RedisSubscriptionCache{
		source:   source,
		client:   client,
		ttl:      ttl,
		recorder: o.recorder,
		logger:   o.logger.WithField("component", "subscription_cache"),
	}
}

// ListActiveSubscriptions implements webhooks.SubscriptionSource
func (c *RedisSubscriptionCache) ListActiveSubscriptions(ctx context.Context, tenantID string, eventType webhooks.EventType) ([]webhooks.Subscription, error) {
	key := redisKeyPrefix + cacheKey(tenantID, eventType)

	if subs, ok := c.get(ctx, key); ok {
		c.counters.hits.Add(1)
		c.recorder.RecordCacheHit(ctx, TypeL2)
		return subs, nil
	}
	c.counters.misses.Add(1)
	c.recorder.RecordCacheMiss(ctx, TypeL2)

	subs, err := c.source.ListActiveSubscriptions(ctx, tenantID, eventType)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(subs)
	if err == nil {
		err = c.client.Set(ctx, key, data, c.ttl).Err()
	}
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Failed to cache subscriptions")
	}
	return subs, nil
}

func (c *RedisSubscriptionCache) get(ctx context.Context, key string) ([]webhooks.Subscription, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Subscription cache read failed")
		return nil, false
	}

	var subs []webhooks.Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		// Drop corrupt data so the next lookup repopulates it
		c.client.Del(ctx, key)
		return nil, false
	}
	return subs, true
}

// Invalidate removes every cached lookup for tenantID
func (c *RedisSubscriptionCache) Invalidate(ctx context.Context, tenantID string) error {
	pattern := redisKeyPrefix + tenantID + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
	}
	return nil
}

// Stats returns cache statistics; ItemCount is not tracked for Redis
func (c *RedisSubscriptionCache) Stats() Stats {
	return c.counters.stats(0)
}
