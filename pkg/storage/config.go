package storage

import (
	"fmt"
	"time"
)

// Backend types
const (
	TypeMemory   = "memory"
	TypePostgres = "postgres"
)

// Config for storage backend
type Config struct {
	Type string `yaml:"type"` // "memory", "postgres"

	// Memory config
	MemoryMaxRecords int `yaml:"memory_max_records"`

	// PostgreSQL config
	PostgresURL         string        `yaml:"postgres_url"`
	PostgresReplicaURLs []string      `yaml:"postgres_replica_urls"`
	PostgresMaxConns    int           `yaml:"postgres_max_conns"`
	PostgresMinConns    int           `yaml:"postgres_min_conns"`
	PostgresTimeout     time.Duration `yaml:"postgres_timeout"`
	PostgresMaxLifetime time.Duration `yaml:"postgres_max_lifetime"`
	PostgresMaxIdleTime time.Duration `yaml:"postgres_max_idle_time"`
	// PostgresMigrate creates the delivery tables at startup when they are missing
	PostgresMigrate bool `yaml:"postgres_migrate"`

	// Redis config
	RedisURL        string `yaml:"redis_url"`
	RedisPassword   string `yaml:"redis_password"`
	RedisDB         int    `yaml:"redis_db"`
	RedisMaxRetries int    `yaml:"redis_max_retries"`
	RedisPoolSize   int    `yaml:"redis_pool_size"`

	// Subscription cache config
	CacheEnabled bool          `yaml:"cache_enabled"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	L1CacheSize  int           `yaml:"l1_cache_size"` // Entries
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:                TypeMemory,
		MemoryMaxRecords:    10000,
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: 1 * time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		CacheEnabled:        true,
		CacheTTL:            30 * time.Second,
		L1CacheSize:         1024,
	}
}

// Validate checks that the selected backend is fully configured
func (c Config) Validate() error {
	switch c.Type {
	case TypeMemory:
	case TypePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres storage requires a postgres URL")
		}
		if c.PostgresMaxConns <= 0 {
			return fmt.Errorf("postgres max conns must be positive")
		}
		if c.PostgresMinConns > c.PostgresMaxConns {
			return fmt.Errorf("postgres min conns (%d) exceeds max conns (%d)", c.PostgresMinConns, c.PostgresMaxConns)
		}
	default:
		return fmt.Errorf("unknown storage type %q (expected %q or %q)", c.Type, TypeMemory, TypePostgres)
	}

	if c.CacheEnabled {
		if c.CacheTTL <= 0 {
			return fmt.Errorf("cache TTL must be positive when caching is enabled")
		}
		if c.L1CacheSize <= 0 && c.RedisURL == "" {
			return fmt.Errorf("caching is enabled but neither an L1 size nor a redis URL is set")
		}
	}
	return nil
}
