package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/storage"
	"github.com/platinummonkey/courier/pkg/storage/postgres"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

// ConfigFileEnv names the optional YAML file loaded before the environment
const ConfigFileEnv = "COURIER_CONFIG_FILE"

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Storage configuration
	Storage storage.Config `yaml:"storage"`

	// Delivery engine configuration
	Delivery DeliveryConfig `yaml:"delivery"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// DeliveryConfig holds the attempt, retry and sweep settings
type DeliveryConfig struct {
	Workers           int             `yaml:"workers"`
	AttemptTimeout    time.Duration   `yaml:"attempt_timeout"`
	TestTimeout       time.Duration   `yaml:"test_timeout"`
	MaxAttempts       int             `yaml:"max_attempts"`
	RetryDelays       []time.Duration `yaml:"retry_delays"`
	ResponseBodyLimit int             `yaml:"response_body_limit"`
	UserAgent         string          `yaml:"user_agent"`

	// The sweep runs inside the service unless a separate courier-sweeper is deployed
	InProcessSweep   bool   `yaml:"in_process_sweep"`
	SweepSchedule    string `yaml:"sweep_schedule"`
	SweepBatchSize   int    `yaml:"sweep_batch_size"`
	SweepConcurrency int    `yaml:"sweep_concurrency"`

	// Endpoint tests allowed per tenant per period
	TestRateLimit  int           `yaml:"test_rate_limit"`
	TestRatePeriod time.Duration `yaml:"test_rate_period"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel string `yaml:"log_level"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTel observability.OTelConfig `yaml:"otel"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	attempter := webhooks.DefaultAttempterConfig()
	sweeper := webhooks.DefaultSweeperConfig()

	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			HealthPort:      "9090",
		},
		Storage: storage.DefaultConfig(),
		Delivery: DeliveryConfig{
			Workers:           10,
			AttemptTimeout:    attempter.Timeout,
			TestTimeout:       attempter.TestTimeout,
			MaxAttempts:       attempter.Retry.MaxAttempts,
			RetryDelays:       attempter.Retry.Delays,
			ResponseBodyLimit: attempter.ResponseBodyLimit,
			UserAgent:         attempter.UserAgent,
			InProcessSweep:    true,
			SweepSchedule:     sweeper.Schedule,
			SweepBatchSize:    sweeper.BatchSize,
			SweepConcurrency:  sweeper.Concurrency,
			TestRateLimit:     10,
			TestRatePeriod:    time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			MetricsEnabled: true,
			OTel: observability.OTelConfig{
				Enabled:        false,
				Endpoint:       "localhost:4317",
				ServiceName:    "courier",
				ServiceVersion: "1.0.0",
				Insecure:       true,
				SampleRatio:    1.0,
			},
		},
	}
}

// LoadConfig loads configuration from defaults, the optional COURIER_CONFIG_FILE and
// COURIER_* environment variables, in increasing precedence
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the file keep their values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.applyServerEnv()
	c.applyStorageEnv()
	c.applyObservabilityEnv()
	return c.applyDeliveryEnv()
}

// applyServerEnv loads server configuration from environment
func (c *Config) applyServerEnv() {
	s := &c.Server
	s.Host = getEnv("COURIER_HOST", s.Host)
	s.Port = getEnv("COURIER_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("COURIER_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("COURIER_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("COURIER_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("COURIER_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.MaxBodyBytes = getEnvInt64("COURIER_MAX_BODY_BYTES", s.MaxBodyBytes)
	s.HealthPort = getEnv("COURIER_HEALTH_PORT", s.HealthPort)
}

// applyStorageEnv loads storage configuration from environment
func (c *Config) applyStorageEnv() {
	s := &c.Storage
	s.Type = getEnv("COURIER_STORAGE_TYPE", s.Type)
	s.MemoryMaxRecords = getEnvInt("COURIER_MEMORY_MAX_RECORDS", s.MemoryMaxRecords)

	// PostgreSQL config
	s.PostgresURL = getEnv("COURIER_POSTGRES_URL", s.PostgresURL)
	if replicaURLs := getEnv("COURIER_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		s.PostgresReplicaURLs = postgres.ParseReplicaURLs(replicaURLs)
	}
	s.PostgresMaxConns = getEnvInt("COURIER_POSTGRES_MAX_CONNS", s.PostgresMaxConns)
	s.PostgresMinConns = getEnvInt("COURIER_POSTGRES_MIN_CONNS", s.PostgresMinConns)
	s.PostgresTimeout = getEnvDuration("COURIER_POSTGRES_TIMEOUT", s.PostgresTimeout)
	s.PostgresMaxLifetime = getEnvDuration("COURIER_POSTGRES_MAX_LIFETIME", s.PostgresMaxLifetime)
	s.PostgresMaxIdleTime = getEnvDuration("COURIER_POSTGRES_MAX_IDLE_TIME", s.PostgresMaxIdleTime)
	s.PostgresMigrate = getEnvBool("COURIER_POSTGRES_MIGRATE", s.PostgresMigrate)

	// Redis config
	s.RedisURL = getEnv("COURIER_REDIS_URL", s.RedisURL)
	s.RedisPassword = getEnv("COURIER_REDIS_PASSWORD", s.RedisPassword)
	s.RedisDB = getEnvInt("COURIER_REDIS_DB", s.RedisDB)
	s.RedisMaxRetries = getEnvInt("COURIER_REDIS_MAX_RETRIES", s.RedisMaxRetries)
	s.RedisPoolSize = getEnvInt("COURIER_REDIS_POOL_SIZE", s.RedisPoolSize)

	// Cache config
	s.CacheEnabled = getEnvBool("COURIER_CACHE_ENABLED", s.CacheEnabled)
	s.CacheTTL = getEnvDuration("COURIER_CACHE_TTL", s.CacheTTL)
	s.L1CacheSize = getEnvInt("COURIER_L1_CACHE_SIZE", s.L1CacheSize)
}

// applyDeliveryEnv loads delivery configuration from environment
func (c *Config) applyDeliveryEnv() error {
	d := &c.Delivery
	d.Workers = getEnvInt("COURIER_WORKERS", d.Workers)
	d.AttemptTimeout = getEnvDuration("COURIER_ATTEMPT_TIMEOUT", d.AttemptTimeout)
	d.TestTimeout = getEnvDuration("COURIER_TEST_TIMEOUT", d.TestTimeout)
	d.MaxAttempts = getEnvInt("COURIER_MAX_ATTEMPTS", d.MaxAttempts)
	d.ResponseBodyLimit = getEnvInt("COURIER_RESPONSE_BODY_LIMIT", d.ResponseBodyLimit)
	d.UserAgent = getEnv("COURIER_USER_AGENT", d.UserAgent)
	d.InProcessSweep = getEnvBool("COURIER_IN_PROCESS_SWEEP", d.InProcessSweep)
	d.SweepSchedule = getEnv("COURIER_SWEEP_SCHEDULE", d.SweepSchedule)
	d.SweepBatchSize = getEnvInt("COURIER_SWEEP_BATCH_SIZE", d.SweepBatchSize)
	d.SweepConcurrency = getEnvInt("COURIER_SWEEP_CONCURRENCY", d.SweepConcurrency)
	d.TestRateLimit = getEnvInt("COURIER_TEST_RATE_LIMIT", d.TestRateLimit)
	d.TestRatePeriod = getEnvDuration("COURIER_TEST_RATE_PERIOD", d.TestRatePeriod)

	delays, err := getEnvDurations("COURIER_RETRY_DELAYS", d.RetryDelays)
	if err != nil {
		return err
	}
	d.RetryDelays = delays
	return nil
}

// applyObservabilityEnv loads observability configuration from environment
func (c *Config) applyObservabilityEnv() {
	o := &c.Observability
	o.LogLevel = getEnv("COURIER_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("COURIER_METRICS_ENABLED", o.MetricsEnabled)
	o.OTel.Enabled = getEnvBool("COURIER_OTEL_ENABLED", o.OTel.Enabled)
	o.OTel.Endpoint = getEnv("COURIER_OTEL_ENDPOINT", o.OTel.Endpoint)
	o.OTel.ServiceName = getEnv("COURIER_OTEL_SERVICE_NAME", o.OTel.ServiceName)
	o.OTel.ServiceVersion = getEnv("COURIER_OTEL_SERVICE_VERSION", o.OTel.ServiceVersion)
	o.OTel.Insecure = getEnvBool("COURIER_OTEL_INSECURE", o.OTel.Insecure)
	o.OTel.SampleRatio = getEnvFloat("COURIER_OTEL_SAMPLE_RATIO", o.OTel.SampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Server.HealthPort == "" {
		return errors.New("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return errors.New("server port and health port must be different")
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	// Validate delivery config
	d := c.Delivery
	if d.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", d.Workers)
	}
	if d.SweepBatchSize <= 0 {
		return fmt.Errorf("sweep batch size must be positive, got %d", d.SweepBatchSize)
	}
	if d.SweepConcurrency <= 0 {
		return fmt.Errorf("sweep concurrency must be positive, got %d", d.SweepConcurrency)
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", d.MaxAttempts)
	}
	if len(d.RetryDelays) == 0 {
		return errors.New("retry delay table must not be empty")
	}
	for i, delay := range d.RetryDelays {
		if delay <= 0 {
			return fmt.Errorf("retry delay %d must be positive, got %s", i, delay)
		}
	}
	if d.AttemptTimeout <= 0 || d.TestTimeout <= 0 {
		return errors.New("attempt and test timeouts must be positive")
	}
	if d.SweepSchedule == "" {
		return errors.New("sweep schedule is required")
	}

	// Validate observability config
	if _, err := observability.ParseLogLevel(c.Observability.LogLevel); err != nil {
		return err
	}
	if c.Observability.OTel.Enabled {
		if c.Observability.OTel.Endpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTel.ServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// LogLevel returns the parsed log level
func (c *Config) LogLevel() observability.LogLevel {
	level, _ := observability.ParseLogLevel(c.Observability.LogLevel)
	return level
}

// AttempterConfig converts the delivery settings for webhooks.NewAttempter
func (d DeliveryConfig) AttempterConfig() webhooks.AttempterConfig {
	return webhooks.AttempterConfig{
		Timeout:           d.AttemptTimeout,
		TestTimeout:       d.TestTimeout,
		UserAgent:         d.UserAgent,
		ResponseBodyLimit: d.ResponseBodyLimit,
		Retry: webhooks.RetryConfig{
			MaxAttempts: d.MaxAttempts,
			Delays:      append([]time.Duration(nil), d.RetryDelays...),
		},
	}
}

// SweeperConfig converts the sweep settings for webhooks.NewSweeper
func (d DeliveryConfig) SweeperConfig() webhooks.SweeperConfig {
	return webhooks.SweeperConfig{
		BatchSize:   d.SweepBatchSize,
		Concurrency: d.SweepConcurrency,
		Schedule:    d.SweepSchedule,
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvDurations parses a comma-separated list of durations. A malformed entry is an
// error rather than a silent default since it changes the retry schedule.
func getEnvDurations(key string, defaultValue []time.Duration) ([]time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}

	var durations []time.Duration
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q in %s: %w", part, key, err)
		}
		durations = append(durations, d)
	}
	return durations, nil
}
