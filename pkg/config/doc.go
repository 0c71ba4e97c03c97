// Package config provides application configuration management from environment variables.
//
// # Overview
//
// Configuration starts from DefaultConfig, is overlaid by an optional YAML file named by
// COURIER_CONFIG_FILE, and finally by COURIER_* environment variables. The result is
// validated before it is returned.
//
// # Configuration Structure
//
// Server settings:
//
//	COURIER_HOST="0.0.0.0"
//	COURIER_PORT="8080"
//	COURIER_HEALTH_PORT="9090"
//	COURIER_READ_TIMEOUT="15s"
//
// Storage settings:
//
//	COURIER_STORAGE_TYPE="postgres"  # memory, postgres
//	COURIER_POSTGRES_URL="postgres://localhost/courier"
//	COURIER_POSTGRES_REPLICA_URLS="postgres://replica1/courier,postgres://replica2/courier"
//	COURIER_POSTGRES_MIGRATE="true"
//
// Subscription cache settings:
//
//	COURIER_CACHE_ENABLED="true"
//	COURIER_CACHE_TTL="30s"
//	COURIER_L1_CACHE_SIZE="1024"
//	COURIER_REDIS_URL="redis://localhost:6379"
//
// Delivery settings:
//
//	COURIER_WORKERS="10"
//	COURIER_ATTEMPT_TIMEOUT="30s"
//	COURIER_MAX_ATTEMPTS="3"
//	COURIER_RETRY_DELAYS="60s,300s,1800s"
//	COURIER_SWEEP_SCHEDULE="@every 60s"
//	COURIER_IN_PROCESS_SWEEP="true"
//
// Observability settings:
//
//	COURIER_LOG_LEVEL="info"  # debug, info, warn, error
//	COURIER_METRICS_ENABLED="true"
//	COURIER_OTEL_ENABLED="true"
//	COURIER_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	attempter := webhooks.NewAttempter(store, cfg.Delivery.AttempterConfig())
//	sweeper := webhooks.NewSweeper(store, attempter, cfg.Delivery.SweeperConfig(), logger, metrics)
package config
