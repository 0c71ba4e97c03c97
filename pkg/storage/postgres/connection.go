package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/storage"
)

// DBPool hands out connections for writes and for reads that tolerate replica lag
type DBPool interface {
	Primary() *sql.DB
	Replica() *sql.DB
}

// ConnectionManager manages PostgreSQL primary and read replica connections
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32 // Atomic counter for round-robin selection
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConnectionConfigFrom extracts the connection settings of a storage config
func ConnectionConfigFrom(config storage.Config) ConnectionConfig {
	return ConnectionConfig{
		PrimaryURL:  config.PostgresURL,
		ReplicaURLs: config.PostgresReplicaURLs,
		MaxConns:    config.PostgresMaxConns,
		MinConns:    config.PostgresMinConns,
		Timeout:     config.PostgresTimeout,
		MaxLifetime: config.PostgresMaxLifetime,
		MaxIdleTime: config.PostgresMaxIdleTime,
	}
}

// NewConnectionManager creates a new connection manager with primary and replicas.
// Replicas that cannot be reached are skipped; the primary must be reachable.
func NewConnectionManager(config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	cm := &ConnectionManager{
		config:   config,
		replicas: make([]*sql.DB, 0),
		logger:   logger.WithField("component", "postgres"),
	}

	primary, err := cm.open(config.PrimaryURL, config.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary: %w", err)
	}
	cm.primary = primary

	for i, replicaURL := range config.ReplicaURLs {
		// Replicas get a smaller pool than the primary
		replicaMaxConns := config.MaxConns / 2
		if replicaMaxConns < 2 {
			replicaMaxConns = 2
		}
		replica, err := cm.open(replicaURL, replicaMaxConns)
		if err != nil {
			cm.logger.WithError(err).WithField("replica", i).Warn("Skipping unreachable replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	cm.logger.WithField("replicas", len(cm.replicas)).Info("Connection manager initialized")
	return cm, nil
}

func (cm *ConnectionManager) open(url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cm.config.MinConns)
	db.SetConnMaxLifetime(cm.config.MaxLifetime)
	db.SetConnMaxIdleTime(cm.config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.Timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}
	return db, nil
}

// Primary returns the primary database connection (for writes)
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection.
// Falls back to primary if no replicas are available.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}

	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// AllReplicas returns all replica connections
func (cm *ConnectionManager) AllReplicas() []*sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	replicas := make([]*sql.DB, len(cm.replicas))
	copy(replicas, cm.replicas)
	return replicas
}

// HealthCheck checks the health of primary and all replicas.
// It fails only when the primary is down or every replica is.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	replicas := cm.AllReplicas()
	var unhealthy []string
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("replica-%d", i))
		}
	}

	if len(unhealthy) > 0 && len(unhealthy) == len(replicas) {
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(unhealthy, ", "))
	}
	return nil
}

// Stats returns connection pool statistics for primary and replicas
func (cm *ConnectionManager) Stats() ConnectionStats {
	stats := ConnectionStats{
		Primary: cm.primary.Stats(),
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats.Replicas = make([]sql.DBStats, len(cm.replicas))
	for i, replica := range cm.replicas {
		stats.Replicas[i] = replica.Stats()
	}
	return stats
}

// ConnectionStats holds statistics for all database connections
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := make([]*sql.DB, 0, len(cm.replicas))
	removed := 0

	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
		} else {
			healthy = append(healthy, replica)
		}
	}

	cm.replicas = healthy
	return removed
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error

	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close error: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// StartHealthCheckRoutine periodically drops unhealthy replicas and reports pool stats
// until ctx is cancelled. onStats may be nil.
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration, onStats func(sql.DBStats)) {
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer observability.RecoverPanic(cm.logger, "postgres health check routine")

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				removed := cm.RemoveUnhealthyReplicas(checkCtx)
				cancel()

				if removed > 0 {
					cm.logger.WithField("removed", removed).Warn("Removed unhealthy replicas")
				}
				if onStats != nil {
					onStats(cm.primary.Stats())
				}

			case <-ctx.Done():
				return
			}
		}
	}()
}

// ParseReplicaURLs parses a comma-separated list of replica URLs
func ParseReplicaURLs(replicaURLsStr string) []string {
	if replicaURLsStr == "" {
		return nil
	}

	urls := strings.Split(replicaURLsStr, ",")
	result := make([]string, 0, len(urls))

	for _, url := range urls {
		trimmed := strings.TrimSpace(url)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// singleDB serves every read and write from one connection pool
type singleDB struct {
	db *sql.DB
}

// SingleDB wraps one *sql.DB as a DBPool
func SingleDB(db *sql.DB) DBPool {
	return singleDB{db: db}
}

func (s singleDB) Primary() *sql.DB { return s.db }
func (s singleDB) Replica() *sql.DB { return s.db }
