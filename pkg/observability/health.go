package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Critical  bool      `json:"critical"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name     string
	check    CheckFunc
	critical bool
}

// HealthChecker aggregates dependency checks.
// A failing critical check makes the service unhealthy; a failing optional check only degrades it.
type HealthChecker struct {
	version string
	mu      sync.RWMutex
	checks  []namedCheck
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version}
}

// AddCheck registers a dependency check
func (h *HealthChecker) AddCheck(name string, critical bool, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, check: check, critical: critical})
}

// AddDatabase registers a PostgreSQL check. The database is critical: without it no record can be written.
func (h *HealthChecker) AddDatabase(name string, db *sql.DB) {
	h.AddCheck(name, true, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		var one int
		return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
}

// AddRedis registers a Redis check. Redis only backs the subscription cache, so it is optional.
func (h *HealthChecker) AddRedis(name string, client *redis.Client) {
	h.AddCheck(name, false, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// Check runs every registered check concurrently
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(checks)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range checks {
		wg.Add(1)
		go func(c namedCheck) {
			defer wg.Done()
			dep := runCheck(ctx, c)
			mu.Lock()
			status.Dependencies[c.name] = dep
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	names := make([]string, 0, len(status.Dependencies))
	for name := range status.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dep := status.Dependencies[name]
		if dep.Status != StatusUnhealthy {
			continue
		}
		if dep.Critical {
			status.Status = StatusUnhealthy
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	return status
}

func runCheck(ctx context.Context, c namedCheck) (dep DependencyStatus) {
	start := time.Now()
	dep = DependencyStatus{
		Status:    StatusHealthy,
		Critical:  c.critical,
		Timestamp: start,
	}
	defer func() {
		if r := recover(); r != nil {
			dep.Status = StatusUnhealthy
			dep.Message = MustRecover(r).Error()
		}
		dep.LatencyMS = time.Since(start).Milliseconds()
	}()

	if err := c.check(ctx); err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = err.Error()
	}
	return dep
}

// Liveness returns a simple liveness probe (always returns 200 if server is running)
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness returns a readiness probe (checks all dependencies)
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")

	// Return 503 if unhealthy, 200 if healthy or degraded
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(status)
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(r *mux.Router, checker *HealthChecker) {
	r.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	r.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
}
