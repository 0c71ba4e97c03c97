package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_NoChecks(t *testing.T) {
	status := NewHealthChecker("v1").Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "v1", status.Version)
	assert.Empty(t, status.Dependencies)
}

func TestHealthChecker_Database(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	checker := NewHealthChecker("v1")
	checker.AddDatabase("postgres", db)

	status := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["postgres"].Status)
	assert.True(t, status.Dependencies["postgres"].Critical)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_DatabaseDown(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	checker := NewHealthChecker("v1")
	checker.AddDatabase("postgres", db)

	status := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "connection refused", status.Dependencies["postgres"].Message)
}

func TestHealthChecker_RedisDownDegrades(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewHealthChecker("v1")
	checker.AddRedis("redis", client)

	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	mr.Close()
	status := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)
	assert.False(t, status.Dependencies["redis"].Critical)
}

func TestHealthChecker_PanickingCheck(t *testing.T) {
	checker := NewHealthChecker("v1")
	checker.AddCheck("queue", true, func(ctx context.Context) error {
		panic("nil pool")
	})

	status := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Dependencies["queue"].Message, "nil pool")
}

func TestHealthRoutes(t *testing.T) {
	checker := NewHealthChecker("v1")
	checker.AddCheck("store", true, func(ctx context.Context) error { return errors.New("down") })

	r := mux.NewRouter()
	RegisterHealthRoutes(r, checker)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, "down", status.Dependencies["store"].Message)
}
