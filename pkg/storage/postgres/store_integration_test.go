//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/courier/pkg/webhooks"
)

// setupPostgres starts a disposable PostgreSQL container with the schema applied
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("courier_test"),
		postgres.WithUsername("courier"),
		postgres.WithPassword("courier_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		// Fresh context; the test context may already be cancelled
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cm, err := NewConnectionManager(ConnectionConfig{
		PrimaryURL:  connStr,
		MaxConns:    10,
		MinConns:    2,
		MaxLifetime: time.Hour,
		MaxIdleTime: 10 * time.Minute,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })

	require.NoError(t, Migrate(ctx, cm.Primary()))
	// Applying the schema twice is harmless
	require.NoError(t, Migrate(ctx, cm.Primary()))
	return cm.Primary()
}

func TestIntegration_DeliveryLifecycle(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	store := NewStore(SingleDB(db), WithClock(func() time.Time { return now }))

	sub := webhooks.Subscription{
		ID:               "sub-1",
		TenantID:         "org-1",
		EndpointURL:      "https://hooks.example.com",
		Secret:           "whsec",
		SubscribedEvents: []webhooks.EventType{webhooks.EventMemberJoined},
		Active:           true,
	}
	require.NoError(t, store.UpsertSubscription(ctx, sub))
	require.NoError(t, store.UpsertSubscription(ctx, webhooks.Subscription{
		ID: "sub-2", TenantID: "org-1", EndpointURL: "https://other.example.com",
		SubscribedEvents: []webhooks.EventType{webhooks.EventMemberJoined}, Active: false,
	}))

	subs, err := store.ListActiveSubscriptions(ctx, "org-1", webhooks.EventMemberJoined)
	require.NoError(t, err)
	require.Len(t, subs, 1, "inactive subscriptions are skipped")
	assert.Equal(t, "whsec", subs[0].Secret)

	none, err := store.ListActiveSubscriptions(ctx, "org-1", webhooks.EventCourseEnrolled)
	require.NoError(t, err)
	assert.Empty(t, none)

	payload, err := webhooks.NewPayload(webhooks.Event{
		Type:       webhooks.EventMemberJoined,
		TenantID:   "org-1",
		OccurredAt: now,
		Data:       map[string]interface{}{"member_id": "m-1"},
	})
	require.NoError(t, err)
	record := webhooks.NewDeliveryRecord(subs[0], payload, now)
	_, err = store.CreateDeliveryRecord(ctx, record)
	require.NoError(t, err)

	attempts, err := store.IncrementAttempts(ctx, record.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	// A stale copy cannot consume the same attempt again
	_, err = store.IncrementAttempts(ctx, record.ID, 0)
	assert.ErrorIs(t, err, webhooks.ErrAttemptClaimed)

	// Leased while the attempt is in flight
	due, err := store.FindDueForRetry(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	retryAt := now.Add(time.Minute)
	code := 500
	require.NoError(t, store.UpdateOnFailure(ctx, record.ID, webhooks.FailureUpdate{
		ResponseStatus: &code,
		BodyExcerpt:    "oops",
		Error:          "HTTP 500",
		NextRetryAt:    &retryAt,
		FinalStatus:    webhooks.DeliveryStatusPending,
		At:             now,
	}))

	due, err = store.FindDueForRetry(ctx, retryAt, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, payload.Bytes(), due[0].Payload.Bytes(), "stored bytes are unchanged")
	assert.Equal(t, 1, due[0].Attempts)
	assert.Equal(t, "oops", due[0].LastResponseBody)

	require.NoError(t, store.UpdateOnSuccess(ctx, record.ID, retryAt, 204))

	got, err := store.GetDeliveryRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, webhooks.DeliveryStatusSuccess, got.Status())
	assert.Empty(t, got.LastError)

	_, err = store.IncrementAttempts(ctx, record.ID, 1)
	assert.ErrorIs(t, err, webhooks.ErrTerminalState)
	err = store.UpdateOnFailure(ctx, record.ID, webhooks.FailureUpdate{FinalStatus: webhooks.DeliveryStatusFailed, At: now})
	assert.ErrorIs(t, err, webhooks.ErrTerminalState)

	require.NoError(t, store.UpdateSubscriptionLastTriggered(ctx, []string{"sub-1"}, now))
	subs, err = store.ListActiveSubscriptions(ctx, "org-1", webhooks.EventMemberJoined)
	require.NoError(t, err)
	require.NotNil(t, subs[0].LastTriggeredAt)

	listed, err := store.ListDeliveryRecords(ctx, webhooks.DeliveryFilter{SubscriptionID: "sub-1", Status: webhooks.DeliveryStatusSuccess})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestIntegration_ConcurrentClaims(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	store := NewStore(SingleDB(db))

	sub := webhooks.Subscription{ID: "sub-1", TenantID: "org-1", EndpointURL: "https://hooks.example.com", Secret: "whsec"}
	for i := 0; i < 40; i++ {
		payload, err := webhooks.NewPayload(webhooks.Event{Type: webhooks.EventMemberJoined, TenantID: "org-1", OccurredAt: now})
		require.NoError(t, err)
		_, err = store.CreateDeliveryRecord(ctx, webhooks.NewDeliveryRecord(sub, payload, now.Add(-time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			records, err := store.FindDueForRetry(ctx, now, 15)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, r := range records {
				claimed[r.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 40)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "record %s claimed more than once", id)
	}
}
