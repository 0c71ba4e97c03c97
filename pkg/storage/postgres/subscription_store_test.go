package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/courier/pkg/webhooks"
)

var subscriptionColumns = []string{"id", "tenant_id", "endpoint_url", "secret", "subscribed_events", "active", "last_triggered_at"}

func TestStore_ListActiveSubscriptions(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("$2 = ANY(subscribed_events)")).
		WithArgs("org-1", "member.joined").
		WillReturnRows(sqlmock.NewRows(subscriptionColumns).
			AddRow("sub-1", "org-1", "https://a.example.com", "whsec-1", []byte("{member.joined,member.left}"), true, nil).
			AddRow("sub-2", "org-1", "https://b.example.com", "whsec-2", []byte("{member.joined}"), true, storeEpoch))

	subs, err := store.ListActiveSubscriptions(context.Background(), "org-1", webhooks.EventMemberJoined)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	assert.Equal(t, webhooks.Subscription{
		ID:               "sub-1",
		TenantID:         "org-1",
		EndpointURL:      "https://a.example.com",
		Secret:           "whsec-1",
		SubscribedEvents: []webhooks.EventType{webhooks.EventMemberJoined, webhooks.EventMemberLeft},
		Active:           true,
	}, subs[0])
	require.NotNil(t, subs[1].LastTriggeredAt)
	assert.True(t, subs[1].LastTriggeredAt.Equal(storeEpoch))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListActiveSubscriptions_Error(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM webhook_subscriptions").WillReturnError(errors.New("replica lagging"))

	_, err := store.ListActiveSubscriptions(context.Background(), "org-1", webhooks.EventMemberJoined)
	assert.ErrorContains(t, err, "failed to list subscriptions")
}

func TestStore_UpsertSubscription(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO UPDATE")).
		WithArgs("sub-1", "org-1", "https://a.example.com", "whsec-1", `{"member.joined","course.completed"}`, true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertSubscription(context.Background(), webhooks.Subscription{
		ID:               "sub-1",
		TenantID:         "org-1",
		EndpointURL:      "https://a.example.com",
		Secret:           "whsec-1",
		SubscribedEvents: []webhooks.EventType{webhooks.EventMemberJoined, webhooks.EventCourseCompleted},
		Active:           true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
