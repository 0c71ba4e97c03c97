package webhooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store, DeliveryReader and SubscriptionSource.
// It is used in tests and single-node development; nothing survives a restart.
type MemoryStore struct {
	records       map[string]*DeliveryRecord
	subscriptions map[string]Subscription
	mutex         sync.RWMutex
	maxRecords    int
	lease         time.Duration
	now           func() time.Time
}

// NewMemoryStore creates a new memory store.
//
// Retention is a policy of this backend only: once maxRecords is reached the oldest terminal
// records are evicted so a long-running development process stays bounded. Pending records are
// never evicted. The Postgres store never deletes delivery records.
func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = 10000 // Default to 10000 records
	}
	return &MemoryStore{
		records:       make(map[string]*DeliveryRecord),
		subscriptions: make(map[string]Subscription),
		maxRecords:    maxRecords,
		lease:         DefaultAttemptLease,
		now:           time.Now,
	}
}

// PutSubscription adds or replaces a subscription
func (s *MemoryStore) PutSubscription(sub Subscription) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	sub.SubscribedEvents = append([]EventType(nil), sub.SubscribedEvents...)
	s.subscriptions[sub.ID] = sub
}

// DeleteSubscription removes a subscription. Existing delivery records keep their snapshot.
func (s *MemoryStore) DeleteSubscription(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.subscriptions, id)
}

// GetSubscription returns a subscription by ID
func (s *MemoryStore) GetSubscription(id string) (Subscription, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	sub, ok := s.subscriptions[id]
	return sub, ok
}

// ListActiveSubscriptions implements SubscriptionSource
func (s *MemoryStore) ListActiveSubscriptions(ctx context.Context, tenantID string, eventType EventType) ([]Subscription, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []Subscription
	for _, sub := range s.subscriptions {
		if sub.Active && sub.TenantID == tenantID && sub.Watches(eventType) {
			result = append(result, sub)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdateSubscriptionLastTriggered implements Store
func (s *MemoryStore) UpdateSubscriptionLastTriggered(ctx context.Context, subscriptionIDs []string, at time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, id := range subscriptionIDs {
		sub, ok := s.subscriptions[id]
		if !ok {
			continue
		}
		t := at
		sub.LastTriggeredAt = &t
		s.subscriptions[id] = sub
	}
	return nil
}

// CreateDeliveryRecord implements Store
func (s *MemoryStore) CreateDeliveryRecord(ctx context.Context, record *DeliveryRecord) (string, error) {
	if record.ID == "" {
		return "", fmt.Errorf("delivery record has no ID")
	}
	if record.Status() != DeliveryStatusPending {
		return "", fmt.Errorf("new delivery record must be pending, got %s", record.Status())
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return "", fmt.Errorf("delivery record %s already exists", record.ID)
	}
	if len(s.records) >= s.maxRecords {
		s.evictOldest()
	}

	s.records[record.ID] = record.Clone()
	return record.ID, nil
}

// IncrementAttempts implements Store
func (s *MemoryStore) IncrementAttempts(ctx context.Context, id string, expected int) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	record, err := s.pendingLocked(id)
	if err != nil {
		return 0, err
	}
	if record.Attempts != expected {
		return 0, fmt.Errorf("%w: %s has %d attempts, expected %d", ErrAttemptClaimed, id, record.Attempts, expected)
	}
	now := s.now()
	record.Attempts++
	record.State = Pending{NextRetryAt: now.Add(s.lease)}
	record.UpdatedAt = now
	return record.Attempts, nil
}

// UpdateOnSuccess implements Store
func (s *MemoryStore) UpdateOnSuccess(ctx context.Context, id string, deliveredAt time.Time, responseStatus int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	record, err := s.pendingLocked(id)
	if err != nil {
		return err
	}
	code := responseStatus
	record.State = Delivered{DeliveredAt: deliveredAt}
	record.LastResponseStatus = &code
	record.LastResponseBody = ""
	record.LastError = ""
	record.UpdatedAt = deliveredAt
	return nil
}

// UpdateOnFailure implements Store
func (s *MemoryStore) UpdateOnFailure(ctx context.Context, id string, update FailureUpdate) error {
	var next DeliveryState
	switch update.FinalStatus {
	case DeliveryStatusPending:
		if update.NextRetryAt == nil {
			return fmt.Errorf("pending failure update for %s has no next retry time", id)
		}
		next = Pending{NextRetryAt: *update.NextRetryAt}
	case DeliveryStatusFailed:
		next = Failed{Reason: update.Error, FailedAt: update.At}
	default:
		return fmt.Errorf("invalid final status for failure update: %q", update.FinalStatus)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	record, err := s.pendingLocked(id)
	if err != nil {
		return err
	}
	record.State = next
	record.LastResponseStatus = update.ResponseStatus
	record.LastResponseBody = update.BodyExcerpt
	record.LastError = update.Error
	record.UpdatedAt = update.At
	return nil
}

// FindDueForRetry implements Store. Claimed records are leased so a concurrent sweep skips them.
func (s *MemoryStore) FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]*DeliveryRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var due []*DeliveryRecord
	for _, record := range s.records {
		if p, ok := record.State.(Pending); ok && !p.NextRetryAt.After(now) {
			due = append(due, record)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		ti, tj := due[i].State.(Pending).NextRetryAt, due[j].State.(Pending).NextRetryAt
		if ti.Equal(tj) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return ti.Before(tj)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	result := make([]*DeliveryRecord, 0, len(due))
	for _, record := range due {
		result = append(result, record.Clone())
		record.State = Pending{NextRetryAt: now.Add(s.lease)}
	}
	return result, nil
}

// GetDeliveryRecord implements DeliveryReader
func (s *MemoryStore) GetDeliveryRecord(ctx context.Context, id string) (*DeliveryRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.Clone(), nil
}

// ListDeliveryRecords implements DeliveryReader, newest first
func (s *MemoryStore) ListDeliveryRecords(ctx context.Context, filter DeliveryFilter) ([]*DeliveryRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*DeliveryRecord
	for _, record := range s.records {
		if filter.SubscriptionID != "" && record.SubscriptionID != filter.SubscriptionID {
			continue
		}
		if filter.Status != "" && record.Status() != filter.Status {
			continue
		}
		result = append(result, record.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) pendingLocked(id string) (*DeliveryRecord, error) {
	record, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	if record.Status().Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, id, record.Status())
	}
	return record, nil
}

// evictOldest removes the oldest 10% of terminal records
func (s *MemoryStore) evictOldest() {
	terminal := make([]*DeliveryRecord, 0, len(s.records))
	for _, record := range s.records {
		if record.Status().Terminal() {
			terminal = append(terminal, record)
		}
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CreatedAt.Before(terminal[j].CreatedAt)
	})

	toRemove := s.maxRecords / 10
	if toRemove == 0 {
		toRemove = 1
	}
	if toRemove > len(terminal) {
		toRemove = len(terminal)
	}
	for i := 0; i < toRemove; i++ {
		delete(s.records, terminal[i].ID)
	}
}
