package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/courier/pkg/webhooks"
)

var deliveryColumns = []string{
	"id", "subscription_id", "endpoint_url", "secret", "payload_id", "event_type", "payload_body",
	"status", "attempts", "next_retry_at", "delivered_at",
	"last_response_status", "last_response_body", "last_error",
	"created_at", "updated_at",
}

func columnList(prefix string) string {
	cols := make([]string, len(deliveryColumns))
	for i, c := range deliveryColumns {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

// Store is the PostgreSQL Delivery Store. It also reads subscriptions.
// Every mutation of a delivery record is conditional on status = 'pending'.
type Store struct {
	pool  DBPool
	lease time.Duration
	now   func() time.Time
}

// Option customizes a Store
type Option func(*Store)

// WithLease sets how long an attempt or sweep claim keeps a record out of the sweep
func WithLease(lease time.Duration) Option {
	return func(s *Store) {
		if lease > 0 {
			s.lease = lease
		}
	}
}

// WithClock overrides the time source used for leases
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a store over pool
func NewStore(pool DBPool, opts ...Option) *Store {
	s := &Store{
		pool:  pool,
		lease: webhooks.DefaultAttemptLease,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDeliveryRecord implements webhooks.Store
func (s *Store) CreateDeliveryRecord(ctx context.Context, record *webhooks.DeliveryRecord) (string, error) {
	if record.Status() != webhooks.DeliveryStatusPending {
		return "", fmt.Errorf("new delivery record must be pending, got %s", record.Status())
	}

	query := `
		INSERT INTO webhook_deliveries (` + columnList("") + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := s.pool.Primary().ExecContext(ctx, query,
		record.ID,
		record.SubscriptionID,
		record.EndpointURL,
		record.Secret,
		record.Payload.ID,
		string(record.Payload.EventType),
		record.Payload.Bytes(),
		string(webhooks.DeliveryStatusPending),
		record.Attempts,
		nullTime(record.NextRetryAt()),
		nil,
		nullInt(record.LastResponseStatus),
		nullString(record.LastResponseBody),
		nullString(record.LastError),
		record.CreatedAt.UTC(),
		record.UpdatedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create delivery record: %w", err)
	}
	return record.ID, nil
}

// IncrementAttempts implements webhooks.Store. The update only matches a pending row that still has
// expected attempts, so two attempts can never both claim the same try. The record is leased until
// the attempt can no longer be in flight.
func (s *Store) IncrementAttempts(ctx context.Context, id string, expected int) (int, error) {
	now := s.now().UTC()
	query := `
		UPDATE webhook_deliveries
		SET attempts = attempts + 1, next_retry_at = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending' AND attempts = $4
		RETURNING attempts
	`

	var attempts int
	err := s.pool.Primary().QueryRowContext(ctx, query, id, now.Add(s.lease), now, expected).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.claimLost(ctx, id, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	return attempts, nil
}

// UpdateOnSuccess implements webhooks.Store
func (s *Store) UpdateOnSuccess(ctx context.Context, id string, deliveredAt time.Time, responseStatus int) error {
	query := `
		UPDATE webhook_deliveries
		SET status = 'success', delivered_at = $2, next_retry_at = NULL,
			last_response_status = $3, last_response_body = NULL, last_error = NULL, updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`
	result, err := s.pool.Primary().ExecContext(ctx, query, id, deliveredAt.UTC(), responseStatus)
	if err != nil {
		return fmt.Errorf("failed to update delivery on success: %w", err)
	}
	return s.checkUpdated(ctx, id, result)
}

// UpdateOnFailure implements webhooks.Store
func (s *Store) UpdateOnFailure(ctx context.Context, id string, update webhooks.FailureUpdate) error {
	switch update.FinalStatus {
	case webhooks.DeliveryStatusPending:
		if update.NextRetryAt == nil {
			return fmt.Errorf("pending failure update for %s has no next retry time", id)
		}
	case webhooks.DeliveryStatusFailed:
		update.NextRetryAt = nil
	default:
		return fmt.Errorf("invalid final status for failure update: %q", update.FinalStatus)
	}

	query := `
		UPDATE webhook_deliveries
		SET status = $2, next_retry_at = $3, last_response_status = $4,
			last_response_body = $5, last_error = $6, updated_at = $7
		WHERE id = $1 AND status = 'pending'
	`
	result, err := s.pool.Primary().ExecContext(ctx, query,
		id,
		string(update.FinalStatus),
		nullTime(update.NextRetryAt),
		nullInt(update.ResponseStatus),
		nullString(update.BodyExcerpt),
		nullString(update.Error),
		update.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery on failure: %w", err)
	}
	return s.checkUpdated(ctx, id, result)
}

// FindDueForRetry implements webhooks.Store. Rows are claimed with SKIP LOCKED and leased in the same
// statement, so concurrent sweeps on several instances never receive the same record.
func (s *Store) FindDueForRetry(ctx context.Context, now time.Time, limit int) ([]*webhooks.DeliveryRecord, error) {
	query := `
		WITH due AS (
			SELECT id, next_retry_at
			FROM webhook_deliveries
			WHERE status = 'pending' AND next_retry_at <= $1
			ORDER BY next_retry_at, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_deliveries d
		SET next_retry_at = $3
		FROM due
		WHERE d.id = due.id
		RETURNING ` + columnList("d.") + `, due.next_retry_at
	`

	rows, err := s.pool.Primary().QueryContext(ctx, query, now.UTC(), limit, now.Add(s.lease).UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to claim due deliveries: %w", err)
	}
	defer rows.Close()

	var records []*webhooks.DeliveryRecord
	for rows.Next() {
		var dueAt time.Time
		record, err := scanDelivery(rows, &dueAt)
		if err != nil {
			return nil, err
		}
		// Report the time the record became due rather than the lease
		record.State = webhooks.Pending{NextRetryAt: dueAt}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read due deliveries: %w", err)
	}

	// RETURNING does not preserve the CTE order
	sort.Slice(records, func(i, j int) bool {
		ti, tj := *records[i].NextRetryAt(), *records[j].NextRetryAt()
		if ti.Equal(tj) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return ti.Before(tj)
	})
	return records, nil
}

// UpdateSubscriptionLastTriggered implements webhooks.Store
func (s *Store) UpdateSubscriptionLastTriggered(ctx context.Context, subscriptionIDs []string, at time.Time) error {
	if len(subscriptionIDs) == 0 {
		return nil
	}
	query := `UPDATE webhook_subscriptions SET last_triggered_at = $1 WHERE id = ANY($2)`
	if _, err := s.pool.Primary().ExecContext(ctx, query, at.UTC(), pq.Array(subscriptionIDs)); err != nil {
		return fmt.Errorf("failed to update subscription last triggered: %w", err)
	}
	return nil
}

// GetDeliveryRecord implements webhooks.DeliveryReader
func (s *Store) GetDeliveryRecord(ctx context.Context, id string) (*webhooks.DeliveryRecord, error) {
	query := `SELECT ` + columnList("") + ` FROM webhook_deliveries WHERE id = $1`

	record, err := scanDelivery(s.pool.Replica().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", webhooks.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListDeliveryRecords implements webhooks.DeliveryReader, newest first
func (s *Store) ListDeliveryRecords(ctx context.Context, filter webhooks.DeliveryFilter) ([]*webhooks.DeliveryRecord, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.SubscriptionID != "" {
		args = append(args, filter.SubscriptionID)
		conditions = append(conditions, fmt.Sprintf("subscription_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + columnList("") + ` FROM webhook_deliveries`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Replica().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var records []*webhooks.DeliveryRecord
	for rows.Next() {
		record, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read deliveries: %w", err)
	}
	return records, nil
}

// checkUpdated turns a conditional update that matched nothing into the reason why
func (s *Store) checkUpdated(ctx context.Context, id string, result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return s.notPending(ctx, id)
	}
	return nil
}

// notPending reports whether id is missing or already terminal
func (s *Store) notPending(ctx context.Context, id string) error {
	var status string
	err := s.pool.Primary().QueryRowContext(ctx, `SELECT status FROM webhook_deliveries WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", webhooks.ErrRecordNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load delivery status: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", webhooks.ErrTerminalState, id, status)
}

// claimLost explains why a conditional attempt claim matched no row
func (s *Store) claimLost(ctx context.Context, id string, expected int) error {
	var (
		status   string
		attempts int
	)
	err := s.pool.Primary().QueryRowContext(ctx,
		`SELECT status, attempts FROM webhook_deliveries WHERE id = $1`, id).Scan(&status, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", webhooks.ErrRecordNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load delivery status: %w", err)
	}
	if status != string(webhooks.DeliveryStatusPending) {
		return fmt.Errorf("%w: %s is %s", webhooks.ErrTerminalState, id, status)
	}
	return fmt.Errorf("%w: %s has %d attempts, expected %d", webhooks.ErrAttemptClaimed, id, attempts, expected)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanDelivery reads deliveryColumns followed by any extra destinations
func scanDelivery(row rowScanner, extra ...interface{}) (*webhooks.DeliveryRecord, error) {
	var (
		record         webhooks.DeliveryRecord
		payloadID      string
		eventType      string
		body           []byte
		status         string
		nextRetryAt    sql.NullTime
		deliveredAt    sql.NullTime
		responseStatus sql.NullInt64
		responseBody   sql.NullString
		lastError      sql.NullString
	)

	dest := []interface{}{
		&record.ID, &record.SubscriptionID, &record.EndpointURL, &record.Secret,
		&payloadID, &eventType, &body,
		&status, &record.Attempts, &nextRetryAt, &deliveredAt,
		&responseStatus, &responseBody, &lastError,
		&record.CreatedAt, &record.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan delivery: %w", err)
	}

	payload, err := webhooks.ParsePayload(body)
	if err != nil {
		return nil, fmt.Errorf("delivery %s has a corrupt payload: %w", record.ID, err)
	}
	payload.ID = payloadID
	payload.EventType = webhooks.EventType(eventType)
	record.Payload = payload

	if responseStatus.Valid {
		code := int(responseStatus.Int64)
		record.LastResponseStatus = &code
	}
	record.LastResponseBody = responseBody.String
	record.LastError = lastError.String

	switch webhooks.DeliveryStatus(status) {
	case webhooks.DeliveryStatusPending:
		record.State = webhooks.Pending{NextRetryAt: nextRetryAt.Time}
	case webhooks.DeliveryStatusSuccess:
		record.State = webhooks.Delivered{DeliveredAt: deliveredAt.Time}
	case webhooks.DeliveryStatusFailed:
		record.State = webhooks.Failed{Reason: lastError.String, FailedAt: record.UpdatedAt}
	default:
		return nil, fmt.Errorf("delivery %s has unknown status %q", record.ID, status)
	}
	return &record, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
