package webhooks

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/courier/pkg/async"
	"github.com/platinummonkey/courier/pkg/observability"
)

// lastTriggeredTimeout bounds the best-effort subscription timestamp update
const lastTriggeredTimeout = 10 * time.Second

// TriggerResult is returned to the event source
type TriggerResult struct {
	MatchedCount int `json:"matched_count"`
}

// Dispatcher turns events into durable delivery records and hands first attempts to a worker pool
type Dispatcher struct {
	matcher   *Matcher
	store     Store
	attempter *Attempter
	pool      *async.WorkerPool
	logger    *observability.Logger
	recorder  Recorder
	now       func() time.Time
}

// DispatcherOption customizes a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherRecorder sets the metrics recorder
func WithDispatcherRecorder(recorder Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.recorder = recorder
	}
}

// WithDispatcherClock overrides the time source
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a new dispatcher. A nil pool disables immediate attempts;
// records then wait for the next sweep.
func NewDispatcher(matcher *Matcher, store Store, attempter *Attempter, pool *async.WorkerPool, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		matcher:   matcher,
		store:     store,
		attempter: attempter,
		pool:      pool,
		logger:    observability.NewLogger(observability.InfoLevel, nil),
		recorder:  nopRecorder{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger records one delivery per matching subscription and schedules the first attempts.
// It returns once every record is written; it never waits on subscriber endpoints.
// Records written before a store failure stay pending and are picked up by the sweep.
func (d *Dispatcher) Trigger(ctx context.Context, event Event) (TriggerResult, error) {
	if event.Type == "" {
		return TriggerResult{}, fmt.Errorf("event type is required")
	}
	if event.TenantID == "" {
		return TriggerResult{}, fmt.Errorf("tenant ID is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now()
	}

	subs, err := d.matcher.Match(ctx, event.TenantID, event.Type)
	if err != nil {
		return TriggerResult{}, err
	}
	if len(subs) == 0 {
		d.recorder.RecordTrigger(ctx, string(event.Type), 0)
		return TriggerResult{MatchedCount: 0}, nil
	}

	logger := d.logger.WithFields(map[string]interface{}{
		"event_type": string(event.Type),
		"tenant_id":  event.TenantID,
	})

	records := make([]*DeliveryRecord, 0, len(subs))
	subscriptionIDs := make([]string, 0, len(subs))
	for _, sub := range subs {
		payload, err := NewPayload(event)
		if err != nil {
			return TriggerResult{MatchedCount: len(records)}, err
		}

		now := d.now()
		record := NewDeliveryRecord(sub, payload, now)
		if _, err := d.store.CreateDeliveryRecord(ctx, record); err != nil {
			logger.WithError(err).
				WithField("subscription_id", sub.ID).
				WithField("written", len(records)).
				Error("Failed to create delivery record")
			d.schedule(records, logger)
			return TriggerResult{MatchedCount: len(records)}, fmt.Errorf("failed to create delivery record for subscription %s: %w", sub.ID, err)
		}
		records = append(records, record)
		subscriptionIDs = append(subscriptionIDs, sub.ID)
	}

	d.schedule(records, logger)

	triggeredAt := d.now()
	async.SafeGo(context.WithoutCancel(ctx), lastTriggeredTimeout, "update subscription last triggered", d.logger, func(ctx context.Context) error {
		return d.store.UpdateSubscriptionLastTriggered(ctx, subscriptionIDs, triggeredAt)
	})

	d.recorder.RecordTrigger(ctx, string(event.Type), len(records))
	logger.WithField("matched_count", len(records)).Debug("Event dispatched")

	return TriggerResult{MatchedCount: len(records)}, nil
}

// schedule hands each record's first attempt to the pool
func (d *Dispatcher) schedule(records []*DeliveryRecord, logger *observability.Logger) {
	if d.pool == nil {
		return
	}
	for _, record := range records {
		record := record
		err := d.pool.Submit(func(ctx context.Context) error {
			_, err := d.attempter.Attempt(ctx, record)
			return err
		})
		if err != nil {
			// The record is durable and due now, so the next sweep attempts it
			logger.WithError(err).
				WithField("delivery_id", record.ID).
				Warn("Could not schedule immediate attempt, leaving it to the sweep")
		}
	}
}
