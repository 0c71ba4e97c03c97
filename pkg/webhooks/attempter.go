package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/courier/pkg/observability"
)

const (
	// DefaultAttemptTimeout bounds one delivery request end to end
	DefaultAttemptTimeout = 30 * time.Second
	// DefaultTestTimeout bounds an endpoint test request
	DefaultTestTimeout = 10 * time.Second
	// DefaultResponseBodyLimit is the number of response bytes kept for diagnostics
	DefaultResponseBodyLimit = 5000
	// DefaultAttemptLease keeps an in-flight record out of the sweep; it must exceed the attempt timeout
	DefaultAttemptLease = 2 * time.Minute

	tracerName = "github.com/platinummonkey/courier/pkg/webhooks"
)

// AttemptOutcome classifies a delivery attempt
type AttemptOutcome int

const (
	OutcomeSuccess AttemptOutcome = iota
	OutcomeRetryableFailure
	OutcomePermanentFailure
	// OutcomeSkipped means another attempt already claimed the record; nothing was sent
	OutcomeSkipped
)

func (o AttemptOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryableFailure:
		return "retryable_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	case OutcomeSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// AttempterConfig configures delivery requests
type AttempterConfig struct {
	Timeout           time.Duration
	TestTimeout       time.Duration
	UserAgent         string
	ResponseBodyLimit int
	Retry             RetryConfig
}

// DefaultAttempterConfig returns the default attempter configuration
func DefaultAttempterConfig() AttempterConfig {
	return AttempterConfig{
		Timeout:           DefaultAttemptTimeout,
		TestTimeout:       DefaultTestTimeout,
		UserAgent:         DefaultUserAgent,
		ResponseBodyLimit: DefaultResponseBodyLimit,
		Retry:             DefaultRetryConfig(),
	}
}

// Attempter performs single delivery attempts and records their outcome
type Attempter struct {
	store    Store
	client   *http.Client
	policy   *RetryPolicy
	config   AttempterConfig
	logger   *observability.Logger
	recorder Recorder
	tracer   trace.Tracer
	now      func() time.Time
}

// AttempterOption customizes an Attempter
type AttempterOption func(*Attempter)

// WithHTTPClient replaces the outbound HTTP client
func WithHTTPClient(client *http.Client) AttempterOption {
	return func(a *Attempter) {
		a.client = client
	}
}

// WithAttempterLogger sets the logger
func WithAttempterLogger(logger *observability.Logger) AttempterOption {
	return func(a *Attempter) {
		a.logger = logger
	}
}

// WithAttempterRecorder sets the metrics recorder
func WithAttempterRecorder(recorder Recorder) AttempterOption {
	return func(a *Attempter) {
		a.recorder = recorder
	}
}

// WithAttempterClock overrides the time source
func WithAttempterClock(now func() time.Time) AttempterOption {
	return func(a *Attempter) {
		a.now = now
	}
}

// WithTracerProvider sets the tracer provider used for attempt spans
func WithTracerProvider(tp trace.TracerProvider) AttempterOption {
	return func(a *Attempter) {
		a.tracer = tp.Tracer(tracerName)
	}
}

// NewDeliveryHTTPClient returns a traced client that does not follow redirects.
// Timeouts are applied per request.
func NewDeliveryHTTPClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NewAttempter creates a new attempter
func NewAttempter(store Store, config AttempterConfig, opts ...AttempterOption) *Attempter {
	defaults := DefaultAttempterConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.TestTimeout <= 0 {
		config.TestTimeout = defaults.TestTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.ResponseBodyLimit <= 0 {
		config.ResponseBodyLimit = defaults.ResponseBodyLimit
	}

	a := &Attempter{
		store:    store,
		client:   NewDeliveryHTTPClient(),
		policy:   NewRetryPolicy(config.Retry),
		config:   config,
		logger:   observability.NewLogger(observability.InfoLevel, nil),
		recorder: nopRecorder{},
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Policy returns the retry policy used after failures
func (a *Attempter) Policy() *RetryPolicy {
	return a.policy
}

// Attempt makes one delivery attempt for record and persists the result.
// Delivery failures are reported through the outcome; an error is returned only when
// the store fails or record is already terminal. A stale record whose attempt was claimed
// elsewhere yields OutcomeSkipped without sending. record is updated in place.
func (a *Attempter) Attempt(ctx context.Context, record *DeliveryRecord) (AttemptOutcome, error) {
	if record.EndpointURL == "" {
		panic(fmt.Sprintf("webhooks: delivery record %s has no endpoint URL", record.ID))
	}
	if len(record.Payload.Body) == 0 {
		panic(fmt.Sprintf("webhooks: delivery record %s has no payload bytes", record.ID))
	}
	if record.Status().Terminal() {
		return 0, fmt.Errorf("%w: %s is %s", ErrTerminalState, record.ID, record.Status())
	}

	ctx, span := a.tracer.Start(ctx, "webhooks.attempt", trace.WithAttributes(
		attribute.String("webhook.delivery_id", record.ID),
		attribute.String("webhook.subscription_id", record.SubscriptionID),
		attribute.String("webhook.event_type", string(record.Payload.EventType)),
		attribute.String("webhook.payload_id", record.Payload.ID),
	))
	defer span.End()

	logger := a.logger.WithFields(map[string]interface{}{
		"delivery_id":     record.ID,
		"subscription_id": record.SubscriptionID,
		"event_type":      string(record.Payload.EventType),
	})
	eventType := string(record.Payload.EventType)

	// A crash after consuming the final attempt leaves a pending record with no tries left
	if !a.policy.ShouldRetry(record.Attempts) {
		outcome, err := a.recordFailure(ctx, record, sendResult{err: errors.New("retry limit reached")}, logger)
		span.SetStatus(codes.Error, "retry limit reached")
		return outcome, err
	}

	attempts, err := a.store.IncrementAttempts(ctx, record.ID, record.Attempts)
	if errors.Is(err, ErrAttemptClaimed) || errors.Is(err, ErrTerminalState) {
		a.recorder.RecordAttempt(ctx, eventType, OutcomeLabelSkipped, 0)
		logger.WithField("attempt", record.Attempts+1).WithError(err).Debug("Webhook attempt already claimed, skipping")
		span.SetAttributes(attribute.Bool("webhook.skipped", true))
		return OutcomeSkipped, nil
	}
	if err != nil {
		a.recorder.RecordAttempt(ctx, eventType, OutcomeLabelStoreFail, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "increment attempts failed")
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	record.Attempts = attempts
	span.SetAttributes(attribute.Int("webhook.attempt", attempts))

	signature := Sign(record.Payload.Bytes(), record.Secret)

	start := time.Now()
	result := a.send(ctx, record.EndpointURL, record.Payload, signature, a.config.Timeout, false)
	duration := time.Since(start)

	if result.statusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", result.statusCode))
	}

	if result.ok() {
		now := a.now()
		if err := a.store.UpdateOnSuccess(ctx, record.ID, now, result.statusCode); err != nil {
			a.recorder.RecordAttempt(ctx, eventType, OutcomeLabelStoreFail, duration)
			span.RecordError(err)
			return OutcomeSuccess, fmt.Errorf("failed to record successful delivery: %w", err)
		}
		code := result.statusCode
		record.LastResponseStatus = &code
		record.LastResponseBody = ""
		record.LastError = ""
		if err := record.Transition(Delivered{DeliveredAt: now}, now); err != nil {
			return OutcomeSuccess, err
		}

		a.recorder.RecordAttempt(ctx, eventType, OutcomeLabelSuccess, duration)
		logger.WithField("attempt", attempts).
			WithField("status_code", result.statusCode).
			Debug("Webhook delivered")
		span.SetStatus(codes.Ok, "")
		return OutcomeSuccess, nil
	}

	outcome, err := a.recordFailure(ctx, record, result, logger)
	label := OutcomeLabelRetry
	if outcome == OutcomePermanentFailure {
		label = OutcomeLabelGiveUp
	}
	a.recorder.RecordAttempt(ctx, eventType, label, duration)
	span.SetStatus(codes.Error, result.message())
	return outcome, err
}

// recordFailure asks the retry policy what happens next and persists the decision
func (a *Attempter) recordFailure(ctx context.Context, record *DeliveryRecord, result sendResult, logger *observability.Logger) (AttemptOutcome, error) {
	now := a.now()
	decision := a.policy.Decide(record, now)

	update := FailureUpdate{
		BodyExcerpt: result.body,
		Error:       result.message(),
		At:          now,
	}
	if result.statusCode != 0 {
		code := result.statusCode
		update.ResponseStatus = &code
	}

	outcome := OutcomeRetryableFailure
	var next DeliveryState
	if decision.GiveUp {
		outcome = OutcomePermanentFailure
		update.FinalStatus = DeliveryStatusFailed
		next = Failed{Reason: update.Error, FailedAt: now}
	} else {
		retryAt := decision.RetryAt
		update.FinalStatus = DeliveryStatusPending
		update.NextRetryAt = &retryAt
		next = Pending{NextRetryAt: retryAt}
	}

	if err := a.store.UpdateOnFailure(ctx, record.ID, update); err != nil {
		return outcome, fmt.Errorf("failed to record failed delivery: %w", err)
	}

	record.LastResponseStatus = update.ResponseStatus
	record.LastResponseBody = update.BodyExcerpt
	record.LastError = update.Error
	if err := record.Transition(next, now); err != nil {
		return outcome, err
	}

	entry := logger.WithField("attempt", record.Attempts).WithField("error", update.Error)
	if update.ResponseStatus != nil {
		entry = entry.WithField("status_code", *update.ResponseStatus)
	}
	if decision.GiveUp {
		entry.Error("Webhook delivery failed permanently")
	} else {
		entry.WithField("next_retry_at", decision.RetryAt).Warn("Webhook delivery failed, retry scheduled")
	}
	return outcome, nil
}

// sendResult is the raw result of one HTTP request
type sendResult struct {
	statusCode int
	body       string
	err        error
}

func (r sendResult) ok() bool {
	return r.err == nil && r.statusCode >= 200 && r.statusCode < 300
}

func (r sendResult) message() string {
	if r.err != nil {
		return r.err.Error()
	}
	if !r.ok() {
		return fmt.Sprintf("webhook returned non-2xx status: %d", r.statusCode)
	}
	return ""
}

// send posts the payload bytes once; it never retries
func (a *Attempter) send(ctx context.Context, url string, payload Payload, signature string, timeout time.Duration, test bool) sendResult {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload.Bytes()))
	if err != nil {
		return sendResult{err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", a.config.UserAgent)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderID, payload.ID)
	req.Header.Set(HeaderEvent, string(payload.EventType))
	if test {
		req.Header.Set(HeaderTest, "true")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return sendResult{err: fmt.Errorf("webhook request timed out after %s", timeout)}
		}
		return sendResult{err: fmt.Errorf("failed to send webhook: %w", err)}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(a.config.ResponseBodyLimit)))
	// Drain a bounded amount so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	result := sendResult{
		statusCode: resp.StatusCode,
		body:       sanitizeExcerpt(body),
	}
	if readErr != nil && !result.ok() {
		result.err = fmt.Errorf("webhook returned status %d, reading body failed: %w", resp.StatusCode, readErr)
	}
	return result
}

// sanitizeExcerpt makes a truncated body safe to store as text
func sanitizeExcerpt(body []byte) string {
	s := strings.ToValidUTF8(string(body), "")
	return strings.ReplaceAll(s, "\x00", "")
}
