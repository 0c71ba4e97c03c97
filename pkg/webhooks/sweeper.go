package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/courier/pkg/observability"
)

const (
	// DefaultSweepBatchSize bounds the records attempted per sweep
	DefaultSweepBatchSize = 100
	// DefaultSweepConcurrency bounds concurrent attempts within one sweep
	DefaultSweepConcurrency = 10
	// DefaultSweepSchedule runs the sweep once a minute
	DefaultSweepSchedule = "@every 60s"
)

// SweeperConfig configures the retry sweep
type SweeperConfig struct {
	BatchSize   int    `json:"batch_size" yaml:"batch_size"`
	Concurrency int    `json:"concurrency" yaml:"concurrency"`
	Schedule    string `json:"schedule" yaml:"schedule"`
}

// DefaultSweeperConfig returns the default sweep configuration
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		BatchSize:   DefaultSweepBatchSize,
		Concurrency: DefaultSweepConcurrency,
		Schedule:    DefaultSweepSchedule,
	}
}

// Sweeper re-attempts records whose retry time has passed
type Sweeper struct {
	store     Store
	attempter *Attempter
	config    SweeperConfig
	logger    *observability.Logger
	recorder  Recorder
}

// NewSweeper creates a new sweeper
func NewSweeper(store Store, attempter *Attempter, config SweeperConfig, logger *observability.Logger, recorder Recorder) *Sweeper {
	defaults := DefaultSweeperConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Sweeper{
		store:     store,
		attempter: attempter,
		config:    config,
		logger:    logger.WithField("component", "sweeper"),
		recorder:  recorder,
	}
}

// SweepDue attempts every claimed record that is due at now and returns them in their updated state.
// A failed attempt does not stop the sweep; store errors are joined into the returned error.
func (s *Sweeper) SweepDue(ctx context.Context, now time.Time) ([]*DeliveryRecord, error) {
	records, err := s.store.FindDueForRetry(ctx, now, s.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to find records due for retry: %w", err)
	}
	s.recorder.RecordSweep(ctx, len(records))
	if len(records) == 0 {
		return nil, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)

	// Attempt errors are collected rather than returned so one bad record does not cancel the rest
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.config.Concurrency)

	for _, record := range records {
		record := record
		eg.Go(func() error {
			_, err := s.attempter.Attempt(egCtx, record)
			switch {
			case err == nil:
			case errors.Is(err, ErrTerminalState):
				s.logger.WithField("delivery_id", record.ID).Debug("Skipping terminal record")
			default:
				mu.Lock()
				errs = append(errs, fmt.Errorf("delivery %s: %w", record.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	s.logger.WithFields(map[string]interface{}{
		"records": len(records),
		"errors":  len(errs),
	}).Info("Retry sweep completed")

	return records, errors.Join(errs...)
}

// Register schedules the sweep on c. Overlapping runs are skipped.
func (s *Sweeper) Register(c *cron.Cron) (cron.EntryID, error) {
	job := cron.NewChain(cron.SkipIfStillRunning(CronLogger(s.logger))).Then(cron.FuncJob(func() {
		if _, err := s.SweepDue(context.Background(), time.Now()); err != nil {
			s.logger.WithError(err).Error("Retry sweep failed")
		}
	}))

	id, err := c.AddJob(s.config.Schedule, job)
	if err != nil {
		return 0, fmt.Errorf("failed to schedule retry sweep %q: %w", s.config.Schedule, err)
	}
	return id, nil
}

// cronLogger adapts the structured logger to cron's logger interface
type cronLogger struct {
	logger *observability.Logger
}

// CronLogger returns a cron.Logger writing to logger
func CronLogger(logger *observability.Logger) cron.Logger {
	return cronLogger{logger: logger}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
