package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/courier/pkg/config"
	"github.com/platinummonkey/courier/pkg/engine"
	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/storage"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

var (
	runOnce  = flag.Bool("run-once", false, "Run a single sweep and exit")
	schedule = flag.String("schedule", "", "Cron schedule for the sweep (overrides COURIER_SWEEP_SCHEDULE)")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "courier-sweeper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if *schedule != "" {
		cfg.Delivery.SweepSchedule = *schedule
	}
	if cfg.Storage.Type == storage.TypeMemory {
		return fmt.Errorf("a standalone sweeper needs shared storage; set COURIER_STORAGE_TYPE=postgres")
	}

	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout).WithField("service", "courier-sweeper")
	ctx := context.Background()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	if *runOnce {
		defer eng.Close(context.Background())
		records, err := eng.Sweeper.SweepDue(ctx, time.Now())
		logger.WithField("records", len(records)).Info("Sweep completed")
		return err
	}

	c := cron.New(cron.WithLogger(webhooks.CronLogger(logger)))
	if _, err := eng.Sweeper.Register(c); err != nil {
		eng.Close(context.Background())
		return err
	}
	c.Start()
	logger.WithField("schedule", cfg.Delivery.SweepSchedule).Info("Courier sweeper started")

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.Register("cron", func(ctx context.Context) error {
		// Wait for a running sweep to finish its batch
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdown.Register("engine", eng.Close)

	return shutdown.WaitForShutdown(ctx)
}
