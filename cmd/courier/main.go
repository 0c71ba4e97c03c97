package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/courier/pkg/config"
	"github.com/platinummonkey/courier/pkg/engine"
	"github.com/platinummonkey/courier/pkg/httputil"
	"github.com/platinummonkey/courier/pkg/observability"
	"github.com/platinummonkey/courier/pkg/webhooks"
)

func main() {
	version := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *version {
		fmt.Println(engine.Version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "courier: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel(), os.Stdout).WithField("service", "courier")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	eng.StartBackground(ctx)

	pool := eng.NewWorkerPool(ctx)
	dispatcher := eng.NewDispatcher(pool)

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	// Stop scheduling sweeps first so nothing new starts while the rest drains
	if cfg.Delivery.InProcessSweep {
		c := cron.New(cron.WithLogger(webhooks.CronLogger(logger)))
		if _, err := eng.Sweeper.Register(c); err != nil {
			eng.Close(context.Background())
			return err
		}
		c.Start()
		logger.WithField("schedule", cfg.Delivery.SweepSchedule).Info("Retry sweep scheduled")

		shutdown.Register("cron", func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	apiServer := newAPIServer(cfg, logger, eng, dispatcher)
	healthServer := newHealthServer(cfg, eng)

	shutdown.RegisterServer("api", apiServer)
	shutdown.Register("worker pool", func(ctx context.Context) error {
		timeout := cfg.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		return pool.Shutdown(timeout)
	})
	shutdown.RegisterServer("health", healthServer)
	shutdown.Register("engine", eng.Close)

	serve := func(name string, server *http.Server) {
		logger.WithFields(map[string]interface{}{"server": name, "addr": server.Addr}).Info("Listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).WithField("server", name).Error("Server failed")
			cancel()
		}
	}
	go serve("api", apiServer)
	go serve("health", healthServer)

	return shutdown.WaitForShutdown(ctx)
}

func newAPIServer(cfg *config.Config, logger *observability.Logger, eng *engine.Engine, dispatcher *webhooks.Dispatcher) *http.Server {
	router := mux.NewRouter()
	if cfg.Observability.MetricsEnabled {
		router.Use(observability.HTTPMetricsMiddleware(eng.Metrics))
	}

	limiter := webhooks.NewRateLimiter(cfg.Delivery.TestRateLimit, cfg.Delivery.TestRatePeriod)
	webhooks.NewHandlers(dispatcher, eng.Attempter, eng.Reader, limiter).
		WithInvalidator(eng).
		RegisterRoutes(router)

	handler := httputil.Chain(
		httputil.RequestIDMiddleware(logger),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes),
	)(router)

	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

// newHealthServer serves probes and metrics on their own port
func newHealthServer(cfg *config.Config, eng *engine.Engine) *http.Server {
	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, eng.Health)
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", observability.MetricsHandler(eng.Registry)).Methods(http.MethodGet)
	}

	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
