// Package observability provides structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Overview
//
// This package centralizes observability infrastructure including JSON logging, metrics
// collection, health checks, graceful shutdown, and distributed tracing integration.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("delivery_id", id).Info("Webhook delivered")
//
// Context-aware logging adds request, tenant and trace IDs:
//
//	observability.FromContext(ctx).WithError(err).Error("Trigger failed")
//
// # Metrics
//
// Metrics (Prometheus) and OTelMetrics (OTLP) both implement DeliveryRecorder.
// Recorders fans one event out to several:
//
//	metrics := observability.NewMetrics(registry)
//	otelMetrics, _ := observability.NewOTelMetrics(nil)
//	recorder := observability.NewRecorders(metrics, otelMetrics)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddDatabase("postgres", db)
//	checker.AddRedis("redis", redisClient)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		ServiceName: "courier",
//		Endpoint:    "otel-collector:4317",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/webhooks: Records delivery metrics and spans
package observability
