package main

import (
	"context"
	"fmt"
	"time"

	"rawgetl/internal/config"
	"rawgetl/internal/metrics"
	"rawgetl/internal/metrics/datadog"
	"rawgetl/internal/metrics/prompush"

	log "github.com/sirupsen/logrus"
)

// backendCloser is a metrics backend that owns a flush loop or connection.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// newMetricsBackend builds the configured backend. It returns nil, nil when
// metrics are disabled.
func newMetricsBackend(ctx context.Context, cfg config.Metrics) (backendCloser, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "pushgateway", "prometheus":
		return prompush.NewBackend(cfg.JobName, cfg.PushgatewayURL)
	case "datadog":
		// Submits once per FlushEvery and once more on Close.
		return datadog.NewBackend(ctx, datadog.Options{
			JobName:    cfg.JobName,
			Tags:       datadog.ParseTagsCSV(cfg.Tags),
			FlushEvery: 60 * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", cfg.Backend)
	}
}

// setupMetrics installs the backend and returns its shutdown func. An init
// failure is logged and leaves the no-op backend in place.
func setupMetrics(ctx context.Context, cfg config.Metrics, factory func(context.Context, config.Metrics) (backendCloser, error), logger log.FieldLogger) func() {
	b, err := factory(ctx, cfg)
	if err != nil {
		logger.WithError(err).WithField("backend", cfg.Backend).Warn("metrics: init failed, using nop")
		return func() {}
	}
	if b == nil {
		logger.WithField("backend", cfg.Backend).Debug("metrics: disabled")
		return func() {}
	}
	logger.WithFields(log.Fields{"backend": cfg.Backend, "job_name": cfg.JobName}).Info("metrics: enabled")
	metrics.SetBackend(b)
	return func() {
		if err := b.Close(); err != nil {
			logger.WithError(err).Warn("metrics: close/flush error")
		}
		metrics.SetBackend(nil)
	}
}
