package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures metric export
type MetricsConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string
	Insecure       bool
	Interval       time.Duration
}

// DefaultMetricsConfig returns metrics disabled with a 15s export interval
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ServiceName:    "hostlinkd",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		Interval:       15 * time.Second,
	}
}

// SetupMetrics installs a global meter provider pushing over OTLP/gRPC.
// When metrics are disabled the global no-op provider is left in place.
func SetupMetrics(ctx context.Context, cfg *MetricsConfig, logger *slog.Logger) (ShutdownFunc, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	noop := func(context.Context) error { return nil }

	if !cfg.Enabled {
		logger.Info("metrics disabled")
		return noop, nil
	}

	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return noop, err
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("creating metric exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval),
		)),
	)
	otel.SetMeterProvider(mp)

	logger.Info("metrics enabled",
		"endpoint", cfg.OTLPEndpoint,
		"interval", interval,
	)
	return mp.Shutdown, nil
}
