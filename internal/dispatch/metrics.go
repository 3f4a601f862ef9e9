package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricTransmissions   = "hostlink.dispatch.transmissions"
	MetricAttempts        = "hostlink.dispatch.attempts"
	MetricAttemptDuration = "hostlink.dispatch.attempt.duration"
)

type instruments struct {
	transmissions metric.Int64Counter
	attempts      metric.Int64Counter
	duration      metric.Float64Histogram
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		inst instruments
		err  error
	)
	inst.transmissions, err = m.Int64Counter(MetricTransmissions,
		metric.WithDescription("Dispatched documents by final outcome"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return nil, err
	}
	inst.attempts, err = m.Int64Counter(MetricAttempts,
		metric.WithDescription("Wire attempts by outcome and error kind"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}
	inst.duration, err = m.Float64Histogram(MetricAttemptDuration,
		metric.WithDescription("Wire attempt duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func noopInstruments() *instruments {
	inst, _ := newInstruments(noop.NewMeterProvider().Meter(TracerName))
	return inst
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "sent"
}

func (i *instruments) recordAttempt(ctx context.Context, format, errorKind string, d time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("format", format),
		attribute.String("outcome", outcome(err)),
		attribute.String("error_kind", errorKind),
	)
	i.attempts.Add(ctx, 1, attrs)
	i.duration.Record(ctx, d.Seconds(), attrs)
}

func (i *instruments) recordTransmission(ctx context.Context, format string, err error) {
	i.transmissions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("format", format),
		attribute.String("outcome", outcome(err)),
	))
}
