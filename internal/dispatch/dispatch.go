// Package dispatch transmits stored documents to the host.
//
// A Dispatcher loads a document, hands it to the transmission service under
// the retry policy, appends one entry per wire attempt to the attempt log and
// records the final outcome on the document. Retries happen inline; nothing
// about an in-flight dispatch is persisted.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/sirosfoundation/go-hostlink/internal/storage"
	"github.com/sirosfoundation/go-hostlink/pkg/retry"
	"github.com/sirosfoundation/go-hostlink/pkg/transmit"
)

// TracerName identifies spans created by this package
const TracerName = "github.com/sirosfoundation/go-hostlink/internal/dispatch"

// Sender is the part of transmit.Service used by the dispatcher
type Sender interface {
	Send(ctx context.Context, doc transmit.Document, format string, opts *transmit.SendOptions) (*transmit.Result, error)
	TestConnectionWith(ctx context.Context, format string, opts *transmit.SendOptions) (*transmit.Result, error)
}

// Store is the storage used by the dispatcher
type Store interface {
	storage.DocumentStore
	storage.AttemptStore
}

// Dispatcher runs document transmissions
type Dispatcher struct {
	store  Store
	sender Sender
	retry  *retry.Handler
	tracer trace.Tracer
	meter  metric.Meter
	inst   *instruments
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Dispatcher
type Option func(*Dispatcher)

// WithTracer overrides the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithMeter overrides the global meter
func WithMeter(m metric.Meter) Option {
	return func(d *Dispatcher) { d.meter = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher. A nil retry handler uses retry defaults.
func New(store Store, sender Sender, handler *retry.Handler, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = retry.New(nil, logger)
	}
	d := &Dispatcher{
		store:  store,
		sender: sender,
		retry:  handler,
		tracer: otel.Tracer(TracerName),
		meter:  otel.Meter(TracerName),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	inst, err := newInstruments(d.meter)
	if err != nil {
		logger.Warn("failed to create dispatch metrics", "error", err)
		inst = noopInstruments()
	}
	d.inst = inst
	return d
}

// Dispatch transmits the document in the given format. The returned error is
// the last transmission error, unchanged, so callers can inspect it with
// transmit.KindOf.
func (d *Dispatcher) Dispatch(ctx context.Context, documentID, format string, opts *transmit.SendOptions) (result *transmit.Result, err error) {
	ctx, span := d.tracer.Start(ctx, "hostlink.dispatch",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("hostlink.document_id", documentID),
			attribute.String("hostlink.format", format),
		),
	)
	defer func() {
		if !errors.Is(err, storage.ErrNotFound) {
			d.inst.recordTransmission(ctx, format, err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if kind := transmit.KindOf(err); kind != "" {
				span.SetAttributes(attribute.String("hostlink.error_kind", string(kind)))
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	log := d.logger.With("document_id", documentID, "format", format)

	doc, err := d.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("loading document: %w", err)
	}

	if err := d.store.UpdateTransmissionStatus(ctx, doc.ID, &storage.TransmissionUpdate{
		Status: storage.DocumentStatusPending,
		Format: format,
	}); err != nil {
		return nil, fmt.Errorf("marking document pending: %w", err)
	}

	attempts := 0
	result, err = retry.Do(ctx, d.retry, func(ctx context.Context, attempt int) (*transmit.Result, error) {
		attempts = attempt
		started := d.now()
		res, sendErr := d.sender.Send(ctx, doc, format, opts)
		d.recordAttempt(ctx, log, doc.ID, format, attempt, started, res, sendErr)
		return res, sendErr
	}, "document_id", documentID, "format", format)
	span.SetAttributes(attribute.Int("hostlink.attempts", attempts))

	// The outcome is written even when the caller's context is done.
	finalCtx := context.WithoutCancel(ctx)
	if err != nil {
		if uerr := d.store.UpdateTransmissionStatus(finalCtx, doc.ID, &storage.TransmissionUpdate{
			Status:    storage.DocumentStatusError,
			Format:    format,
			LastError: err.Error(),
		}); uerr != nil {
			log.Error("failed to record transmission failure", "error", uerr)
		}
		log.Warn("document transmission failed", "attempts", attempts, "error", err)
		return nil, err
	}

	sentAt := result.TransmittedAt
	if uerr := d.store.UpdateTransmissionStatus(finalCtx, doc.ID, &storage.TransmissionUpdate{
		Status:   storage.DocumentStatusSent,
		Format:   format,
		Response: result.Message,
		SentAt:   &sentAt,
	}); uerr != nil {
		log.Error("failed to record transmission success", "error", uerr)
	}
	span.SetAttributes(
		attribute.String("hostlink.transmitter", result.TransmitterName),
		attribute.Int64("hostlink.response_time_ms", result.ResponseTimeMS),
	)
	log.Info("document transmitted",
		"attempts", attempts,
		"transmitter", result.TransmitterName,
		"response_time_ms", result.ResponseTimeMS,
	)
	return result, nil
}

func (d *Dispatcher) recordAttempt(ctx context.Context, log *slog.Logger, documentID, format string, attempt int, started time.Time, res *transmit.Result, sendErr error) {
	entry := &storage.Attempt{
		DocumentID: documentID,
		Attempt:    attempt,
		Format:     format,
		StartedAt:  started,
		Duration:   d.now().Sub(started),
		Success:    sendErr == nil,
	}
	defer func() {
		d.inst.recordAttempt(ctx, format, entry.ErrorKind, entry.Duration, sendErr)
	}()
	if res != nil {
		entry.PayloadSize = res.TransmissionSize
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
		entry.ErrorKind = string(transmit.KindOf(sendErr))
		entry.StatusCode = retry.StatusOf(sendErr)
	}
	if err := d.store.RecordAttempt(context.WithoutCancel(ctx), entry); err != nil {
		log.Error("failed to record attempt", "attempt", attempt, "error", err)
	}
}

// TestConnection checks the credential for format without sending a document
func (d *Dispatcher) TestConnection(ctx context.Context, format string, opts *transmit.SendOptions) (*transmit.Result, error) {
	ctx, span := d.tracer.Start(ctx, "hostlink.test_connection",
		trace.WithAttributes(attribute.String("hostlink.format", format)),
	)
	defer span.End()

	res, err := d.sender.TestConnectionWith(ctx, format, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

// IsNotFound reports whether err means the document does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
