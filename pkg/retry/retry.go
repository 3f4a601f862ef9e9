package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64

	// Sleep waits between attempts. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns the default retry policy: 3 attempts, waits of 1s and 3s
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  3,
	}
}

// Operation is one attempt of the wrapped work. attempt is 1-indexed.
type Operation func(ctx context.Context, attempt int) error

// Handler executes operations with exponential backoff
type Handler struct {
	maxAttempts int
	baseDelay   time.Duration
	multiplier  float64
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *slog.Logger
}

// New creates a retry handler. Zero fields in cfg take the default values.
func New(cfg *Config, logger *slog.Logger) *Handler {
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		multiplier:  cfg.Multiplier,
		sleep:       cfg.Sleep,
		logger:      logger,
	}
	if h.maxAttempts <= 0 {
		h.maxAttempts = def.MaxAttempts
	}
	if h.baseDelay <= 0 {
		h.baseDelay = def.BaseDelay
	}
	if h.multiplier <= 0 {
		h.multiplier = def.Multiplier
	}
	if h.sleep == nil {
		h.sleep = sleepContext
	}
	return h
}

// MaxAttempts returns the attempt budget
func (h *Handler) MaxAttempts() int {
	return h.maxAttempts
}

// Delay returns the wait applied after failed attempt n, before attempt n+1
func (h *Handler) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(h.baseDelay) * math.Pow(h.multiplier, float64(attempt-1)))
}

// Execute runs op until it succeeds, fails terminally or exhausts the budget.
// attrs are added to every log record.
func (h *Handler) Execute(ctx context.Context, op Operation, attrs ...any) error {
	log := h.logger.With(attrs...)

	var lastErr error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		log.Debug("attempt started", "attempt", attempt, "max_attempts", h.maxAttempts)

		start := time.Now()
		err := op(ctx, attempt)
		if err == nil {
			log.Info("attempt succeeded",
				"attempt", attempt,
				"duration", time.Since(start),
			)
			return nil
		}
		lastErr = err

		decision := Classify(ctx, err, attempt)
		log.Warn("attempt failed",
			"attempt", attempt,
			"max_attempts", h.maxAttempts,
			"error", err,
			"status", decision.Status,
			"retryable", decision.Retryable,
			"reason", decision.Reason,
		)

		if !decision.Retryable {
			return err
		}
		if attempt == h.maxAttempts {
			break
		}

		delay := h.Delay(attempt)
		log.Info("waiting before retry", "attempt", attempt, "delay", delay)
		if serr := h.sleep(ctx, delay); serr != nil {
			return errors.Join(err, serr)
		}
	}

	log.Error("retry attempts exhausted", "attempts", h.maxAttempts, "error", lastErr)
	return lastErr
}

// Do is Execute for operations returning a value
func Do[T any](ctx context.Context, h *Handler, fn func(ctx context.Context, attempt int) (T, error), attrs ...any) (T, error) {
	var result T
	err := h.Execute(ctx, func(ctx context.Context, attempt int) error {
		v, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, attrs...)
	return result, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Decision is the outcome of classifying a failure
type Decision struct {
	Retryable bool
	Status    int
	Reason    string
}

var (
	authKeywords = []string{
		"authentication", "unauthorized", "unauthenticated", "invalid credentials",
	}
	validationKeywords = []string{
		"validation", "invalid format", "missing field", "missing required", "invalid data",
	}
	networkKeywords = []string{
		"connection", "timeout", "timed out", "network", "dns", "no such host",
		"could not resolve", "eof",
	}

	statusPattern = regexp.MustCompile(`(?i)\b(?:http|status(?:\s+code)?|returned)\s*:?\s*([1-5][0-9]{2})\b`)
)

// Classify decides whether err, raised by the given attempt, may be retried
func Classify(ctx context.Context, err error, attempt int) Decision {
	if ctx != nil && ctx.Err() != nil {
		return Decision{Reason: "context done"}
	}
	if errors.Is(err, context.Canceled) {
		return Decision{Reason: "context canceled"}
	}

	var p interface{ Permanent() bool }
	if errors.As(err, &p) && p.Permanent() {
		return Decision{Status: StatusOf(err), Reason: "permanent error"}
	}

	status := StatusOf(err)
	msg := strings.ToLower(err.Error())

	switch {
	case status >= 400 && status < 500 && status != 401:
		return Decision{Status: status, Reason: "client error " + strconv.Itoa(status)}
	case containsAny(msg, authKeywords):
		return Decision{
			Retryable: attempt == 1 && status == 401,
			Status:    status,
			Reason:    "authentication failure",
		}
	case containsAny(msg, validationKeywords):
		return Decision{Status: status, Reason: "validation failure"}
	case containsAny(msg, networkKeywords):
		return Decision{Retryable: true, Status: status, Reason: "network failure"}
	case status >= 500 && status < 600:
		return Decision{Retryable: true, Status: status, Reason: "server error " + strconv.Itoa(status)}
	case status == 401:
		return Decision{Retryable: attempt == 1, Status: status, Reason: "unauthorized"}
	}
	return Decision{Retryable: true, Status: status, Reason: "unclassified"}
}

// StatusOf extracts an HTTP status from err, or returns 0
func StatusOf(err error) int {
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) {
		if s := sc.HTTPStatus(); s > 0 {
			return s
		}
	}
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0
	}
	s, _ := strconv.Atoi(m[1])
	return s
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer
func (d Decision) String() string {
	return fmt.Sprintf("retryable=%t status=%d reason=%s", d.Retryable, d.Status, d.Reason)
}
