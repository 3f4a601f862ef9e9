package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string   { return e.msg }
func (e *statusError) HTTPStatus() int { return e.status }

type permanentError struct{}

func (permanentError) Error() string   { return "connection refused by config" }
func (permanentError) Permanent() bool { return true }

func newTestHandler(sleeps *[]time.Duration) *Handler {
	return New(&Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  3,
		Sleep: func(_ context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return nil
		},
	}, nil)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BaseDelay)
	assert.Equal(t, 3.0, cfg.Multiplier)

	h := New(nil, nil)
	assert.Equal(t, 3, h.MaxAttempts())
	assert.Equal(t, time.Second, h.Delay(1))
	assert.Equal(t, 3*time.Second, h.Delay(2))
	assert.Equal(t, 9*time.Second, h.Delay(3))
}

func TestExecute_SucceedsFirstTime(t *testing.T) {
	var sleeps []time.Duration
	h := newTestHandler(&sleeps)

	calls := 0
	err := h.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps)
}

func TestExecute_RetriesServerErrors(t *testing.T) {
	var sleeps []time.Duration
	h := newTestHandler(&sleeps)

	var attempts []int
	err := h.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		return &statusError{status: 503, msg: fmt.Sprintf("HTTP 503 Service Unavailable: try %d", attempt)}
	})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, sleeps)
	assert.Contains(t, err.Error(), "try 3")
}

func TestExecute_RecoversOnSecondAttempt(t *testing.T) {
	var sleeps []time.Duration
	h := newTestHandler(&sleeps)

	got, err := Do(context.Background(), h, func(ctx context.Context, attempt int) (string, error) {
		if attempt == 1 {
			return "", errors.New("dial tcp: connection refused")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, []time.Duration{time.Second}, sleeps)
}

func TestExecute_StopsOnClientError(t *testing.T) {
	var sleeps []time.Duration
	h := newTestHandler(&sleeps)

	calls := 0
	err := h.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return &statusError{status: 404, msg: "HTTP 404 Not Found: no such path"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps)
}

func TestExecute_UnauthorizedRetriedOnce(t *testing.T) {
	var sleeps []time.Duration
	h := newTestHandler(&sleeps)

	calls := 0
	err := h.Execute(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return &statusError{status: 401, msg: "HTTP 401 Unauthorized: expired"}
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{time.Second}, sleeps)
}

func TestExecute_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := New(&Config{
		MaxAttempts: 3,
		BaseDelay:   time.Hour,
		Multiplier:  3,
	}, nil)

	calls := 0
	errc := make(chan error, 1)
	go func() {
		errc <- h.Execute(ctx, func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("HTTP 502 Bad Gateway")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Contains(t, err.Error(), "502")
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		err       error
		attempt   int
		retryable bool
		status    int
	}{
		{"bad request", &statusError{400, "HTTP 400 Bad Request"}, 1, false, 400},
		{"not found", errors.New("HTTP 404 Not Found"), 1, false, 404},
		{"too many requests", &statusError{429, "rate limited"}, 1, false, 429},
		{"unauthorized first attempt", &statusError{401, "HTTP 401 Unauthorized"}, 1, true, 401},
		{"unauthorized second attempt", &statusError{401, "HTTP 401 Unauthorized"}, 2, false, 401},
		{"401 without keyword", &statusError{401, "token rejected"}, 1, true, 401},
		{"401 without keyword later", &statusError{401, "token rejected"}, 2, false, 401},
		{"auth failure without status", errors.New("authentication failed: bad password"), 1, false, 0},
		{"validation", errors.New("validation failed: missing field number"), 1, false, 0},
		{"connection refused", errors.New("dial tcp 10.0.0.1:443: connection refused"), 1, true, 0},
		{"timeout", errors.New("context deadline exceeded (Client.Timeout exceeded while awaiting headers)"), 2, true, 0},
		{"dns", errors.New("dial tcp: lookup host.invalid: no such host"), 1, true, 0},
		{"server error", &statusError{500, "boom"}, 1, true, 500},
		{"status from message", errors.New("unexpected status code 503"), 1, true, 503},
		{"unclassified", errors.New("something odd"), 1, true, 0},
		{"permanent", permanentError{}, 1, false, 0},
		{"wrapped permanent", fmt.Errorf("sending: %w", permanentError{}), 1, false, 0},
		{"canceled", fmt.Errorf("posting: %w", context.Canceled), 1, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(ctx, tt.err, tt.attempt)
			assert.Equal(t, tt.retryable, d.Retryable, d.String())
			assert.Equal(t, tt.status, d.Status)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestClassify_DoneContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := Classify(ctx, errors.New("HTTP 503 Service Unavailable"), 1)
	assert.False(t, d.Retryable)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, 502, StatusOf(fmt.Errorf("wrapped: %w", &statusError{502, "x"})))
	assert.Equal(t, 401, StatusOf(errors.New("HTTP 401 Unauthorized")))
	assert.Equal(t, 500, StatusOf(errors.New("server returned 500")))
	assert.Equal(t, 0, StatusOf(errors.New("port 8443 closed")))
}
