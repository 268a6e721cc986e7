package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnavailable = &HTTPError{Operation: "update", StatusCode: 503}

// testBreaker returns a breaker on a fake clock and a func advancing it.
func testBreaker(failures int, timeout time.Duration) (*CircuitBreaker, func(time.Duration)) {
	cb := NewCircuitBreaker("cms", CircuitBreakerConfig{
		FailureThreshold: failures,
		SuccessThreshold: 2,
		Timeout:          timeout,
		FailureWindow:    time.Minute,
	}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	cb.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return cb, func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func fail(context.Context) error    { return errUnavailable }
func succeed(context.Context) error { return nil }

func TestCircuitBreakerInitialState(t *testing.T) {
	cb := NewCircuitBreaker("cms", DefaultCircuitBreakerConfig(), zerolog.Nop())
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerOpensOnFailures(t *testing.T) {
	cb, advance := testBreaker(3, 30*time.Second)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), fail)
	}
	require.Equal(t, CircuitOpen, cb.State())

	advance(10 * time.Second)
	err := cb.Execute(context.Background(), func(context.Context) error {
		t.Error("function should not be called when circuit is open")
		return nil
	})
	var open *CircuitOpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, 20*time.Second, open.RetryAfter)
	assert.Equal(t, "cms: circuit breaker open, retry in 20s", err.Error())
}

func TestCircuitBreakerForgetsOldFailures(t *testing.T) {
	cb, advance := testBreaker(3, 30*time.Second)

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	advance(2 * time.Minute)
	_ = cb.Execute(context.Background(), fail)

	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	cb, _ := testBreaker(2, time.Minute)

	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return &HTTPError{StatusCode: 404}
		})
	}
	assert.Equal(t, CircuitClosed, cb.State(), "non-retryable errors should not open the circuit")
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb, advance := testBreaker(2, 30*time.Second)

	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, CircuitOpen, cb.State())

	advance(30 * time.Second)
	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, advance := testBreaker(1, 30*time.Second)

	_ = cb.Execute(context.Background(), fail)
	advance(30 * time.Second)
	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitOpen, cb.State())

	// The open period restarts from the failed trial.
	advance(20 * time.Second)
	var open *CircuitOpenError
	assert.True(t, errors.As(cb.Execute(context.Background(), succeed), &open))

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}

func TestCircuitBreakerSingleTrial(t *testing.T) {
	cb, advance := testBreaker(1, 30*time.Second)
	_ = cb.Execute(context.Background(), fail)
	advance(30 * time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	var open *CircuitOpenError
	err := cb.Execute(context.Background(), succeed)
	require.True(t, errors.As(err, &open), "a second call during the trial should fail fast")
	assert.Zero(t, open.RetryAfter)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreakerTrialRejectedByCMS(t *testing.T) {
	cb, advance := testBreaker(1, 30*time.Second)
	_ = cb.Execute(context.Background(), fail)
	advance(30 * time.Second)

	_ = cb.Execute(context.Background(), func(context.Context) error {
		return &HTTPError{StatusCode: 404}
	})
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitStateString(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(99): "unknown",
	}
	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}
