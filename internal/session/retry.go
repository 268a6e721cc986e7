package session

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts (default: 3)
	BaseDelay  time.Duration // Initial delay between retries (default: 100ms)
	MaxDelay   time.Duration // Maximum delay between retries (default: 5s)
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// withRetry runs fn with exponential backoff and jitter until it succeeds, a
// non-retryable error occurs or the attempts are exhausted.
func withRetry[T any](ctx context.Context, log zerolog.Logger, op string, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := uint(cfg.MaxRetries) + 1
	if cfg.MaxRetries < 0 {
		attempts = 1
	}

	result, err := retry.DoWithData(
		func() (T, error) { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(cfg.BaseDelay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.MaxJitter(cfg.BaseDelay/5+1),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(shouldRetry),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Str("op", op).Uint("attempt", n+1).Msg("Preview request failed, retrying")
		}),
	)
	if err == nil {
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return result, err
	}

	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		sessionErr.Retryable = false // Already exhausted retries
		return result, err
	}
	return result, &SessionError{
		Operation: op,
		Err:       err,
		Retryable: false,
	}
}

// shouldRetry determines if an error should be retried
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}

	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		return sessionErr.Retryable
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}

	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return false
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	return isRetryableError(err)
}
