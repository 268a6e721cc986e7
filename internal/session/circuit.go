package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls pass through
	CircuitOpen                         // calls fail fast with CircuitOpenError
	CircuitHalfOpen                     // one trial call at a time decides
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Retryable failures within FailureWindow that open the circuit (default: 5)
	SuccessThreshold int           // Successful trials that close it again (default: 2)
	Timeout          time.Duration // Time spent open before a trial call (default: 30s)
	FailureWindow    time.Duration // Failures older than this are forgotten (default: 1m)
}

// DefaultCircuitBreakerConfig returns the default circuit breaker configuration
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		FailureWindow:    time.Minute,
	}
}

// CircuitBreaker stops every session of a Client from hammering a CMS that
// keeps failing. Only retryable failures (network errors, 5xx, 429) count;
// a 4xx is the request's fault, not the CMS's.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig
	log  zerolog.Logger
	now  func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  []time.Time
	successes int
	openedAt  time.Time
	inTrial   bool
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, log zerolog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name: name,
		cfg:  cfg,
		log:  log,
		now:  time.Now,
	}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.release(trial, err)
	return err
}

// acquire admits a call. In half-open only a single trial is admitted;
// concurrent callers fail fast until it completes.
func (cb *CircuitBreaker) acquire() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.state == CircuitOpen {
		wait := cb.openedAt.Add(cb.cfg.Timeout).Sub(now)
		if wait > 0 {
			return false, &CircuitOpenError{Name: cb.name, RetryAfter: wait}
		}
		cb.setState(CircuitHalfOpen, now)
	}
	if cb.state == CircuitHalfOpen {
		if cb.inTrial {
			return false, &CircuitOpenError{Name: cb.name}
		}
		cb.inTrial = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) release(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.inTrial = false
	}
	now := cb.now()
	switch {
	case err == nil:
		cb.succeeded(now)
	case isRetryableError(err):
		cb.failed(now)
	case trial:
		// The CMS answered, so it is up again even though the call was rejected.
		cb.succeeded(now)
	}
}

func (cb *CircuitBreaker) succeeded(now time.Time) {
	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.setState(CircuitClosed, now)
		}
	case CircuitClosed:
		cb.failures = cb.failures[:0]
	}
}

func (cb *CircuitBreaker) failed(now time.Time) {
	if cb.state == CircuitHalfOpen {
		cb.setState(CircuitOpen, now)
		return
	}

	cutoff := now.Add(-cb.cfg.FailureWindow)
	recent := cb.failures[:0]
	for _, at := range cb.failures {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	cb.failures = append(recent, now)

	if cb.state == CircuitClosed && len(cb.failures) >= cb.cfg.FailureThreshold {
		cb.setState(CircuitOpen, now)
	}
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}
	from := cb.state
	cb.state = state
	cb.successes = 0
	switch state {
	case CircuitOpen:
		cb.openedAt = now
	case CircuitClosed:
		cb.failures = cb.failures[:0]
	}

	ev := cb.log.Info()
	if state == CircuitOpen {
		ev = cb.log.Warn()
	}
	ev.Str("circuit", cb.name).
		Stringer("from", from).
		Stringer("to", state).
		Msg("CMS circuit breaker state changed")
}

// State returns the current circuit state. An open circuit whose timeout
// has passed still reports open until the next call tries it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and forgets all failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(CircuitClosed, cb.now())
	cb.failures = cb.failures[:0]
	cb.inTrial = false
}
