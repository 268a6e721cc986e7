// Package session talks to the CMS preview controller on behalf of a preview
// pipeline.
package session

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrNotStarted is returned by operations that need a session token.
var ErrNotStarted = errors.New("preview session not started")

// ErrStopped is returned by Start when the session was stopped before the CMS
// answered. The session it opened has already been stopped again.
var ErrStopped = errors.New("preview session stopped")

// SessionError wraps errors with the failed operation
type SessionError struct {
	Operation string // Operation that failed (e.g., "start", "update")
	Err       error  // Underlying error
	Retryable bool   // Whether this error is retryable
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("preview %s failed: %v", e.Operation, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is retryable
func (e *SessionError) IsRetryable() bool {
	return e.Retryable
}

// ConnectionError represents a connection failure
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TimeoutError represents a timeout
type TimeoutError struct {
	Operation string
	Duration  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("preview %s timed out after %s", e.Operation, e.Duration)
}

// ValidationError represents an invalid request or response
type ValidationError struct {
	Operation string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("preview %s: invalid %s: %s", e.Operation, e.Field, e.Reason)
	}
	return fmt.Sprintf("preview %s: validation failed: %s", e.Operation, e.Reason)
}

// HTTPError represents an HTTP error response
type HTTPError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("preview %s: HTTP %d %s: %s", e.Operation, e.StatusCode, e.Status, e.Body)
	}
	return fmt.Sprintf("preview %s: HTTP %d %s", e.Operation, e.StatusCode, e.Status)
}

// IsRetryable returns true for 5xx errors and 429 (rate limit)
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// CircuitOpenError is returned without calling the CMS while the circuit
// breaker is open.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration // Zero while a trial is in flight
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: circuit breaker open, retry in %s", e.Name, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s: circuit breaker open, service temporarily unavailable", e.Name)
}

// NewSessionError creates a SessionError with retryable detection
func NewSessionError(operation string, err error) *SessionError {
	return &SessionError{
		Operation: operation,
		Err:       err,
		Retryable: isRetryableError(err),
	}
}

// isRetryableError checks if an error is retryable
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"no such host",
		"timeout",
		"deadline exceeded",
		"temporary failure",
		"try again",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// UserFriendlyMessage returns a message suitable for the editor's error banner
func UserFriendlyMessage(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrNotStarted) {
		return "The preview has not been started yet."
	}

	var circuitErr *CircuitOpenError
	if errors.As(err, &circuitErr) {
		return "Preview service temporarily unavailable. Please try again later."
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 401:
			return "Authentication required."
		case httpErr.StatusCode == 403:
			return "Access denied."
		case httpErr.StatusCode == 404:
			return "Preview not found. It may have expired, try reloading."
		case httpErr.StatusCode == 429:
			return "Too many requests. Please slow down."
		case httpErr.StatusCode >= 500:
			return "The preview could not be rendered. Please try again later."
		default:
			return fmt.Sprintf("Preview request failed (HTTP %d).", httpErr.StatusCode)
		}
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return "Preview timed out. Please try again."
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return "Could not connect to the CMS. Please check your connection."
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return fmt.Sprintf("Invalid preview response: %s", validationErr.Reason)
	}

	return "Failed to update the preview. Please try again."
}
