package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestSessionErrorError(t *testing.T) {
	err := &SessionError{
		Operation: "update",
		Err:       errors.New("connection refused"),
		Retryable: true,
	}

	expected := "preview update failed: connection refused"
	if msg := err.Error(); msg != expected {
		t.Errorf("expected %q, got %q", expected, msg)
	}
	if !err.IsRetryable() {
		t.Error("expected retryable")
	}
}

func TestSessionErrorUnwrap(t *testing.T) {
	err := &SessionError{Operation: "update", Err: ErrNotStarted}
	if !errors.Is(err, ErrNotStarted) {
		t.Error("SessionError should unwrap to underlying error")
	}
}

func TestHTTPErrorIsRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{400, false},
		{401, false},
		{404, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
	}

	for _, tt := range tests {
		err := &HTTPError{Operation: "update", StatusCode: tt.status}
		if got := err.IsRetryable(); got != tt.want {
			t.Errorf("HTTP %d: IsRetryable() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ConnectionError{Address: "cms.local", Err: errors.New("no route to host")}, "connection to cms.local failed: no route to host"},
		{&TimeoutError{Operation: "start", Duration: "10s"}, "preview start timed out after 10s"},
		{&ValidationError{Operation: "start", Field: "token", Reason: "missing"}, "preview start: invalid token: missing"},
		{&ValidationError{Operation: "update", Reason: "bad json"}, "preview update: validation failed: bad json"},
		{&HTTPError{Operation: "update", StatusCode: 500, Status: "Internal Server Error"}, "preview update: HTTP 500 Internal Server Error"},
		{&HTTPError{Operation: "update", StatusCode: 400, Status: "Bad Request", Body: "nope"}, "preview update: HTTP 400 Bad Request: nope"},
		{&CircuitOpenError{Name: "cms"}, "cms: circuit breaker open, service temporarily unavailable"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 503", &HTTPError{StatusCode: 503}, true},
		{"http 404", &HTTPError{StatusCode: 404}, false},
		{"connection", &ConnectionError{Err: errors.New("x")}, true},
		{"timeout", &TimeoutError{}, true},
		{"wrapped http", fmt.Errorf("wrap: %w", &HTTPError{StatusCode: 502}), true},
		{"transient message", errors.New("read: connection reset by peer"), true},
		{"plain", errors.New("something else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	if shouldRetry(&CircuitOpenError{Name: "cms"}) {
		t.Error("circuit open must not be retried")
	}
	if shouldRetry(&ValidationError{Reason: "x"}) {
		t.Error("validation errors must not be retried")
	}
	if shouldRetry(context.Canceled) {
		t.Error("cancellation must not be retried")
	}
	if !shouldRetry(&SessionError{Retryable: true}) {
		t.Error("retryable session error should be retried")
	}
}

func TestUserFriendlyMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&SessionError{Operation: "update", Err: ErrNotStarted}, "The preview has not been started yet."},
		{&CircuitOpenError{Name: "cms"}, "Preview service temporarily unavailable. Please try again later."},
		{&HTTPError{StatusCode: 401}, "Authentication required."},
		{&HTTPError{StatusCode: 403}, "Access denied."},
		{&HTTPError{StatusCode: 404}, "Preview not found. It may have expired, try reloading."},
		{&HTTPError{StatusCode: 429}, "Too many requests. Please slow down."},
		{&SessionError{Err: &HTTPError{StatusCode: 503}}, "The preview could not be rendered. Please try again later."},
		{&HTTPError{StatusCode: 418}, "Preview request failed (HTTP 418)."},
		{&TimeoutError{}, "Preview timed out. Please try again."},
		{&ConnectionError{Err: errors.New("x")}, "Could not connect to the CMS. Please check your connection."},
		{&ValidationError{Reason: "response has no content"}, "Invalid preview response: response has no content"},
		{errors.New("boom"), "Failed to update the preview. Please try again."},
	}

	for _, tt := range tests {
		if got := UserFriendlyMessage(tt.err); got != tt.want {
			t.Errorf("UserFriendlyMessage(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
