package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/livetemplate/livepreview"
	"github.com/livetemplate/livepreview/internal/config"
)

// maxResponseSize bounds rendered previews read from the CMS.
const maxResponseSize = 10 * 1024 * 1024

// Options configures a Client.
type Options struct {
	BaseURL    string
	Endpoints  config.EndpointsConfig
	Headers    map[string]string
	Timeout    time.Duration
	Retry      RetryConfig
	Breaker    CircuitBreakerConfig
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client is an HTTP client for the CMS preview controller. Sessions created
// from the same client share its connection pool and circuit breaker.
type Client struct {
	base      string
	endpoints config.EndpointsConfig
	headers   map[string]string
	retry     RetryConfig
	http      *http.Client
	breaker   *CircuitBreaker
	log       zerolog.Logger
	timeout   time.Duration
}

// NewClient creates a client for the CMS at opts.BaseURL.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(os.ExpandEnv(opts.BaseURL), "/")
	if base == "" {
		return nil, &ValidationError{Operation: "configure", Field: "base_url", Reason: "base_url is required"}
	}
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &ValidationError{Operation: "configure", Field: "base_url", Reason: "must be an absolute URL"}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.Breaker == (CircuitBreakerConfig{}) {
		opts.Breaker = DefaultCircuitBreakerConfig()
	}

	log := opts.Logger.With().Str("component", "session").Logger()
	return &Client{
		base:      base,
		endpoints: opts.Endpoints,
		headers:   opts.Headers,
		retry:     opts.Retry,
		http:      httpClient,
		breaker:   NewCircuitBreaker("cms", opts.Breaker, log),
		log:       log,
		timeout:   timeout,
	}, nil
}

// NewClientFromConfig creates a client from the backend section of the config.
func NewClientFromConfig(cfg config.BackendConfig, log zerolog.Logger) (*Client, error) {
	return NewClient(Options{
		BaseURL:   cfg.GetBaseURL(),
		Endpoints: cfg.Endpoints,
		Headers:   cfg.GetHeaders(),
		Timeout:   cfg.GetTimeout(),
		Retry: RetryConfig{
			MaxRetries: cfg.GetRetryMaxRetries(),
			BaseDelay:  cfg.GetRetryBaseDelay(),
			MaxDelay:   cfg.GetRetryMaxDelay(),
		},
		Logger: log,
	})
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// NewSession creates an unstarted session for ref.
func (c *Client) NewSession(ref livepreview.ResourceRef) *Session {
	return &Session{
		client:   c,
		ref:      ref,
		webspace: ref.Webspace,
		log: c.log.With().
			Str("resource", ref.String()).
			Logger(),
	}
}

// StopToken stops a session known only by its token, e.g. one left behind by
// a crashed server.
func (c *Client) StopToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return c.Get(ctx, "stop", c.endpoints.Stop, url.Values{"token": {token}}, nil)
}

// Get performs a GET against path and decodes the JSON response into out,
// which may be nil.
func (c *Client) Get(ctx context.Context, op, path string, query url.Values, out any) error {
	return c.do(ctx, op, http.MethodGet, path, query, nil, out)
}

// Post sends body as JSON to path and decodes the JSON response into out.
func (c *Client) Post(ctx context.Context, op, path string, query url.Values, body, out any) error {
	return c.do(ctx, op, http.MethodPost, path, query, body, out)
}

// URL returns the absolute URL of path with query.
func (c *Client) URL(path string, query url.Values) string {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return &SessionError{Operation: op, Err: err}
		}
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := withRetry(ctx, c.log, op, c.retry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.roundTrip(ctx, op, method, c.URL(path, query), payload, out)
		})
		return err
	})
}

func (c *Client) roundTrip(ctx context.Context, op, method, target string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &SessionError{Operation: op, Err: err}
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &TimeoutError{Operation: op, Duration: c.timeout.String()}
		}
		return &ConnectionError{Address: req.URL.Host, Err: err}
	}
	defer resp.Body.Close()

	c.log.Trace().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("Preview request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{
			Operation:  op,
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Body:       strings.TrimSpace(string(body)),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return NewSessionError(op, err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ValidationError{Operation: op, Reason: "could not parse response as JSON"}
	}
	return nil
}
