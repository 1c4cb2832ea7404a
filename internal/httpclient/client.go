// Package httpclient provides a resilient HTTP client that composes the
// retry orchestrator, and optionally a circuit breaker, around outbound
// calls. It demonstrates the intended layering: retry is the inner,
// fast-failing layer, and a breaker guarding overall target health can be
// wrapped outside it. The primitives compose either way.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/guardrail/internal/circuitbreaker"
	"github.com/vyrodovalexey/guardrail/internal/retry"
)

// DefaultRetryConfig is the default outbound retry policy: up to three
// attempts, 100ms initial delay, capped at 900ms.
func DefaultRetryConfig() *retry.Config {
	return &retry.Config{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     900 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Client is an HTTP client with retry and optional circuit breaker
// protection on every request.
type Client struct {
	http     *http.Client
	retryCfg *retry.Config
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRetryConfig sets the retry policy.
func WithRetryConfig(cfg *retry.Config) Option {
	return func(c *Client) {
		c.retryCfg = cfg
	}
}

// WithBreaker guards requests with the given circuit breaker, wrapped
// outside the retry loop so target health is judged per retried sequence,
// not per attempt.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a resilient HTTP client.
func New(opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		retryCfg: DefaultRetryConfig(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request with the configured resilience layers.
//
// Responses with status below 400 are returned as-is; 4xx and 5xx are
// surfaced as *StatusError, of which 5xx, 429 and 408 are retried and the
// rest are terminal with the final attempt's status and body intact.
// Transport errors are classified by retry.DefaultShouldRetry. Request
// bodies must be replayable: requests
// built with http.NewRequest from byte or string readers already are, and
// any other body is buffered in memory before the first attempt.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.DoWithRetryConfig(ctx, req, c.retryCfg)
}

// DoWithRetryConfig is Do with a per-request retry policy overriding the
// client's default.
func (c *Client) DoWithRetryConfig(ctx context.Context, req *http.Request, cfg *retry.Config) (*http.Response, error) {
	if err := ensureReplayable(req); err != nil {
		return nil, err
	}

	if c.breaker == nil {
		return c.doWithRetry(ctx, req, cfg)
	}

	var resp *http.Response
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var doErr error
		resp, doErr = c.doWithRetry(ctx, req, cfg)
		return doErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// doWithRetry runs the request through the retry orchestrator.
func (c *Client) doWithRetry(ctx context.Context, req *http.Request, cfg *retry.Config) (*http.Response, error) {
	operation := req.Method + " " + req.URL.Host

	return retry.DoValue(ctx, cfg, func(ctx context.Context) (*http.Response, error) {
		return c.attempt(ctx, req)
	}, &retry.Options{
		Name:   operation,
		Logger: c.logger,
		OnRetry: func(attempt retry.Attempt) {
			c.logger.Debug("retrying outbound request",
				zap.String("operation", operation),
				zap.Int("attempt", attempt.Number),
				zap.Duration("backoff", attempt.Backoff),
				zap.Error(attempt.Err),
			)
		},
	})
}

// attempt performs a single outbound request.
func (c *Client) attempt(ctx context.Context, req *http.Request) (*http.Response, error) {
	attemptReq := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		attemptReq.Body = body
	}

	start := time.Now()
	resp, err := c.http.Do(attemptReq)
	recordRequestDuration(req.Method, time.Since(start))

	if err != nil {
		recordRequest(req.Method, "transport_error")
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		recordRequest(req.Method, "success")
		return resp, nil
	}

	// Drain and close so the connection is reused across attempts.
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	_ = resp.Body.Close()
	if readErr != nil {
		body = nil
	}

	recordRequest(req.Method, "http_error")
	return nil, &StatusError{Code: resp.StatusCode, Body: body}
}

// Get issues a GET request to the given URL.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Post issues a POST request with the given body.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(ctx, req)
}

// ensureReplayable guarantees the request body can be rewound between
// attempts, buffering it when the transport cannot do so itself.
func ensureReplayable(req *http.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}

	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to buffer request body: %w", err)
	}

	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}
