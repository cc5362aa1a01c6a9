// Package httpclient provides an HTTP client with retry, backoff, and rate
// limit handling for upstream LLM providers.
//
// Features:
//   - Single retry with backoff on pre-first-byte connection failures
//   - Rate limit header parsing (OpenAI-compatible headers)
//   - No retry on any HTTP status, 429 included
package httpclient

import (
	"bytes"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// RetryStrategy defines how to handle retries.
type RetryStrategy int

const (
	// NoRetry indicates no retry should be attempted.
	NoRetry RetryStrategy = iota

	// ConnectionRetry retries once on transport-level failure.
	ConnectionRetry
)

// RateLimitInfo contains rate limit information from response headers.
type RateLimitInfo struct {
	RetryAfter        time.Duration
	ResetTime         int64
	RequestsRemaining int
	TokensRemaining   int
}

// HeaderParser extracts rate limit info from response headers.
type HeaderParser func(http.Header) RateLimitInfo

// Client wraps http.Client with a bounded retry capability.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	headerParser HeaderParser
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithMaxRetries sets the maximum number of connection retries.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBaseDelay sets the base backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithHeaderParser sets the rate limit header parser.
func WithHeaderParser(p HeaderParser) Option {
	return func(c *Client) {
		c.headerParser = p
	}
}

// New creates a Client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		client:     &http.Client{Timeout: 180 * time.Second},
		maxRetries: 1,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request. On connection-level failure (no response at
// all) the request is retried up to maxRetries times with backoff capped
// at maxDelay. HTTP-level errors, including 429, are returned to the
// caller untouched: rate limits must surface immediately and responses
// with a status have already consumed upstream budget.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	var resp *http.Response
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 && body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err = c.client.Do(req)
		if err == nil {
			if c.headerParser != nil {
				info := c.headerParser(resp.Header)
				if info.RequestsRemaining > 0 && info.RequestsRemaining < 5 {
					slog.Debug("Upstream rate limit budget low",
						"requests_remaining", info.RequestsRemaining)
				}
			}
			return resp, nil
		}

		if attempt >= c.maxRetries || req.Context().Err() != nil {
			return nil, err
		}

		delay := c.backoff(attempt)
		slog.Debug("Retrying request after connection failure",
			"attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}
}

// backoff computes the delay before the given retry attempt, with jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay << attempt
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay - jitter
}
