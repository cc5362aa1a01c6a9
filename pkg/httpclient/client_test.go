package httpclient

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_NoRetryOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(testOptions()...)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load(), "429 must surface immediately, no retry")
}

func TestDo_RetriesConnectionFailure(t *testing.T) {
	// A server that is immediately closed yields connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := New(
		WithMaxRetries(1),
		WithBaseDelay(time.Millisecond),
	)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Do(req) //nolint:bodyclose // no response on failure
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestParseOpenAIRateLimitHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "30")
	headers.Set("x-ratelimit-remaining-requests", "4")
	headers.Set("x-ratelimit-remaining-tokens", "1000")

	info := ParseOpenAIRateLimitHeaders(headers)
	assert.Equal(t, 30*time.Second, info.RetryAfter)
	assert.Equal(t, 4, info.RequestsRemaining)
	assert.Equal(t, 1000, info.TokensRemaining)
}

func testOptions() []Option {
	return []Option{
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		WithMaxRetries(1),
		WithBaseDelay(time.Millisecond),
		WithHeaderParser(ParseOpenAIRateLimitHeaders),
	}
}
