// Package shopapi implements the HTTP client for the shop backing store: the
// external catalogue, order and appointment service every tool handler talks
// to.
//
// All calls share one retry and resilience policy. Each attempt runs under a
// 5 s timeout and carries a bearer token plus a fresh X-Request-Id for trace
// correlation; mutating POSTs additionally carry an Idempotency-Key that
// stays stable across retries so the backend can deduplicate replays. Only
// 429, 503 and network-level failures are retried (at most twice, 1 s then
// 2 s, honouring Retry-After); a 500 is returned as-is and a 401 is logged
// critically and never retried. Every attempt passes through a process-wide
// circuit breaker — while the breaker is open, calls fail fast with
// ErrUnavailable.
package shopapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxline-ai/voxline/internal/resilience"
)

// Classified errors surfaced to tool handlers.
var (
	// ErrUnavailable marks backend outage: an open circuit breaker, retry
	// exhaustion on 429/503, or repeated network failure.
	ErrUnavailable = errors.New("shopapi: service unavailable")

	// ErrUnauthorized marks a rejected bearer token. Never retried.
	ErrUnauthorized = errors.New("shopapi: unauthorized")

	// ErrNotFound marks a 404. On availability lookups this is a normal
	// miss, not a failure.
	ErrNotFound = errors.New("shopapi: not found")
)

// StatusError is returned for unexpected HTTP statuses that carry no
// dedicated classification.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("shopapi: unexpected status %d: %s", e.Code, e.Body)
}

const (
	defaultAttemptTimeout = 5 * time.Second
	defaultMaxRetries     = 2
)

// retryDelays holds the baseline backoff before each retry attempt. Attempts
// beyond the table reuse the last delay.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. The per-attempt timeout is
// enforced via request contexts, not the client's Timeout field.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRequestTimeout overrides the per-attempt timeout (store.request_timeout_s).
func WithRequestTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.attemptTimeout = d
		}
	}
}

// WithMaxRetries overrides the retry budget (store.max_retries). Zero
// disables retries entirely.
func WithMaxRetries(n int) Option {
	return func(cl *Client) {
		if n >= 0 {
			cl.maxRetries = n
		}
	}
}

// WithBreaker overrides the circuit breaker guarding all calls.
func WithBreaker(b *resilience.CircuitBreaker) Option {
	return func(cl *Client) { cl.breaker = b }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// Client is the shared backing-store client. A single instance serves all
// tool handlers; it is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	log        *slog.Logger

	attemptTimeout time.Duration
	maxRetries     int

	// sleep is swapped by tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Client for the backing store at baseURL authenticating with
// the given bearer token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("shopapi: baseURL must not be empty")
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		httpClient:     &http.Client{},
		log:            slog.Default(),
		sleep:          sleepCtx,
		attemptTimeout: defaultAttemptTimeout,
		maxRetries:     defaultMaxRetries,
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "shopapi",
		})
	}
	return c, nil
}

// Breaker exposes the circuit breaker guarding this client, for health
// reporting.
func (c *Client) Breaker() *resilience.CircuitBreaker { return c.breaker }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call performs one logical backing-store call with the full retry policy
// and decodes the JSON response into out (when out is non-nil).
// idempotencyKey is empty for non-mutating calls.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any, idempotencyKey string, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("shopapi: marshal request body: %w", err)
		}
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		var (
			respBody   []byte
			statusCode int
			retryAfter time.Duration
		)

		err := c.breaker.Execute(func() error {
			var attemptErr error
			respBody, statusCode, retryAfter, attemptErr = c.attempt(ctx, method, reqURL, payload, idempotencyKey)
			if attemptErr != nil {
				return attemptErr
			}
			// Server-side failures count against the breaker; client-side
			// statuses (4xx except 429) do not indicate backend outage.
			if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
				return &StatusError{Code: statusCode, Body: truncate(respBody)}
			}
			return nil
		})

		switch {
		case err == nil:
			return c.classify(statusCode, respBody, out, method, path)

		case errors.Is(err, resilience.ErrCircuitOpen):
			return fmt.Errorf("%w: circuit open", ErrUnavailable)

		case ctx.Err() != nil:
			return fmt.Errorf("shopapi: %s %s: %w", method, path, ctx.Err())
		}

		lastErr = err

		// A non-retryable server status terminates the loop immediately.
		var se *StatusError
		if errors.As(err, &se) && se.Code != http.StatusTooManyRequests && se.Code != http.StatusServiceUnavailable {
			return c.classify(se.Code, []byte(se.Body), out, method, path)
		}

		if attempt >= c.maxRetries {
			break
		}

		delay := retryDelays[min(attempt, len(retryDelays)-1)]
		if retryAfter > 0 {
			delay = retryAfter
		}
		c.log.Warn("shopapi request failed, retrying",
			"method", method,
			"path", path,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("shopapi: %s %s: %w", method, path, err)
		}
	}

	return fmt.Errorf("%w: %s %s after %d attempts: %v", ErrUnavailable, method, path, c.maxRetries+1, lastErr)
}

// attempt performs a single HTTP exchange under the per-attempt timeout.
func (c *Client) attempt(ctx context.Context, method, reqURL string, payload []byte, idempotencyKey string) (body []byte, status int, retryAfter time.Duration, err error) {
	actx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(actx, method, reqURL, reader)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("shopapi: create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("shopapi: %s %s: %w", method, reqURL, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("shopapi: read response: %w", err)
	}

	return body, resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")), nil
}

// classify maps a terminal HTTP status to a classified error or decodes the
// success body into out.
func (c *Client) classify(status int, body []byte, out any, method, path string) error {
	switch {
	case status >= 200 && status < 300:
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("shopapi: decode %s %s response: %w", method, path, err)
		}
		return nil

	case status == http.StatusUnauthorized:
		c.log.Error("shopapi rejected bearer token",
			"method", method,
			"path", path,
			"status", status)
		return ErrUnauthorized

	case status == http.StatusNotFound:
		return ErrNotFound

	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)

	default:
		return &StatusError{Code: status, Body: truncate(body)}
	}
}

// parseRetryAfter supports the delay-seconds form of the header. HTTP-date
// values are ignored; the baseline backoff applies instead.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
