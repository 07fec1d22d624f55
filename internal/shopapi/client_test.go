package shopapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voxline-ai/voxline/internal/resilience"
)

// newTestClient builds a Client against srv with backoff sleeps disabled.
func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	c, err := New(srv.URL, "test-token", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

// recorder captures per-attempt headers in a concurrency-safe way.
type recorder struct {
	mu       sync.Mutex
	reqIDs   []string
	idemKeys []string
	auths    []string
}

func (r *recorder) observe(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqIDs = append(r.reqIDs, req.Header.Get("X-Request-Id"))
	r.idemKeys = append(r.idemKeys, req.Header.Get("Idempotency-Key"))
	r.auths = append(r.auths, req.Header.Get("Authorization"))
}

func TestSearchTyres(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tyres/search" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("size"); got != "205/55R16" {
			t.Errorf("size = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("auth = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"tyres": []Tyre{{ID: "t1", Brand: "Continental", Size: "205/55R16", Price: 89.90, Currency: "EUR"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	tyres, err := c.SearchTyres(t.Context(), TyreSearchQuery{Size: "205/55R16"})
	if err != nil {
		t.Fatalf("SearchTyres: %v", err)
	}
	if len(tyres) != 1 || tyres[0].ID != "t1" {
		t.Errorf("tyres = %+v", tyres)
	}
}

// TestRetryPolicy503 checks that 503 is retried at most twice and that each
// attempt carries a fresh request ID.
func TestRetryPolicy503(t *testing.T) {
	rec := &recorder{}
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.observe(r)
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"tyres": []Tyre{}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if _, err := c.SearchTyres(t.Context(), TyreSearchQuery{}); err != nil {
		t.Fatalf("SearchTyres: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	seen := map[string]bool{}
	for _, id := range rec.reqIDs {
		if id == "" {
			t.Error("missing X-Request-Id")
		}
		if seen[id] {
			t.Errorf("request ID %q reused across attempts", id)
		}
		seen[id] = true
	}
}

// TestRetryExhaustion checks that persistent 503 maps to ErrUnavailable
// after three attempts.
func TestRetryExhaustion(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.SearchTyres(t.Context(), TyreSearchQuery{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

// Test500NotRetried checks that an internal server error is surfaced on the
// first attempt.
func Test500NotRetried(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.SearchTyres(t.Context(), TyreSearchQuery{})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 500 {
		t.Fatalf("err = %v, want StatusError 500", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

// Test401NotRetried checks that auth failures are classified and never
// retried.
func Test401NotRetried(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.SearchTyres(t.Context(), TyreSearchQuery{})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

// TestIdempotencyKeyStableAcrossRetries checks that the Idempotency-Key is
// identical on all attempts while X-Request-Id differs.
func TestIdempotencyKeyStableAcrossRetries(t *testing.T) {
	rec := &recorder{}
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.observe(r)
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(Order{ID: "o1", Status: "draft"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	order, err := c.DraftOrder(t.Context(), []OrderItem{{TyreID: "t1", Quantity: 4}}, "idem-123")
	if err != nil {
		t.Fatalf("DraftOrder: %v", err)
	}
	if order.ID != "o1" {
		t.Errorf("order = %+v", order)
	}
	if len(rec.idemKeys) != 2 {
		t.Fatalf("attempts = %d, want 2", len(rec.idemKeys))
	}
	if rec.idemKeys[0] != "idem-123" || rec.idemKeys[1] != "idem-123" {
		t.Errorf("idempotency keys = %v, want stable idem-123", rec.idemKeys)
	}
	if rec.reqIDs[0] == rec.reqIDs[1] {
		t.Error("X-Request-Id must differ between attempts")
	}
}

// TestRetryAfterHonoured checks that the Retry-After header overrides the
// baseline backoff.
func TestRetryAfterHonoured(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"tyres": []Tyre{}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	if _, err := c.SearchTyres(t.Context(), TyreSearchQuery{}); err != nil {
		t.Fatalf("SearchTyres: %v", err)
	}
	if len(slept) != 1 || slept[0] != 7*time.Second {
		t.Errorf("sleeps = %v, want [7s]", slept)
	}
}

// TestAvailability404IsMiss checks that a 404 on the availability endpoint
// is a normal not-in-stock answer.
func TestAvailability404IsMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	av, err := c.CheckAvailability(t.Context(), "unknown-tyre")
	if err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if av.InStock {
		t.Error("404 should report not in stock")
	}
	if av.TyreID != "unknown-tyre" {
		t.Errorf("tyre ID = %q", av.TyreID)
	}
}

// TestBreakerOpenFailsFast checks that an open breaker short-circuits calls
// with ErrUnavailable without touching the network.
func TestBreakerOpenFailsFast(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
	}))
	defer srv.Close()

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:    "shopapi-test",
		FailMax: 1,
	})
	// Trip the breaker.
	_ = breaker.Execute(func() error { return errors.New("boom") })

	c := newTestClient(t, srv, WithBreaker(breaker))
	_, err := c.SearchTyres(t.Context(), TyreSearchQuery{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if attempts != 0 {
		t.Errorf("attempts = %d, want 0 (fail fast)", attempts)
	}
}

// TestNetworkErrorRetried checks that connection failures count as retryable.
func TestNetworkErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately unreachable

	c, err := New(srv.URL, "tok")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var sleeps int
	c.sleep = func(context.Context, time.Duration) error { sleeps++; return nil }

	_, err = c.SearchTyres(t.Context(), TyreSearchQuery{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if sleeps != 2 {
		t.Errorf("retries = %d, want 2", sleeps)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{" 12 ", 12 * time.Second},
		{"-3", 0},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidation(t *testing.T) {
	c, _ := New("http://example.invalid", "tok")
	ctx := t.Context()
	if _, err := c.DraftOrder(ctx, nil, "k"); err == nil {
		t.Error("empty order items should fail")
	}
	if _, err := c.DraftOrder(ctx, []OrderItem{{TyreID: "t1", Quantity: 1}}, ""); err == nil {
		t.Error("missing idempotency key should fail")
	}
	if _, err := c.BookFitting(ctx, "", "", "k"); err == nil {
		t.Error("empty slot should fail")
	}
	if _, err := c.CheckAvailability(ctx, ""); err == nil {
		t.Error("empty tyre ID should fail")
	}
	if _, err := c.FittingPrice(ctx, 0, ""); err == nil {
		t.Error("zero tyre count should fail")
	}
	if _, err := c.SearchKnowledge(ctx, "", 5); err == nil {
		t.Error("empty query should fail")
	}
}
