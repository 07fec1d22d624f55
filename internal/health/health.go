// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /health       — liveness probe; reports process status, the number of
//     active calls, and whether the session store is reachable.
//   - /health/ready — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail").
// The readiness response additionally carries a "checks" map with the result
// of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single check may take before its
// context is cancelled.
const checkTimeout = 3 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "kv",
	// "store"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// liveResult is the JSON response body for /health.
type liveResult struct {
	Status      string `json:"status"`
	ActiveCalls int    `json:"active_calls"`
	KV          string `json:"kv"`
}

// readyResult is the JSON response body for /health/ready.
type readyResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /health and /health/ready. It is safe for concurrent use;
// the checker list is fixed at construction time.
type Handler struct {
	activeCalls func() int
	kvCheck     func(ctx context.Context) error
	checkers    []Checker
}

// New creates a [Handler]. activeCalls reports the number of currently
// connected calls and kvCheck probes the session store; both appear in the
// /health response. The checkers are evaluated sequentially on each
// /health/ready request, in the order provided.
func New(activeCalls func() int, kvCheck func(ctx context.Context) error, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{activeCalls: activeCalls, kvCheck: kvCheck, checkers: c}
}

// Live is the liveness probe. A running process that can serve HTTP is
// considered alive, so the response status is always "ok"; the kv field
// reports "connected" or "disconnected" without affecting the HTTP code.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	res := liveResult{Status: "ok", KV: "connected"}
	if h.activeCalls != nil {
		res.ActiveCalls = h.activeCalls()
	}
	if h.kvCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		if err := h.kvCheck(ctx); err != nil {
			res.KV = "disconnected"
		}
		cancel()
	}
	writeJSON(w, http.StatusOK, res)
}

// Ready is the readiness probe. It returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := readyResult{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the /health and /health/ready routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Live)
	mux.HandleFunc("GET /health/ready", h.Ready)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
