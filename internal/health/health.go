// Package health provides HTTP health and readiness check handlers.
//
// The package exposes three endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz : readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /health : service status for telephony controllers: whether the
//     speech model is loaded and how many sessions are in flight.
//
// /healthz and /readyz respond with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "speech").
	// It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Reporter supplies the figures served on /health.
type Reporter interface {
	// ModelLoaded reports whether a speech provider is available.
	ModelLoaded() bool

	// ActiveCallIDs returns the call ids of sessions awaiting a decision.
	ActiveCallIDs() []string
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type serviceStatus struct {
	Status         string `json:"status"`
	ModelLoaded    bool   `json:"model_loaded"`
	ActiveSessions int      `json:"active_sessions"`
	Sessions       []string `json:"sessions"`
}

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	reporter Reporter
	checkers []Checker
}

// New creates a [Handler]. reporter may be nil, in which case /health reports
// no model and no sessions. The checkers run concurrently on each /readyz
// request.
func New(reporter Reporter, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{reporter: reporter, checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker gets a [checkTimeout] deadline derived from
// the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
		g      errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Health reports model availability and the in-flight sessions.
// It always answers 200 so that callers can read the body even when the
// model is missing.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	s := serviceStatus{Status: "healthy", Sessions: []string{}}
	if h.reporter != nil {
		s.ModelLoaded = h.reporter.ModelLoaded()
		if ids := h.reporter.ActiveCallIDs(); ids != nil {
			s.Sessions = ids
		}
		s.ActiveSessions = len(s.Sessions)
	}
	writeJSON(w, http.StatusOK, s)
}

// Register adds the /healthz, /readyz and /health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /health", h.Health)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
