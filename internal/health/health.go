// Package health serves the liveness and readiness probes of the voice
// server.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz runs every
// registered [Checker] concurrently and answers 503 if any of them fails; its
// body reports each check with its latency, plus the current voice state when
// a [StateFunc] is configured:
//
//	{"status":"fail","voice":"error","checks":{"session":{"status":"fail","error":"...","duration_ms":0}}}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// DefaultCheckTimeout bounds a single readiness check.
const DefaultCheckTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when healthy.
type Checker struct {
	// Name keys the check in the report ("session", "provider").
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

// StateFunc reports the voice state shown alongside the checks.
type StateFunc func() string

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report is the /readyz response body.
type Report struct {
	Status string                 `json:"status"`
	Voice  string                 `json:"voice,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == statusOK }

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	state    StateFunc
}

// Option configures a [Handler].
type Option func(*Handler)

// WithCheckers registers readiness checks.
func WithCheckers(cs ...Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, cs...) }
}

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithState includes the voice state in readiness reports.
func WithState(fn StateFunc) Option {
	return func(h *Handler) { h.state = fn }
}

// New creates a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{timeout: DefaultCheckTimeout}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Evaluate runs all checks concurrently, each under the check timeout.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: statusOK, DurationMs: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = statusFail
				res.Error = err.Error()
			}
			results[i] = res
		})
	}
	wg.Wait()

	rep := Report{Status: statusOK}
	if h.state != nil {
		rep.Voice = h.state()
	}
	if len(h.checkers) > 0 {
		rep.Checks = make(map[string]CheckResult, len(h.checkers))
	}
	for i, c := range h.checkers {
		rep.Checks[c.Name] = results[i]
		if results[i].Status != statusOK {
			rep.Status = statusFail
		}
	}
	return rep
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: statusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
