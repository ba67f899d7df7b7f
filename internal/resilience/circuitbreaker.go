// Package resilience guards session connects against an unavailable
// speech-to-speech backend.
//
// [CircuitBreaker] makes new starts fail fast once connects keep failing,
// and lets a single probe through after a cool-down. It never retries on its
// own: a voice session is started by a person, and a fast, explained failure
// is what they need. [S2SFallback] tries alternative backends in order, each
// behind its own breaker.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while connects are
// being rejected.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed since the last failure.
	StateOpen

	// StateHalfOpen admits up to HalfOpenMax probe calls. A failed probe
	// re-opens the breaker; HalfOpenMax successful probes close it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and transition callbacks.
	Name string

	// MaxFailures is the number of consecutive counted failures that opens
	// the breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the cool-down before a probe is allowed. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes admitted, and of successes needed
	// to close, in the half-open state. Default: 1, one session at a time.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker.
	// Default: every non-nil error counts.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the breaker's
	// lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now. Tests use it to step through the cool-down.
	Now func() time.Time
}

// CircuitBreaker implements the three-state breaker. It is safe for
// concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int // admitted in the current half-open round
	successes   int
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero config fields take
// their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn unless the breaker rejects it with [ErrCircuitOpen].
// Errors that IsFailure ignores leave the counters untouched.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.coolingDown() {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	if cb.state == StateOpen {
		cb.setState(StateHalfOpen)
	}
	probing := cb.state == StateHalfOpen
	if probing && cb.probes >= cb.cfg.HalfOpenMax {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	if probing {
		cb.probes++
	}
	admitted := cb.state
	cb.mu.Unlock()
	cb.notify(from, admitted)

	err := fn()

	cb.mu.Lock()
	from = cb.state
	switch {
	case err == nil:
		cb.succeeded(probing)
	case cb.cfg.IsFailure(err):
		cb.failed(probing)
	case probing:
		// Ignored outcome: hand the probe slot back.
		cb.probes--
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return err
}

func (cb *CircuitBreaker) coolingDown() bool {
	return cb.cfg.Now().Sub(cb.lastFailure) < cb.cfg.ResetTimeout
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) {
	cb.state = to
	cb.probes = 0
	cb.successes = 0
	if to == StateClosed {
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", cb.cfg.Name, "from", from, "to", to)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// failed must be called with cb.mu held.
func (cb *CircuitBreaker) failed(probing bool) {
	cb.lastFailure = cb.cfg.Now()
	if probing {
		cb.setState(StateOpen)
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
		cb.setState(StateOpen)
	}
}

// succeeded must be called with cb.mu held.
func (cb *CircuitBreaker) succeeded(probing bool) {
	if !probing {
		cb.failures = 0
		return
	}
	cb.successes++
	if cb.successes >= cb.cfg.HalfOpenMax {
		cb.setState(StateClosed)
	}
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current [State]. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.coolingDown() {
		return StateHalfOpen
	}
	return cb.state
}

// RetryAfter reports how long an open breaker keeps rejecting calls. It is
// zero in every other state.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	return max(cb.cfg.ResetTimeout-cb.cfg.Now().Sub(cb.lastFailure), 0)
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.setState(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
