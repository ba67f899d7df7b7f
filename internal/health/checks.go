package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corbettdesign/studiovoice/internal/resilience"
	"github.com/corbettdesign/studiovoice/internal/voice"
)

// SessionReporter exposes the voice controller's lifecycle state.
type SessionReporter interface {
	State() voice.State
	LastError() error
}

// SessionChecker fails while the controller is in [voice.StateError]. Any
// other state, idle included, is ready: a stopped session is a normal
// condition.
func SessionChecker(r SessionReporter) Checker {
	return Checker{
		Name: "session",
		Check: func(_ context.Context) error {
			if r.State() != voice.StateError {
				return nil
			}
			if err := r.LastError(); err != nil {
				return fmt.Errorf("voice session failed: %w", err)
			}
			return errors.New("voice session failed")
		},
	}
}

// BreakerChecker fails while cb is open and new sessions are rejected
// without dialling. The error says when the next probe is allowed.
func BreakerChecker(cb *resilience.CircuitBreaker) Checker {
	return Checker{
		Name: "provider",
		Check: func(_ context.Context) error {
			if cb.State() != resilience.StateOpen {
				return nil
			}
			return fmt.Errorf("%w: retry in %s", resilience.ErrCircuitOpen, cb.RetryAfter().Round(time.Second))
		},
	}
}
