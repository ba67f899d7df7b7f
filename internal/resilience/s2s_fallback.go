package resilience

import (
	"context"
	"log/slog"
	"os"

	"github.com/corbettdesign/studiovoice/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover across several
// speech-to-speech backends. Only session establishment fails over; once a
// session is open its errors belong to the caller.
type S2SFallback struct {
	chain     *Chain[backend]
	lookupEnv func(string) (string, bool)
}

var _ s2s.Provider = (*S2SFallback)(nil)

type backend struct {
	provider  s2s.Provider
	apiKeyEnv string
	primary   bool
}

// NewS2SFallback returns a provider that prefers primary. The primary
// receives the caller's [s2s.SessionConfig] unchanged. breaker configures the
// per-backend circuit breakers.
func NewS2SFallback(primary s2s.Provider, primaryName string, breaker CircuitBreakerConfig) *S2SFallback {
	c := NewChain[backend](breaker)
	c.Add(primaryName, backend{provider: primary, primary: true})
	return &S2SFallback{chain: c, lookupEnv: os.LookupEnv}
}

// AddFallback registers a fallback backend. Its credential is read from
// apiKeyEnv at connect time; an empty apiKeyEnv reuses the caller's key.
// The caller's model is not forwarded, so the backend uses the model it was
// built with.
func (f *S2SFallback) AddFallback(name string, provider s2s.Provider, apiKeyEnv string) {
	f.chain.Add(name, backend{provider: provider, apiKeyEnv: apiKeyEnv})
}

// Names returns the backend names in failover order.
func (f *S2SFallback) Names() []string { return f.chain.Names() }

// Breaker returns the breaker guarding the named backend, or nil.
func (f *S2SFallback) Breaker(name string) *CircuitBreaker { return f.chain.Breaker(name) }

// Connect opens a session on the first healthy backend.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	sess, name, err := Try(ctx, f.chain, func(ctx context.Context, b backend) (s2s.SessionHandle, error) {
		c := cfg
		if !b.primary {
			c.Model = ""
			if b.apiKeyEnv != "" {
				c.APIKey, _ = f.lookupEnv(b.apiKeyEnv)
			}
		}
		return b.provider.Connect(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	if name != f.chain.Names()[0] {
		slog.Warn("session opened on fallback backend", "backend", name)
	}
	return sess, nil
}

// Capabilities returns the primary backend's capabilities.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.chain.First().provider.Capabilities()
}
