package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned by [Try] when no backend in a [Chain] served the
// call.
var ErrAllFailed = errors.New("all backends failed")

// Chain is an ordered list of interchangeable backends, each guarded by its
// own [CircuitBreaker]. Backends are added before the chain is shared.
type Chain[T any] struct {
	cfg   CircuitBreakerConfig
	links []link[T]
}

type link[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// NewChain returns an empty chain. Every backend's breaker is built from cfg
// with Name set to the backend name.
func NewChain[T any](cfg CircuitBreakerConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends a backend. Backends are tried in the order they were added.
func (c *Chain[T]) Add(name string, v T) {
	cfg := c.cfg
	cfg.Name = name
	c.links = append(c.links, link[T]{name: name, value: v, breaker: NewCircuitBreaker(cfg)})
}

// Len reports the number of backends.
func (c *Chain[T]) Len() int { return len(c.links) }

// Names returns the backend names in the order they are tried.
func (c *Chain[T]) Names() []string {
	names := make([]string, len(c.links))
	for i, l := range c.links {
		names[i] = l.name
	}
	return names
}

// First returns the preferred backend. It panics on an empty chain.
func (c *Chain[T]) First() T { return c.links[0].value }

// Breaker returns the breaker guarding the named backend, or nil.
func (c *Chain[T]) Breaker(name string) *CircuitBreaker {
	for _, l := range c.links {
		if l.name == name {
			return l.breaker
		}
	}
	return nil
}

// Try calls fn on each backend in order until one succeeds and returns its
// result with the name of the backend that produced it. Backends whose
// breaker is open are skipped. Once ctx is done no further backend is tried.
//
// When nothing succeeds the error wraps [ErrAllFailed] and every attempt's
// error, each prefixed with its backend name.
func Try[T, R any](ctx context.Context, c *Chain[T], fn func(ctx context.Context, v T) (R, error)) (R, string, error) {
	var (
		zero R
		errs []error
	)
	for _, l := range c.links {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var res R
		err := l.breaker.Execute(func() error {
			var err error
			res, err = fn(ctx, l.value)
			return err
		})
		if err == nil {
			return res, l.name, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("backend skipped, circuit open", "backend", l.name)
			continue
		}
		slog.Warn("backend failed, trying next", "backend", l.name, "err", err)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
