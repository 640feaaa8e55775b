// Package ratelimit provides per-provider token-bucket rate limiting for
// pkg/gateway.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Config configures one provider's limiter (spec.md §4.3: PROVIDER_<NAME>_RPS).
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

func DefaultConfig() Config {
	return Config{RequestsPerSecond: 5, Burst: 10}
}

// Limiter wraps golang.org/x/time/rate behind a Wait(ctx) FIFO-fair surface.
type Limiter struct {
	limiter *rate.Limiter
}

func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow reports whether a token is available right now, without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Registry holds one Limiter per provider name, constructed from config.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Register installs (or replaces) the limiter for a provider name.
func (r *Registry) Register(provider string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiters[provider] = New(cfg)
}

// Get returns the limiter for provider, constructing one with defaults on
// first use so an unconfigured provider still gets bounded.
func (r *Registry) Get(provider string) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[provider]
	r.mu.RUnlock()
	if ok {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[provider]; ok {
		return l
	}
	l = New(DefaultConfig())
	r.limiters[provider] = l
	return l
}

// Wait blocks on the named provider's limiter.
func (r *Registry) Wait(ctx context.Context, provider string) error {
	if err := r.Get(provider).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for provider %q: %w", provider, err)
	}
	return nil
}
