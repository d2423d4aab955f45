// Package ratelimit paces outbound provider calls using a token-bucket rate
// limiter combined with a concurrency semaphore, so a burst of chapter or
// feedback requests cannot overrun a provider's own rate limits.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Config defines pacing configuration for a single provider.
type Config struct {
	RequestsPerSecond float64 // Sustained request rate
	Burst             int     // Maximum burst size
	MaxConcurrency    int     // Maximum concurrent in-flight requests
}

// Limiter paces requests to a single provider.
type Limiter interface {
	// Acquire blocks until both a rate-limiter reservation and a concurrency
	// slot are available, or ctx is cancelled. The returned release func must
	// be called exactly once to free the concurrency slot.
	Acquire(ctx context.Context) (release func(), err error)

	// Stats returns a snapshot of current limiter activity.
	Stats() LimiterStats
}

// LimiterStats reports current limiter activity for introspection.
type LimiterStats struct {
	Provider       string
	ActiveRequests int
	MaxConcurrency int
	ThrottleHits   int64
}

type providerLimiter struct {
	provider string
	rate     *rate.Limiter
	sem      chan struct{}

	mu             sync.Mutex
	activeRequests int
	throttleHits   int64
}

// NewLimiter creates a paced limiter for provider, combining a token-bucket
// rate limiter with a bounded concurrency semaphore.
func NewLimiter(provider string, cfg Config) Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &providerLimiter{
		provider: provider,
		rate:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		sem:      make(chan struct{}, maxConcurrency),
	}
}

func (l *providerLimiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.rate.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait for provider %s: %w", l.provider, err)
	}

	select {
	case l.sem <- struct{}{}:
	default:
		l.mu.Lock()
		l.throttleHits++
		l.mu.Unlock()
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("concurrency slot wait for provider %s: %w", l.provider, ctx.Err())
		}
	}

	l.mu.Lock()
	l.activeRequests++
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			l.activeRequests--
			l.mu.Unlock()
			<-l.sem
		})
	}
	return release, nil
}

func (l *providerLimiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{
		Provider:       l.provider,
		ActiveRequests: l.activeRequests,
		MaxConcurrency: cap(l.sem),
		ThrottleHits:   l.throttleHits,
	}
}

// Registry manages one Limiter per named provider.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]Limiter
	defaults Config
}

// NewRegistry creates a registry that lazily builds a Limiter per provider
// name using defaultConfig, the first time that provider is requested.
func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{limiters: make(map[string]Limiter), defaults: defaultConfig}
}

// For returns the Limiter for provider, creating one on first use.
func (r *Registry) For(provider string) Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[provider]; ok {
		return l
	}
	l := NewLimiter(provider, r.defaults)
	r.limiters[provider] = l
	return l
}

// AllStats returns a snapshot of every limiter currently registered.
func (r *Registry) AllStats() map[string]LimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]LimiterStats, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = l.Stats()
	}
	return out
}
