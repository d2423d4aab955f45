package metrics

import (
	"sync"
	"time"
)

// InternalRecorder implements Recorder using in-memory aggregation, keyed by
// provider name. Much simpler than Prometheus and useful when a scrape
// target isn't worth standing up (local runs, tests, a debug endpoint).
type InternalRecorder struct {
	mu        sync.RWMutex
	providers map[string]*ProviderMetrics
}

// ProviderMetrics is aggregated activity for a single provider backend.
//
//nolint:govet
type ProviderMetrics struct {
	Provider      string    `json:"provider"`
	RequestCount  int64     `json:"request_count"`
	ErrorCount    int64     `json:"error_count"`
	TotalTokens   int64     `json:"total_tokens"`
	ThrottleCount int64     `json:"throttle_count"`
	LastUpdated   time.Time `json:"last_updated"`
}

// NewInternalRecorder returns a fresh in-memory recorder.
func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{providers: make(map[string]*ProviderMetrics)}
}

func (r *InternalRecorder) entry(provider string) *ProviderMetrics {
	p, ok := r.providers[provider]
	if !ok {
		p = &ProviderMetrics{Provider: provider}
		r.providers[provider] = p
	}
	return p
}

// ObserveRequest records metrics for a completed provider call.
func (r *InternalRecorder) ObserveRequest(provider, _ string, tokens int, success bool, _ string, _ time.Duration) {
	if provider == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.entry(provider)
	p.RequestCount++
	if success {
		p.TotalTokens += int64(tokens)
	} else {
		p.ErrorCount++
	}
	p.LastUpdated = time.Now()
}

// IncThrottle records a queue-level throttling event for provider.
func (r *InternalRecorder) IncThrottle(provider, _ string) {
	if provider == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(provider).ThrottleCount++
}

// ObserveQueueWait is a no-op for the in-memory recorder: queue wait is a
// latency distribution, not something a single running total usefully
// represents.
func (r *InternalRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

// Snapshot returns a copy of the metrics recorded for provider, or nil if
// nothing has been recorded for it yet.
func (r *InternalRecorder) Snapshot(provider string) *ProviderMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[provider]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// SnapshotAll returns a copy of metrics recorded for every provider seen so
// far.
func (r *InternalRecorder) SnapshotAll() map[string]*ProviderMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*ProviderMetrics, len(r.providers))
	for name, p := range r.providers {
		cp := *p
		out[name] = &cp
	}
	return out
}
