// Package metrics records operational metrics for provider calls made
// through the request queue: request counts, token usage, latency, and
// scheduling pressure (throttling, queue wait).
package metrics

import "time"

// Recorder defines the interface for recording provider-call metrics.
type Recorder interface {
	// ObserveRequest records metrics for one completed provider call.
	// kind identifies which Provider method ran ("generate_story",
	// "summarize", "chat"); provider is the backend name ("anthropic",
	// "openai", ...); tokens is the call's total token usage as reported by
	// provider.Result (the interface carries no prompt/completion split).
	ObserveRequest(provider, kind string, tokens int, success bool, errorType string, duration time.Duration)

	// IncThrottle records a request delayed by the queue's own concurrency
	// gate, distinct from provider-side rate limiting.
	IncThrottle(provider, reason string)

	// ObserveQueueWait records time a task spent waiting for a free
	// concurrency slot before it started running.
	ObserveQueueWait(provider string, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are
// disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder { return &NoopRecorder{} }

func (n *NoopRecorder) ObserveRequest(_, _ string, _ int, _ bool, _ string, _ time.Duration) {}
func (n *NoopRecorder) IncThrottle(_, _ string)                                              {}
func (n *NoopRecorder) ObserveQueueWait(_ string, _ time.Duration)                           {}
