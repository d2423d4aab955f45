// Package metrics provides Prometheus-based metrics recording for provider
// operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	throttleTotal   *prometheus.CounterVec
	queueWaitTime   *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_requests_total",
				Help: "Total number of provider requests by provider, call kind, and status",
			},
			[]string{"provider", "kind", "status", "error_type"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_tokens_total",
				Help: "Total number of tokens used in provider requests",
			},
			[]string{"provider", "kind"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_request_duration_seconds",
				Help:    "Duration of provider requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "kind"},
		),
		throttleTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_queue_throttle_total",
				Help: "Total number of requests delayed by the request queue's own concurrency gate",
			},
			[]string{"provider", "reason"},
		),
		queueWaitTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_queue_wait_duration_seconds",
				Help:    "Time a request spent waiting for a free concurrency slot before it started running",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
	}
}

// ObserveRequest records metrics for a completed provider call.
func (p *PrometheusRecorder) ObserveRequest(provider, kind string, tokens int, success bool, errorType string, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}

	p.requestsTotal.WithLabelValues(provider, kind, status, errorType).Inc()

	if success {
		p.tokensTotal.WithLabelValues(provider, kind).Add(float64(tokens))
	}

	p.requestDuration.WithLabelValues(provider, kind).Observe(duration.Seconds())
}

// IncThrottle increments the throttle counter for the queue's own
// concurrency gate.
func (p *PrometheusRecorder) IncThrottle(provider, reason string) {
	p.throttleTotal.WithLabelValues(provider, reason).Inc()
}

// ObserveQueueWait records time spent waiting for a concurrency slot.
func (p *PrometheusRecorder) ObserveQueueWait(provider string, duration time.Duration) {
	p.queueWaitTime.WithLabelValues(provider).Observe(duration.Seconds())
}
