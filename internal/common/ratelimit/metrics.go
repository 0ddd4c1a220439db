package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus collectors for the limit stores.
// A nil *Metrics records nothing.
type Metrics struct {
	hits          *prometheus.CounterVec
	acquires      *prometheus.CounterVec
	releases      *prometheus.CounterVec
	extends       *prometheus.CounterVec
	storageErrors *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg builds unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		hits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_limits_rate_limit_hits_total",
				Help: "Rate limit checks by decision",
			},
			[]string{"backend", "result"},
		),

		acquires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_limits_slot_acquires_total",
				Help: "Concurrency slot acquisitions by decision",
			},
			[]string{"backend", "result"},
		),

		releases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_limits_slot_releases_total",
				Help: "Concurrency slot releases by outcome",
			},
			[]string{"backend", "result"},
		),

		extends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_limits_slot_extends_total",
				Help: "Concurrency slot extensions by outcome",
			},
			[]string{"backend", "result"},
		),

		storageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_limits_storage_errors_total",
				Help: "Store calls that failed because storage was unavailable",
			},
			[]string{"backend", "op"},
		),

		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chat_limits_operation_duration_seconds",
				Help:    "Latency of limit store operations",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"backend", "op"},
		),
	}
}

// RecordHit records a rate limit decision
func (m *Metrics) RecordHit(backend Backend, allowed bool) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(string(backend), decision(allowed, "allowed", "denied")).Inc()
}

// RecordAcquire records a slot acquisition decision
func (m *Metrics) RecordAcquire(backend Backend, granted bool) {
	if m == nil {
		return
	}
	m.acquires.WithLabelValues(string(backend), decision(granted, "granted", "denied")).Inc()
}

// RecordRelease records whether a release found its slot
func (m *Metrics) RecordRelease(backend Backend, released bool) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(string(backend), decision(released, "released", "missing")).Inc()
}

// RecordExtend records whether an extension found its slot
func (m *Metrics) RecordExtend(backend Backend, extended bool) {
	if m == nil {
		return
	}
	m.extends.WithLabelValues(string(backend), decision(extended, "extended", "missing")).Inc()
}

// RecordStorageError records a call that failed on storage
func (m *Metrics) RecordStorageError(backend Backend, op string) {
	if m == nil {
		return
	}
	m.storageErrors.WithLabelValues(string(backend), op).Inc()
}

// ObserveDuration records how long op took
func (m *Metrics) ObserveDuration(backend Backend, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(string(backend), op).Observe(d.Seconds())
}

func decision(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
