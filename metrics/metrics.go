// Package metrics provides Prometheus metrics for account-linking operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for linking operations.
type Metrics struct {
	enabled bool

	// Decision metrics
	decisionsTotal *prometheus.CounterVec

	// Verification metrics
	verificationFailuresTotal *prometheus.CounterVec

	// Cache metrics
	cacheHitsTotal            *prometheus.CounterVec
	cacheMissTotal            *prometheus.CounterVec
	cacheRefreshFailuresTotal *prometheus.CounterVec

	// Management API metrics
	managementCallsTotal *prometheus.CounterVec

	// Upstream latency
	upstreamDuration *prometheus.HistogramVec
}

// New creates and registers Prometheus metrics on the default registerer.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{}
	}
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates metrics registered on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{enabled: true}
	f := promauto.With(reg)

	m.decisionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "acctlink_decisions_total",
		Help: "Total engine decisions by phase and outcome",
	}, []string{"phase", "outcome"})

	m.verificationFailuresTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "acctlink_token_verification_failures_total",
		Help: "Total ID token verification failures",
	}, []string{"reason"})

	m.cacheHitsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "acctlink_cache_hits_total",
		Help: "Total cache hits",
	}, []string{"cache_type"})

	m.cacheMissTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "acctlink_cache_misses_total",
		Help: "Total cache misses",
	}, []string{"cache_type"})

	m.cacheRefreshFailuresTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "acctlink_cache_refresh_failures_total",
		Help: "Total failed refreshes after a cache miss",
	}, []string{"cache_type"})

	m.managementCallsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "acctlink_management_calls_total",
		Help: "Total management API link/unlink calls",
	}, []string{"operation", "result"})

	m.upstreamDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "acctlink_upstream_request_duration_seconds",
		Help:    "Upstream call duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"call"})

	return m
}

// RecordDecision records an engine decision.
func (m *Metrics) RecordDecision(phase, outcome string) {
	if !m.enabled {
		return
	}
	m.decisionsTotal.WithLabelValues(phase, outcome).Inc()
}

// RecordVerificationFailure records a rejected token.
func (m *Metrics) RecordVerificationFailure(reason string) {
	if !m.enabled {
		return
	}
	m.verificationFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cacheType string) {
	if !m.enabled {
		return
	}
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if !m.enabled {
		return
	}
	m.cacheMissTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheRefreshFailure records a refresh that failed after a miss.
func (m *Metrics) RecordCacheRefreshFailure(cacheType string) {
	if !m.enabled {
		return
	}
	m.cacheRefreshFailuresTotal.WithLabelValues(cacheType).Inc()
}

// RecordManagementCall records a link or unlink call result.
func (m *Metrics) RecordManagementCall(operation, result string) {
	if !m.enabled {
		return
	}
	m.managementCallsTotal.WithLabelValues(operation, result).Inc()
}

// ObserveUpstream records the duration of an upstream call.
func (m *Metrics) ObserveUpstream(call string, durationSeconds float64) {
	if !m.enabled {
		return
	}
	m.upstreamDuration.WithLabelValues(call).Observe(durationSeconds)
}
