package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewWithRegisterer(prometheus.NewRegistry())
}

func TestMetricsDisabled(t *testing.T) {
	metrics := New(false)

	if metrics == nil {
		t.Fatal("metrics should not be nil (noop)")
	}

	// These should not panic even though they're noop
	metrics.RecordDecision("execute", "skip")
	metrics.RecordVerificationFailure("nonce")
	metrics.RecordCacheHit("credential")
	metrics.RecordCacheMiss("signing_key")
	metrics.RecordCacheRefreshFailure("credential")
	metrics.RecordManagementCall("link", "success")
	metrics.ObserveUpstream("token_exchange", 0.01)
}

func TestRecordDecision(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordDecision("execute", "redirect")
	m.RecordDecision("execute", "redirect")
	m.RecordDecision("continue", "linked")

	if got := testutil.ToFloat64(m.decisionsTotal.WithLabelValues("execute", "redirect")); got != 2 {
		t.Errorf("execute/redirect = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.decisionsTotal.WithLabelValues("continue", "linked")); got != 1 {
		t.Errorf("continue/linked = %v, want 1", got)
	}
}

func TestRecordCacheMetrics(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordCacheHit("credential")
	m.RecordCacheMiss("signing_key")
	m.RecordCacheMiss("signing_key")
	m.RecordCacheRefreshFailure("signing_key")

	if got := testutil.ToFloat64(m.cacheHitsTotal.WithLabelValues("credential")); got != 1 {
		t.Errorf("hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.cacheMissTotal.WithLabelValues("signing_key")); got != 2 {
		t.Errorf("misses = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cacheRefreshFailuresTotal.WithLabelValues("signing_key")); got != 1 {
		t.Errorf("refresh failures = %v, want 1", got)
	}
}

func TestRecordVerificationAndManagement(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordVerificationFailure("nonce")
	m.RecordManagementCall("unlink", "failure")
	m.ObserveUpstream("jwks_fetch", 0.2)

	if got := testutil.ToFloat64(m.verificationFailuresTotal.WithLabelValues("nonce")); got != 1 {
		t.Errorf("verification failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.managementCallsTotal.WithLabelValues("unlink", "failure")); got != 1 {
		t.Errorf("management calls = %v, want 1", got)
	}
}

func TestSeparateRegistriesDoNotConflict(t *testing.T) {
	// Registering twice on distinct registries must not panic.
	_ = newTestMetrics(t)
	_ = newTestMetrics(t)
}
