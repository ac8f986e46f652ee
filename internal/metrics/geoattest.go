package metrics

import "time"

// VerifierMetrics holds the series recorded by the verification pipeline
// and its HTTP surface.
type VerifierMetrics struct {
	registry *Registry

	ViolationsRecorded *Counter
	FailOpen           *Counter
	PublishFailures    *Counter
	RateLimited        *Counter
	BiometricErrors    *Counter

	UnresolvedViolations *Gauge
	UptimeSeconds        *Gauge

	VerificationDuration *Histogram
	BiometricDuration    *Histogram

	started time.Time
}

// NewVerifierMetrics registers the verifier series on registry, or on the
// default registry when nil.
func NewVerifierMetrics(registry *Registry) *VerifierMetrics {
	if registry == nil {
		registry = Default()
	}
	return &VerifierMetrics{
		registry: registry,

		ViolationsRecorded: registry.Counter("violations_recorded_total",
			"Violation records written to the ledger", nil),
		FailOpen: registry.Counter("fail_open_total",
			"Verifications allowed because the verifier itself failed", nil),
		PublishFailures: registry.Counter("event_publish_failures_total",
			"Violation events that could not be published", nil),
		RateLimited: registry.Counter("rate_limited_total",
			"Verify requests rejected by the per-subject rate limiter", nil),
		BiometricErrors: registry.Counter("biometric_errors_total",
			"Face comparisons that failed or timed out", nil),

		UnresolvedViolations: registry.Gauge("unresolved_violations",
			"Violation records awaiting review", nil),
		UptimeSeconds: registry.Gauge("uptime_seconds",
			"Seconds since the daemon started", nil),

		VerificationDuration: registry.Histogram("verification_duration_seconds",
			"End-to-end verification latency", nil, DurationBuckets),
		BiometricDuration: registry.Histogram("biometric_duration_seconds",
			"Face comparison latency", nil, DurationBuckets),

		started: time.Now(),
	}
}

// RecordVerification counts one verification by action and records its
// duration.
func (m *VerifierMetrics) RecordVerification(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.registry.Counter("verifications_total", "Completed verifications by action", Labels{"action": action}).Inc()
	m.VerificationDuration.ObserveDuration(d)
}

// RecordCheckFailure counts a check that errored, panicked or timed out.
func (m *VerifierMetrics) RecordCheckFailure(check string) {
	if m == nil {
		return
	}
	m.registry.Counter("check_failures_total", "Checks replaced by a neutral result", Labels{"check": check}).Inc()
}

// RecordViolation counts a ledger write.
func (m *VerifierMetrics) RecordViolation() {
	if m == nil {
		return
	}
	m.ViolationsRecorded.Inc()
	m.UnresolvedViolations.Inc()
}

// RecordResolution reflects a resolved record in the unresolved gauge.
func (m *VerifierMetrics) RecordResolution() {
	if m == nil {
		return
	}
	m.UnresolvedViolations.Dec()
}

// RecordFailOpen counts a fail-open verification.
func (m *VerifierMetrics) RecordFailOpen() {
	if m == nil {
		return
	}
	m.FailOpen.Inc()
}

// RecordPublishFailure counts an event that was not published.
func (m *VerifierMetrics) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.PublishFailures.Inc()
}

// RecordRateLimited counts a rejected request.
func (m *VerifierMetrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

// RecordBiometric records one face comparison.
func (m *VerifierMetrics) RecordBiometric(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.BiometricDuration.ObserveDuration(d)
	if err != nil {
		m.BiometricErrors.Inc()
	}
}

// UpdateUptime refreshes the uptime gauge.
func (m *VerifierMetrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

// Registry returns the registry the series live on.
func (m *VerifierMetrics) Registry() *Registry {
	return m.registry
}
