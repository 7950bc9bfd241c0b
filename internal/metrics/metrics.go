// Package metrics exposes the engine's Prometheus collectors:
// alert admission/suppression/merge counts, escalation level
// distribution, notification delivery outcomes per channel, remediation
// execution outcomes, and Store retry/backoff counts. Collectors are
// package-level promauto vars registered against the default registry so a
// single /metrics handler in cmd/iaer serves everything.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertsAdmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iaer_alerts_admitted_total",
			Help: "Total alerts that created a new Alert record, by severity.",
		},
		[]string{"severity"},
	)

	AlertsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iaer_alerts_suppressed_total",
			Help: "Total ingress alerts suppressed by the Suppression Index, by reason.",
		},
		[]string{"reason"},
	)

	AlertsMergedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iaer_alerts_merged_total",
			Help: "Total ingress alerts merged into an existing correlated Alert.",
		},
	)

	EscalationLevelCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iaer_escalation_level_alerts",
			Help: "Count of non-terminal alerts currently at each escalation level.",
		},
		[]string{"level"},
	)

	NotificationOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iaer_notification_outcomes_total",
			Help: "Terminal notification job outcomes, by channel and status.",
		},
		[]string{"channel", "status"},
	)

	NotificationDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iaer_notification_delivery_duration_seconds",
			Help:    "Time from job enqueue to terminal outcome, by channel.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	RemediationOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iaer_remediation_outcomes_total",
			Help: "Terminal remediation execution outcomes, by action and status.",
		},
		[]string{"action_id", "status"},
	)

	RemediationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iaer_remediation_duration_seconds",
			Help:    "Remediation execution wall-clock duration, by action.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"action_id"},
	)

	StoreRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iaer_store_retries_total",
			Help: "Store operations retried after a transient error, by operation.",
		},
		[]string{"operation"},
	)

	StoreCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iaer_store_circuit_open",
			Help: "1 if the Store's circuit breaker is open (store considered unavailable), else 0.",
		},
	)

	RetentionSweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iaer_retention_swept_total",
			Help: "Records deleted by the retention sweep, by kind.",
		},
		[]string{"kind"},
	)
)

// RecordAlertAdmitted increments AlertsAdmittedTotal for severity.
func RecordAlertAdmitted(severity string) {
	AlertsAdmittedTotal.WithLabelValues(severity).Inc()
}

// RecordAlertSuppressed increments AlertsSuppressedTotal for reason.
func RecordAlertSuppressed(reason string) {
	AlertsSuppressedTotal.WithLabelValues(reason).Inc()
}

// RecordAlertMerged increments AlertsMergedTotal.
func RecordAlertMerged() {
	AlertsMergedTotal.Inc()
}

// SetEscalationLevelCount sets the current gauge for a level.
func SetEscalationLevelCount(level string, n float64) {
	EscalationLevelCurrent.WithLabelValues(level).Set(n)
}

// RecordNotificationOutcome records a terminal job outcome and, when the
// enqueue instant is known, its latency.
func RecordNotificationOutcome(channel, status string, since time.Time) {
	NotificationOutcomesTotal.WithLabelValues(channel, status).Inc()
	if !since.IsZero() {
		NotificationDeliveryDuration.WithLabelValues(channel).Observe(time.Since(since).Seconds())
	}
}

// RecordRemediationOutcome records a terminal execution outcome and its duration.
func RecordRemediationOutcome(actionID, status string, duration time.Duration) {
	RemediationOutcomesTotal.WithLabelValues(actionID, status).Inc()
	RemediationDuration.WithLabelValues(actionID).Observe(duration.Seconds())
}

// RecordStoreRetry increments StoreRetriesTotal for operation.
func RecordStoreRetry(operation string) {
	StoreRetriesTotal.WithLabelValues(operation).Inc()
}

// SetStoreCircuitOpen reflects the breaker's open/closed state.
func SetStoreCircuitOpen(open bool) {
	if open {
		StoreCircuitState.Set(1)
		return
	}
	StoreCircuitState.Set(0)
}

// RecordRetentionSwept increments RetentionSweptTotal for kind by n.
func RecordRetentionSwept(kind string, n int) {
	if n <= 0 {
		return
	}
	RetentionSweptTotal.WithLabelValues(kind).Add(float64(n))
}
