package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

// Metrics implements entitlements.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	syncTotal                 *prometheus.CounterVec
	syncDuration              prometheus.Histogram
	tierChangesTotal          *prometheus.CounterVec
	quotaDeniedTotal          *prometheus.CounterVec
	driftRepairsTotal         *prometheus.CounterVec
	rolloverRunsTotal         *prometheus.CounterVec
	rolloverArchivedTotal     prometheus.Counter
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received from the billing provider.",
		}, []string{"event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook rejections and processing errors.",
		}, []string{"error_type"}),

		syncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "provider_sync_total",
			Help:      "Total number of subscription synchronizations against the provider.",
		}, []string{"status"}),

		syncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "provider_sync_duration_seconds",
			Help:      "Duration of provider synchronizations in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "tier_changes_total",
			Help:      "Total number of plan tier changes.",
		}, []string{"from_tier", "to_tier"}),

		quotaDeniedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "quota_denied_total",
			Help:      "Total number of quota consumptions rejected at the limit.",
		}, []string{"feature"}),

		driftRepairsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciliation",
			Name:      "drift_repairs_total",
			Help:      "Total number of auto-corrected divergences between stores.",
		}, []string{"kind"}),

		rolloverRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "rollover_runs_total",
			Help:      "Total number of monthly ledger rollover sweeps.",
		}, []string{"status"}),

		rolloverArchivedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "usage",
			Name:      "rollover_archived_entries_total",
			Help:      "Total number of ledger entries archived by rollover sweeps.",
		}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordSync(status string) {
	m.syncTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordSyncDuration(duration time.Duration) {
	m.syncDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordTierChange(fromTier, toTier string) {
	m.tierChangesTotal.WithLabelValues(fromTier, toTier).Inc()
}

func (m *Metrics) RecordQuotaDenied(feature string) {
	m.quotaDeniedTotal.WithLabelValues(feature).Inc()
}

func (m *Metrics) RecordDriftRepair(kind string) {
	m.driftRepairsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRolloverRun(status string, archived int) {
	m.rolloverRunsTotal.WithLabelValues(status).Inc()
	if archived > 0 {
		m.rolloverArchivedTotal.Add(float64(archived))
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) entitlements.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
