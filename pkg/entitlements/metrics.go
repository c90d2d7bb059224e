package entitlements

import "time"

// Metrics defines the interface for tracking reconciliation operations.
// All methods are optional - components should gracefully handle nil metrics
// by substituting NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook event.
	// status: "success", "duplicate", "orphaned" or "error"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long processing took.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook rejection or failure.
	// errorType: "auth_failed", "invalid_payload", "admission_error", ...
	RecordWebhookError(errorType string)

	// RecordSync records a provider synchronization.
	// status: "success", "provider_unavailable" or "error"
	RecordSync(status string)

	// RecordSyncDuration records how long a sync took.
	RecordSyncDuration(duration time.Duration)

	// RecordTierChange records when a user's plan tier changes.
	RecordTierChange(fromTier, toTier string)

	// RecordQuotaDenied records a rejected quota consumption.
	RecordQuotaDenied(feature string)

	// RecordDriftRepair records an auto-corrected divergence.
	// kind: "profile_replica", "slot_display"
	RecordDriftRepair(kind string)

	// RecordRolloverRun records a ledger rollover sweep.
	RecordRolloverRun(status string, archived int)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                           {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                              {}
func (n *NoopMetrics) RecordSync(_ string)                                      {}
func (n *NoopMetrics) RecordSyncDuration(_ time.Duration)                       {}
func (n *NoopMetrics) RecordTierChange(_, _ string)                             {}
func (n *NoopMetrics) RecordQuotaDenied(_ string)                               {}
func (n *NoopMetrics) RecordDriftRepair(_ string)                               {}
func (n *NoopMetrics) RecordRolloverRun(_ string, _ int)                        {}
