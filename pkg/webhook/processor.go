// Package webhook ingests billing provider events and applies their side
// effects to the reconciled subscription state. Delivery is at-least-once;
// the event log keyed by provider event ID collapses it to effectively-once.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seekwell/entitlements/pkg/billing"
	"github.com/seekwell/entitlements/pkg/entitlements"
)

// errOrphanedEvent marks an event whose user could not be resolved through
// any channel. Orphans are recorded and acknowledged, never raised: the
// provider will not redeliver forever, and a dropped event is recoverable
// through on-demand sync while a crash loop is not.
var errOrphanedEvent = errors.New("orphaned event: user could not be resolved")

// Config holds the processor's collaborators.
type Config struct {
	Events        entitlements.EventLog
	Subscriptions entitlements.SubscriptionStore
	Profiles      entitlements.ProfileStore
	Payments      entitlements.PaymentStore
	Gateway       billing.Gateway
	Catalog       entitlements.Catalog
	Logger        entitlements.Logger
	Metrics       entitlements.Metrics
}

// Processor orchestrates event admission, user resolution and type-specific
// side effects.
type Processor struct {
	events   entitlements.EventLog
	subs     entitlements.SubscriptionStore
	profiles entitlements.ProfileStore
	payments entitlements.PaymentStore
	gateway  billing.Gateway
	catalog  entitlements.Catalog
	logger   entitlements.Logger
	metrics  entitlements.Metrics
	now      func() time.Time
}

// NewProcessor creates a new webhook processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Events == nil || cfg.Subscriptions == nil || cfg.Profiles == nil ||
		cfg.Payments == nil || cfg.Gateway == nil || cfg.Catalog == nil {
		return nil, fmt.Errorf("webhook: missing required collaborator")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &entitlements.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &entitlements.NoopMetrics{}
	}

	return &Processor{
		events:   cfg.Events,
		subs:     cfg.Subscriptions,
		profiles: cfg.Profiles,
		payments: cfg.Payments,
		gateway:  cfg.Gateway,
		catalog:  cfg.Catalog,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Handle processes one verified event. It returns an error only when the
// event log itself is unreachable (the delivery endpoint answers 5xx and the
// provider redelivers); handler failures and orphans are recorded on the log
// entry and acknowledged.
func (p *Processor) Handle(ctx context.Context, ev *billing.Event) error {
	start := p.now()

	stored, created, err := p.events.AdmitEvent(ctx, &entitlements.BillingEvent{
		EventID:    ev.ID,
		EventType:  ev.Type,
		ReceivedAt: start,
		RawPayload: ev.Raw,
	})
	if err != nil {
		p.metrics.RecordWebhookError("admission_error")
		return fmt.Errorf("event admission: %w", err)
	}

	if !created && stored.Processed {
		p.logger.Debug("duplicate event delivery, skipping",
			entitlements.Field{Key: "event_id", Value: ev.ID},
			entitlements.Field{Key: "event_type", Value: ev.Type})
		p.metrics.RecordWebhookEvent(ev.Type, "duplicate")
		return nil
	}

	procErr := p.apply(ctx, ev)

	var errMsg, status string
	switch {
	case procErr == nil:
		status = "success"
	case errors.Is(procErr, errOrphanedEvent):
		status = "orphaned"
		errMsg = procErr.Error()
		p.logger.Warn("event orphaned, recorded without side effects",
			entitlements.Field{Key: "event_id", Value: ev.ID},
			entitlements.Field{Key: "event_type", Value: ev.Type},
			entitlements.Field{Key: "reason", Value: procErr.Error()})
	default:
		status = "error"
		errMsg = procErr.Error()
		p.logger.Error("event handler failed, recorded and acknowledged",
			entitlements.Field{Key: "event_id", Value: ev.ID},
			entitlements.Field{Key: "event_type", Value: ev.Type},
			entitlements.Field{Key: "error", Value: procErr.Error()})
	}

	// Finalize regardless of outcome so a permanently failing event does
	// not retry forever. Recovery for recorded failures is on-demand sync.
	if markErr := p.events.MarkProcessed(ctx, ev.ID, errMsg); markErr != nil {
		p.logger.Error("failed to finalize event log entry",
			entitlements.Field{Key: "event_id", Value: ev.ID},
			entitlements.Field{Key: "error", Value: markErr.Error()})
	}

	p.metrics.RecordWebhookEvent(ev.Type, status)
	p.metrics.RecordWebhookProcessingDuration(ev.Type, p.now().Sub(start))
	return nil
}

// apply dispatches the event to its type-specific handler.
func (p *Processor) apply(ctx context.Context, ev *billing.Event) error {
	switch ev.Type {
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated:
		return p.applySubscriptionChange(ctx, ev)
	case billing.EventSubscriptionDeleted:
		return p.applySubscriptionDeleted(ctx, ev)
	case billing.EventPaymentSucceeded:
		return p.applyPaymentSucceeded(ctx, ev)
	case billing.EventPaymentFailed:
		return p.applyPaymentFailed(ctx, ev)
	case billing.EventCheckoutCompleted:
		return p.applyCheckoutCompleted(ctx, ev)
	default:
		p.logger.Debug("unrecognized event type acknowledged",
			entitlements.Field{Key: "event_type", Value: ev.Type})
		return nil
	}
}

// resolveUserID resolves the internal user ID for an event. Resolution
// order: event metadata, reverse lookup of the subscription record by
// customer ID, then the provider customer object's metadata.
func (p *Processor) resolveUserID(ctx context.Context, metadata map[string]string, customerID string) (string, error) {
	if userID := metadata["user_id"]; userID != "" {
		return userID, nil
	}

	if customerID == "" {
		return "", fmt.Errorf("%w: no customer reference on event", errOrphanedEvent)
	}

	rec, err := p.subs.GetSubscriptionByCustomerID(ctx, customerID)
	if err == nil {
		return rec.UserID, nil
	}
	if !errors.Is(err, entitlements.ErrSubscriptionNotFound) {
		return "", fmt.Errorf("customer reverse lookup: %w", err)
	}

	cust, err := p.gateway.GetCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) {
			return "", fmt.Errorf("%w: customer %s unknown to provider", errOrphanedEvent, customerID)
		}
		return "", fmt.Errorf("customer fetch: %w", err)
	}
	if userID := cust.Metadata["user_id"]; userID != "" {
		return userID, nil
	}

	return "", fmt.Errorf("%w: customer %s has no user metadata", errOrphanedEvent, customerID)
}

// writeBoth persists the record to the relational copy (canonical) and then
// the document profile (replica). A replica failure after a canonical
// success is a partial write: logged distinctly and left to the read path's
// reconciliation to repair, not surfaced as a handler failure.
func (p *Processor) writeBoth(ctx context.Context, rec *entitlements.SubscriptionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	if err := p.subs.UpsertSubscription(ctx, rec); err != nil {
		return fmt.Errorf("subscription row write: %w", err)
	}

	if err := p.profiles.SetProfileSubscription(ctx, rec); err != nil {
		p.logger.Warn("partial dual-store write: profile replica update failed",
			entitlements.Field{Key: "user_id", Value: rec.UserID},
			entitlements.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordDriftRepair("profile_replica_pending")
	}
	return nil
}

func mapStatus(providerStatus string) entitlements.SubscriptionStatus {
	switch providerStatus {
	case "active":
		return entitlements.StatusActive
	case "trialing":
		return entitlements.StatusTrialing
	case "past_due", "unpaid", "incomplete":
		return entitlements.StatusPastDue
	case "canceled", "incomplete_expired":
		return entitlements.StatusCanceled
	default:
		return entitlements.StatusPastDue
	}
}
