package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seekwell/entitlements/pkg/billing"
	"github.com/seekwell/entitlements/pkg/entitlements"
)

// applySubscriptionChange handles subscription.created and
// subscription.updated. The provider is authoritative: the record is
// overwritten with the event's own field values, guarded only by the
// provider timestamp so a stale out-of-order delivery is not applied over a
// newer one.
func (p *Processor) applySubscriptionChange(ctx context.Context, ev *billing.Event) error {
	sub := ev.Subscription
	if sub == nil {
		return fmt.Errorf("%w: event carries no subscription object", billing.ErrInvalidPayload)
	}

	userID, err := p.resolveUserID(ctx, sub.Metadata, sub.CustomerID)
	if err != nil {
		return err
	}

	existing, err := p.loadExisting(ctx, userID)
	if err != nil {
		return err
	}
	if isStale(existing, sub.UpdatedAt) {
		p.logStale(ev, userID)
		return nil
	}

	rec, err := p.recordFromProvider(ctx, userID, sub)
	if err != nil {
		return err
	}
	p.noteTierChange(existing, rec)
	return p.writeBoth(ctx, rec)
}

// applySubscriptionDeleted forces the user back to the free tier. The
// transition is accepted unconditionally from any state.
func (p *Processor) applySubscriptionDeleted(ctx context.Context, ev *billing.Event) error {
	sub := ev.Subscription
	if sub == nil {
		return fmt.Errorf("%w: event carries no subscription object", billing.ErrInvalidPayload)
	}

	userID, err := p.resolveUserID(ctx, sub.Metadata, sub.CustomerID)
	if err != nil {
		return err
	}

	existing, err := p.loadExisting(ctx, userID)
	if err != nil {
		return err
	}
	if isStale(existing, sub.UpdatedAt) {
		p.logStale(ev, userID)
		return nil
	}

	customerID := sub.CustomerID
	if customerID == "" && existing != nil {
		customerID = existing.CustomerID
	}

	rec := &entitlements.SubscriptionRecord{
		UserID:            userID,
		PlanTier:          entitlements.PlanFree,
		Status:            entitlements.StatusCanceled,
		CustomerID:        customerID,
		ProviderUpdatedAt: sub.UpdatedAt,
		UpdatedAt:         p.now(),
	}
	p.noteTierChange(existing, rec)
	return p.writeBoth(ctx, rec)
}

// applyPaymentSucceeded records the payment (insert-if-absent on the payment
// intent ID) and refreshes the subscription record from the provider so the
// new billing period takes effect without waiting for the next event.
func (p *Processor) applyPaymentSucceeded(ctx context.Context, ev *billing.Event) error {
	inv := ev.Invoice
	if inv == nil {
		return fmt.Errorf("%w: event carries no invoice object", billing.ErrInvalidPayload)
	}
	if inv.SubscriptionID == "" {
		// One-off invoice, nothing to reconcile.
		return nil
	}

	userID, err := p.resolveUserID(ctx, nil, inv.CustomerID)
	if err != nil {
		return err
	}

	if inv.PaymentIntentID != "" {
		inserted, err := p.payments.InsertPayment(ctx, &entitlements.PaymentRecord{
			UserID:          userID,
			PaymentIntentID: inv.PaymentIntentID,
			InvoiceID:       inv.ID,
			Amount:          inv.AmountPaid,
			Currency:        inv.Currency,
			Status:          "succeeded",
			BillingReason:   inv.BillingReason,
			CreatedAt:       inv.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("payment insert: %w", err)
		}
		if !inserted {
			p.logger.Debug("payment already recorded",
				entitlements.Field{Key: "payment_intent_id", Value: inv.PaymentIntentID})
		}
	}

	// Enrichment lookup: one bounded attempt, no synchronous retry. On
	// failure the payment stays recorded and the period refresh is left to
	// the next event or on-demand sync.
	sub, err := p.gateway.GetSubscription(ctx, inv.SubscriptionID)
	if err != nil {
		p.logger.Warn("period refresh skipped: subscription fetch failed",
			entitlements.Field{Key: "subscription_id", Value: inv.SubscriptionID},
			entitlements.Field{Key: "error", Value: err.Error()})
		return nil
	}
	sub.UpdatedAt = ev.CreatedAt

	existing, err := p.loadExisting(ctx, userID)
	if err != nil {
		return err
	}
	if isStale(existing, sub.UpdatedAt) {
		p.logStale(ev, userID)
		return nil
	}

	rec, err := p.recordFromProvider(ctx, userID, sub)
	if err != nil {
		return err
	}
	p.noteTierChange(existing, rec)
	return p.writeBoth(ctx, rec)
}

// applyPaymentFailed records the failed payment and marks the subscription
// past_due. The plan tier is untouched: access is only revoked when the
// provider actually cancels.
func (p *Processor) applyPaymentFailed(ctx context.Context, ev *billing.Event) error {
	inv := ev.Invoice
	if inv == nil {
		return fmt.Errorf("%w: event carries no invoice object", billing.ErrInvalidPayload)
	}
	if inv.SubscriptionID == "" {
		return nil
	}

	userID, err := p.resolveUserID(ctx, nil, inv.CustomerID)
	if err != nil {
		return err
	}

	if inv.PaymentIntentID != "" {
		if _, err := p.payments.InsertPayment(ctx, &entitlements.PaymentRecord{
			UserID:          userID,
			PaymentIntentID: inv.PaymentIntentID,
			InvoiceID:       inv.ID,
			Amount:          inv.AmountDue,
			Currency:        inv.Currency,
			Status:          "failed",
			BillingReason:   inv.BillingReason,
			CreatedAt:       inv.CreatedAt,
		}); err != nil {
			return fmt.Errorf("payment insert: %w", err)
		}
	}

	existing, err := p.loadExisting(ctx, userID)
	if err != nil {
		return err
	}
	if existing == nil || existing.Status == entitlements.StatusCanceled {
		return nil
	}
	if isStale(existing, ev.CreatedAt) {
		p.logStale(ev, userID)
		return nil
	}

	rec := *existing
	rec.Status = entitlements.StatusPastDue
	rec.ProviderUpdatedAt = ev.CreatedAt
	rec.UpdatedAt = p.now()
	return p.writeBoth(ctx, &rec)
}

// applyCheckoutCompleted activates the subscription immediately after
// checkout instead of waiting for the subscription.created delivery.
func (p *Processor) applyCheckoutCompleted(ctx context.Context, ev *billing.Event) error {
	ck := ev.Checkout
	if ck == nil {
		return fmt.Errorf("%w: event carries no checkout session", billing.ErrInvalidPayload)
	}
	if ck.SubscriptionID == "" {
		// Not a subscription checkout.
		return nil
	}

	userID := ck.Metadata["user_id"]
	if userID == "" {
		var err error
		userID, err = p.resolveUserID(ctx, nil, ck.CustomerID)
		if err != nil {
			return err
		}
	}

	sub, err := p.gateway.GetSubscription(ctx, ck.SubscriptionID)
	if err != nil {
		return fmt.Errorf("checkout subscription fetch: %w", err)
	}
	sub.UpdatedAt = ev.CreatedAt
	if sub.CustomerID == "" {
		sub.CustomerID = ck.CustomerID
	}

	existing, err := p.loadExisting(ctx, userID)
	if err != nil {
		return err
	}
	if isStale(existing, sub.UpdatedAt) {
		p.logStale(ev, userID)
		return nil
	}

	rec, err := p.recordFromProvider(ctx, userID, sub)
	if err != nil {
		return err
	}
	p.noteTierChange(existing, rec)
	return p.writeBoth(ctx, rec)
}

// recordFromProvider builds the reconciled record from the provider's
// subscription object. An unmapped price is a handler failure rather than a
// guessed tier: the event is recorded and on-demand sync recovers once the
// catalog knows the price.
func (p *Processor) recordFromProvider(ctx context.Context, userID string, sub *billing.Subscription) (*entitlements.SubscriptionRecord, error) {
	status := mapStatus(sub.Status)

	if status == entitlements.StatusCanceled {
		return &entitlements.SubscriptionRecord{
			UserID:            userID,
			PlanTier:          entitlements.PlanFree,
			Status:            entitlements.StatusCanceled,
			CustomerID:        sub.CustomerID,
			ProviderUpdatedAt: sub.UpdatedAt,
			UpdatedAt:         p.now(),
		}, nil
	}

	plan, err := p.catalog.PlanForPriceID(ctx, sub.PriceID)
	if err != nil {
		return nil, fmt.Errorf("price %q: %w", sub.PriceID, err)
	}

	return &entitlements.SubscriptionRecord{
		UserID:             userID,
		PlanTier:           plan.Tier,
		Status:             status,
		CustomerID:         sub.CustomerID,
		SubscriptionID:     sub.ID,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		TrialEnd:           sub.TrialEnd,
		ProviderUpdatedAt:  sub.UpdatedAt,
		UpdatedAt:          p.now(),
	}, nil
}

func (p *Processor) loadExisting(ctx context.Context, userID string) (*entitlements.SubscriptionRecord, error) {
	existing, err := p.subs.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, entitlements.ErrSubscriptionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("subscription lookup: %w", err)
	}
	return existing, nil
}

// isStale reports whether an event timestamp is not newer than the stored
// provider timestamp. Equal timestamps are stale: re-applying them is the
// duplicate-delivery case.
func isStale(existing *entitlements.SubscriptionRecord, eventTime time.Time) bool {
	if existing == nil || eventTime.IsZero() {
		return false
	}
	return !eventTime.After(existing.ProviderUpdatedAt)
}

func (p *Processor) logStale(ev *billing.Event, userID string) {
	p.logger.Info("stale event skipped by ordering guard",
		entitlements.Field{Key: "event_id", Value: ev.ID},
		entitlements.Field{Key: "event_type", Value: ev.Type},
		entitlements.Field{Key: "user_id", Value: userID})
}

func (p *Processor) noteTierChange(existing, rec *entitlements.SubscriptionRecord) {
	from := entitlements.PlanFree
	if existing != nil {
		from = existing.PlanTier
	}
	if from != rec.PlanTier {
		p.metrics.RecordTierChange(string(from), string(rec.PlanTier))
	}
}
