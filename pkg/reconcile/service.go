// Package reconcile orchestrates the engine's read and sync paths: on-demand
// synchronization against the billing provider, drift repair between the two
// persisted copies, and composition of the user-facing entitlement snapshot.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seekwell/entitlements/pkg/billing"
	"github.com/seekwell/entitlements/pkg/entitlements"
	"github.com/seekwell/entitlements/pkg/usage"
)

const (
	defaultRefreshTimeout = 3 * time.Second
	defaultCacheTTL       = 30 * time.Second
	defaultCacheSize      = 10000
)

// Config holds the service's collaborators.
type Config struct {
	Subscriptions entitlements.SubscriptionStore
	Profiles      entitlements.ProfileStore
	Payments      entitlements.PaymentStore
	Gateway       billing.Gateway
	Catalog       entitlements.Catalog

	Ledger *usage.Ledger
	Weekly *usage.WeeklyTracker
	Slots  *usage.SlotLimiter

	Logger  entitlements.Logger
	Metrics entitlements.Metrics

	// RefreshTimeout bounds the opportunistic provider refresh on the read
	// path (default 3s). Sync calls triggered explicitly use the caller's
	// context as-is.
	RefreshTimeout time.Duration

	// CacheTTL and CacheSize configure the snapshot fallback cache.
	CacheTTL  time.Duration
	CacheSize int

	// CheckoutSuccessURL, CheckoutCancelURL and PortalReturnURL are where the
	// provider sends the user back after hosted flows.
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	PortalReturnURL    string
}

// Service implements on-demand reconciliation and snapshot composition.
type Service struct {
	subs     entitlements.SubscriptionStore
	profiles entitlements.ProfileStore
	payments entitlements.PaymentStore
	gateway  billing.Gateway
	catalog  entitlements.Catalog

	ledger *usage.Ledger
	weekly *usage.WeeklyTracker
	slots  *usage.SlotLimiter

	logger  entitlements.Logger
	metrics entitlements.Metrics
	cache   *entitlements.SnapshotCache

	refreshTimeout time.Duration
	cacheTTL       time.Duration

	successURL string
	cancelURL  string
	portalURL  string

	now func() time.Time
}

// New creates the reconciliation service.
func New(cfg Config) (*Service, error) {
	if cfg.Subscriptions == nil || cfg.Profiles == nil || cfg.Gateway == nil ||
		cfg.Catalog == nil || cfg.Ledger == nil || cfg.Weekly == nil || cfg.Slots == nil {
		return nil, errors.New("reconcile: missing required collaborator")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &entitlements.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &entitlements.NoopMetrics{}
	}
	refreshTimeout := cfg.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = defaultRefreshTimeout
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	return &Service{
		subs:           cfg.Subscriptions,
		profiles:       cfg.Profiles,
		payments:       cfg.Payments,
		gateway:        cfg.Gateway,
		catalog:        cfg.Catalog,
		ledger:         cfg.Ledger,
		weekly:         cfg.Weekly,
		slots:          cfg.Slots,
		logger:         logger,
		metrics:        metrics,
		cache:          entitlements.NewSnapshotCache(cacheSize),
		refreshTimeout: refreshTimeout,
		cacheTTL:       cacheTTL,
		successURL:     cfg.CheckoutSuccessURL,
		cancelURL:      cfg.CheckoutCancelURL,
		portalURL:      cfg.PortalReturnURL,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// SyncFromProvider refreshes the user's record from the provider's live
// subscription object. The provider is authoritative: local fields are
// overwritten, never merged. A user without a provider subscription is
// normalized to the free tier. Returns the persisted record, or the wrapped
// provider error when the provider is unreachable (local state untouched).
func (s *Service) SyncFromProvider(ctx context.Context, userID string) (*entitlements.SubscriptionRecord, error) {
	start := s.now()

	existing, err := s.loadCanonical(ctx, userID)
	if err != nil {
		s.metrics.RecordSync("error")
		return nil, err
	}

	rec, err := s.fetchProviderState(ctx, userID, existing)
	if err != nil {
		if errors.Is(err, billing.ErrProviderUnavailable) {
			s.metrics.RecordSync("provider_unavailable")
		} else {
			s.metrics.RecordSync("error")
		}
		return nil, err
	}

	// Round-trip guard: an unchanged provider state is a no-op, not a write.
	if existing != nil && existing.Equal(rec) {
		s.metrics.RecordSync("success")
		s.metrics.RecordSyncDuration(s.now().Sub(start))
		return existing, nil
	}

	if existing != nil && existing.PlanTier != rec.PlanTier {
		s.metrics.RecordTierChange(string(existing.PlanTier), string(rec.PlanTier))
	}

	if err := s.writeBoth(ctx, rec); err != nil {
		s.metrics.RecordSync("error")
		return nil, err
	}
	s.cache.Invalidate(userID)

	s.metrics.RecordSync("success")
	s.metrics.RecordSyncDuration(s.now().Sub(start))
	return rec, nil
}

// GetCurrentSubscription composes the user-facing entitlement snapshot. The
// canonical row wins over the profile replica; disagreements are repaired in
// place. Paid-tier records get an opportunistic provider refresh bounded by
// the refresh timeout; when the provider is unreachable the snapshot is
// served from persisted state with SyncedFromProvider=false. When storage
// itself is unreachable, the last cached snapshot is served instead.
func (s *Service) GetCurrentSubscription(ctx context.Context, userID string) (*entitlements.SubscriptionSnapshot, error) {
	if userID == "" {
		return nil, entitlements.ErrInvalidRecord
	}

	rec, err := s.loadRepaired(ctx, userID)
	if err != nil {
		if cached, ok := s.cache.Get(userID); ok {
			s.logger.Warn("serving cached snapshot: storage unavailable",
				entitlements.Field{Key: "user_id", Value: userID},
				entitlements.Field{Key: "error", Value: err.Error()})
			cached.SyncedFromProvider = false
			return cached, nil
		}
		return nil, err
	}

	synced := true
	if rec.SubscriptionID != "" {
		refreshCtx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
		fresh, err := s.SyncFromProvider(refreshCtx, userID)
		cancel()
		switch {
		case err == nil:
			rec = fresh
		case errors.Is(err, billing.ErrProviderUnavailable):
			synced = false
			s.logger.Warn("provider refresh skipped, serving persisted state",
				entitlements.Field{Key: "user_id", Value: userID},
				entitlements.Field{Key: "error", Value: err.Error()})
		default:
			return nil, err
		}
	}

	snap, err := s.compose(ctx, rec, synced)
	if err != nil {
		return nil, err
	}

	s.cache.Set(userID, snap, s.cacheTTL)
	return snap, nil
}

// StartCheckout opens a provider-hosted checkout session for the given tier.
func (s *Service) StartCheckout(ctx context.Context, userID, email string, tier entitlements.PlanTier) (*billing.Session, error) {
	plan, err := s.catalog.GetPlan(ctx, tier)
	if err != nil {
		return nil, err
	}
	if plan.ProviderPriceID == "" {
		return nil, fmt.Errorf("%w: tier %s has no provider price", entitlements.ErrPlanNotFound, tier)
	}

	cust, err := s.gateway.CreateOrGetCustomer(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	return s.gateway.CreateCheckoutSession(ctx, &billing.CheckoutRequest{
		UserID:     userID,
		CustomerID: cust.ID,
		PriceID:    plan.ProviderPriceID,
		PlanName:   plan.Name,
		SuccessURL: s.successURL,
		CancelURL:  s.cancelURL,
	})
}

// PortalURL opens a provider-hosted billing portal session for the user.
func (s *Service) PortalURL(ctx context.Context, userID string) (*billing.Session, error) {
	rec, err := s.loadCanonical(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.CustomerID == "" {
		return nil, entitlements.ErrSubscriptionNotFound
	}
	return s.gateway.CreatePortalSession(ctx, rec.CustomerID, s.portalURL)
}

// Cancel cancels the user's subscription, immediately or at period end, and
// applies the provider's resulting state.
func (s *Service) Cancel(ctx context.Context, userID string, atPeriodEnd bool) (*entitlements.SubscriptionRecord, error) {
	rec, err := s.requireSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	sub, err := s.gateway.CancelSubscription(ctx, rec.SubscriptionID, atPeriodEnd)
	if err != nil {
		return nil, err
	}
	return s.applyProviderState(ctx, userID, sub)
}

// Resume clears a pending at-period-end cancellation.
func (s *Service) Resume(ctx context.Context, userID string) (*entitlements.SubscriptionRecord, error) {
	rec, err := s.requireSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	sub, err := s.gateway.ResumeSubscription(ctx, rec.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return s.applyProviderState(ctx, userID, sub)
}

// ChangePlan moves the subscription onto the target tier's price with
// prorations, then applies the provider's resulting state.
func (s *Service) ChangePlan(ctx context.Context, userID string, tier entitlements.PlanTier) (*entitlements.SubscriptionRecord, error) {
	plan, err := s.catalog.GetPlan(ctx, tier)
	if err != nil {
		return nil, err
	}
	if plan.ProviderPriceID == "" {
		return nil, fmt.Errorf("%w: tier %s has no provider price", entitlements.ErrPlanNotFound, tier)
	}

	rec, err := s.requireSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	sub, err := s.gateway.ChangePlan(ctx, rec.SubscriptionID, plan.ProviderPriceID)
	if err != nil {
		return nil, err
	}
	return s.applyProviderState(ctx, userID, sub)
}

// ListInvoices returns the user's recent provider invoices.
func (s *Service) ListInvoices(ctx context.Context, userID string, limit int) ([]*billing.Invoice, error) {
	rec, err := s.loadCanonical(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.CustomerID == "" {
		return nil, nil
	}
	return s.gateway.ListInvoices(ctx, rec.CustomerID, limit)
}

// ListPayments returns the user's recent normalized payment rows.
func (s *Service) ListPayments(ctx context.Context, userID string, limit int) ([]*entitlements.PaymentRecord, error) {
	if s.payments == nil {
		return nil, nil
	}
	return s.payments.ListPayments(ctx, userID, limit)
}

// fetchProviderState builds the reconciled record from the provider's live
// view of the user's subscription.
func (s *Service) fetchProviderState(ctx context.Context, userID string, existing *entitlements.SubscriptionRecord) (*entitlements.SubscriptionRecord, error) {
	if existing == nil || existing.SubscriptionID == "" {
		return s.freeRecord(userID, existing), nil
	}

	sub, err := s.gateway.GetSubscription(ctx, existing.SubscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			// The provider no longer knows the subscription. That is a
			// definitive downgrade, not an outage.
			return s.freeRecord(userID, existing), nil
		}
		return nil, fmt.Errorf("provider fetch: %w", err)
	}

	return s.recordFromProvider(ctx, userID, existing, sub)
}

// applyProviderState persists a provider subscription object returned by a
// write call (cancel, resume, plan change).
func (s *Service) applyProviderState(ctx context.Context, userID string, sub *billing.Subscription) (*entitlements.SubscriptionRecord, error) {
	existing, err := s.loadCanonical(ctx, userID)
	if err != nil {
		return nil, err
	}

	rec, err := s.recordFromProvider(ctx, userID, existing, sub)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.PlanTier != rec.PlanTier {
		s.metrics.RecordTierChange(string(existing.PlanTier), string(rec.PlanTier))
	}
	if err := s.writeBoth(ctx, rec); err != nil {
		return nil, err
	}
	s.cache.Invalidate(userID)
	return rec, nil
}

func (s *Service) recordFromProvider(ctx context.Context, userID string, existing *entitlements.SubscriptionRecord, sub *billing.Subscription) (*entitlements.SubscriptionRecord, error) {
	status := mapStatus(sub.Status)
	if status == entitlements.StatusCanceled {
		return s.freeRecord(userID, existing), nil
	}

	plan, err := s.catalog.PlanForPriceID(ctx, sub.PriceID)
	if err != nil {
		return nil, fmt.Errorf("price %q: %w", sub.PriceID, err)
	}

	customerID := sub.CustomerID
	if customerID == "" && existing != nil {
		customerID = existing.CustomerID
	}

	return &entitlements.SubscriptionRecord{
		UserID:             userID,
		PlanTier:           plan.Tier,
		Status:             status,
		CustomerID:         customerID,
		SubscriptionID:     sub.ID,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		TrialEnd:           sub.TrialEnd,
		ProviderUpdatedAt:  sub.UpdatedAt,
		UpdatedAt:          s.now(),
	}, nil
}

func (s *Service) freeRecord(userID string, existing *entitlements.SubscriptionRecord) *entitlements.SubscriptionRecord {
	rec := &entitlements.SubscriptionRecord{
		UserID:            userID,
		PlanTier:          entitlements.PlanFree,
		Status:            entitlements.StatusCanceled,
		ProviderUpdatedAt: s.now(),
		UpdatedAt:         s.now(),
	}
	if existing != nil {
		rec.CustomerID = existing.CustomerID
		if existing.PlanTier == entitlements.PlanFree && existing.SubscriptionID == "" {
			// A free user with no history stays as stored.
			rec.Status = existing.Status
			rec.ProviderUpdatedAt = existing.ProviderUpdatedAt
			rec.UpdatedAt = existing.UpdatedAt
		}
	} else {
		rec.Status = entitlements.StatusActive
	}
	return rec
}

// writeBoth persists the record to both copies concurrently. The canonical
// row failing is the operation failing; the replica failing is a partial
// write repaired by the next read.
func (s *Service) writeBoth(ctx context.Context, rec *entitlements.SubscriptionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	var replicaErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.subs.UpsertSubscription(gctx, rec); err != nil {
			return fmt.Errorf("subscription row write: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		replicaErr = s.profiles.SetProfileSubscription(gctx, rec)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if replicaErr != nil {
		s.logger.Warn("partial dual-store write: profile replica update failed",
			entitlements.Field{Key: "user_id", Value: rec.UserID},
			entitlements.Field{Key: "error", Value: replicaErr.Error()})
		s.metrics.RecordDriftRepair("profile_replica_pending")
	}
	return nil
}

// loadRepaired returns the canonical record, repairing the profile replica
// when the two copies disagree. A user with no record at all gets a
// synthesized free-tier record without a write.
func (s *Service) loadRepaired(ctx context.Context, userID string) (*entitlements.SubscriptionRecord, error) {
	rec, err := s.loadCanonical(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &entitlements.SubscriptionRecord{
			UserID:   userID,
			PlanTier: entitlements.PlanFree,
			Status:   entitlements.StatusActive,
		}, nil
	}

	profile, err := s.profiles.GetProfileSubscription(ctx, userID)
	if err != nil && !errors.Is(err, entitlements.ErrSubscriptionNotFound) {
		// The replica being unreadable does not block the read path.
		s.logger.Warn("profile replica unreadable during drift check",
			entitlements.Field{Key: "user_id", Value: userID},
			entitlements.Field{Key: "error", Value: err.Error()})
		return rec, nil
	}

	if profile == nil || !rec.Equal(profile) {
		s.logger.Warn("profile replica diverged from canonical row, repairing",
			entitlements.Field{Key: "user_id", Value: userID})
		if repairErr := s.profiles.SetProfileSubscription(ctx, rec); repairErr != nil {
			s.logger.Error("profile replica repair failed",
				entitlements.Field{Key: "user_id", Value: userID},
				entitlements.Field{Key: "error", Value: repairErr.Error()})
		} else {
			s.metrics.RecordDriftRepair("profile_replica")
		}
	}
	return rec, nil
}

// compose assembles the snapshot from the record, the plan catalog and the
// three usage trackers.
func (s *Service) compose(ctx context.Context, rec *entitlements.SubscriptionRecord, synced bool) (*entitlements.SubscriptionSnapshot, error) {
	plan, err := s.catalog.GetPlan(ctx, rec.PlanTier)
	if err != nil {
		return nil, err
	}

	featureUsage, err := s.ledger.Snapshot(ctx, rec.UserID, rec.PlanTier)
	if err != nil {
		return nil, err
	}

	weekly, err := s.weekly.GetCurrentWeeklyStats(ctx, rec.UserID, plan.Limits.WeeklyDiscoveryLimit)
	if err != nil {
		return nil, err
	}

	slots, err := s.slots.CheckSlotAvailability(ctx, rec.UserID, plan.Limits.ActiveSearchSlots)
	if err != nil {
		return nil, err
	}

	return &entitlements.SubscriptionSnapshot{
		Subscription:       *rec,
		Plan:               *plan,
		Usage:              featureUsage,
		Weekly:             *weekly,
		Slots:              *slots,
		SyncedFromProvider: synced,
	}, nil
}

func (s *Service) loadCanonical(ctx context.Context, userID string) (*entitlements.SubscriptionRecord, error) {
	rec, err := s.subs.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, entitlements.ErrSubscriptionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("subscription lookup: %w", err)
	}
	return rec, nil
}

func (s *Service) requireSubscription(ctx context.Context, userID string) (*entitlements.SubscriptionRecord, error) {
	rec, err := s.loadCanonical(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.SubscriptionID == "" {
		return nil, entitlements.ErrSubscriptionNotFound
	}
	return rec, nil
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
