// Package usage implements the metered-feature side of the engine: the
// monthly usage ledger, the rolling-weekly discovery tracker, live slot
// enforcement and the period rollover sweep.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

// Ledger tracks monthly feature usage against plan quotas. Limits come from
// the plan catalog at call time so a mid-month tier change takes effect
// immediately without rewriting recorded usage.
type Ledger struct {
	store   entitlements.UsageStore
	catalog entitlements.Catalog
	logger  entitlements.Logger
	metrics entitlements.Metrics
	now     func() time.Time
}

// LedgerConfig holds the ledger's collaborators.
type LedgerConfig struct {
	Store   entitlements.UsageStore
	Catalog entitlements.Catalog
	Logger  entitlements.Logger
	Metrics entitlements.Metrics
}

// NewLedger creates a monthly usage ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Store == nil || cfg.Catalog == nil {
		return nil, errors.New("usage: ledger requires a store and a catalog")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &entitlements.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &entitlements.NoopMetrics{}
	}
	return &Ledger{
		store:   cfg.Store,
		catalog: cfg.Catalog,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// CheckLimit reports whether the user could consume one more unit of the
// feature under the given tier. Advisory only: Track re-checks atomically.
func (l *Ledger) CheckLimit(ctx context.Context, userID, feature string, tier entitlements.PlanTier) (*entitlements.QuotaCheck, error) {
	limit, err := l.featureLimit(ctx, tier, feature)
	if err != nil {
		return nil, err
	}

	current, err := l.currentUsed(ctx, userID, feature)
	if err != nil {
		return nil, err
	}

	return &entitlements.QuotaCheck{
		Allowed:   limit == entitlements.Unlimited || current < limit,
		Current:   current,
		Limit:     limit,
		Remaining: entitlements.Remaining(current, limit),
	}, nil
}

// Track atomically consumes amount units of the feature, creating the
// current month's ledger entry on first use. The ceiling check and the
// increment are one storage operation; concurrent callers cannot jointly
// exceed the limit. Returns the new counter value, or the current value with
// ErrQuotaExceeded when the increment would cross the ceiling.
func (l *Ledger) Track(ctx context.Context, userID, feature string, amount int, tier entitlements.PlanTier) (int, error) {
	if userID == "" || feature == "" {
		return 0, entitlements.ErrInvalidRecord
	}
	if amount <= 0 {
		return 0, entitlements.ErrInvalidAmount
	}

	limit, err := l.featureLimit(ctx, tier, feature)
	if err != nil {
		return 0, err
	}

	used, err := l.store.TrackUsage(ctx, &entitlements.TrackRequest{
		UserID:  userID,
		Feature: feature,
		Amount:  amount,
		Period:  entitlements.MonthStart(l.now()),
		Limit:   limit,
	})
	if err != nil {
		if errors.Is(err, entitlements.ErrQuotaExceeded) {
			l.metrics.RecordQuotaDenied(feature)
			l.logger.Info("usage increment denied by quota",
				entitlements.Field{Key: "user_id", Value: userID},
				entitlements.Field{Key: "feature", Value: feature},
				entitlements.Field{Key: "used", Value: used},
				entitlements.Field{Key: "limit", Value: limit})
		}
		return used, err
	}
	return used, nil
}

// Snapshot returns the user's current-period usage for every metered feature
// of the tier, including features never used this period (reported as zero).
func (l *Ledger) Snapshot(ctx context.Context, userID string, tier entitlements.PlanTier) ([]entitlements.FeatureUsage, error) {
	plan, err := l.catalog.GetPlan(ctx, tier)
	if err != nil {
		return nil, err
	}

	entry, err := l.store.GetUsage(ctx, userID, entitlements.MonthStart(l.now()))
	if err != nil {
		return nil, fmt.Errorf("usage lookup: %w", err)
	}

	features := make([]string, 0, len(plan.Limits.MonthlyQuotas))
	for feature := range plan.Limits.MonthlyQuotas {
		features = append(features, feature)
	}
	sort.Strings(features)

	out := make([]entitlements.FeatureUsage, 0, len(features))
	for _, feature := range features {
		limit := plan.Limits.MonthlyQuotas[feature]
		used := 0
		if entry != nil {
			used = entry.Counters[feature]
		}
		out = append(out, entitlements.FeatureUsage{
			Feature:   feature,
			Used:      used,
			Limit:     limit,
			Remaining: entitlements.Remaining(used, limit),
		})
	}
	return out, nil
}

func (l *Ledger) featureLimit(ctx context.Context, tier entitlements.PlanTier, feature string) (int, error) {
	plan, err := l.catalog.GetPlan(ctx, tier)
	if err != nil {
		return 0, err
	}
	limit, ok := plan.Limits.MonthlyQuotas[feature]
	if !ok {
		// Unknown features are not metered on this plan.
		return 0, fmt.Errorf("%w: feature %q not metered on tier %s",
			entitlements.ErrPlanNotFound, feature, tier)
	}
	return limit, nil
}

func (l *Ledger) currentUsed(ctx context.Context, userID, feature string) (int, error) {
	entry, err := l.store.GetUsage(ctx, userID, entitlements.MonthStart(l.now()))
	if err != nil {
		return 0, fmt.Errorf("usage lookup: %w", err)
	}
	if entry == nil {
		return 0, nil
	}
	return entry.Counters[feature], nil
}
