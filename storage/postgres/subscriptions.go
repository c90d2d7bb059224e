package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

const subscriptionColumns = `user_id, plan_tier, status, customer_id, subscription_id,
	current_period_start, current_period_end, cancel_at_period_end, trial_end,
	provider_updated_at, updated_at`

// GetSubscription implements entitlements.SubscriptionStore.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*entitlements.SubscriptionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	return scanSubscription(row)
}

// GetSubscriptionByCustomerID implements entitlements.SubscriptionStore.
func (s *Store) GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*entitlements.SubscriptionRecord, error) {
	if customerID == "" {
		return nil, entitlements.ErrSubscriptionNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE customer_id = $1`, customerID)
	return scanSubscription(row)
}

// UpsertSubscription implements entitlements.SubscriptionStore.
func (s *Store) UpsertSubscription(ctx context.Context, rec *entitlements.SubscriptionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_tier            = EXCLUDED.plan_tier,
			status               = EXCLUDED.status,
			customer_id          = EXCLUDED.customer_id,
			subscription_id      = EXCLUDED.subscription_id,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end   = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			trial_end            = EXCLUDED.trial_end,
			provider_updated_at  = EXCLUDED.provider_updated_at,
			updated_at           = EXCLUDED.updated_at`,
		rec.UserID, rec.PlanTier, rec.Status, rec.CustomerID, rec.SubscriptionID,
		nullableTime(rec.CurrentPeriodStart), nullableTime(rec.CurrentPeriodEnd),
		rec.CancelAtPeriodEnd, rec.TrialEnd, rec.ProviderUpdatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*entitlements.SubscriptionRecord, error) {
	var rec entitlements.SubscriptionRecord
	var periodStart, periodEnd sql.NullTime
	err := row.Scan(&rec.UserID, &rec.PlanTier, &rec.Status, &rec.CustomerID,
		&rec.SubscriptionID, &periodStart, &periodEnd, &rec.CancelAtPeriodEnd,
		&rec.TrialEnd, &rec.ProviderUpdatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entitlements.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if periodStart.Valid {
		rec.CurrentPeriodStart = periodStart.Time.UTC()
	}
	if periodEnd.Valid {
		rec.CurrentPeriodEnd = periodEnd.Time.UTC()
	}
	rec.ProviderUpdatedAt = rec.ProviderUpdatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// nullableTime maps the zero time to NULL so absent period dates round-trip.
func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
