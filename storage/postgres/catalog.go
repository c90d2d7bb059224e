package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

// Catalog reads the plan catalog from the plan_catalog table. Plans change
// through deploys or admin tooling, not through this engine, so reads go
// straight to the table without caching.
type Catalog struct {
	store *Store
}

// NewCatalog creates a table-backed plan catalog.
func NewCatalog(store *Store) *Catalog {
	return &Catalog{store: store}
}

const planColumns = `tier, name, price_cents, currency, provider_price_id,
	monthly_quotas, weekly_discovery_limit, active_search_slots`

// GetPlan implements entitlements.Catalog.
func (c *Catalog) GetPlan(ctx context.Context, tier entitlements.PlanTier) (*entitlements.Plan, error) {
	rows, err := c.store.pool.Query(ctx,
		`SELECT `+planColumns+` FROM plan_catalog WHERE tier = $1`, tier)
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	plans, err := collectPlans(rows)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, entitlements.ErrPlanNotFound
	}
	return plans[0], nil
}

// PlanForPriceID implements entitlements.Catalog.
func (c *Catalog) PlanForPriceID(ctx context.Context, priceID string) (*entitlements.Plan, error) {
	if priceID == "" {
		return nil, entitlements.ErrPlanNotFound
	}
	rows, err := c.store.pool.Query(ctx,
		`SELECT `+planColumns+` FROM plan_catalog WHERE provider_price_id = $1`, priceID)
	if err != nil {
		return nil, fmt.Errorf("plan for price: %w", err)
	}
	plans, err := collectPlans(rows)
	if err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, entitlements.ErrPlanNotFound
	}
	return plans[0], nil
}

// Plans implements entitlements.Catalog.
func (c *Catalog) Plans(ctx context.Context) ([]*entitlements.Plan, error) {
	rows, err := c.store.pool.Query(ctx,
		`SELECT `+planColumns+` FROM plan_catalog ORDER BY price_cents ASC`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return collectPlans(rows)
}

// Seed writes the given plans into the table, overwriting existing tiers.
func (c *Catalog) Seed(ctx context.Context, plans []*entitlements.Plan) error {
	for _, plan := range plans {
		_, err := c.store.pool.Exec(ctx, `
			INSERT INTO plan_catalog (`+planColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tier) DO UPDATE SET
				name                   = EXCLUDED.name,
				price_cents            = EXCLUDED.price_cents,
				currency               = EXCLUDED.currency,
				provider_price_id      = EXCLUDED.provider_price_id,
				monthly_quotas         = EXCLUDED.monthly_quotas,
				weekly_discovery_limit = EXCLUDED.weekly_discovery_limit,
				active_search_slots    = EXCLUDED.active_search_slots`,
			plan.Tier, plan.Name, plan.PriceCents, plan.Currency, plan.ProviderPriceID,
			plan.Limits.MonthlyQuotas, plan.Limits.WeeklyDiscoveryLimit, plan.Limits.ActiveSearchSlots)
		if err != nil {
			return fmt.Errorf("seed plan %s: %w", plan.Tier, err)
		}
	}
	return nil
}

func collectPlans(rows pgx.Rows) ([]*entitlements.Plan, error) {
	defer rows.Close()

	var out []*entitlements.Plan
	for rows.Next() {
		var plan entitlements.Plan
		if err := rows.Scan(&plan.Tier, &plan.Name, &plan.PriceCents, &plan.Currency,
			&plan.ProviderPriceID, &plan.Limits.MonthlyQuotas,
			&plan.Limits.WeeklyDiscoveryLimit, &plan.Limits.ActiveSearchSlots); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, &plan)
	}
	return out, rows.Err()
}
