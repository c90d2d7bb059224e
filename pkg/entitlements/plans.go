package entitlements

import (
	"context"
	"sync"
)

// StaticCatalog is an in-memory Catalog, used for tests and as a fallback
// when the persisted catalog is unavailable.
type StaticCatalog struct {
	mu      sync.RWMutex
	byTier  map[PlanTier]*Plan
	byPrice map[string]*Plan
}

// NewStaticCatalog builds a catalog from the given plans.
func NewStaticCatalog(plans ...*Plan) *StaticCatalog {
	c := &StaticCatalog{
		byTier:  make(map[PlanTier]*Plan),
		byPrice: make(map[string]*Plan),
	}
	for _, p := range plans {
		c.put(p)
	}
	return c
}

func (c *StaticCatalog) put(p *Plan) {
	cp := copyPlan(p)
	c.byTier[p.Tier] = cp
	if p.ProviderPriceID != "" {
		c.byPrice[p.ProviderPriceID] = cp
	}
}

// copyPlan deep-copies a plan so callers cannot mutate catalog state through
// the quota map.
func copyPlan(p *Plan) *Plan {
	cp := *p
	cp.Limits.MonthlyQuotas = make(map[string]int, len(p.Limits.MonthlyQuotas))
	for k, v := range p.Limits.MonthlyQuotas {
		cp.Limits.MonthlyQuotas[k] = v
	}
	return &cp
}

// SetPlan adds or replaces a catalog entry.
func (c *StaticCatalog) SetPlan(p *Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(p)
}

// GetPlan implements Catalog.
func (c *StaticCatalog) GetPlan(_ context.Context, tier PlanTier) (*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byTier[tier]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return copyPlan(p), nil
}

// PlanForPriceID implements Catalog.
func (c *StaticCatalog) PlanForPriceID(_ context.Context, priceID string) (*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byPrice[priceID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return copyPlan(p), nil
}

// Plans implements Catalog.
func (c *StaticCatalog) Plans(_ context.Context) ([]*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Plan, 0, len(c.byTier))
	for _, p := range c.byTier {
		out = append(out, copyPlan(p))
	}
	return out, nil
}

// DefaultPlans returns the shipped plan configuration. Production deployments
// read the persisted catalog instead; these values back tests and local runs.
func DefaultPlans() []*Plan {
	return []*Plan{
		{
			Tier:     PlanFree,
			Name:     "Free",
			Currency: "usd",
			Limits: PlanLimits{
				MonthlyQuotas: map[string]int{
					FeatureResumeTailoring: 3,
					FeatureCoverLetters:    3,
				},
				WeeklyDiscoveryLimit: 0,
				ActiveSearchSlots:    0,
			},
		},
		{
			Tier:            PlanPro,
			Name:            "Pro",
			PriceCents:      1900,
			Currency:        "usd",
			ProviderPriceID: "price_pro_monthly",
			Limits: PlanLimits{
				MonthlyQuotas: map[string]int{
					FeatureResumeTailoring: 50,
					FeatureCoverLetters:    50,
				},
				WeeklyDiscoveryLimit: 50,
				ActiveSearchSlots:    1,
			},
		},
		{
			Tier:            PlanElite,
			Name:            "Elite",
			PriceCents:      4900,
			Currency:        "usd",
			ProviderPriceID: "price_elite_monthly",
			Limits: PlanLimits{
				MonthlyQuotas: map[string]int{
					FeatureResumeTailoring: Unlimited,
					FeatureCoverLetters:    Unlimited,
				},
				WeeklyDiscoveryLimit: 100,
				ActiveSearchSlots:    1,
			},
		},
	}
}
