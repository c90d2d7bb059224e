package entitlements

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionRecordValidate(t *testing.T) {
	now := time.Now().UTC()

	valid := &SubscriptionRecord{
		UserID:             "user-1",
		PlanTier:           PlanPro,
		Status:             StatusActive,
		SubscriptionID:     "sub_123",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		ProviderUpdatedAt:  now,
		UpdatedAt:          now,
	}
	require.NoError(t, valid.Validate())

	t.Run("missing user id", func(t *testing.T) {
		rec := *valid
		rec.UserID = ""
		assert.ErrorIs(t, rec.Validate(), ErrInvalidRecord)
	})

	t.Run("period end before start", func(t *testing.T) {
		rec := *valid
		rec.CurrentPeriodEnd = rec.CurrentPeriodStart.Add(-time.Hour)
		assert.ErrorIs(t, rec.Validate(), ErrInvalidRecord)
	})

	t.Run("free tier must not carry a subscription id", func(t *testing.T) {
		rec := *valid
		rec.PlanTier = PlanFree
		assert.ErrorIs(t, rec.Validate(), ErrInvalidRecord)

		rec.SubscriptionID = ""
		rec.CurrentPeriodStart = time.Time{}
		rec.CurrentPeriodEnd = time.Time{}
		assert.NoError(t, rec.Validate())
	})
}

func TestSubscriptionRecordEqual(t *testing.T) {
	now := time.Now().UTC()
	a := &SubscriptionRecord{
		UserID:            "user-1",
		PlanTier:          PlanPro,
		Status:            StatusActive,
		SubscriptionID:    "sub_123",
		ProviderUpdatedAt: now,
		UpdatedAt:         now,
	}
	b := *a

	assert.True(t, a.Equal(&b))

	// Local write time does not count as a difference.
	b.UpdatedAt = now.Add(time.Hour)
	assert.True(t, a.Equal(&b))

	b.Status = StatusPastDue
	assert.False(t, a.Equal(&b))

	trialEnd := now.AddDate(0, 0, 14)
	c := *a
	c.TrialEnd = &trialEnd
	assert.False(t, a.Equal(&c))

	assert.False(t, a.Equal(nil))
	var nilRec *SubscriptionRecord
	assert.True(t, nilRec.Equal(nil))
}

func TestStaticCatalog(t *testing.T) {
	ctx := context.Background()
	catalog := NewStaticCatalog(DefaultPlans()...)

	pro, err := catalog.GetPlan(ctx, PlanPro)
	require.NoError(t, err)
	assert.Equal(t, 50, pro.Limits.MonthlyQuotas[FeatureResumeTailoring])
	assert.Equal(t, 1, pro.Limits.ActiveSearchSlots)

	byPrice, err := catalog.PlanForPriceID(ctx, "price_elite_monthly")
	require.NoError(t, err)
	assert.Equal(t, PlanElite, byPrice.Tier)
	assert.Equal(t, Unlimited, byPrice.Limits.MonthlyQuotas[FeatureCoverLetters])

	_, err = catalog.GetPlan(ctx, PlanTier("enterprise"))
	assert.ErrorIs(t, err, ErrPlanNotFound)

	_, err = catalog.PlanForPriceID(ctx, "price_unknown")
	assert.ErrorIs(t, err, ErrPlanNotFound)

	// Returned plans are copies; mutating one does not leak into the catalog.
	pro.Limits.MonthlyQuotas[FeatureResumeTailoring] = 999
	again, err := catalog.GetPlan(ctx, PlanPro)
	require.NoError(t, err)
	assert.Equal(t, 50, again.Limits.MonthlyQuotas[FeatureResumeTailoring])
}

func TestSnapshotCache(t *testing.T) {
	cache := NewSnapshotCache(2)
	snap := func(tier PlanTier) *SubscriptionSnapshot {
		return &SubscriptionSnapshot{Subscription: SubscriptionRecord{PlanTier: tier}}
	}

	_, ok := cache.Get("u1")
	assert.False(t, ok)

	cache.Set("u1", snap(PlanPro), time.Minute)
	got, ok := cache.Get("u1")
	require.True(t, ok)
	assert.Equal(t, PlanPro, got.Subscription.PlanTier)

	// Filling past capacity evicts the least recently accessed entry.
	cache.Set("u2", snap(PlanFree), time.Minute)
	cache.Get("u1")
	cache.Set("u3", snap(PlanElite), time.Minute)

	_, ok = cache.Get("u2")
	assert.False(t, ok)
	_, ok = cache.Get("u1")
	assert.True(t, ok)

	cache.Invalidate("u1")
	_, ok = cache.Get("u1")
	assert.False(t, ok)

	// Expired entries do not serve.
	cache.Set("u4", snap(PlanPro), time.Nanosecond)
	time.Sleep(time.Millisecond)
	_, ok = cache.Get("u4")
	assert.False(t, ok)
}
