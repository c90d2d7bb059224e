package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekwell/entitlements/pkg/entitlements"
	"github.com/seekwell/entitlements/storage/memory"
)

func newTestLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()

	store := memory.New()
	ledger, err := NewLedger(LedgerConfig{
		Store:   store,
		Catalog: entitlements.NewStaticCatalog(entitlements.DefaultPlans()...),
	})
	require.NoError(t, err)
	ledger.now = func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) }
	return ledger, store
}

func TestLedgerTrackWithinLimit(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	used, err := ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, 1, entitlements.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	used, err = ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, 2, entitlements.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, 3, used)
}

func TestLedgerTrackDeniesAtLimit(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	// Free tier allows 3 tailorings per month.
	_, err := ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, 3, entitlements.PlanFree)
	require.NoError(t, err)

	used, err := ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, 1, entitlements.PlanFree)
	assert.ErrorIs(t, err, entitlements.ErrQuotaExceeded)
	assert.Equal(t, 3, used)

	// The denied attempt did not consume anything.
	check, err := ledger.CheckLimit(ctx, "user-1", entitlements.FeatureResumeTailoring, entitlements.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, 3, check.Current)
	assert.False(t, check.Allowed)
	assert.Equal(t, 0, check.Remaining)
}

func TestLedgerTrackPartialIncrementDenied(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Track(ctx, "user-1", entitlements.FeatureCoverLetters, 2, entitlements.PlanFree)
	require.NoError(t, err)

	// An increment that would cross the ceiling is rejected whole, never
	// applied partially.
	used, err := ledger.Track(ctx, "user-1", entitlements.FeatureCoverLetters, 2, entitlements.PlanFree)
	assert.ErrorIs(t, err, entitlements.ErrQuotaExceeded)
	assert.Equal(t, 2, used)
}

func TestLedgerUnlimitedTier(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		_, err := ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, 1, entitlements.PlanElite)
		require.NoError(t, err)
	}

	check, err := ledger.CheckLimit(ctx, "user-1", entitlements.FeatureResumeTailoring, entitlements.PlanElite)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, entitlements.Unlimited, check.Limit)
	assert.Equal(t, entitlements.Unlimited, check.Remaining)
}

func TestLedgerTierChangeTakesEffectImmediately(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, 3, entitlements.PlanFree)
	require.NoError(t, err)

	_, err = ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, 1, entitlements.PlanFree)
	require.ErrorIs(t, err, entitlements.ErrQuotaExceeded)

	// Upgrading mid-month keeps recorded usage but checks the new limit.
	used, err := ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, 1, entitlements.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, 4, used)
}

func TestLedgerRejectsInvalidInput(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Track(ctx, "", entitlements.FeatureResumeTailoring, 1, entitlements.PlanFree)
	assert.ErrorIs(t, err, entitlements.ErrInvalidRecord)

	_, err = ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, 0, entitlements.PlanFree)
	assert.ErrorIs(t, err, entitlements.ErrInvalidAmount)

	_, err = ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, -5, entitlements.PlanFree)
	assert.ErrorIs(t, err, entitlements.ErrInvalidAmount)

	_, err = ledger.Track(ctx, "user-1", "unknown_feature", 1, entitlements.PlanFree)
	assert.ErrorIs(t, err, entitlements.ErrPlanNotFound)
}

func TestLedgerSnapshotIncludesUnusedFeatures(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, 2, entitlements.PlanPro)
	require.NoError(t, err)

	snapshot, err := ledger.Snapshot(ctx, "user-1", entitlements.PlanPro)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)

	byFeature := make(map[string]entitlements.FeatureUsage)
	for _, fu := range snapshot {
		byFeature[fu.Feature] = fu
	}
	assert.Equal(t, 2, byFeature[entitlements.FeatureResumeTailoring].Used)
	assert.Equal(t, 48, byFeature[entitlements.FeatureResumeTailoring].Remaining)
	assert.Equal(t, 0, byFeature[entitlements.FeatureCoverLetters].Used)
	assert.Equal(t, 50, byFeature[entitlements.FeatureCoverLetters].Remaining)
}

func TestLedgerNewMonthStartsAtZero(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, 3, entitlements.PlanFree)
	require.NoError(t, err)

	// Advance the clock into April: the old entry stops matching and the
	// counter restarts without any sweep having run.
	ledger.now = func() time.Time { return time.Date(2025, 4, 1, 0, 0, 1, 0, time.UTC) }

	used, err := ledger.Track(ctx, "user-1", entitlements.FeatureResumeTailoring, 1, entitlements.PlanFree)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}
