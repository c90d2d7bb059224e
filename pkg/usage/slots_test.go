package usage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekwell/entitlements/pkg/entitlements"
	"github.com/seekwell/entitlements/storage/memory"
)

func newTestLimiter(t *testing.T) (*SlotLimiter, *memory.Store) {
	t.Helper()

	store := memory.New()
	limiter, err := NewSlotLimiter(SlotConfig{Searches: store, Profiles: store})
	require.NoError(t, err)
	return limiter, store
}

func TestSlotFreeTierHasNoSlots(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	check, err := limiter.CheckSlotAvailability(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, 0, check.Limit)
}

func TestSlotAcquireAndRelease(t *testing.T) {
	limiter, store := newTestLimiter(t)
	ctx := context.Background()

	check, err := limiter.Acquire(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.True(t, check.Allowed)

	// One search running: the single pro slot is taken.
	store.SetActiveSearches("user-1", 1)
	_, err = limiter.Acquire(ctx, "user-1", 1)
	assert.ErrorIs(t, err, entitlements.ErrSlotLimitReached)

	// Completing the search frees the slot immediately: the decision is a
	// live recount, not a stored counter.
	store.SetActiveSearches("user-1", 0)
	check, err = limiter.Acquire(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
}

func TestSlotUpgradeUnlocksSlot(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	_, err := limiter.Acquire(ctx, "user-1", 0)
	assert.ErrorIs(t, err, entitlements.ErrSlotLimitReached)

	// Same user, pro limits: one slot available.
	check, err := limiter.Acquire(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.Equal(t, 1, check.Remaining)
}

func TestSlotDisplayCounterResync(t *testing.T) {
	limiter, store := newTestLimiter(t)
	ctx := context.Background()

	// The display counter drifted (says 3, truth is 1).
	_, err := store.SyncSlotUsageDisplay(ctx, "user-1", 3)
	require.NoError(t, err)
	store.SetActiveSearches("user-1", 1)

	check, err := limiter.CheckSlotAvailability(ctx, "user-1", 2)
	require.NoError(t, err)
	// Enforcement used the live count, and the display was repaired.
	assert.True(t, check.Allowed)
	assert.Equal(t, 1, check.Current)
	assert.Equal(t, 1, store.SlotDisplayValue("user-1"))
}

func TestSlotUnlimited(t *testing.T) {
	limiter, store := newTestLimiter(t)
	ctx := context.Background()

	store.SetActiveSearches("user-1", 40)
	check, err := limiter.Acquire(ctx, "user-1", entitlements.Unlimited)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
}
