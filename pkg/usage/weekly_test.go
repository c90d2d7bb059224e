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

func newTestTracker(t *testing.T, week entitlements.WeekPolicy, burst entitlements.BurstPolicy) *WeeklyTracker {
	t.Helper()

	tracker, err := NewWeeklyTracker(WeeklyConfig{
		Store:       memory.New(),
		WeekPolicy:  week,
		BurstPolicy: burst,
	})
	require.NoError(t, err)
	// A Wednesday; the calendar week opened Monday March 10.
	tracker.now = func() time.Time { return time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC) }
	return tracker
}

func TestWeeklyStatsFreshUser(t *testing.T) {
	tracker := newTestTracker(t, entitlements.WeekPolicyCalendar, entitlements.BurstAllow)

	stats, err := tracker.GetCurrentWeeklyStats(context.Background(), "user-1", 50)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.JobsFoundThisWeek)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), stats.WeekStart)
	assert.Equal(t, time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC), stats.WeekEnd)
	assert.Equal(t, 50, stats.RemainingThisWeek)
	assert.False(t, stats.IsLimitReached)
}

func TestWeeklyRecordAndStats(t *testing.T) {
	tracker := newTestTracker(t, entitlements.WeekPolicyCalendar, entitlements.BurstAllow)
	ctx := context.Background()

	win, err := tracker.RecordJobFound(ctx, "user-1", 12, 50)
	require.NoError(t, err)
	assert.Equal(t, 12, win.JobsFound)

	stats, err := tracker.GetCurrentWeeklyStats(ctx, "user-1", 50)
	require.NoError(t, err)
	assert.Equal(t, 12, stats.JobsFoundThisWeek)
	assert.Equal(t, 38, stats.RemainingThisWeek)
}

func TestWeeklyLimitReachedBlocksNewCycles(t *testing.T) {
	tracker := newTestTracker(t, entitlements.WeekPolicyCalendar, entitlements.BurstAllow)
	ctx := context.Background()

	_, err := tracker.RecordJobFound(ctx, "user-1", 50, 50)
	require.NoError(t, err)

	allowed, stats, err := tracker.CanStartDiscovery(ctx, "user-1", 50)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.True(t, stats.IsLimitReached)
	assert.Equal(t, 0, stats.RemainingThisWeek)
}

func TestWeeklyBurstAllowRecordsPastLimit(t *testing.T) {
	tracker := newTestTracker(t, entitlements.WeekPolicyCalendar, entitlements.BurstAllow)
	ctx := context.Background()

	_, err := tracker.RecordJobFound(ctx, "user-1", 48, 50)
	require.NoError(t, err)

	// A cycle already under way finishes its batch even past the ceiling.
	win, err := tracker.RecordJobFound(ctx, "user-1", 5, 50)
	require.NoError(t, err)
	assert.Equal(t, 53, win.JobsFound)
}

func TestWeeklyBurstStrictDeniesPastLimit(t *testing.T) {
	tracker := newTestTracker(t, entitlements.WeekPolicyCalendar, entitlements.BurstStrict)
	ctx := context.Background()

	_, err := tracker.RecordJobFound(ctx, "user-1", 48, 50)
	require.NoError(t, err)

	win, err := tracker.RecordJobFound(ctx, "user-1", 5, 50)
	assert.ErrorIs(t, err, entitlements.ErrQuotaExceeded)
	assert.Equal(t, 48, win.JobsFound)

	// An increment that still fits goes through.
	win, err = tracker.RecordJobFound(ctx, "user-1", 2, 50)
	require.NoError(t, err)
	assert.Equal(t, 50, win.JobsFound)
}

func TestWeeklyWindowRolloverResetsCount(t *testing.T) {
	tracker := newTestTracker(t, entitlements.WeekPolicyCalendar, entitlements.BurstAllow)
	ctx := context.Background()

	_, err := tracker.RecordJobFound(ctx, "user-1", 50, 50)
	require.NoError(t, err)

	// The following Monday opens a fresh window; the old count is gone.
	tracker.now = func() time.Time { return time.Date(2025, 3, 17, 0, 0, 1, 0, time.UTC) }

	stats, err := tracker.GetCurrentWeeklyStats(ctx, "user-1", 50)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.JobsFoundThisWeek)
	assert.False(t, stats.IsLimitReached)

	win, err := tracker.RecordJobFound(ctx, "user-1", 3, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, win.JobsFound)
}

func TestWeeklyRollingPolicyAnchorsToFirstUse(t *testing.T) {
	tracker := newTestTracker(t, entitlements.WeekPolicyRolling, entitlements.BurstAllow)
	ctx := context.Background()

	firstUse := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
	win, err := tracker.RecordJobFound(ctx, "user-1", 1, 50)
	require.NoError(t, err)
	assert.Equal(t, firstUse, win.WeekStart)

	// Ten days on: the anchor advanced one full step, the count restarted.
	tracker.now = func() time.Time { return firstUse.Add(10 * 24 * time.Hour) }
	win, err = tracker.RecordJobFound(ctx, "user-1", 2, 50)
	require.NoError(t, err)
	assert.Equal(t, firstUse.Add(7*24*time.Hour), win.WeekStart)
	assert.Equal(t, 2, win.JobsFound)
}

func TestWeeklyRejectsInvalidInput(t *testing.T) {
	tracker := newTestTracker(t, entitlements.WeekPolicyCalendar, entitlements.BurstAllow)
	ctx := context.Background()

	_, err := tracker.RecordJobFound(ctx, "", 1, 50)
	assert.ErrorIs(t, err, entitlements.ErrInvalidRecord)

	_, err = tracker.RecordJobFound(ctx, "user-1", 0, 50)
	assert.ErrorIs(t, err, entitlements.ErrInvalidAmount)
}
