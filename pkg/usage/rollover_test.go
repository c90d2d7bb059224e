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

func trackInMonth(t *testing.T, store *memory.Store, userID string, period time.Time, amount int) {
	t.Helper()
	_, err := store.TrackUsage(context.Background(), &entitlements.TrackRequest{
		UserID:  userID,
		Feature: entitlements.FeatureResumeTailoring,
		Amount:  amount,
		Period:  period,
		Limit:   entitlements.Unlimited,
	})
	require.NoError(t, err)
}

func TestSweeperArchivesFinishedPeriods(t *testing.T) {
	store := memory.New()
	sweeper, err := NewRolloverSweeper(SweeperConfig{Store: store, Retention: 12})
	require.NoError(t, err)
	sweeper.now = func() time.Time { return time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC) }

	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	trackInMonth(t, store, "user-1", jan, 5)
	trackInMonth(t, store, "user-1", feb, 7)
	trackInMonth(t, store, "user-1", mar, 2)

	archived, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, archived)

	// The live month is untouched.
	entry, err := store.GetUsage(context.Background(), "user-1", mar)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.Counters[entitlements.FeatureResumeTailoring])

	// Finished months moved into history, newest first.
	history := store.ArchivedFor("user-1")
	require.Len(t, history, 2)
	assert.Equal(t, feb, history[0].Period)
	assert.Equal(t, 7, history[0].Counters[entitlements.FeatureResumeTailoring])
	assert.Equal(t, jan, history[1].Period)

	// A second run finds nothing left to do.
	archived, err = sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, archived)
}

func TestSweeperHonorsRetention(t *testing.T) {
	store := memory.New()
	sweeper, err := NewRolloverSweeper(SweeperConfig{Store: store, Retention: 2})
	require.NoError(t, err)
	sweeper.now = func() time.Time { return time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC) }

	for m := time.Month(1); m <= 4; m++ {
		trackInMonth(t, store, "user-1", time.Date(2025, m, 1, 0, 0, 0, 0, time.UTC), int(m))
	}

	archived, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, archived)

	// Only the two most recent archived periods survive the trim.
	history := store.ArchivedFor("user-1")
	require.Len(t, history, 2)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), history[0].Period)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), history[1].Period)
}

func TestSweeperBatchCap(t *testing.T) {
	store := memory.New()
	sweeper, err := NewRolloverSweeper(SweeperConfig{Store: store, Retention: 12, Batch: 2})
	require.NoError(t, err)
	sweeper.now = func() time.Time { return time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC) }

	for m := time.Month(1); m <= 4; m++ {
		trackInMonth(t, store, "user-1", time.Date(2025, m, 1, 0, 0, 0, 0, time.UTC), 1)
	}

	archived, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, archived)

	// The next run picks up the remainder.
	archived, err = sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, archived)
}
