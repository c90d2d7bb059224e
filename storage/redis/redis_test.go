package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, "test:")
}

func weekOf(t *testing.T) (time.Time, time.Time) {
	t.Helper()
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 7)
}

func TestGetLatestWindowEmpty(t *testing.T) {
	store := newTestStore(t)

	win, err := store.GetLatestWindow(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, win)
}

func TestRecordJobFoundIncrements(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start, end := weekOf(t)

	win, err := store.RecordJobFound(ctx, &entitlements.DiscoveryRequest{
		UserID: "user-1", WeekStart: start, WeekEnd: end, Amount: 3, Limit: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, win.JobsFound)

	win, err = store.RecordJobFound(ctx, &entitlements.DiscoveryRequest{
		UserID: "user-1", WeekStart: start, WeekEnd: end, Amount: 4, Limit: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, win.JobsFound)

	latest, err := store.GetLatestWindow(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, start, latest.WeekStart)
	assert.Equal(t, end, latest.WeekEnd)
	assert.Equal(t, 7, latest.JobsFound)
}

func TestRecordJobFoundEnforcesCeiling(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start, end := weekOf(t)

	_, err := store.RecordJobFound(ctx, &entitlements.DiscoveryRequest{
		UserID: "user-1", WeekStart: start, WeekEnd: end, Amount: 9, Limit: 10,
	})
	require.NoError(t, err)

	// Would land at 11: rejected whole, count stays at 9.
	win, err := store.RecordJobFound(ctx, &entitlements.DiscoveryRequest{
		UserID: "user-1", WeekStart: start, WeekEnd: end, Amount: 2, Limit: 10,
	})
	assert.ErrorIs(t, err, entitlements.ErrQuotaExceeded)
	assert.Equal(t, 9, win.JobsFound)

	win, err = store.RecordJobFound(ctx, &entitlements.DiscoveryRequest{
		UserID: "user-1", WeekStart: start, WeekEnd: end, Amount: 1, Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, win.JobsFound)
}

func TestRecordJobFoundUnlimited(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start, end := weekOf(t)

	win, err := store.RecordJobFound(ctx, &entitlements.DiscoveryRequest{
		UserID: "user-1", WeekStart: start, WeekEnd: end, Amount: 500, Limit: entitlements.Unlimited,
	})
	require.NoError(t, err)
	assert.Equal(t, 500, win.JobsFound)
}

func TestRecordJobFoundNewWindowRestartsCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start, end := weekOf(t)

	_, err := store.RecordJobFound(ctx, &entitlements.DiscoveryRequest{
		UserID: "user-1", WeekStart: start, WeekEnd: end, Amount: 10, Limit: 10,
	})
	require.NoError(t, err)

	nextStart, nextEnd := end, end.AddDate(0, 0, 7)
	win, err := store.RecordJobFound(ctx, &entitlements.DiscoveryRequest{
		UserID: "user-1", WeekStart: nextStart, WeekEnd: nextEnd, Amount: 1, Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, win.JobsFound)
	assert.Equal(t, nextStart, win.WeekStart)
}

func TestWindowsAreIsolatedPerUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start, end := weekOf(t)

	_, err := store.RecordJobFound(ctx, &entitlements.DiscoveryRequest{
		UserID: "user-1", WeekStart: start, WeekEnd: end, Amount: 10, Limit: 10,
	})
	require.NoError(t, err)

	win, err := store.RecordJobFound(ctx, &entitlements.DiscoveryRequest{
		UserID: "user-2", WeekStart: start, WeekEnd: end, Amount: 1, Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, win.JobsFound)
}
