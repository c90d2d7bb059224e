package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

// WeeklyTracker counts jobs surfaced by AI discovery inside rolling weekly
// windows. Windows are computed, never swept: an expired window simply stops
// matching and the next record opens a fresh one.
type WeeklyTracker struct {
	store   entitlements.WeeklyStore
	logger  entitlements.Logger
	metrics entitlements.Metrics
	week    entitlements.WeekPolicy
	burst   entitlements.BurstPolicy
	now     func() time.Time
}

// WeeklyConfig holds the tracker's collaborators and policies.
type WeeklyConfig struct {
	Store entitlements.WeeklyStore

	// WeekPolicy anchors the window (default calendar Monday UTC).
	WeekPolicy entitlements.WeekPolicy

	// BurstPolicy decides whether recording enforces the ceiling per job
	// (strict) or only advisorily (allow, the default).
	BurstPolicy entitlements.BurstPolicy

	Logger  entitlements.Logger
	Metrics entitlements.Metrics
}

// NewWeeklyTracker creates a rolling-weekly discovery tracker.
func NewWeeklyTracker(cfg WeeklyConfig) (*WeeklyTracker, error) {
	if cfg.Store == nil {
		return nil, errors.New("usage: weekly tracker requires a store")
	}
	week := cfg.WeekPolicy
	if week == "" {
		week = entitlements.WeekPolicyCalendar
	}
	burst := cfg.BurstPolicy
	if burst == "" {
		burst = entitlements.BurstAllow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &entitlements.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &entitlements.NoopMetrics{}
	}
	return &WeeklyTracker{
		store:   cfg.Store,
		logger:  logger,
		metrics: metrics,
		week:    week,
		burst:   burst,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// GetCurrentWeeklyStats returns the window containing now. A stored window
// that has expired contributes nothing: the stats describe a fresh window
// with a zero count.
func (t *WeeklyTracker) GetCurrentWeeklyStats(ctx context.Context, userID string, weeklyLimit int) (*entitlements.WeeklyStats, error) {
	now := t.now()

	latest, err := t.store.GetLatestWindow(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("weekly window lookup: %w", err)
	}

	var anchor time.Time
	found := 0
	if latest != nil {
		anchor = latest.WeekStart
		if t.windowContains(latest, now) {
			found = latest.JobsFound
		}
	}
	start, end := entitlements.WeekWindow(t.week, anchor, now)

	return &entitlements.WeeklyStats{
		JobsFoundThisWeek: found,
		WeekStart:         start,
		WeekEnd:           end,
		WeeklyLimit:       weeklyLimit,
		RemainingThisWeek: entitlements.Remaining(found, weeklyLimit),
		IsLimitReached:    weeklyLimit != entitlements.Unlimited && found >= weeklyLimit,
	}, nil
}

// CanStartDiscovery reports whether a new discovery cycle may begin: the
// current window must be under the weekly limit.
func (t *WeeklyTracker) CanStartDiscovery(ctx context.Context, userID string, weeklyLimit int) (bool, *entitlements.WeeklyStats, error) {
	stats, err := t.GetCurrentWeeklyStats(ctx, userID, weeklyLimit)
	if err != nil {
		return false, nil, err
	}
	return !stats.IsLimitReached, stats, nil
}

// RecordJobFound counts amount discovered jobs in the window containing now,
// opening the window lazily on first use. Under the strict burst policy the
// increment is rejected with ErrQuotaExceeded when it would cross the weekly
// limit; under the allow policy the cycle-start check is the only gate and
// the count may legitimately finish past the limit.
func (t *WeeklyTracker) RecordJobFound(ctx context.Context, userID string, amount, weeklyLimit int) (*entitlements.WeeklyWindow, error) {
	if userID == "" {
		return nil, entitlements.ErrInvalidRecord
	}
	if amount <= 0 {
		return nil, entitlements.ErrInvalidAmount
	}

	now := t.now()
	var anchor time.Time
	if t.week == entitlements.WeekPolicyRolling {
		latest, err := t.store.GetLatestWindow(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("weekly window lookup: %w", err)
		}
		if latest != nil {
			anchor = latest.WeekStart
		}
	}
	start, end := entitlements.WeekWindow(t.week, anchor, now)

	limit := entitlements.Unlimited
	if t.burst == entitlements.BurstStrict {
		limit = weeklyLimit
	}

	win, err := t.store.RecordJobFound(ctx, &entitlements.DiscoveryRequest{
		UserID:    userID,
		WeekStart: start,
		WeekEnd:   end,
		Amount:    amount,
		Limit:     limit,
	})
	if err != nil {
		if errors.Is(err, entitlements.ErrQuotaExceeded) {
			t.metrics.RecordQuotaDenied(entitlements.FeatureJobDiscovery)
			t.logger.Info("weekly discovery increment denied",
				entitlements.Field{Key: "user_id", Value: userID},
				entitlements.Field{Key: "limit", Value: weeklyLimit})
		}
		return win, err
	}
	return win, nil
}

func (t *WeeklyTracker) windowContains(win *entitlements.WeeklyWindow, now time.Time) bool {
	return !now.Before(win.WeekStart) && now.Before(win.WeekEnd)
}
