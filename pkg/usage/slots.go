package usage

import (
	"context"
	"errors"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

// SlotLimiter enforces the concurrent-active-search cap. The authoritative
// value is a live count over the search resource store; the denormalized
// per-profile counter is display-only and is resynchronized opportunistically
// whenever a check observes drift.
type SlotLimiter struct {
	searches entitlements.SearchCounter
	profiles entitlements.ProfileStore
	logger   entitlements.Logger
	metrics  entitlements.Metrics
}

// SlotConfig holds the limiter's collaborators.
type SlotConfig struct {
	Searches entitlements.SearchCounter
	Profiles entitlements.ProfileStore
	Logger   entitlements.Logger
	Metrics  entitlements.Metrics
}

// NewSlotLimiter creates a live-count slot limiter.
func NewSlotLimiter(cfg SlotConfig) (*SlotLimiter, error) {
	if cfg.Searches == nil {
		return nil, errors.New("usage: slot limiter requires a search counter")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &entitlements.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &entitlements.NoopMetrics{}
	}
	return &SlotLimiter{
		searches: cfg.Searches,
		profiles: cfg.Profiles,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// CheckSlotAvailability reports whether the user may start another search
// under the given slot limit. The decision always comes from a fresh count
// of non-terminal searches, never from a stored counter.
func (s *SlotLimiter) CheckSlotAvailability(ctx context.Context, userID string, slotLimit int) (*entitlements.QuotaCheck, error) {
	active, err := s.searches.CountActiveSearches(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.resyncDisplay(ctx, userID, active)

	return &entitlements.QuotaCheck{
		Allowed:   slotLimit == entitlements.Unlimited || active < slotLimit,
		Current:   active,
		Limit:     slotLimit,
		Remaining: entitlements.Remaining(active, slotLimit),
	}, nil
}

// Acquire is CheckSlotAvailability with an error result for callers on the
// search-creation path: ErrSlotLimitReached when no slot is free.
func (s *SlotLimiter) Acquire(ctx context.Context, userID string, slotLimit int) (*entitlements.QuotaCheck, error) {
	check, err := s.CheckSlotAvailability(ctx, userID, slotLimit)
	if err != nil {
		return nil, err
	}
	if !check.Allowed {
		s.metrics.RecordQuotaDenied("active_search_slots")
		return check, entitlements.ErrSlotLimitReached
	}
	return check, nil
}

// resyncDisplay repairs the profile's display counter when it disagrees with
// the live count. Failures are logged and swallowed: the counter is cosmetic
// and the enforcement decision already has the true value.
func (s *SlotLimiter) resyncDisplay(ctx context.Context, userID string, active int) {
	if s.profiles == nil {
		return
	}
	drifted, err := s.profiles.SyncSlotUsageDisplay(ctx, userID, active)
	if err != nil {
		s.logger.Warn("slot display counter resync failed",
			entitlements.Field{Key: "user_id", Value: userID},
			entitlements.Field{Key: "error", Value: err.Error()})
		return
	}
	if drifted {
		s.logger.Warn("slot display counter drifted from live count",
			entitlements.Field{Key: "user_id", Value: userID},
			entitlements.Field{Key: "active", Value: active})
		s.metrics.RecordDriftRepair("slot_display")
	}
}
