// Package memory provides in-memory implementations of every storage
// interface. Intended for tests and single-process development; nothing
// survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

// Store implements all storage interfaces over process memory.
type Store struct {
	mu sync.RWMutex

	subscriptions map[string]*entitlements.SubscriptionRecord // by user ID
	profiles      map[string]*entitlements.SubscriptionRecord
	slotDisplay   map[string]int
	events        map[string]*entitlements.BillingEvent // by event ID
	payments      map[string]*entitlements.PaymentRecord // by payment intent ID
	usage         map[string]*entitlements.UsageEntry    // by userID+period
	history       map[string][]*entitlements.ArchivedUsage
	weekly        map[string]*entitlements.WeeklyWindow // latest window by user ID
	searches      map[string]int                        // active count by user ID
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		subscriptions: make(map[string]*entitlements.SubscriptionRecord),
		profiles:      make(map[string]*entitlements.SubscriptionRecord),
		slotDisplay:   make(map[string]int),
		events:        make(map[string]*entitlements.BillingEvent),
		payments:      make(map[string]*entitlements.PaymentRecord),
		usage:         make(map[string]*entitlements.UsageEntry),
		history:       make(map[string][]*entitlements.ArchivedUsage),
		weekly:        make(map[string]*entitlements.WeeklyWindow),
		searches:      make(map[string]int),
	}
}

// GetSubscription implements entitlements.SubscriptionStore.
func (s *Store) GetSubscription(_ context.Context, userID string) (*entitlements.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.subscriptions[userID]
	if !ok {
		return nil, entitlements.ErrSubscriptionNotFound
	}
	return copyRecord(rec), nil
}

// GetSubscriptionByCustomerID implements entitlements.SubscriptionStore.
func (s *Store) GetSubscriptionByCustomerID(_ context.Context, customerID string) (*entitlements.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.subscriptions {
		if rec.CustomerID == customerID {
			return copyRecord(rec), nil
		}
	}
	return nil, entitlements.ErrSubscriptionNotFound
}

// UpsertSubscription implements entitlements.SubscriptionStore.
func (s *Store) UpsertSubscription(_ context.Context, rec *entitlements.SubscriptionRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[rec.UserID] = copyRecord(rec)
	return nil
}

// GetProfileSubscription implements entitlements.ProfileStore.
func (s *Store) GetProfileSubscription(_ context.Context, userID string) (*entitlements.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.profiles[userID]
	if !ok {
		return nil, entitlements.ErrSubscriptionNotFound
	}
	return copyRecord(rec), nil
}

// SetProfileSubscription implements entitlements.ProfileStore.
func (s *Store) SetProfileSubscription(_ context.Context, rec *entitlements.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[rec.UserID] = copyRecord(rec)
	return nil
}

// SyncSlotUsageDisplay implements entitlements.ProfileStore.
func (s *Store) SyncSlotUsageDisplay(_ context.Context, userID string, active int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.slotDisplay[userID] == active {
		return false, nil
	}
	s.slotDisplay[userID] = active
	return true, nil
}

// AdmitEvent implements entitlements.EventLog.
func (s *Store) AdmitEvent(_ context.Context, ev *entitlements.BillingEvent) (*entitlements.BillingEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[ev.EventID]; ok {
		return copyEvent(existing), false, nil
	}
	stored := copyEvent(ev)
	s.events[ev.EventID] = stored
	return copyEvent(stored), true, nil
}

// MarkProcessed implements entitlements.EventLog.
func (s *Store) MarkProcessed(_ context.Context, eventID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return entitlements.ErrStorageUnavailable
	}
	now := time.Now().UTC()
	ev.Processed = true
	ev.ProcessedAt = &now
	ev.ErrorMessage = errMsg
	return nil
}

// GetEvent implements entitlements.EventLog.
func (s *Store) GetEvent(_ context.Context, eventID string) (*entitlements.BillingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, nil
	}
	return copyEvent(ev), nil
}

// InsertPayment implements entitlements.PaymentStore.
func (s *Store) InsertPayment(_ context.Context, p *entitlements.PaymentRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.PaymentIntentID]; ok {
		return false, nil
	}
	cp := *p
	s.payments[p.PaymentIntentID] = &cp
	return true, nil
}

// ListPayments implements entitlements.PaymentStore.
func (s *Store) ListPayments(_ context.Context, userID string, limit int) ([]*entitlements.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entitlements.PaymentRecord
	for _, p := range s.payments {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetUsage implements entitlements.UsageStore.
func (s *Store) GetUsage(_ context.Context, userID string, period time.Time) (*entitlements.UsageEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.usage[usageKey(userID, period)]
	if !ok {
		return nil, nil
	}
	return copyUsage(entry), nil
}

// TrackUsage implements entitlements.UsageStore. Check and increment happen
// under one lock, matching the single-statement guarantee of the durable
// backends.
func (s *Store) TrackUsage(_ context.Context, req *entitlements.TrackRequest) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(req.UserID, req.Period)
	entry, ok := s.usage[key]
	if !ok {
		entry = &entitlements.UsageEntry{
			UserID:   req.UserID,
			Period:   req.Period,
			Counters: make(map[string]int),
		}
	}

	current := entry.Counters[req.Feature]
	next := current + req.Amount
	if req.Limit != entitlements.Unlimited && next > req.Limit {
		return current, entitlements.ErrQuotaExceeded
	}

	entry.Counters[req.Feature] = next
	entry.UpdatedAt = time.Now().UTC()
	s.usage[key] = entry
	return next, nil
}

// ListStaleUsage implements entitlements.UsageStore.
func (s *Store) ListStaleUsage(_ context.Context, before time.Time, limit int) ([]*entitlements.UsageEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entitlements.UsageEntry
	for _, entry := range s.usage {
		if entry.Period.Before(before) {
			out = append(out, copyUsage(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ArchiveUsage implements entitlements.UsageStore.
func (s *Store) ArchiveUsage(_ context.Context, userID string, period time.Time, retain int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(userID, period)
	entry, ok := s.usage[key]
	if !ok {
		return nil
	}

	archived := &entitlements.ArchivedUsage{
		ID:         uuid.NewString(),
		UserID:     userID,
		Period:     entry.Period,
		Counters:   copyCounters(entry.Counters),
		ArchivedAt: time.Now().UTC(),
	}
	hist := append(s.history[userID], archived)
	sort.Slice(hist, func(i, j int) bool { return hist[i].Period.After(hist[j].Period) })
	if retain > 0 && len(hist) > retain {
		hist = hist[:retain]
	}
	s.history[userID] = hist

	delete(s.usage, key)
	return nil
}

// GetLatestWindow implements entitlements.WeeklyStore.
func (s *Store) GetLatestWindow(_ context.Context, userID string) (*entitlements.WeeklyWindow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	win, ok := s.weekly[userID]
	if !ok {
		return nil, nil
	}
	cp := *win
	return &cp, nil
}

// RecordJobFound implements entitlements.WeeklyStore.
func (s *Store) RecordJobFound(_ context.Context, req *entitlements.DiscoveryRequest) (*entitlements.WeeklyWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	win, ok := s.weekly[req.UserID]
	if !ok || !win.WeekStart.Equal(req.WeekStart) {
		win = &entitlements.WeeklyWindow{
			UserID:    req.UserID,
			WeekStart: req.WeekStart,
			WeekEnd:   req.WeekEnd,
		}
	}

	next := win.JobsFound + req.Amount
	if req.Limit != entitlements.Unlimited && next > req.Limit {
		cp := *win
		return &cp, entitlements.ErrQuotaExceeded
	}

	win.JobsFound = next
	win.UpdatedAt = time.Now().UTC()
	s.weekly[req.UserID] = win
	cp := *win
	return &cp, nil
}

// CountActiveSearches implements entitlements.SearchCounter.
func (s *Store) CountActiveSearches(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.searches[userID], nil
}

// SetActiveSearches sets the live active-search count for a user. Test helper.
func (s *Store) SetActiveSearches(userID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches[userID] = count
}

// SlotDisplayValue returns the stored display counter. Test helper.
func (s *Store) SlotDisplayValue(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slotDisplay[userID]
}

// ArchivedFor returns a user's archived periods, newest first. Test helper.
func (s *Store) ArchivedFor(userID string) []*entitlements.ArchivedUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entitlements.ArchivedUsage, 0, len(s.history[userID]))
	for _, a := range s.history[userID] {
		cp := *a
		cp.Counters = copyCounters(a.Counters)
		out = append(out, &cp)
	}
	return out
}

func usageKey(userID string, period time.Time) string {
	return userID + "|" + period.UTC().Format("2006-01")
}

func copyRecord(rec *entitlements.SubscriptionRecord) *entitlements.SubscriptionRecord {
	cp := *rec
	if rec.TrialEnd != nil {
		t := *rec.TrialEnd
		cp.TrialEnd = &t
	}
	return &cp
}

func copyEvent(ev *entitlements.BillingEvent) *entitlements.BillingEvent {
	cp := *ev
	if ev.ProcessedAt != nil {
		t := *ev.ProcessedAt
		cp.ProcessedAt = &t
	}
	if ev.RawPayload != nil {
		cp.RawPayload = append([]byte(nil), ev.RawPayload...)
	}
	return &cp
}

func copyUsage(entry *entitlements.UsageEntry) *entitlements.UsageEntry {
	cp := *entry
	cp.Counters = copyCounters(entry.Counters)
	return &cp
}

func copyCounters(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
