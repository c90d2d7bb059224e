package entitlements

import (
	"context"
	"time"
)

// SubscriptionStore is the relational copy of subscription records.
// It is the canonical writer; the document profile is a derived replica.
type SubscriptionStore interface {
	// GetSubscription returns the record for a user or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, userID string) (*SubscriptionRecord, error)

	// GetSubscriptionByCustomerID reverse-looks-up a record by the billing
	// provider's customer ID. Returns ErrSubscriptionNotFound when absent.
	GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*SubscriptionRecord, error)

	// UpsertSubscription creates or overwrites the record for rec.UserID.
	UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error
}

// ProfileStore is the document-store copy: the subscription snapshot embedded
// in the user's live profile, plus the legacy slot-usage display counter.
type ProfileStore interface {
	// GetProfileSubscription returns the profile's subscription snapshot or
	// ErrSubscriptionNotFound.
	GetProfileSubscription(ctx context.Context, userID string) (*SubscriptionRecord, error)

	// SetProfileSubscription overwrites the profile's subscription snapshot.
	SetProfileSubscription(ctx context.Context, rec *SubscriptionRecord) error

	// SyncSlotUsageDisplay resynchronizes the denormalized active-search
	// display counter from the live count. Returns true when the stored
	// value diverged and was corrected. The counter is display-only and is
	// never used for enforcement.
	SyncSlotUsageDisplay(ctx context.Context, userID string, active int) (bool, error)
}

// EventLog is the append-only, idempotent store of inbound billing events.
type EventLog interface {
	// AdmitEvent records the event if no entry with the same EventID exists.
	// It returns the stored entry and whether this call created it. A prior
	// entry with Processed=true means the event must not be reapplied.
	AdmitEvent(ctx context.Context, ev *BillingEvent) (*BillingEvent, bool, error)

	// MarkProcessed finalizes an entry, recording the outcome. errMsg is
	// empty on success. The entry is marked processed either way so a
	// permanently failing event does not retry forever.
	MarkProcessed(ctx context.Context, eventID, errMsg string) error

	// GetEvent returns an entry by ID, or nil when absent.
	GetEvent(ctx context.Context, eventID string) (*BillingEvent, error)
}

// PaymentStore persists normalized payment rows.
type PaymentStore interface {
	// InsertPayment is insert-if-absent keyed by PaymentIntentID.
	// Returns true when a new row was created.
	InsertPayment(ctx context.Context, p *PaymentRecord) (bool, error)

	// ListPayments returns a user's most recent payments, newest first.
	ListPayments(ctx context.Context, userID string, limit int) ([]*PaymentRecord, error)
}

// TrackRequest is an atomic ledger increment request.
type TrackRequest struct {
	UserID  string
	Feature string
	Amount  int
	Period  time.Time // first of month, UTC
	Limit   int       // Unlimited disables the ceiling
}

// UsageStore persists the monthly usage ledger.
type UsageStore interface {
	// GetUsage returns the ledger entry for (userID, period), or nil when
	// no usage has been recorded yet.
	GetUsage(ctx context.Context, userID string, period time.Time) (*UsageEntry, error)

	// TrackUsage atomically increments a feature counter if and only if the
	// result stays within req.Limit. It creates the row on first use and
	// returns the new counter value, or the current value together with
	// ErrQuotaExceeded. Check and increment are one storage operation, not
	// separate calls.
	TrackUsage(ctx context.Context, req *TrackRequest) (int, error)

	// ListStaleUsage returns up to limit live entries whose period predates
	// before, oldest first.
	ListStaleUsage(ctx context.Context, before time.Time, limit int) ([]*UsageEntry, error)

	// ArchiveUsage moves the live entry for (userID, period) into the history
	// list and removes it from the live ledger, evicting history beyond
	// retain entries per user. Archiving an absent entry is a no-op.
	ArchiveUsage(ctx context.Context, userID string, period time.Time, retain int) error
}

// DiscoveryRequest is an atomic weekly-window increment request.
type DiscoveryRequest struct {
	UserID    string
	WeekStart time.Time
	WeekEnd   time.Time
	Amount    int
	Limit     int // Unlimited disables the ceiling (burst-allow mode)
}

// WeeklyStore persists rolling weekly discovery windows.
type WeeklyStore interface {
	// GetLatestWindow returns the user's most recent window, or nil when the
	// user has never recorded a discovery.
	GetLatestWindow(ctx context.Context, userID string) (*WeeklyWindow, error)

	// RecordJobFound atomically increments the window starting at
	// req.WeekStart, creating it lazily, if and only if the result stays
	// within req.Limit. Returns the updated window, or the current window
	// together with ErrQuotaExceeded.
	RecordJobFound(ctx context.Context, req *DiscoveryRequest) (*WeeklyWindow, error)
}

// SearchCounter exposes the AI-search resource store's live state count.
// Slot enforcement reads this count directly rather than a cached counter,
// so deleted or completed searches free their slot immediately.
type SearchCounter interface {
	// CountActiveSearches counts the user's searches in non-terminal states.
	CountActiveSearches(ctx context.Context, userID string) (int, error)
}

// Catalog is the read-only plan catalog, owned outside this core.
type Catalog interface {
	// GetPlan returns the plan for a tier or ErrPlanNotFound.
	GetPlan(ctx context.Context, tier PlanTier) (*Plan, error)

	// PlanForPriceID maps a provider price ID to a plan or ErrPlanNotFound.
	PlanForPriceID(ctx context.Context, priceID string) (*Plan, error)

	// Plans returns all catalog entries.
	Plans(ctx context.Context) ([]*Plan, error)
}
