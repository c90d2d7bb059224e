package entitlements

import (
	"time"
)

// PlanTier identifies a subscription plan.
type PlanTier string

const (
	// PlanFree is the default tier for users without a paid subscription
	PlanFree PlanTier = "free"
	// PlanPro is the entry-level paid tier
	PlanPro PlanTier = "pro"
	// PlanElite is the top paid tier
	PlanElite PlanTier = "elite"
)

// SubscriptionStatus mirrors the billing provider's subscription status.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// Metered feature names tracked in the monthly usage ledger.
const (
	FeatureJobDiscovery    = "ai_job_discovery"
	FeatureResumeTailoring = "resume_tailoring"
	FeatureCoverLetters    = "cover_letters"
)

// Unlimited is the sentinel limit value meaning "no cap".
const Unlimited = -1

// SearchState is the lifecycle state of an AI job search resource.
type SearchState string

const (
	SearchRunning   SearchState = "running"
	SearchPaused    SearchState = "paused"
	SearchCompleted SearchState = "completed"
	SearchStopped   SearchState = "stopped"
)

// ActiveSearchStates are the non-terminal states that occupy a slot.
var ActiveSearchStates = []SearchState{SearchRunning, SearchPaused}

// SubscriptionRecord is the reconciled view of a user's subscription.
// Two physical copies exist: the relational row (canonical writer) and the
// document-store profile (derived replica). The billing provider is
// authoritative for status and period dates.
type SubscriptionRecord struct {
	UserID             string
	PlanTier           PlanTier
	Status             SubscriptionStatus
	CustomerID         string
	SubscriptionID     string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time

	// ProviderUpdatedAt is the provider-side timestamp of the last change
	// applied to this record. Incoming events older than this are stale
	// and must not be applied.
	ProviderUpdatedAt time.Time
	UpdatedAt         time.Time
}

// Validate checks the record invariants.
func (r *SubscriptionRecord) Validate() error {
	if r == nil || r.UserID == "" {
		return ErrInvalidRecord
	}
	if !r.CurrentPeriodStart.IsZero() && !r.CurrentPeriodEnd.IsZero() &&
		r.CurrentPeriodEnd.Before(r.CurrentPeriodStart) {
		return ErrInvalidRecord
	}
	if r.PlanTier == PlanFree && r.SubscriptionID != "" {
		return ErrInvalidRecord
	}
	return nil
}

// Equal reports whether two records agree on all reconciled fields.
// UpdatedAt is excluded: it tracks local write time, not provider state.
func (r *SubscriptionRecord) Equal(other *SubscriptionRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.UserID != other.UserID ||
		r.PlanTier != other.PlanTier ||
		r.Status != other.Status ||
		r.CustomerID != other.CustomerID ||
		r.SubscriptionID != other.SubscriptionID ||
		r.CancelAtPeriodEnd != other.CancelAtPeriodEnd ||
		!r.CurrentPeriodStart.Equal(other.CurrentPeriodStart) ||
		!r.CurrentPeriodEnd.Equal(other.CurrentPeriodEnd) ||
		!r.ProviderUpdatedAt.Equal(other.ProviderUpdatedAt) {
		return false
	}
	if (r.TrialEnd == nil) != (other.TrialEnd == nil) {
		return false
	}
	if r.TrialEnd != nil && !r.TrialEnd.Equal(*other.TrialEnd) {
		return false
	}
	return true
}

// BillingEvent is an entry in the idempotent event log.
type BillingEvent struct {
	EventID      string
	EventType    string
	ReceivedAt   time.Time
	Processed    bool
	ProcessedAt  *time.Time
	ErrorMessage string
	RawPayload   []byte
}

// PaymentRecord is a normalized payment row. PaymentIntentID is the
// idempotency key: duplicate webhook deliveries must not create duplicates.
type PaymentRecord struct {
	UserID          string
	PaymentIntentID string
	InvoiceID       string
	Amount          int64
	Currency        string
	Status          string
	BillingReason   string
	CreatedAt       time.Time
}

// UsageEntry is a user's live usage for one calendar-month period.
type UsageEntry struct {
	UserID    string
	Period    time.Time // first day of the month, UTC
	Counters  map[string]int
	UpdatedAt time.Time
}

// ArchivedUsage is a superseded ledger entry kept in bounded history.
type ArchivedUsage struct {
	ID         string
	UserID     string
	Period     time.Time
	Counters   map[string]int
	ArchivedAt time.Time
}

// WeeklyWindow is a rolling 7-day discovery counting window.
type WeeklyWindow struct {
	UserID    string
	WeekStart time.Time
	WeekEnd   time.Time
	JobsFound int
	UpdatedAt time.Time
}

// QuotaCheck is the result of a limit check, suitable for rendering an
// upgrade prompt to the user.
type QuotaCheck struct {
	Allowed   bool
	Current   int
	Limit     int
	Remaining int
}

// WeeklyStats describes the current rolling-week discovery window.
type WeeklyStats struct {
	JobsFoundThisWeek int
	WeekStart         time.Time
	WeekEnd           time.Time
	WeeklyLimit       int
	RemainingThisWeek int
	IsLimitReached    bool
}

// FeatureUsage is one metered feature's usage within the current period.
type FeatureUsage struct {
	Feature   string
	Used      int
	Limit     int
	Remaining int
}

// PlanLimits are the quota limits attached to a plan tier.
type PlanLimits struct {
	// MonthlyQuotas maps metered feature names to per-month limits.
	// Unlimited (-1) disables the cap.
	MonthlyQuotas map[string]int

	// WeeklyDiscoveryLimit caps jobs surfaced by AI discovery per rolling week.
	WeeklyDiscoveryLimit int

	// ActiveSearchSlots caps concurrently active AI searches.
	ActiveSearchSlots int
}

// Plan is one entry of the plan catalog.
type Plan struct {
	Tier            PlanTier
	Name            string
	PriceCents      int64
	Currency        string
	ProviderPriceID string
	Limits          PlanLimits
}

// SubscriptionSnapshot is the composed user-facing view: subscription,
// plan limits, monthly usage, weekly discovery stats and slot availability.
type SubscriptionSnapshot struct {
	Subscription SubscriptionRecord
	Plan         Plan
	Usage        []FeatureUsage
	Weekly       WeeklyStats
	Slots        QuotaCheck

	// SyncedFromProvider is false when the provider was unreachable and the
	// snapshot was built from last-persisted state only.
	SyncedFromProvider bool
}

// Remaining computes the remaining allowance for a used/limit pair,
// treating Unlimited as a very large remainder.
func Remaining(used, limit int) int {
	if limit == Unlimited {
		return Unlimited
	}
	if r := limit - used; r > 0 {
		return r
	}
	return 0
}
