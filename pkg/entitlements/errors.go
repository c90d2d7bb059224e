package entitlements

import "errors"

var (
	// ErrQuotaExceeded is returned when a metered feature's limit is reached
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrSlotLimitReached is returned when no AI search slot is available
	ErrSlotLimitReached = errors.New("active search slot limit reached")

	// ErrSubscriptionNotFound is returned when no record exists for a user
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPlanNotFound is returned for a tier or price ID missing from the catalog
	ErrPlanNotFound = errors.New("plan not found in catalog")

	// ErrInvalidRecord is returned when a subscription record violates its invariants
	ErrInvalidRecord = errors.New("invalid subscription record")

	// ErrInvalidAmount is returned for negative usage amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrStorageUnavailable is returned when a backing store cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")
)
