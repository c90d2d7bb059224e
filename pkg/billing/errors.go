package billing

import "errors"

var (
	// ErrNotConfigured is returned when the gateway is missing required configuration
	ErrNotConfigured = errors.New("billing gateway not configured")

	// ErrInvalidSignature is returned when webhook signature verification fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed
	// or is missing its id or type
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrCustomerNotFound is returned when a customer does not exist at the provider
	ErrCustomerNotFound = errors.New("customer not found at billing provider")

	// ErrSubscriptionNotFound is returned when a subscription does not exist at the provider
	ErrSubscriptionNotFound = errors.New("subscription not found at billing provider")

	// ErrProviderUnavailable is returned for transient provider failures.
	// Read paths degrade to last-persisted state; write paths surface it.
	ErrProviderUnavailable = errors.New("billing provider unavailable")
)
