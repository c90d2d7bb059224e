// Package billing defines the capability interface to the external billing
// provider. The provider is a black box: money, subscription status and
// billing-period dates are authoritative on its side, and all provider-specific
// error shapes are translated into this package's taxonomy before crossing
// into the reconciliation core.
package billing

import (
	"context"
	"time"
)

// Customer is the provider-side customer object.
type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
}

// Subscription is the provider-side subscription object, reduced to the
// fields the reconciliation engine consumes.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time

	// UpdatedAt is the provider-side timestamp of the last change, used as
	// the ordering guard when applying events and syncs.
	UpdatedAt time.Time
	Metadata  map[string]string
}

// Invoice is the provider-side invoice object.
type Invoice struct {
	ID               string
	CustomerID       string
	SubscriptionID   string
	PaymentIntentID  string
	AmountDue        int64
	AmountPaid       int64
	Currency         string
	Status           string
	BillingReason    string
	HostedInvoiceURL string
	CreatedAt        time.Time
}

// Checkout describes a completed checkout session.
type Checkout struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
	Metadata       map[string]string
}

// Event is a verified inbound webhook event with the provider payload
// decoded into the object matching its type.
type Event struct {
	ID        string
	Type      string
	CreatedAt time.Time
	Raw       []byte

	// Exactly one of the following is set, depending on Type.
	Subscription *Subscription
	Invoice      *Invoice
	Checkout     *Checkout
}

// Event types the reconciliation engine dispatches on. Unrecognized types
// are acknowledged without side effects.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
	EventPaymentFailed       = "invoice.payment_failed"
	EventCheckoutCompleted   = "checkout.session.completed"
)

// CheckoutRequest describes a new checkout session.
type CheckoutRequest struct {
	UserID     string
	CustomerID string // optional; attaches an existing customer
	PriceID    string
	PlanName   string
	SuccessURL string
	CancelURL  string
}

// Session is a provider-hosted checkout or portal session.
type Session struct {
	ID  string
	URL string
}

// Gateway is the capability interface any billing backend must implement.
type Gateway interface {
	// Name returns the provider name (e.g. "stripe").
	Name() string

	// CreateOrGetCustomer returns the provider customer for userID,
	// creating one tagged with the user ID when none exists.
	CreateOrGetCustomer(ctx context.Context, userID, email string) (*Customer, error)

	// GetCustomer retrieves a customer by provider ID.
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)

	// CreateCheckoutSession starts a subscription checkout.
	CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (*Session, error)

	// CreatePortalSession opens a self-service billing portal session.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*Session, error)

	// GetSubscription retrieves the live subscription object.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CancelSubscription cancels immediately or at period end.
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error)

	// ResumeSubscription clears a pending at-period-end cancellation.
	ResumeSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// ChangePlan swaps the subscription onto a new price.
	ChangePlan(ctx context.Context, subscriptionID, newPriceID string) (*Subscription, error)

	// ListInvoices returns a customer's most recent invoices.
	ListInvoices(ctx context.Context, customerID string, limit int) ([]*Invoice, error)

	// VerifySignature authenticates a raw webhook payload against the shared
	// secret and decodes it. Returns ErrInvalidSignature on failure and
	// ErrInvalidPayload for events missing id or type.
	VerifySignature(payload []byte, signature string) (*Event, error)
}
