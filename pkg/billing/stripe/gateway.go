// Package stripe implements the billing.Gateway capability interface on top
// of the Stripe API. Provider errors never leave this package as-is: they are
// translated into the billing error taxonomy at the boundary.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/seekwell/entitlements/pkg/billing"
)

const (
	gatewayName        = "stripe"
	defaultHTTPTimeout = 10 * time.Second

	// metadataUserIDKey tags provider objects with the internal user ID so
	// webhook events can be resolved back to a user.
	metadataUserIDKey = "user_id"
)

// Config holds Stripe gateway configuration.
type Config struct {
	// APIKey authenticates outbound API calls.
	APIKey string

	// WebhookSecret verifies inbound webhook signatures.
	WebhookSecret string

	// HTTPTimeout bounds every outbound provider call (default 10s).
	HTTPTimeout time.Duration
}

// Gateway implements billing.Gateway for Stripe.
type Gateway struct {
	client        *stripe.Client
	webhookSecret string
}

// New creates a new Stripe gateway.
func New(config Config) (*Gateway, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrNotConfigured
	}

	timeout := config.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		HTTPClient: &http.Client{Timeout: timeout},
	})
	client := stripe.NewClient(apiKey, stripe.WithBackends(backends))

	return &Gateway{
		client:        client,
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
	}, nil
}

// Name implements billing.Gateway.
func (g *Gateway) Name() string {
	return gatewayName
}

// CreateOrGetCustomer implements billing.Gateway. Lookup goes through the
// Stripe Search API on the user_id metadata tag; a new customer is created
// and tagged when none matches.
func (g *Gateway) CreateOrGetCustomer(ctx context.Context, userID, email string) (*billing.Customer, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", billing.ErrInvalidPayload)
	}

	searchParams := &stripe.CustomerSearchParams{}
	searchParams.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, userID)

	for cust, err := range g.client.V1Customers.Search(ctx, searchParams) {
		if err != nil {
			return nil, translateErr(err, nil)
		}
		// Search can return partial matches; verify exact.
		if cust.Metadata != nil && cust.Metadata[metadataUserIDKey] == userID {
			return convertCustomer(cust), nil
		}
	}

	createParams := &stripe.CustomerCreateParams{}
	if email != "" {
		createParams.Email = stripe.String(email)
	}
	createParams.AddMetadata(metadataUserIDKey, userID)

	cust, err := g.client.V1Customers.Create(ctx, createParams)
	if err != nil {
		return nil, translateErr(err, nil)
	}
	return convertCustomer(cust), nil
}

// GetCustomer implements billing.Gateway.
func (g *Gateway) GetCustomer(ctx context.Context, customerID string) (*billing.Customer, error) {
	cust, err := g.client.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		return nil, translateErr(err, billing.ErrCustomerNotFound)
	}
	return convertCustomer(cust), nil
}

// GetSubscription implements billing.Gateway.
func (g *Gateway) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	sub, err := g.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, translateErr(err, billing.ErrSubscriptionNotFound)
	}
	out := convertSubscription(sub)
	// API reads have no event timestamp; the fetch time orders them.
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// CancelSubscription implements billing.Gateway.
func (g *Gateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*billing.Subscription, error) {
	var sub *stripe.Subscription
	var err error

	if atPeriodEnd {
		params := &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		sub, err = g.client.V1Subscriptions.Update(ctx, subscriptionID, params)
	} else {
		sub, err = g.client.V1Subscriptions.Cancel(ctx, subscriptionID, nil)
	}
	if err != nil {
		return nil, translateErr(err, billing.ErrSubscriptionNotFound)
	}

	out := convertSubscription(sub)
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// ResumeSubscription implements billing.Gateway.
func (g *Gateway) ResumeSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	sub, err := g.client.V1Subscriptions.Update(ctx, subscriptionID, params)
	if err != nil {
		return nil, translateErr(err, billing.ErrSubscriptionNotFound)
	}

	out := convertSubscription(sub)
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// ChangePlan implements billing.Gateway. The first subscription item is
// swapped onto the new price with prorations.
func (g *Gateway) ChangePlan(ctx context.Context, subscriptionID, newPriceID string) (*billing.Subscription, error) {
	sub, err := g.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, translateErr(err, billing.ErrSubscriptionNotFound)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, fmt.Errorf("%w: subscription %s has no items", billing.ErrInvalidPayload, subscriptionID)
	}

	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(sub.Items.Data[0].ID),
				Price: stripe.String(newPriceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}

	updated, err := g.client.V1Subscriptions.Update(ctx, subscriptionID, params)
	if err != nil {
		return nil, translateErr(err, billing.ErrSubscriptionNotFound)
	}

	out := convertSubscription(updated)
	out.UpdatedAt = time.Now().UTC()
	return out, nil
}

// ListInvoices implements billing.Gateway.
func (g *Gateway) ListInvoices(ctx context.Context, customerID string, limit int) ([]*billing.Invoice, error) {
	if limit <= 0 {
		limit = 10
	}

	params := &stripe.InvoiceListParams{}
	params.Customer = stripe.String(customerID)
	params.Limit = stripe.Int64(int64(limit))

	var invoices []*billing.Invoice
	for inv, err := range g.client.V1Invoices.List(ctx, params) {
		if err != nil {
			return nil, translateErr(err, billing.ErrCustomerNotFound)
		}
		invoices = append(invoices, convertInvoice(inv))
		if len(invoices) >= limit {
			break
		}
	}
	return invoices, nil
}

func convertCustomer(cust *stripe.Customer) *billing.Customer {
	return &billing.Customer{
		ID:       cust.ID,
		Email:    cust.Email,
		Metadata: cust.Metadata,
	}
}

// convertSubscription reduces a Stripe subscription to the engine's view.
// Period dates live on the subscription item in current API versions.
func convertSubscription(sub *stripe.Subscription) *billing.Subscription {
	out := &billing.Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.TrialEnd > 0 {
		trialEnd := time.Unix(sub.TrialEnd, 0).UTC()
		out.TrialEnd = &trialEnd
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		if item.CurrentPeriodStart > 0 {
			out.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd > 0 {
			out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return out
}

func convertInvoice(inv *stripe.Invoice) *billing.Invoice {
	out := &billing.Invoice{
		ID:               inv.ID,
		AmountDue:        inv.AmountDue,
		AmountPaid:       inv.AmountPaid,
		Currency:         string(inv.Currency),
		Status:           string(inv.Status),
		BillingReason:    string(inv.BillingReason),
		HostedInvoiceURL: inv.HostedInvoiceURL,
		CreatedAt:        time.Unix(inv.Created, 0).UTC(),
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	return out
}

// translateErr maps a Stripe API error into the billing taxonomy. notFound
// is the sentinel to use for 404s; nil maps 404s to ErrProviderUnavailable.
func translateErr(err error, notFound error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode == http.StatusNotFound:
			if notFound != nil {
				return fmt.Errorf("%w: %s", notFound, stripeErr.Msg)
			}
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: %s", billing.ErrProviderUnavailable, stripeErr.Msg)
		}
		return fmt.Errorf("%w: %s", billing.ErrProviderUnavailable, stripeErr.Msg)
	}
	// Network errors, timeouts and context cancellation are all transient
	// from the engine's perspective.
	return fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
}
