package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/seekwell/entitlements/pkg/billing"
)

// CreateCheckoutSession implements billing.Gateway. The user ID is injected
// into the subscription metadata so webhook events can be resolved without a
// local lookup.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req *billing.CheckoutRequest) (*billing.Session, error) {
	if req == nil || req.UserID == "" || req.PriceID == "" {
		return nil, fmt.Errorf("%w: user id and price id are required", billing.ErrInvalidPayload)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}

	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserIDKey, req.UserID)
	if req.PlanName != "" {
		params.SubscriptionData.AddMetadata("plan_name", req.PlanName)
	}
	params.AddMetadata(metadataUserIDKey, req.UserID)

	// Attach the existing customer when known to avoid duplicates in Stripe;
	// otherwise let checkout create one linked back via ClientReferenceID.
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		params.ClientReferenceID = stripe.String(req.UserID)
		params.CustomerCreation = stripe.String("always")
	}

	session, err := g.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, translateErr(err, billing.ErrCustomerNotFound)
	}

	return &billing.Session{ID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession implements billing.Gateway.
func (g *Gateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*billing.Session, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", billing.ErrInvalidPayload)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := g.client.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		return nil, translateErr(err, billing.ErrCustomerNotFound)
	}

	return &billing.Session{ID: session.ID, URL: session.URL}, nil
}
