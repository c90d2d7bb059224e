package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/seekwell/entitlements/pkg/billing"
)

// VerifySignature implements billing.Gateway. The raw payload is
// authenticated against the webhook secret before any parsing of the event
// body, and the data object is decoded into the view matching the event type.
func (g *Gateway) VerifySignature(payload []byte, signature string) (*billing.Event, error) {
	if g.webhookSecret == "" {
		return nil, billing.ErrNotConfigured
	}

	event, err := stripe.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}

	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", billing.ErrInvalidPayload)
	}

	out := &billing.Event{
		ID:        event.ID,
		Type:      string(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
		Raw:       event.Data.Raw,
	}

	switch {
	case strings.HasPrefix(out.Type, "customer.subscription."):
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription object: %v", billing.ErrInvalidPayload, err)
		}
		out.Subscription = convertSubscription(&sub)
		out.Subscription.UpdatedAt = out.CreatedAt

	case strings.HasPrefix(out.Type, "invoice."):
		inv, err := decodeInvoiceEvent(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		out.Invoice = inv

	case out.Type == billing.EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidPayload, err)
		}
		ck := &billing.Checkout{
			SessionID: session.ID,
			Metadata:  session.Metadata,
		}
		if session.Customer != nil {
			ck.CustomerID = session.Customer.ID
		}
		if session.Subscription != nil {
			ck.SubscriptionID = session.Subscription.ID
		}
		out.Checkout = ck
	}

	return out, nil
}

// decodeInvoiceEvent parses an invoice payload. The subscription and payment
// intent references arrive either as bare ID strings or as expanded objects
// depending on API version, so they are read from the raw JSON.
func decodeInvoiceEvent(raw []byte) (*billing.Invoice, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice object: %v", billing.ErrInvalidPayload, err)
	}

	out := convertInvoice(&inv)

	var rawData map[string]interface{}
	if err := json.Unmarshal(raw, &rawData); err == nil {
		out.SubscriptionID = refID(rawData["subscription"])
		out.PaymentIntentID = refID(rawData["payment_intent"])
		if out.SubscriptionID == "" {
			// Newer payloads nest the subscription reference under parent.
			if parent, ok := rawData["parent"].(map[string]interface{}); ok {
				if details, ok := parent["subscription_details"].(map[string]interface{}); ok {
					out.SubscriptionID = refID(details["subscription"])
				}
			}
		}
	}

	return out, nil
}

// refID extracts an object ID from a value that is either an ID string or an
// expanded object with an "id" field.
func refID(v interface{}) string {
	switch ref := v.(type) {
	case string:
		return ref
	case map[string]interface{}:
		if id, ok := ref["id"].(string); ok {
			return id
		}
	}
	return ""
}
