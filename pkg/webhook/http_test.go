package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekwell/entitlements/pkg/billing"
	"github.com/seekwell/entitlements/pkg/entitlements"
	"github.com/seekwell/entitlements/pkg/webhook/internal"
	"github.com/seekwell/entitlements/storage/memory"
)

// verifyingGateway overrides signature verification for endpoint tests.
type verifyingGateway struct {
	*fakeGateway
	verify func(payload []byte, signature string) (*billing.Event, error)
}

func (g *verifyingGateway) VerifySignature(payload []byte, signature string) (*billing.Event, error) {
	return g.verify(payload, signature)
}

func newTestEndpoint(t *testing.T, verify func([]byte, string) (*billing.Event, error)) (*Endpoint, *memory.Store) {
	t.Helper()

	store := memory.New()
	gateway := &verifyingGateway{fakeGateway: newFakeGateway(), verify: verify}
	processor, err := NewProcessor(Config{
		Events:        store,
		Subscriptions: store,
		Profiles:      store,
		Payments:      store,
		Gateway:       gateway,
		Catalog:       entitlements.NewStaticCatalog(entitlements.DefaultPlans()...),
	})
	require.NoError(t, err)

	endpoint, err := NewEndpoint(EndpointConfig{Processor: processor, Gateway: gateway})
	require.NoError(t, err)
	return endpoint, store
}

func TestEndpointRejectsNonPost(t *testing.T) {
	endpoint, _ := newTestEndpoint(t, func([]byte, string) (*billing.Event, error) {
		t.Fatal("verification must not run for GET")
		return nil, nil
	})

	rr := httptest.NewRecorder()
	endpoint.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webhooks/billing", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestEndpointRejectsInvalidSignature(t *testing.T) {
	endpoint, _ := newTestEndpoint(t, func([]byte, string) (*billing.Event, error) {
		return nil, billing.ErrInvalidSignature
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	endpoint.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestEndpointRejectsInvalidPayload(t *testing.T) {
	endpoint, _ := newTestEndpoint(t, func([]byte, string) (*billing.Event, error) {
		return nil, billing.ErrInvalidPayload
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(`{}`))
	endpoint.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEndpointRejectsEmptyBody(t *testing.T) {
	endpoint, _ := newTestEndpoint(t, func([]byte, string) (*billing.Event, error) {
		t.Fatal("verification must not run for an empty body")
		return nil, nil
	})

	rr := httptest.NewRecorder()
	endpoint.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/billing", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestEndpointAcknowledgesVerifiedEvent(t *testing.T) {
	event := &billing.Event{
		ID:        "evt_1",
		Type:      "customer.updated",
		CreatedAt: time.Now().UTC(),
	}
	endpoint, store := newTestEndpoint(t, func(payload []byte, signature string) (*billing.Event, error) {
		assert.Equal(t, "t=1,v1=good", signature)
		return event, nil
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=good")
	endpoint.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "received")

	stored, err := store.GetEvent(req.Context(), "evt_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Processed)
}

func TestEndpointRateLimit(t *testing.T) {
	endpoint, _ := newTestEndpoint(t, func([]byte, string) (*billing.Event, error) {
		return nil, billing.ErrInvalidSignature
	})
	endpoint.limiter = internal.NewRateLimiter(2, time.Minute)

	handler := endpoint.Handler()
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(`x`))
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rr, req)
		assert.NotEqual(t, http.StatusTooManyRequests, rr.Code)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(`x`))
	req.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// A different client is unaffected.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(`x`))
	req.RemoteAddr = "10.0.0.2:1234"
	handler.ServeHTTP(rr, req)
	assert.NotEqual(t, http.StatusTooManyRequests, rr.Code)
}
