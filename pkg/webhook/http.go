package webhook

import (
	"errors"
	"net/http"
	"time"

	"github.com/seekwell/entitlements/pkg/billing"
	"github.com/seekwell/entitlements/pkg/entitlements"
	"github.com/seekwell/entitlements/pkg/webhook/internal"
)

const (
	// maxPayloadBytes bounds the webhook request body. Provider events are
	// well under this; anything larger is hostile.
	maxPayloadBytes = 256 * 1024

	defaultSignatureHeader = "Stripe-Signature"

	defaultRateLimit  = 100
	defaultRateWindow = time.Minute
)

// EndpointConfig configures the delivery endpoint.
type EndpointConfig struct {
	Processor *Processor
	Gateway   billing.Gateway
	Logger    entitlements.Logger

	// SignatureHeader is the request header carrying the provider signature
	// (default "Stripe-Signature").
	SignatureHeader string

	// RateLimit and RateWindow bound deliveries per client IP
	// (default 100/min).
	RateLimit  int
	RateWindow time.Duration
}

// Endpoint is the HTTP handler for provider webhook deliveries. The body is
// read with a hard size cap and the signature is verified before any parsing
// side effects.
type Endpoint struct {
	processor *Processor
	gateway   billing.Gateway
	logger    entitlements.Logger
	sigHeader string
	limiter   *internal.RateLimiter
}

// NewEndpoint creates the delivery endpoint handler.
func NewEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	if cfg.Processor == nil || cfg.Gateway == nil {
		return nil, errors.New("webhook: endpoint requires a processor and a gateway")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &entitlements.NoopLogger{}
	}
	sigHeader := cfg.SignatureHeader
	if sigHeader == "" {
		sigHeader = defaultSignatureHeader
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = defaultRateWindow
	}

	return &Endpoint{
		processor: cfg.Processor,
		gateway:   cfg.Gateway,
		logger:    logger,
		sigHeader: sigHeader,
		limiter:   internal.NewRateLimiter(limit, window),
	}, nil
}

// Handler returns the endpoint wrapped with per-IP rate limiting, ready to
// mount on a mux.
func (e *Endpoint) Handler() http.Handler {
	return e.limiter.Middleware(e)
}

// ServeHTTP implements http.Handler.
//
// Response codes signal redelivery to the provider: 2xx acknowledges, 4xx
// rejects permanently, 5xx asks for another attempt. Only an unreachable
// event log produces a 5xx; handler failures are recorded and acknowledged.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxPayloadBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	ev, err := e.gateway.VerifySignature(body, r.Header.Get(e.sigHeader))
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidSignature):
			e.logger.Warn("webhook signature verification failed",
				entitlements.Field{Key: "remote_ip", Value: internal.GetClientIP(r)})
			http.Error(w, "invalid signature", http.StatusUnauthorized)
		case errors.Is(err, billing.ErrNotConfigured):
			e.logger.Error("webhook secret not configured")
			http.Error(w, "endpoint not configured", http.StatusInternalServerError)
		default:
			http.Error(w, "invalid payload", http.StatusBadRequest)
		}
		return
	}

	if err := e.processor.Handle(r.Context(), ev); err != nil {
		// Admission failure: the event is not durably recorded yet, so ask
		// the provider to redeliver.
		e.logger.Error("webhook admission failed",
			entitlements.Field{Key: "event_id", Value: ev.ID},
			entitlements.Field{Key: "error", Value: err.Error()})
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}
