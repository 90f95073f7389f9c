package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

const (
	webhookBodyLimit = 1024 * 1024 // 1 MiB

	// SignatureHeader carries the hex HMAC-SHA256 of a native event body.
	SignatureHeader = "X-Entitlement-Signature"
)

// EventProcessor applies verified billing events.
type EventProcessor interface {
	Process(ctx context.Context, ev entitlement.WebhookEvent) (Outcome, error)
}

// Handler serves the billing webhook endpoints.
type Handler struct {
	processor    EventProcessor
	secret       string
	stripeSecret string
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool    `json:"received"`
	Outcome  Outcome `json:"outcome,omitempty"`
}

// NewHandler returns webhook handlers. An empty secret accepts unsigned native
// events; an empty stripeSecret disables the Stripe endpoint.
func NewHandler(processor EventProcessor, secret, stripeSecret string) *Handler {
	return &Handler{processor: processor, secret: secret, stripeSecret: stripeSecret}
}

// HandleEvents accepts native JSON billing events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	payload, ok := readBody(w, r)
	if !ok {
		return
	}

	if h.secret != "" && !validSignature(payload, r.Header.Get(SignatureHeader), h.secret) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	var ev entitlement.WebhookEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event body"})
		return
	}
	h.process(w, r, ev)
}

// HandleStripe verifies the Stripe signature and applies subscription events.
func (h *Handler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.stripeSecret) == "" {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "webhook secret not configured"})
		return
	}
	payload, ok := readBody(w, r)
	if !ok {
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing Stripe signature"})
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.stripeSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid Stripe signature"})
		return
	}

	ev, handled, err := eventFromStripe(event)
	if err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Str("type", string(event.Type)).Msg("Stripe webhook could not be decoded")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid event payload"})
		return
	}
	if !handled {
		log.Info().Str("event_id", event.ID).Str("type", string(event.Type)).Msg("Stripe webhook ignored (unhandled type)")
		writeJSON(w, http.StatusOK, receivedResponse{Received: true})
		return
	}
	h.process(w, r, ev)
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request, ev entitlement.WebhookEvent) {
	outcome, err := h.processor.Process(r.Context(), ev)
	switch {
	case errors.Is(err, ErrInvalidEvent):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case err != nil:
		log.Error().Err(err).Str("event_id", ev.ID).Str("type", string(ev.Type)).Msg("Webhook processing failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "processing failed"})
	default:
		writeJSON(w, http.StatusOK, receivedResponse{Received: true, Outcome: outcome})
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return nil, false
	}
	return payload, true
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(payload []byte, header, secret string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(header))
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(Sign(payload, secret))
	return hmac.Equal(got, want)
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("webhook: encode response")
	}
}
