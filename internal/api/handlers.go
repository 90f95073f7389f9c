package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	enterrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rcourtman/pulse-entitlements/internal/reconciler"
	"github.com/rcourtman/pulse-entitlements/internal/store"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

const requestBodyLimit = 64 * 1024

type stateResponse struct {
	reconciler.Snapshot
	AccessState        entitlement.AccessState `json:"accessState"`
	RemainingTrialDays int                     `json:"remainingTrialDays"`
}

type accessResponse struct {
	Feature         entitlement.FeatureType   `json:"feature"`
	Access          entitlement.AccessKind    `json:"access"`
	Reason          entitlement.DenialReason  `json:"reason,omitempty"`
	Description     string                    `json:"description,omitempty"`
	SuggestedAction string                    `json:"suggestedAction,omitempty"`
	Usage           *entitlement.FeatureUsage `json:"usage,omitempty"`
}

type accessListResponse struct {
	Features                   []accessResponse          `json:"features"`
	AccessibleFeatures         []entitlement.FeatureType `json:"accessibleFeatures"`
	UnavailablePremiumFeatures []entitlement.FeatureType `json:"unavailablePremiumFeatures"`
}

type queueValidationRequest struct {
	TransactionID string `json:"transactionId"`
	ProductID     string `json:"productId,omitempty"`
}

type pendingValidationsResponse struct {
	Pending []store.PendingValidation `json:"pending"`
}

func newAccessResponse(feature entitlement.FeatureType, a entitlement.FeatureAccess) accessResponse {
	resp := accessResponse{Feature: feature, Access: a.Kind, Usage: a.Usage}
	if a.Kind == entitlement.AccessDenied {
		resp.Reason = a.Reason
		resp.Description = a.Reason.Description()
		resp.SuggestedAction = a.Reason.SuggestedAction()
	}
	return resp
}

func (r *Router) handleState(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.stateResponse(r.owner.Current()))
}

func (r *Router) stateResponse(snap reconciler.Snapshot) stateResponse {
	return stateResponse{
		Snapshot:           snap,
		AccessState:        r.access.AccessState(),
		RemainingTrialDays: r.access.RemainingTrialDays(),
	}
}

// lookupFeature resolves the {feature} path value or writes a 404.
func (r *Router) lookupFeature(w http.ResponseWriter, req *http.Request) (entitlement.FeatureType, bool) {
	feature := entitlement.FeatureType(strings.TrimSpace(req.PathValue("feature")))
	if _, ok := r.access.Catalog().Lookup(feature); !ok {
		writeErrorResponse(w, req, http.StatusNotFound, "unknown_feature", "Unknown feature", map[string]string{
			"feature": string(feature),
		})
		return "", false
	}
	return feature, true
}

func (r *Router) handleAccess(w http.ResponseWriter, req *http.Request) {
	feature, ok := r.lookupFeature(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newAccessResponse(feature, r.access.HasAccess(req.Context(), feature)))
}

func (r *Router) handleAccessList(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	features := r.access.Catalog().Features()
	resp := accessListResponse{
		Features:                   make([]accessResponse, 0, len(features)),
		AccessibleFeatures:         r.access.AccessibleFeatures(ctx),
		UnavailablePremiumFeatures: r.access.UnavailablePremiumFeatures(ctx),
	}
	for _, f := range features {
		resp.Features = append(resp.Features, newAccessResponse(f, r.access.HasAccess(ctx, f)))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleConsume(w http.ResponseWriter, req *http.Request) {
	feature, ok := r.lookupFeature(w, req)
	if !ok {
		return
	}
	decision, err := r.access.Consume(req.Context(), feature)
	if err != nil {
		logger := logging.FromContext(req.Context())
		logger.Error().Err(err).Str("feature", string(feature)).Msg("Failed to record feature usage")
		writeErrorResponse(w, req, http.StatusInternalServerError, "usage_unavailable", "Usage could not be recorded", nil)
		return
	}
	status := http.StatusOK
	if !decision.Allowed() {
		status = http.StatusForbidden
	}
	writeJSON(w, status, newAccessResponse(feature, decision))
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	force, _ := strconv.ParseBool(req.URL.Query().Get("force"))
	snap, err := r.owner.Reconcile(req.Context(), reconciler.Options{Force: force, Reason: "api"})
	if err != nil {
		kind := enterrors.KindOf(err)
		status := http.StatusBadGateway
		if errors.Is(err, enterrors.ErrInvalidReceipt) || errors.Is(err, enterrors.ErrUnauthenticated) {
			status = http.StatusUnprocessableEntity
		}
		logger := logging.FromContext(req.Context())
		logger.Warn().Err(err).Bool("force", force).Str("kind", string(kind)).Msg("Requested refresh failed")
		writeErrorResponse(w, req, status, string(kind), "Validation failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, r.stateResponse(snap))
}

func (r *Router) handleListValidations(w http.ResponseWriter, req *http.Request) {
	pending, err := r.owner.PendingValidations(req.Context())
	if err != nil {
		logger := logging.FromContext(req.Context())
		logger.Error().Err(err).Msg("Failed to list pending validations")
		writeErrorResponse(w, req, http.StatusInternalServerError, "storage_error", "Pending validations unavailable", nil)
		return
	}
	if pending == nil {
		pending = []store.PendingValidation{}
	}
	writeJSON(w, http.StatusOK, pendingValidationsResponse{Pending: pending})
}

func (r *Router) handleQueueValidation(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, requestBodyLimit)
	var body queueValidationRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_body", "Invalid request body", nil)
		return
	}
	body.TransactionID = strings.TrimSpace(body.TransactionID)
	if body.TransactionID == "" {
		writeErrorResponse(w, req, http.StatusBadRequest, "missing_transaction", "transactionId is required", nil)
		return
	}
	if err := r.owner.QueueValidation(req.Context(), body.TransactionID, body.ProductID); err != nil {
		logger := logging.FromContext(req.Context())
		logger.Error().Err(err).Msg("Failed to queue validation")
		writeErrorResponse(w, req, http.StatusInternalServerError, "storage_error", "Validation could not be queued", nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if r.ping != nil {
		if err := r.ping(req.Context()); err != nil {
			logger := logging.FromContext(req.Context())
			logger.Warn().Err(err).Msg("Health check failed")
			writeErrorResponse(w, req, http.StatusServiceUnavailable, "unhealthy", "Storage unavailable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
