// Package api serves the feature access query API and the state stream.
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcourtman/pulse-entitlements/internal/reconciler"
	"github.com/rcourtman/pulse-entitlements/internal/store"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// StateOwner is the canonical state owner as seen by the API.
type StateOwner interface {
	Current() reconciler.Snapshot
	Subscribe() (<-chan reconciler.Snapshot, func())
	Reconcile(ctx context.Context, opts reconciler.Options) (reconciler.Snapshot, error)
	QueueValidation(ctx context.Context, transactionID, productID string) error
	PendingValidations(ctx context.Context) ([]store.PendingValidation, error)
}

// AccessService answers gating queries.
type AccessService interface {
	Catalog() entitlement.Catalog
	HasAccess(ctx context.Context, feature entitlement.FeatureType) entitlement.FeatureAccess
	Consume(ctx context.Context, feature entitlement.FeatureType) (entitlement.FeatureAccess, error)
	AccessibleFeatures(ctx context.Context) []entitlement.FeatureType
	UnavailablePremiumFeatures(ctx context.Context) []entitlement.FeatureType
	AccessState() entitlement.AccessState
	RemainingTrialDays() int
}

// WebhookHandlers serve the billing webhook endpoints.
type WebhookHandlers interface {
	HandleEvents(w http.ResponseWriter, r *http.Request)
	HandleStripe(w http.ResponseWriter, r *http.Request)
}

// Config wires the router's collaborators. Webhooks and Ping are optional.
type Config struct {
	Owner    StateOwner
	Access   AccessService
	Webhooks WebhookHandlers
	Ping     func(ctx context.Context) error
}

// Router serves the HTTP surface.
type Router struct {
	owner    StateOwner
	access   AccessService
	webhooks WebhookHandlers
	ping     func(ctx context.Context) error
	mux      *http.ServeMux
}

// NewRouter builds the route table.
func NewRouter(cfg Config) *Router {
	r := &Router{
		owner:    cfg.Owner,
		access:   cfg.Access,
		webhooks: cfg.Webhooks,
		ping:     cfg.Ping,
		mux:      http.NewServeMux(),
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.handle("GET /api/v1/state", r.handleState)
	r.handle("GET /api/v1/state/stream", r.handleStateStream)
	r.handle("GET /api/v1/access", r.handleAccessList)
	r.handle("GET /api/v1/access/{feature}", r.handleAccess)
	r.handle("POST /api/v1/usage/{feature}/consume", r.handleConsume)
	r.handle("POST /api/v1/refresh", r.handleRefresh)
	r.handle("GET /api/v1/validations", r.handleListValidations)
	r.handle("POST /api/v1/validations", r.handleQueueValidation)
	r.handle("GET /healthz", r.handleHealth)
	r.mux.Handle("GET /metrics", promhttp.Handler())

	if r.webhooks != nil {
		r.handle("POST /webhooks/events", r.webhooks.HandleEvents)
		r.handle("POST /webhooks/stripe", r.webhooks.HandleStripe)
	}
}

func (r *Router) handle(pattern string, h http.HandlerFunc) {
	r.mux.Handle(pattern, instrument(pattern, h))
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ErrorHandler(r.mux).ServeHTTP(w, req)
}
