// Package metrics holds the Prometheus collectors for the entitlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "entitlement"

var (
	// ValidationAttempts counts remote validation attempts by outcome
	// (success, retryable, terminal, circuit_open).
	ValidationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "attempts_total",
		Help:      "Remote validation attempts by outcome.",
	}, []string{"outcome"})

	// ValidationDuration tracks validation call latency.
	ValidationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "duration_seconds",
		Help:      "Remote validation call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// BreakerState is 0 closed, 1 open, 2 half-open.
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "validator",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
	})

	// Reconciliations counts reconciliation passes by result
	// (committed, unchanged, coalesced, superseded, failed).
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "passes_total",
		Help:      "Reconciliation passes by result.",
	}, []string{"result"})

	// StateChanges counts canonical state commits by resulting status.
	StateChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "state_changes_total",
		Help:      "Canonical state commits by resulting status and source.",
	}, []string{"status", "source"})

	// PendingValidations tracks the size of the deferred validation queue.
	PendingValidations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "pending_validations",
		Help:      "Validations deferred to the next scheduled pass.",
	})

	// SyncConflicts counts remote updates resolved by conflict rules, by winner and rule.
	SyncConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "conflicts_total",
		Help:      "Cross-device conflicts by winner and deciding rule.",
	}, []string{"winner", "rule"})

	// SyncPublishes counts publishes to the shared document by outcome.
	SyncPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "publishes_total",
		Help:      "Shared document publishes by outcome.",
	}, []string{"outcome"})

	// WebhookEvents counts ingested webhook events by type and outcome.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Webhook events by type and outcome.",
	}, []string{"event_type", "outcome"})

	// AccessDecisions counts feature gate evaluations by outcome.
	AccessDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "access",
		Name:      "decisions_total",
		Help:      "Feature access decisions by outcome.",
	}, []string{"access"})

	// AccessCacheHits counts decision cache lookups by result (hit, miss).
	AccessCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "access",
		Name:      "cache_lookups_total",
		Help:      "Decision cache lookups by result.",
	}, []string{"result"})

	// UsageConsumed counts consumed uses of limited features.
	UsageConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "consumed_total",
		Help:      "Consumed uses of usage-limited features.",
	}, []string{"feature"})
)
