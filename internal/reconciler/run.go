package reconciler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-entitlements/internal/metrics"
	"github.com/rcourtman/pulse-entitlements/internal/store"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// Run reconciles once, then on every refresh interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	log.Info().Dur("interval", r.cfg.RefreshInterval).Msg("Entitlement reconciler started")

	ticker := r.clock.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()

	r.scheduled(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Entitlement reconciler stopped")
			return
		case <-ticker.Chan():
			r.scheduled(ctx, "interval")
		}
	}
}

func (r *Reconciler) scheduled(ctx context.Context, reason string) {
	if _, err := r.Reconcile(ctx, Options{Scheduled: true, Reason: reason}); err != nil {
		log.Warn().Err(err).Str("reason", reason).Msg("Scheduled reconciliation failed")
	}
}

// Foreground reconciles on an app-foreground transition.
func (r *Reconciler) Foreground(ctx context.Context) (Snapshot, error) {
	return r.Reconcile(ctx, Options{Reason: "foreground"})
}

// RequestRefresh starts a background pass unless one is already running or
// queued. It never blocks. The pass is not forced, so the validation
// cool-down and refused receipts still apply.
func (r *Reconciler) RequestRefresh() {
	if r.inFlight.Load() || !r.refreshOnce.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.refreshOnce.Store(false)
		if _, err := r.Reconcile(context.Background(), Options{Reason: "stale"}); err != nil {
			log.Debug().Err(err).Msg("Background refresh failed")
		}
	}()
}

// LedgerChanged is the ledger watcher callback.
func (r *Reconciler) LedgerChanged() {
	go func() {
		if _, err := r.Reconcile(context.Background(), Options{Reason: "ledger"}); err != nil {
			log.Warn().Err(err).Msg("Reconciliation after ledger change failed")
		}
	}()
}

// ApplyWebhook applies an authoritative billing event to the canonical
// state. Any reconciliation already waiting on the network is superseded.
func (r *Reconciler) ApplyWebhook(ctx context.Context, ev entitlement.WebhookEvent) (Snapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	next, changed, err := entitlement.ApplyWebhook(r.state, ev, now)
	if err != nil {
		return r.snapshotLocked(), false, fmt.Errorf("apply webhook %s: %w", ev.ID, err)
	}
	if !changed {
		return r.snapshotLocked(), false, nil
	}

	r.generation.Add(1)
	r.commitLocked(ctx, next.Normalize(now), "webhook:"+string(ev.Type))
	return r.snapshotLocked(), true, nil
}

// QueueValidation defers validation of transactionID to the next scheduled pass.
func (r *Reconciler) QueueValidation(ctx context.Context, transactionID, productID string) error {
	err := r.store.QueueValidation(ctx, store.PendingValidation{
		TransactionID: transactionID,
		ProductID:     productID,
		QueuedAt:      r.clock.Now(),
	})
	if err != nil {
		return err
	}
	r.refreshPendingGauge(ctx)
	return nil
}

// PendingValidations lists deferred validations.
func (r *Reconciler) PendingValidations(ctx context.Context) ([]store.PendingValidation, error) {
	pending, err := r.store.PendingValidations(ctx)
	if err == nil {
		metrics.PendingValidations.Set(float64(len(pending)))
	}
	return pending, err
}
