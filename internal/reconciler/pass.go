package reconciler

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	enterrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/internal/metrics"
	"github.com/rcourtman/pulse-entitlements/internal/store"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// Options describe why a reconciliation was requested.
type Options struct {
	// Force revalidates even when the canonical state is fresh.
	Force bool
	// Hint is a winning remote state to merge into the next pass.
	Hint *entitlement.SubscriptionState
	// Scheduled passes also drain the pending validation queue.
	Scheduled bool
	// Reason is logged with the pass.
	Reason string
}

// Reconcile runs a reconciliation pass. Concurrent calls are coalesced onto
// the pass already in flight and share its result. A hint or force flag that
// arrives during a pass is carried into one follow-up pass.
//
// Only terminal validation errors are returned; transient failures are
// queued for the next scheduled pass.
func (r *Reconciler) Reconcile(ctx context.Context, opts Options) (Snapshot, error) {
	if opts.Hint != nil {
		hint := *opts.Hint
		r.mu.Lock()
		r.pendingHint = &hint
		r.mu.Unlock()
	}
	if opts.Force {
		r.forceNext.Store(true)
	}

	snap, shared, err := r.run(ctx, opts)
	if shared {
		metrics.Reconciliations.WithLabelValues("coalesced").Inc()
		if r.hasCarryOver() {
			snap, _, err = r.run(ctx, opts)
		}
	}
	return snap, err
}

func (r *Reconciler) run(ctx context.Context, opts Options) (Snapshot, bool, error) {
	v, err, shared := r.group.Do("reconcile", func() (any, error) {
		r.inFlight.Store(true)
		defer r.inFlight.Store(false)
		return r.pass(ctx, opts)
	})
	snap, _ := v.(Snapshot)
	return snap, shared, err
}

func (r *Reconciler) hasCarryOver() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingHint != nil || r.forceNext.Load()
}

func (r *Reconciler) pass(ctx context.Context, opts Options) (Snapshot, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.pass")
	defer span.End()

	gen := r.generation.Add(1)
	force := r.forceNext.Swap(false) || opts.Force

	r.mu.Lock()
	if opts.Scheduled {
		r.forgetRejectedLocked()
	}
	current := r.state
	hint := r.pendingHint
	r.pendingHint = nil
	lastValidated := r.lastValidated
	lastAttempt := r.lastValidation
	rejected := maps.Clone(r.rejected)
	r.mu.Unlock()

	skip := rejected
	if force {
		skip = nil
	}
	now := r.clock.Now()
	candidate := r.localCandidate(ctx, current, skip, now)
	txs, queued := r.transactionsToValidate(ctx, current, candidate, hint, opts.Scheduled, skip)
	cooledDown := lastAttempt == nil || now.Sub(lastAttempt.At) > r.cfg.StaleAfter
	needsValidation := r.validator != nil && len(txs) > 0 &&
		(force || queued > 0 || txs[0] != lastValidated || cooledDown ||
			opts.Scheduled && current.IsStale(now, r.cfg.StaleAfter))

	var (
		verdict     *entitlement.ValidationResult
		outcomes    map[string]enterrors.Kind
		terminalErr error
		attempted   bool
	)
	if needsValidation {
		attempted = true
		verdict, outcomes, terminalErr = r.validateAll(ctx, txs, force)
	}

	now = r.clock.Now()
	revoked := false
	for tx, kind := range outcomes {
		if kind == "" {
			delete(rejected, tx)
			continue
		}
		rejected[tx] = kind
		revoked = revoked || kind == enterrors.KindInvalidReceipt
	}
	if revoked || force && len(rejected) > 0 {
		candidate = r.localCandidate(ctx, current, rejected, now)
	}
	if verdict == nil {
		current, candidate, hint = withoutRevoked(current, candidate, hint, rejected, now)
	}
	next, rule := r.merge(current, candidate, hint, verdict, now)
	if rule == "remote" && !next.Equivalent(current) {
		next.LastUpdated = now
	}
	span.SetAttributes(
		attribute.String("entitlement.rule", rule),
		attribute.Bool("entitlement.validated", attempted),
		attribute.Int("entitlement.transactions", len(txs)))

	r.mu.Lock()
	defer r.mu.Unlock()

	for tx, kind := range outcomes {
		if kind == "" {
			delete(r.rejected, tx)
		} else {
			r.rejected[tx] = kind
		}
	}
	if attempted {
		info := &ValidationInfo{At: now, Success: verdict != nil}
		if terminalErr != nil {
			info.Error = terminalErr.Error()
		}
		r.lastValidation = info
		r.lastValidated = txs[0]
	}

	if r.generation.Load() != gen {
		// A webhook committed while this pass was waiting on the network.
		metrics.Reconciliations.WithLabelValues("superseded").Inc()
		log.Info().
			Uint64("generation", gen).
			Str("reason", opts.Reason).
			Msg("Discarding superseded reconciliation result")
		return r.snapshotLocked(), terminalErr
	}

	result := "committed"
	switch {
	case next.Equivalent(r.state) && !r.state.IsStale(now, r.cfg.StaleAfter):
		result = "unchanged"
	case next.Equivalent(r.state) && !next.LastUpdated.After(r.state.LastUpdated):
		// Nothing fresher to publish; keep it stale so the next cycle revalidates.
		result = "unchanged"
	default:
		r.commitLocked(ctx, next, rule)
	}
	if terminalErr != nil {
		result = "failed"
		span.RecordError(terminalErr)
		span.SetStatus(codes.Error, string(enterrors.KindOf(terminalErr)))
	}
	metrics.Reconciliations.WithLabelValues(result).Inc()
	return r.snapshotLocked(), terminalErr
}

// forgetRejectedLocked lets scheduled passes retry transactions refused for
// bad credentials. Invalid receipts stay refused until a forced pass.
func (r *Reconciler) forgetRejectedLocked() {
	for tx, kind := range r.rejected {
		if kind != enterrors.KindInvalidReceipt {
			delete(r.rejected, tx)
		}
	}
}

// localCandidate builds the ledger candidate, ignoring purchases whose receipt
// the authority refused. An unreadable ledger leaves the current state as the
// candidate.
func (r *Reconciler) localCandidate(ctx context.Context, current entitlement.SubscriptionState, rejected map[string]enterrors.Kind, now time.Time) entitlement.SubscriptionState {
	records, err := r.ledger.Records(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read purchase ledger, keeping current state")
		return current.Normalize(now)
	}
	kept := records[:0]
	for _, rec := range records {
		if rejected[rec.TransactionID] != enterrors.KindInvalidReceipt {
			kept = append(kept, rec)
		}
	}
	return r.builder.Build(kept, now)
}

// withoutRevoked drops every state backed by an invalid receipt. A revoked
// canonical state becomes no entitlement on the authority's word.
func withoutRevoked(current, candidate entitlement.SubscriptionState, hint *entitlement.SubscriptionState, rejected map[string]enterrors.Kind, now time.Time) (entitlement.SubscriptionState, entitlement.SubscriptionState, *entitlement.SubscriptionState) {
	revoked := func(s entitlement.SubscriptionState) bool {
		return s.TransactionID != "" && rejected[s.TransactionID] == enterrors.KindInvalidReceipt
	}
	if revoked(current) {
		current = entitlement.NoEntitlement(entitlement.SourceServer, now)
	}
	if revoked(candidate) {
		candidate = entitlement.NoEntitlement(entitlement.SourceLocal, now)
	}
	if hint != nil && revoked(*hint) {
		hint = nil
	}
	return current, candidate, hint
}

// transactionsToValidate lists the transaction to validate first, followed by
// queued ones when the pass drains the queue. Transactions in skip are left
// out.
func (r *Reconciler) transactionsToValidate(ctx context.Context, current, candidate entitlement.SubscriptionState, hint *entitlement.SubscriptionState, scheduled bool, skip map[string]enterrors.Kind) ([]string, int) {
	var (
		txs    []string
		queued int
	)
	seen := map[string]bool{}
	add := func(tx string) {
		if _, skipped := skip[tx]; tx != "" && !skipped && !seen[tx] {
			seen[tx] = true
			txs = append(txs, tx)
		}
	}

	add(candidate.TransactionID)
	if hint != nil {
		add(hint.TransactionID)
	}
	add(current.TransactionID)

	if scheduled {
		pending, err := r.store.PendingValidations(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to list pending validations")
		}
		for _, p := range pending {
			add(p.TransactionID)
		}
		queued = len(pending)
	}
	return txs, queued
}

// validateAll validates txs in order and returns the strongest successful
// verdict along with the outcome per transaction: an empty kind for an
// accepted one, the error kind for a terminal refusal. Retryable failures are
// queued. The first terminal failure for the leading transaction is returned.
func (r *Reconciler) validateAll(ctx context.Context, txs []string, force bool) (*entitlement.ValidationResult, map[string]enterrors.Kind, error) {
	var (
		best        *entitlement.ValidationResult
		terminalErr error
	)
	outcomes := make(map[string]enterrors.Kind, len(txs))
	for i, tx := range txs {
		res := r.validator.Validate(ctx, tx, force)
		if res.Succeeded() {
			outcomes[tx] = ""
			if err := r.store.RemovePendingValidation(ctx, tx); err != nil {
				log.Warn().Err(err).Msg("Failed to clear pending validation")
			}
			if best == nil || strongerVerdict(res.State, best.State) {
				res := res
				best = &res
			}
			continue
		}

		switch {
		case enterrors.IsTerminal(res.Err):
			outcomes[tx] = enterrors.KindOf(res.Err)
			_ = r.store.RemovePendingValidation(ctx, tx)
			if i == 0 {
				terminalErr = res.Err
			}
			log.Warn().
				Str("receipt", res.ReceiptHash).
				Str("kind", string(enterrors.KindOf(res.Err))).
				Msg("Validation rejected by authority")
		default:
			r.queue(ctx, tx, "", res.Err)
		}
		if errors.Is(res.Err, enterrors.ErrServerUnavailable) && !enterrors.IsRetryable(res.Err) {
			// Circuit open: the remaining transactions would fail the same way.
			for _, rest := range txs[i+1:] {
				r.queue(ctx, rest, "", res.Err)
			}
			break
		}
	}
	if best != nil {
		terminalErr = nil
	}
	r.refreshPendingGauge(ctx)
	return best, outcomes, terminalErr
}

// merge picks the next canonical state:
//   - a successful verdict always wins;
//   - an authoritative hint beats local knowledge;
//   - a fresh authoritative state is not overridden by the local ledger;
//   - a stale authoritative state is kept (and stays stale) when the ledger
//     knows nothing or grants less;
//   - otherwise the local candidate, or a local hint of a higher tier.
func (r *Reconciler) merge(current, candidate entitlement.SubscriptionState, hint *entitlement.SubscriptionState, verdict *entitlement.ValidationResult, now time.Time) (entitlement.SubscriptionState, string) {
	if verdict != nil {
		return verdict.State.Normalize(now), "validated"
	}
	if hint != nil && hint.ValidationSource.Authoritative() {
		return hint.Normalize(now), "remote"
	}
	if current.ValidationSource.Authoritative() {
		cur := current.Normalize(now)
		if !current.IsStale(now, r.cfg.StaleAfter) {
			return cur, "authoritative"
		}
		if candidate.Tier == entitlement.TierNone || cur.HasActiveAccess(now) && !candidate.HasActiveAccess(now) {
			return cur, "retained"
		}
	}
	if hint != nil && hint.Tier.Rank() > candidate.Tier.Rank() {
		h := hint.Normalize(now)
		if h.HasActiveAccess(now) {
			return h, "remote"
		}
	}
	return candidate.Normalize(now), "local"
}

// strongerVerdict prefers the higher tier, then the later expiration, with a
// nil expiration counting as lifetime.
func strongerVerdict(a, b entitlement.SubscriptionState) bool {
	if a.Tier.Rank() != b.Tier.Rank() {
		return a.Tier.Rank() > b.Tier.Rank()
	}
	switch {
	case a.ExpirationDate == nil:
		return b.ExpirationDate != nil
	case b.ExpirationDate == nil:
		return false
	default:
		return a.ExpirationDate.After(*b.ExpirationDate)
	}
}

func (r *Reconciler) queue(ctx context.Context, tx, productID string, cause error) {
	p := store.PendingValidation{TransactionID: tx, ProductID: productID, QueuedAt: r.clock.Now()}
	if cause != nil {
		p.LastError = cause.Error()
	}
	if err := r.store.QueueValidation(ctx, p); err != nil {
		log.Warn().Err(err).Msg("Failed to queue pending validation")
		return
	}
	log.Debug().Str("receipt", entitlement.ReceiptHash(tx)).Msg("Validation deferred to next scheduled pass")
}

func (r *Reconciler) refreshPendingGauge(ctx context.Context) {
	pending, err := r.store.PendingValidations(ctx)
	if err != nil {
		return
	}
	metrics.PendingValidations.Set(float64(len(pending)))
}
