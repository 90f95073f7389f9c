// Package webhook ingests out-of-band billing events and applies them to the
// canonical entitlement state.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-entitlements/internal/docstore"
	"github.com/rcourtman/pulse-entitlements/internal/metrics"
	"github.com/rcourtman/pulse-entitlements/internal/reconciler"
	"github.com/rcourtman/pulse-entitlements/internal/telemetry"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// Outcome is the result of processing one event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// ErrInvalidEvent is returned for events that can never be applied.
var ErrInvalidEvent = errors.New("invalid webhook event")

// Deduper remembers processed event ids.
type Deduper interface {
	MarkWebhookProcessed(ctx context.Context, eventID, eventType string, at time.Time) (bool, error)
}

// Applier owns the canonical state.
type Applier interface {
	ApplyWebhook(ctx context.Context, ev entitlement.WebhookEvent) (reconciler.Snapshot, bool, error)
}

// Processor deduplicates events, applies them and fans them out to the other
// devices of the account.
type Processor struct {
	accountID string
	dedupe    Deduper
	applier   Applier
	docs      docstore.Store
	clock     clockwork.Clock
}

// NewProcessor returns a processor for accountID. docs may be nil when no
// shared document store is configured.
func NewProcessor(accountID string, dedupe Deduper, applier Applier, docs docstore.Store, clock clockwork.Clock) *Processor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Processor{
		accountID: accountID,
		dedupe:    dedupe,
		applier:   applier,
		docs:      docs,
		clock:     clock,
	}
}

// Process handles an event received directly from the billing provider.
func (p *Processor) Process(ctx context.Context, ev entitlement.WebhookEvent) (Outcome, error) {
	if strings.TrimSpace(ev.ID) == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.AccountID == "" {
		ev.AccountID = p.accountID
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = p.clock.Now()
	}

	outcome, err := p.apply(ctx, ev)
	if err != nil || outcome == OutcomeDuplicate {
		return outcome, err
	}

	if p.docs != nil {
		if err := p.docs.AppendWebhookEvent(ctx, p.accountID, ev); err != nil {
			log.Warn().Err(err).Str("event_id", ev.ID).Msg("Failed to share webhook event with other devices")
		}
	}
	return outcome, nil
}

// ApplyRemote handles an event another device recorded in the shared store.
func (p *Processor) ApplyRemote(ctx context.Context, ev entitlement.WebhookEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	_, err := p.apply(ctx, ev)
	return err
}

func (p *Processor) apply(ctx context.Context, ev entitlement.WebhookEvent) (outcome Outcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "webhook.apply", "event.id", ev.ID, "event.type", string(ev.Type))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if ev.AccountID != p.accountID {
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), string(OutcomeRejected)).Inc()
		return OutcomeRejected, fmt.Errorf("%w: event for account %q", ErrInvalidEvent, ev.AccountID)
	}
	if !ev.Type.Known() {
		metrics.WebhookEvents.WithLabelValues("unknown", string(OutcomeRejected)).Inc()
		return OutcomeRejected, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}

	fresh, err := p.dedupe.MarkWebhookProcessed(ctx, ev.ID, string(ev.Type), p.clock.Now())
	if err != nil {
		return "", fmt.Errorf("record webhook %s: %w", ev.ID, err)
	}
	if !fresh {
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), string(OutcomeDuplicate)).Inc()
		log.Debug().Str("event_id", ev.ID).Msg("Ignoring duplicate webhook event")
		return OutcomeDuplicate, nil
	}

	snap, changed, err := p.applier.ApplyWebhook(ctx, ev)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(string(ev.Type), string(OutcomeRejected)).Inc()
		return OutcomeRejected, err
	}

	outcome = OutcomeUnchanged
	if changed {
		outcome = OutcomeApplied
	}
	metrics.WebhookEvents.WithLabelValues(string(ev.Type), string(outcome)).Inc()
	log.Info().
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("status", string(snap.State.Status)).
		Str("outcome", string(outcome)).
		Msg("Webhook event processed")
	return outcome, nil
}
