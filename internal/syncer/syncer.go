// Package syncer shares the canonical entitlement state between the devices
// of an account through a per-account document.
package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/pulse-entitlements/internal/docstore"
	"github.com/rcourtman/pulse-entitlements/internal/metrics"
	"github.com/rcourtman/pulse-entitlements/internal/reconciler"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// Owner is the canonical state owner.
type Owner interface {
	Current() reconciler.Snapshot
	Subscribe() (<-chan reconciler.Snapshot, func())
	Reconcile(ctx context.Context, opts reconciler.Options) (reconciler.Snapshot, error)
}

// RemoteEvents applies billing events recorded by other devices.
type RemoteEvents interface {
	ApplyRemote(ctx context.Context, ev entitlement.WebhookEvent) error
}

// Syncer publishes local commits and folds remote updates back into the
// reconciler. Conflicts are logged, never returned.
type Syncer struct {
	accountID string
	deviceID  string
	docs      docstore.Store
	owner     Owner
	events    RemoteEvents
	clock     clockwork.Clock
}

// New returns a syncer for accountID on this device. events may be nil.
func New(accountID, deviceID string, docs docstore.Store, owner Owner, events RemoteEvents, clock clockwork.Clock) *Syncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Syncer{
		accountID: accountID,
		deviceID:  deviceID,
		docs:      docs,
		owner:     owner,
		events:    events,
		clock:     clock,
	}
}

// Run publishes and listens until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	updates, unsubscribe := s.owner.Subscribe()
	defer unsubscribe()

	docs, err := s.docs.Watch(ctx, s.accountID)
	if err != nil {
		return err
	}
	var events <-chan entitlement.WebhookEvent
	if s.events != nil {
		if events, err = s.docs.WatchWebhookEvents(ctx, s.accountID); err != nil {
			return err
		}
	}

	log.Info().Str("account", s.accountID).Str("device", s.deviceID).Msg("Entitlement sync started")
	defer log.Info().Msg("Entitlement sync stopped")

	// The shared document may already hold another device's state.
	if doc, err := s.docs.Get(ctx, s.accountID); err == nil {
		s.Ingest(ctx, doc)
	} else if !errors.Is(err, docstore.ErrNotFound) {
		log.Warn().Err(err).Msg("Failed to read shared entitlement document")
	}
	if snap := s.owner.Current(); !snap.State.LastUpdated.IsZero() {
		s.publishLogged(ctx, snap)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case snap, ok := <-updates:
				if !ok {
					return nil
				}
				s.publishLogged(ctx, snap)
			}
		}
	})
	g.Go(func() error {
		for doc := range docs {
			s.Ingest(ctx, doc)
		}
		return nil
	})
	if events != nil {
		g.Go(func() error {
			for ev := range events {
				if err := s.events.ApplyRemote(ctx, ev); err != nil {
					log.Warn().Err(err).Str("event_id", ev.ID).Msg("Failed to apply shared webhook event")
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Publish writes snap to the shared document.
func (s *Syncer) Publish(ctx context.Context, snap reconciler.Snapshot) error {
	doc := docstore.FromState(s.accountID, s.deviceID, snap.State, s.clock.Now())
	if v := snap.LastValidation; v != nil {
		at := v.At
		doc.LastValidationTimestamp = &at
		doc.LastValidationSuccess = v.Success
	}
	if err := s.docs.Put(ctx, doc); err != nil {
		metrics.SyncPublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("publish entitlement: %w", err)
	}
	metrics.SyncPublishes.WithLabelValues("ok").Inc()
	return nil
}

func (s *Syncer) publishLogged(ctx context.Context, snap reconciler.Snapshot) {
	if err := s.Publish(ctx, snap); err != nil {
		log.Warn().Err(err).Uint64("version", snap.Version).Msg("Failed to publish entitlement state")
	}
}

// Ingest resolves a remote document against the canonical state. A winning
// remote state is handed to the reconciler as a hint rather than written
// directly.
func (s *Syncer) Ingest(ctx context.Context, doc docstore.Document) (Resolution, bool) {
	if doc.DeviceID == s.deviceID || doc.Cleared() {
		return Resolution{}, false
	}
	remote, err := doc.State()
	if err != nil {
		log.Warn().Err(err).Str("device", doc.DeviceID).Msg("Ignoring malformed shared entitlement document")
		return Resolution{}, false
	}

	local := s.owner.Current().State
	if remote.Equivalent(local) {
		return Resolution{Winner: WinnerLocal}, false
	}

	res := Resolve(local, remote)
	metrics.SyncConflicts.WithLabelValues(string(res.Winner), string(res.Rule)).Inc()
	log.Info().
		Str("device", doc.DeviceID).
		Str("winner", string(res.Winner)).
		Str("rule", string(res.Rule)).
		Str("local_status", string(local.Status)).
		Str("remote_status", string(remote.Status)).
		Msg("Resolved cross-device entitlement conflict")

	if res.Winner != WinnerRemote {
		return res, true
	}
	if _, err := s.owner.Reconcile(ctx, reconciler.Options{Hint: &remote, Reason: "sync"}); err != nil {
		log.Warn().Err(err).Msg("Reconciliation after remote update failed")
	}
	return res, true
}

// ClearSync removes this account's entitlement from the shared document.
func (s *Syncer) ClearSync(ctx context.Context) error {
	if err := s.docs.Clear(ctx, s.accountID); err != nil {
		return fmt.Errorf("clear shared entitlement: %w", err)
	}
	log.Info().Str("account", s.accountID).Msg("Cleared shared entitlement document")
	return nil
}
