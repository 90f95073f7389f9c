// Package reconciler owns the canonical entitlement state. It merges the
// local ledger candidate with authoritative verdicts, persists every commit
// and notifies subscribers. All mutations go through a single mutex.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	enterrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/internal/ledger"
	"github.com/rcourtman/pulse-entitlements/internal/metrics"
	"github.com/rcourtman/pulse-entitlements/internal/snapshot"
	"github.com/rcourtman/pulse-entitlements/internal/store"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

const (
	tracerName = "github.com/rcourtman/pulse-entitlements/internal/reconciler"

	// DefaultRefreshInterval is the scheduled reconciliation cadence.
	DefaultRefreshInterval = 15 * time.Minute
)

// Persistence is the durable storage the reconciler writes through.
type Persistence interface {
	LoadSnapshot(ctx context.Context) (entitlement.SubscriptionState, uint64, error)
	SaveSnapshot(ctx context.Context, state entitlement.SubscriptionState, version uint64) error
	QueueValidation(ctx context.Context, p store.PendingValidation) error
	PendingValidations(ctx context.Context) ([]store.PendingValidation, error)
	RemovePendingValidation(ctx context.Context, transactionID string) error
}

// Validator asks the authority for a verdict.
type Validator interface {
	Validate(ctx context.Context, transactionID string, forceRefresh bool) entitlement.ValidationResult
}

// UsageResetter clears permanent usage counters on upgrade.
type UsageResetter interface {
	ResetPermanent(ctx context.Context) error
}

// ValidationInfo describes the most recent validation attempt.
type ValidationInfo struct {
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// Snapshot is a consistent read of the canonical state.
type Snapshot struct {
	State          entitlement.SubscriptionState `json:"state"`
	Version        uint64                        `json:"version"`
	Synchronizing  bool                          `json:"synchronizing"`
	LastValidation *ValidationInfo               `json:"lastValidation,omitempty"`
}

// Config tunes the reconciler.
type Config struct {
	StaleAfter      time.Duration
	RefreshInterval time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock injects the clock used for timestamps and the scheduler.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Reconciler) { r.clock = clock }
}

// WithValidator enables authoritative validation. Without one every pass is
// local only.
func WithValidator(v Validator) Option {
	return func(r *Reconciler) { r.validator = v }
}

// WithUsageResetter resets permanent counters on a none to premium upgrade.
func WithUsageResetter(u UsageResetter) Option {
	return func(r *Reconciler) { r.usage = u }
}

// WithConfig overrides the default thresholds.
func WithConfig(cfg Config) Option {
	return func(r *Reconciler) { r.cfg = cfg }
}

// Reconciler is the single owner of the canonical state.
type Reconciler struct {
	ledger    ledger.Reader
	builder   *snapshot.Builder
	store     Persistence
	validator Validator
	usage     UsageResetter
	clock     clockwork.Clock
	cfg       Config
	tracer    trace.Tracer

	mu             sync.Mutex
	state          entitlement.SubscriptionState
	version        uint64
	lastValidation *ValidationInfo
	lastValidated  string
	subs           map[int]chan Snapshot
	nextSub        int
	pendingHint    *entitlement.SubscriptionState
	// rejected holds transactions the authority refused with a terminal
	// error. They are not sent again until the rule in forgetRejectedLocked
	// allows it.
	rejected map[string]enterrors.Kind

	group       singleflight.Group
	inFlight    atomic.Bool
	generation  atomic.Uint64
	forceNext   atomic.Bool
	refreshOnce atomic.Bool
}

// New returns a reconciler reading ledger and persisting to st. Call Load
// before serving reads.
func New(l ledger.Reader, builder *snapshot.Builder, st Persistence, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:   l,
		builder:  builder,
		store:    st,
		subs:     make(map[int]chan Snapshot),
		rejected: make(map[string]enterrors.Kind),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.cfg.StaleAfter <= 0 {
		r.cfg.StaleAfter = entitlement.DefaultStaleAfter
	}
	if r.cfg.RefreshInterval <= 0 {
		r.cfg.RefreshInterval = DefaultRefreshInterval
	}
	if r.builder == nil {
		r.builder = snapshot.NewBuilder(nil)
	}
	r.state = entitlement.NoEntitlement(entitlement.SourceLocal, r.clock.Now())
	return r
}

// Load initialises the canonical state from the persisted snapshot. A missing
// snapshot starts from no entitlement; a corrupt one is replaced by no
// entitlement rather than failing startup.
func (r *Reconciler) Load(ctx context.Context) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	state, version, err := r.store.LoadSnapshot(ctx)
	switch {
	case err == nil:
		r.state = state.Normalize(now)
		r.version = version
		log.Info().
			Str("tier", string(r.state.Tier)).
			Str("status", string(r.state.Status)).
			Uint64("version", version).
			Msg("Entitlement snapshot loaded")
	case errors.Is(err, store.ErrNoSnapshot):
		r.state = entitlement.NoEntitlement(entitlement.SourceLocal, now)
		r.version = 0
	case errors.Is(err, enterrors.ErrPersistedStateCorrupt):
		log.Error().Err(err).Msg("Persisted entitlement snapshot is corrupt, falling back to no entitlement")
		r.version = version
		r.commitLocked(ctx, entitlement.NoEntitlement(entitlement.SourceLocal, now), "corrupt_snapshot")
	default:
		return r.snapshotLocked(), err
	}

	if pending, err := r.store.PendingValidations(ctx); err == nil {
		metrics.PendingValidations.Set(float64(len(pending)))
	}
	return r.snapshotLocked(), nil
}

// Current returns the last committed state. It never blocks on network work.
func (r *Reconciler) Current() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// CurrentState returns the canonical state and its version.
func (r *Reconciler) CurrentState() (entitlement.SubscriptionState, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.version
}

// Subscribe returns a channel receiving every committed snapshot. Slow
// subscribers only see the latest value. Call the returned func to
// unsubscribe.
func (r *Reconciler) Subscribe() (<-chan Snapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan Snapshot, 1)
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
			close(ch)
		})
	}
}

func (r *Reconciler) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:         r.state,
		Version:       r.version,
		Synchronizing: r.inFlight.Load(),
	}
	if r.lastValidation != nil {
		info := *r.lastValidation
		snap.LastValidation = &info
	}
	return snap
}

// commitLocked installs next as the canonical state. Callers hold r.mu.
func (r *Reconciler) commitLocked(ctx context.Context, next entitlement.SubscriptionState, reason string) {
	prev := r.state
	r.state = next
	r.version++

	if err := r.store.SaveSnapshot(ctx, next, r.version); err != nil {
		log.Error().Err(err).Uint64("version", r.version).Msg("Failed to persist entitlement snapshot")
	}
	metrics.StateChanges.WithLabelValues(string(next.Status), string(next.ValidationSource)).Inc()

	if prev.Tier != next.Tier || prev.Status != next.Status {
		log.Info().
			Str("from_tier", string(prev.Tier)).
			Str("to_tier", string(next.Tier)).
			Str("from_status", string(prev.Status)).
			Str("to_status", string(next.Status)).
			Str("source", string(next.ValidationSource)).
			Str("reason", reason).
			Uint64("version", r.version).
			Msg("Entitlement changed")
	}
	if !entitlement.CanTransition(prev.Status, next.Status) {
		log.Debug().
			Str("from", string(prev.Status)).
			Str("to", string(next.Status)).
			Msg("Entitlement status jumped outside the usual lifecycle")
	}

	if prev.Tier == entitlement.TierNone && next.Tier == entitlement.TierPremium && r.usage != nil {
		if err := r.usage.ResetPermanent(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to reset permanent usage after upgrade")
		}
	}

	snap := r.snapshotLocked()
	for _, ch := range r.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
