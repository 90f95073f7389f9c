// Package usage tracks consumption of usage-limited features.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-entitlements/internal/metrics"
	"github.com/rcourtman/pulse-entitlements/internal/store"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

const dayKeyLayout = "2006-01-02"

// Counters is the persistence the tracker needs. *store.Store satisfies it.
type Counters interface {
	IncrementUsage(ctx context.Context, feature, period string, at time.Time) (int, error)
	UsageCount(ctx context.Context, feature, period string) (int, error)
	ResetUsage(ctx context.Context, period string) (int64, error)
	PruneUsage(ctx context.Context, before time.Time) (int64, error)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLocation sets the zone whose midnight rolls daily counters over.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) { t.loc = loc }
}

// Tracker maintains per-feature counters. Daily limits are keyed by local
// date so they reset implicitly at midnight; permanent limits share a single
// lifetime key and only reset on ResetPermanent.
type Tracker struct {
	mu       sync.Mutex
	counters Counters
	clock    clockwork.Clock
	loc      *time.Location
}

// NewTracker returns a tracker persisting to counters.
func NewTracker(counters Counters, clock clockwork.Clock, opts ...Option) *Tracker {
	t := &Tracker{counters: counters, clock: clock, loc: time.Local}
	for _, opt := range opts {
		opt(t)
	}
	if t.clock == nil {
		t.clock = clockwork.NewRealClock()
	}
	return t
}

// PeriodKey returns the counter key for limit at now.
func (t *Tracker) PeriodKey(limit entitlement.UsageLimit, now time.Time) string {
	if limit.Permanent {
		return store.PeriodLifetime
	}
	return now.In(t.loc).Format(dayKeyLayout)
}

// NextReset returns the next local midnight after now.
func (t *Tracker) NextReset(now time.Time) time.Time {
	local := now.In(t.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.loc)
}

// Usage returns the current counter snapshot for feature.
func (t *Tracker) Usage(ctx context.Context, feature entitlement.FeatureType, limit entitlement.UsageLimit) (entitlement.FeatureUsage, error) {
	now := t.clock.Now()
	count, err := t.counters.UsageCount(ctx, string(feature), t.PeriodKey(limit, now))
	if err != nil {
		return entitlement.FeatureUsage{}, err
	}
	return t.snapshot(count, limit, now), nil
}

// Consume records one use of feature if it is below limit. It reports
// whether the use was recorded along with the resulting usage.
func (t *Tracker) Consume(ctx context.Context, feature entitlement.FeatureType, limit entitlement.UsageLimit) (entitlement.FeatureUsage, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	period := t.PeriodKey(limit, now)
	count, err := t.counters.UsageCount(ctx, string(feature), period)
	if err != nil {
		return entitlement.FeatureUsage{}, false, err
	}
	if count >= limit.Total {
		return t.snapshot(count, limit, now), false, nil
	}

	count, err = t.counters.IncrementUsage(ctx, string(feature), period, now)
	if err != nil {
		return entitlement.FeatureUsage{}, false, err
	}
	metrics.UsageConsumed.WithLabelValues(string(feature)).Inc()
	return t.snapshot(count, limit, now), true, nil
}

// ResetPermanent clears every lifetime counter. Issued on upgrade to premium.
func (t *Tracker) ResetPermanent(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err := t.counters.ResetUsage(ctx, store.PeriodLifetime)
	if err != nil {
		return err
	}
	log.Info().Int64("counters", n).Msg("Permanent usage counters reset")
	return nil
}

// Prune drops daily counters untouched for longer than keep.
func (t *Tracker) Prune(ctx context.Context, keep time.Duration) error {
	n, err := t.counters.PruneUsage(ctx, t.clock.Now().Add(-keep))
	if err != nil {
		return err
	}
	if n > 0 {
		log.Debug().Int64("counters", n).Msg("Pruned expired usage counters")
	}
	return nil
}

func (t *Tracker) snapshot(count int, limit entitlement.UsageLimit, now time.Time) entitlement.FeatureUsage {
	u := entitlement.FeatureUsage{
		CurrentUsage: count,
		Limit:        limit.Total,
		IsPermanent:  limit.Permanent,
	}
	if !limit.Permanent {
		reset := t.NextReset(now)
		u.ResetDate = &reset
	}
	return u
}
