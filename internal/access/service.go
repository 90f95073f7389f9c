package access

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-entitlements/internal/metrics"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

const (
	// DefaultCacheTTL bounds how long a decision is reused.
	DefaultCacheTTL = 5 * time.Minute

	defaultCacheSize = 128
)

// StateProvider exposes the canonical state and its version.
type StateProvider interface {
	CurrentState() (entitlement.SubscriptionState, uint64)
}

// Refresher is asked to revalidate when a gating decision sees a stale state.
type Refresher interface {
	RequestRefresh()
}

// UsageTracker reads and consumes usage counters.
type UsageTracker interface {
	Usage(ctx context.Context, feature entitlement.FeatureType, limit entitlement.UsageLimit) (entitlement.FeatureUsage, error)
	Consume(ctx context.Context, feature entitlement.FeatureType, limit entitlement.UsageLimit) (entitlement.FeatureUsage, bool, error)
}

// Option configures a Service.
type Option func(*Service)

// WithCatalog replaces the built-in feature catalog.
func WithCatalog(c entitlement.Catalog) Option {
	return func(s *Service) { s.catalog = c }
}

// WithCacheTTL overrides DefaultCacheTTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithClock injects the clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithRefresher enables revalidation requests for stale states.
func WithRefresher(r Refresher, staleAfter time.Duration) Option {
	return func(s *Service) {
		s.refresher = r
		s.staleAfter = staleAfter
	}
}

type cacheEntry struct {
	decision  entitlement.FeatureAccess
	version   uint64
	expiresAt time.Time
}

// Service answers feature access queries with a short-lived decision cache.
// The cache is purged whenever the canonical state version moves.
type Service struct {
	state      StateProvider
	usage      UsageTracker
	catalog    entitlement.Catalog
	cache      *lru.Cache[entitlement.FeatureType, cacheEntry]
	ttl        time.Duration
	clock      clockwork.Clock
	refresher  Refresher
	staleAfter time.Duration
}

// NewService builds a Service over state and usage.
func NewService(state StateProvider, usage UsageTracker, opts ...Option) (*Service, error) {
	s := &Service{
		state:   state,
		usage:   usage,
		catalog: entitlement.DefaultCatalog,
		ttl:     DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.ttl <= 0 {
		s.ttl = DefaultCacheTTL
	}
	size := len(s.catalog)
	if size < defaultCacheSize {
		size = defaultCacheSize
	}
	cache, err := lru.New[entitlement.FeatureType, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create decision cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Catalog returns the feature catalog in use.
func (s *Service) Catalog() entitlement.Catalog {
	return s.catalog
}

// Invalidate drops every cached decision.
func (s *Service) Invalidate() {
	s.cache.Purge()
}

// HasAccess returns the decision for feature. It never fails: storage errors
// while reading usage deny the feature without caching the denial.
func (s *Service) HasAccess(ctx context.Context, feature entitlement.FeatureType) entitlement.FeatureAccess {
	state, version := s.state.CurrentState()
	now := s.clock.Now()
	s.maybeRefresh(state, now)

	if entry, ok := s.cache.Get(feature); ok {
		if entry.version == version && now.Before(entry.expiresAt) {
			metrics.AccessCacheHits.WithLabelValues("hit").Inc()
			return entry.decision
		}
		if entry.version != version {
			s.cache.Purge()
		} else {
			s.cache.Remove(feature)
		}
	}
	metrics.AccessCacheHits.WithLabelValues("miss").Inc()

	decision, usage, err := s.evaluate(ctx, feature, state, now)
	if err != nil {
		log.Warn().Err(err).Str("feature", string(feature)).Msg("Failed to read usage, denying feature")
		return entitlement.Denied(entitlement.ReasonFeatureDisabled)
	}
	metrics.AccessDecisions.WithLabelValues(string(decision.Kind)).Inc()

	expiresAt := now.Add(s.ttl)
	if usage != nil && usage.ResetDate != nil && usage.ResetDate.Before(expiresAt) {
		expiresAt = *usage.ResetDate
	}
	s.cache.Add(feature, cacheEntry{decision: decision, version: version, expiresAt: expiresAt})
	return decision
}

// Consume records one use of feature when the current decision allows it.
// Unconstrained grants do not touch counters. The returned decision reflects
// the usage after consumption; a refused use comes back as denied.
func (s *Service) Consume(ctx context.Context, feature entitlement.FeatureType) (entitlement.FeatureAccess, error) {
	state, _ := s.state.CurrentState()
	now := s.clock.Now()

	decision, _, err := s.evaluate(ctx, feature, state, now)
	if err != nil {
		return entitlement.Denied(entitlement.ReasonFeatureDisabled), err
	}
	if decision.Kind != entitlement.AccessLimited {
		return decision, nil
	}

	meta, _ := s.catalog.Lookup(feature)
	usage, recorded, err := s.usage.Consume(ctx, feature, *meta.Limit)
	s.cache.Remove(feature)
	if err != nil {
		return entitlement.Denied(entitlement.ReasonFeatureDisabled), fmt.Errorf("consume %s: %w", feature, err)
	}
	if !recorded {
		return entitlement.Denied(entitlement.ReasonUsageLimitExceeded), nil
	}
	return entitlement.Limited(usage), nil
}

// AccessibleFeatures lists features currently granted or limited.
func (s *Service) AccessibleFeatures(ctx context.Context) []entitlement.FeatureType {
	var out []entitlement.FeatureType
	for _, f := range s.catalog.Features() {
		if s.HasAccess(ctx, f).Allowed() {
			out = append(out, f)
		}
	}
	return out
}

// UnavailablePremiumFeatures lists premium features currently denied.
func (s *Service) UnavailablePremiumFeatures(ctx context.Context) []entitlement.FeatureType {
	var out []entitlement.FeatureType
	for _, f := range s.catalog.PremiumFeatures() {
		if !s.HasAccess(ctx, f).Allowed() {
			out = append(out, f)
		}
	}
	return out
}

// AccessState summarises the canonical state for collaborators.
func (s *Service) AccessState() entitlement.AccessState {
	state, _ := s.state.CurrentState()
	return entitlement.AccessStateOf(state, s.clock.Now())
}

// RemainingTrialDays returns whole days left in an active trial.
func (s *Service) RemainingTrialDays() int {
	state, _ := s.state.CurrentState()
	return state.RemainingTrialDays(s.clock.Now())
}

func (s *Service) evaluate(ctx context.Context, feature entitlement.FeatureType, state entitlement.SubscriptionState, now time.Time) (entitlement.FeatureAccess, *entitlement.FeatureUsage, error) {
	meta, ok := s.catalog.Lookup(feature)
	if !ok {
		return Evaluate(state, entitlement.FeatureMeta{}, entitlement.FeatureUsage{}, now), nil, nil
	}

	var usage entitlement.FeatureUsage
	if meta.Limit != nil && !state.HasActiveAccess(now) {
		u, err := s.usage.Usage(ctx, feature, *meta.Limit)
		if err != nil {
			return entitlement.FeatureAccess{}, nil, err
		}
		usage = u
		return Evaluate(state, meta, usage, now), &usage, nil
	}
	return Evaluate(state, meta, usage, now), nil, nil
}

func (s *Service) maybeRefresh(state entitlement.SubscriptionState, now time.Time) {
	if s.refresher == nil || !state.IsStale(now, s.staleAfter) {
		return
	}
	s.refresher.RequestRefresh()
}
