package access

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-entitlements/internal/store"
	"github.com/rcourtman/pulse-entitlements/internal/usage"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

type fakeState struct {
	mu      sync.Mutex
	state   entitlement.SubscriptionState
	version uint64
}

func (f *fakeState) CurrentState() (entitlement.SubscriptionState, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.version
}

func (f *fakeState) set(s entitlement.SubscriptionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
	f.version++
}

type countingUsage struct {
	UsageTracker
	reads atomic.Int32
	fail  error
}

func (c *countingUsage) Usage(ctx context.Context, f entitlement.FeatureType, l entitlement.UsageLimit) (entitlement.FeatureUsage, error) {
	c.reads.Add(1)
	if c.fail != nil {
		return entitlement.FeatureUsage{}, c.fail
	}
	return c.UsageTracker.Usage(ctx, f, l)
}

type refreshRecorder struct{ calls atomic.Int32 }

func (r *refreshRecorder) RequestRefresh() { r.calls.Add(1) }

func newTestService(t *testing.T, initial entitlement.SubscriptionState) (*Service, *fakeState, *countingUsage, clockwork.FakeClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "access.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clock := clockwork.NewFakeClockAt(evalNow)
	tracker := &countingUsage{UsageTracker: usage.NewTracker(s, clock, usage.WithLocation(time.UTC))}
	state := &fakeState{state: initial, version: 1}
	svc, err := NewService(state, tracker, WithClock(clock))
	require.NoError(t, err)
	return svc, state, tracker, clock
}

func TestServiceConsumeUntilLimit(t *testing.T) {
	svc, _, _, _ := newTestService(t, entitlement.NoEntitlement(entitlement.SourceLocal, evalNow))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		got, err := svc.Consume(ctx, entitlement.FeatureAICoach)
		require.NoError(t, err)
		require.Equal(t, entitlement.AccessLimited, got.Kind, "use %d", i)
		assert.Equal(t, 3-i, got.Usage.Remaining())
	}

	got, err := svc.Consume(ctx, entitlement.FeatureAICoach)
	require.NoError(t, err)
	assert.Equal(t, entitlement.Denied(entitlement.ReasonUsageLimitExceeded), got)
	assert.Equal(t, entitlement.Denied(entitlement.ReasonUsageLimitExceeded), svc.HasAccess(ctx, entitlement.FeatureAICoach))
}

func TestServiceConsumePremiumDoesNotCount(t *testing.T) {
	svc, _, tracker, _ := newTestService(t, premiumState(entitlement.StatusActive, evalNow.Add(time.Hour)))
	got, err := svc.Consume(context.Background(), entitlement.FeatureAICoach)
	require.NoError(t, err)
	assert.Equal(t, entitlement.Granted(), got)
	assert.Zero(t, tracker.reads.Load())
}

func TestServiceCachesUntilStateChanges(t *testing.T) {
	svc, state, tracker, _ := newTestService(t, entitlement.NoEntitlement(entitlement.SourceLocal, evalNow))
	ctx := context.Background()

	first := svc.HasAccess(ctx, entitlement.FeatureAICoach)
	require.Equal(t, entitlement.AccessLimited, first.Kind)
	svc.HasAccess(ctx, entitlement.FeatureAICoach)
	assert.Equal(t, int32(1), tracker.reads.Load(), "second lookup should be served from cache")

	state.set(premiumState(entitlement.StatusActive, evalNow.Add(time.Hour)))
	assert.Equal(t, entitlement.Granted(), svc.HasAccess(ctx, entitlement.FeatureAICoach))
	assert.Equal(t, entitlement.Granted(), svc.HasAccess(ctx, entitlement.FeatureCustomRoutines))
}

func TestServiceCacheExpiresAfterTTL(t *testing.T) {
	svc, _, tracker, clock := newTestService(t, entitlement.NoEntitlement(entitlement.SourceLocal, evalNow))
	ctx := context.Background()

	svc.HasAccess(ctx, entitlement.FeatureAICoach)
	clock.Advance(DefaultCacheTTL - time.Second)
	svc.HasAccess(ctx, entitlement.FeatureAICoach)
	require.Equal(t, int32(1), tracker.reads.Load())

	clock.Advance(2 * time.Second)
	svc.HasAccess(ctx, entitlement.FeatureAICoach)
	assert.Equal(t, int32(2), tracker.reads.Load())
}

func TestServiceInvalidate(t *testing.T) {
	svc, _, tracker, _ := newTestService(t, entitlement.NoEntitlement(entitlement.SourceLocal, evalNow))
	ctx := context.Background()

	svc.HasAccess(ctx, entitlement.FeatureAICoach)
	svc.Invalidate()
	svc.HasAccess(ctx, entitlement.FeatureAICoach)
	assert.Equal(t, int32(2), tracker.reads.Load())
}

func TestServiceUsageReadFailureDenies(t *testing.T) {
	svc, _, tracker, _ := newTestService(t, entitlement.NoEntitlement(entitlement.SourceLocal, evalNow))
	tracker.fail = errors.New("disk gone")

	got := svc.HasAccess(context.Background(), entitlement.FeatureAICoach)
	assert.Equal(t, entitlement.Denied(entitlement.ReasonFeatureDisabled), got)
	assert.Equal(t, entitlement.Granted(), svc.HasAccess(context.Background(), entitlement.FeatureQuickTimer))
}

func TestServiceSummaries(t *testing.T) {
	svc, state, _, _ := newTestService(t, entitlement.NoEntitlement(entitlement.SourceLocal, evalNow))
	ctx := context.Background()

	assert.Equal(t, entitlement.AccessStateFree, svc.AccessState())
	accessible := svc.AccessibleFeatures(ctx)
	assert.ElementsMatch(t, []entitlement.FeatureType{
		entitlement.FeatureQuickTimer, entitlement.FeatureArticles, entitlement.FeatureAICoach,
	}, accessible)
	unavailable := svc.UnavailablePremiumFeatures(ctx)
	assert.Len(t, unavailable, len(entitlement.DefaultCatalog.PremiumFeatures())-1)
	assert.NotContains(t, unavailable, entitlement.FeatureAICoach)

	state.set(entitlement.Trial("com.example.premium.trial", evalNow, evalNow.Add(7*24*time.Hour), entitlement.SourceServer))
	assert.Equal(t, entitlement.AccessStateTrial, svc.AccessState())
	assert.Equal(t, 7, svc.RemainingTrialDays())
	assert.Empty(t, svc.UnavailablePremiumFeatures(ctx))
}

func TestServiceRequestsRefreshWhenStale(t *testing.T) {
	clock := clockwork.NewFakeClockAt(evalNow)
	state := &fakeState{state: entitlement.NoEntitlement(entitlement.SourceLocal, evalNow), version: 1}
	refresher := &refreshRecorder{}
	svc, err := NewService(state, nil, WithClock(clock), WithRefresher(refresher, 15*time.Minute))
	require.NoError(t, err)

	svc.HasAccess(context.Background(), entitlement.FeatureQuickTimer)
	assert.Zero(t, refresher.calls.Load())

	clock.Advance(16 * time.Minute)
	svc.HasAccess(context.Background(), entitlement.FeatureQuickTimer)
	assert.Equal(t, int32(1), refresher.calls.Load())
}
