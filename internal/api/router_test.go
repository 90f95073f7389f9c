package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-entitlements/internal/access"
	enterrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/internal/reconciler"
	"github.com/rcourtman/pulse-entitlements/internal/store"
	"github.com/rcourtman/pulse-entitlements/internal/usage"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeOwner struct {
	mu        sync.Mutex
	snap      reconciler.Snapshot
	subs      []chan reconciler.Snapshot
	reconcile []reconciler.Options
	err       error
	queued    []store.PendingValidation
}

func (o *fakeOwner) Current() reconciler.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

func (o *fakeOwner) CurrentState() (entitlement.SubscriptionState, uint64) {
	snap := o.Current()
	return snap.State, snap.Version
}

func (o *fakeOwner) Subscribe() (<-chan reconciler.Snapshot, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan reconciler.Snapshot, 1)
	o.subs = append(o.subs, ch)
	return ch, func() {}
}

func (o *fakeOwner) publish(snap reconciler.Snapshot) {
	o.mu.Lock()
	o.snap = snap
	subs := append([]chan reconciler.Snapshot(nil), o.subs...)
	o.mu.Unlock()
	for _, ch := range subs {
		ch <- snap
	}
}

func (o *fakeOwner) subscribers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

func (o *fakeOwner) Reconcile(_ context.Context, opts reconciler.Options) (reconciler.Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconcile = append(o.reconcile, opts)
	return o.snap, o.err
}

func (o *fakeOwner) QueueValidation(_ context.Context, tx, product string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queued = append(o.queued, store.PendingValidation{TransactionID: tx, ProductID: product, QueuedAt: testNow})
	return nil
}

func (o *fakeOwner) PendingValidations(context.Context) ([]store.PendingValidation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]store.PendingValidation(nil), o.queued...), nil
}

func freeState() entitlement.SubscriptionState {
	return entitlement.NoEntitlement(entitlement.SourceServer, testNow)
}

func premiumState() entitlement.SubscriptionState {
	exp := testNow.Add(30 * 24 * time.Hour)
	return entitlement.SubscriptionState{
		Tier:             entitlement.TierPremium,
		Status:           entitlement.StatusActive,
		ExpirationDate:   &exp,
		LastUpdated:      testNow,
		ValidationSource: entitlement.SourceServer,
		ProductID:        "app.premium.monthly",
		TransactionID:    "tx-1",
	}
}

func newTestRouter(t *testing.T, state entitlement.SubscriptionState) (*Router, *fakeOwner) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "entitlements.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClockAt(testNow)
	owner := &fakeOwner{snap: reconciler.Snapshot{State: state, Version: 1}}
	svc, err := access.NewService(owner, usage.NewTracker(st, clock, usage.WithLocation(time.UTC)), access.WithClock(clock))
	require.NoError(t, err)

	return NewRouter(Config{Owner: owner, Access: svc, Ping: st.Ping}), owner
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestStateEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, premiumState())

	rr := do(t, router, http.MethodGet, "/api/v1/state", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	var body struct {
		State       entitlement.SubscriptionState `json:"state"`
		Version     uint64                        `json:"version"`
		AccessState entitlement.AccessState       `json:"accessState"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, entitlement.TierPremium, body.State.Tier)
	assert.Equal(t, uint64(1), body.Version)
	assert.Equal(t, entitlement.AccessStatePremium, body.AccessState)
}

func TestAccessEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		state   entitlement.SubscriptionState
		feature string
		code    int
		access  entitlement.AccessKind
		reason  entitlement.DenialReason
	}{
		{"free feature", freeState(), "quick_timer", http.StatusOK, entitlement.AccessGranted, ""},
		{"premium feature denied", freeState(), "goal_setting", http.StatusOK, entitlement.AccessDenied, entitlement.ReasonRequiresPremium},
		{"premium feature granted", premiumState(), "goal_setting", http.StatusOK, entitlement.AccessGranted, ""},
		{"limited feature", freeState(), "ai_coach", http.StatusOK, entitlement.AccessLimited, ""},
		{"unknown feature", freeState(), "teleport", http.StatusNotFound, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, tt.state)
			rr := do(t, router, http.MethodGet, "/api/v1/access/"+tt.feature, "")
			if rr.Code != tt.code {
				t.Fatalf("status = %d, want %d (body %q)", rr.Code, tt.code, rr.Body.String())
			}
			if tt.code != http.StatusOK {
				return
			}
			var body accessResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			if body.Access != tt.access || body.Reason != tt.reason {
				t.Fatalf("got %s/%s, want %s/%s", body.Access, body.Reason, tt.access, tt.reason)
			}
			if tt.reason != "" && body.SuggestedAction == "" {
				t.Fatal("denial should carry a suggested action")
			}
		})
	}
}

func TestAccessListEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, freeState())

	rr := do(t, router, http.MethodGet, "/api/v1/access", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body accessListResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Len(t, body.Features, len(entitlement.DefaultCatalog))
	assert.Contains(t, body.AccessibleFeatures, entitlement.FeatureQuickTimer)
	assert.Contains(t, body.AccessibleFeatures, entitlement.FeatureAICoach)
	assert.Contains(t, body.UnavailablePremiumFeatures, entitlement.FeatureGoalSetting)
}

func TestConsumeUntilLimit(t *testing.T) {
	router, _ := newTestRouter(t, freeState())

	for i := 1; i <= 3; i++ {
		rr := do(t, router, http.MethodPost, "/api/v1/usage/ai_coach/consume", "")
		require.Equal(t, http.StatusOK, rr.Code, "use %d", i)
		var body accessResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		require.NotNil(t, body.Usage)
		assert.Equal(t, i, body.Usage.CurrentUsage)
	}

	rr := do(t, router, http.MethodPost, "/api/v1/usage/ai_coach/consume", "")
	require.Equal(t, http.StatusForbidden, rr.Code)
	var body accessResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, entitlement.ReasonUsageLimitExceeded, body.Reason)
}

func TestRefreshEndpoint(t *testing.T) {
	router, owner := newTestRouter(t, premiumState())

	rr := do(t, router, http.MethodPost, "/api/v1/refresh?force=true", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, owner.reconcile, 1)
	assert.True(t, owner.reconcile[0].Force)

	owner.err = enterrors.New(enterrors.KindInvalidReceipt, "validate", nil)
	rr = do(t, router, http.MethodPost, "/api/v1/refresh", "")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	var apiErr APIError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
	assert.Equal(t, string(enterrors.KindInvalidReceipt), apiErr.Code)
	assert.False(t, owner.reconcile[1].Force)
}

func TestValidationQueueEndpoints(t *testing.T) {
	router, owner := newTestRouter(t, freeState())

	rr := do(t, router, http.MethodPost, "/api/v1/validations", `{"transactionId":" "}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, http.MethodPost, "/api/v1/validations", `{"transactionId":"tx-9","productId":"app.premium.yearly"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, owner.queued, 1)

	rr = do(t, router, http.MethodGet, "/api/v1/validations", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body pendingValidationsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Len(t, body.Pending, 1)
	assert.Equal(t, "tx-9", body.Pending[0].TransactionID)
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t, freeState())

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/healthz", "").Code)

	do(t, router, http.MethodGet, "/api/v1/access/quick_timer", "")
	rr := do(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "entitlement_access_decisions_total")
	assert.Contains(t, rr.Body.String(), `route="/api/v1/access/{feature}"`)
}

func TestStateStream(t *testing.T) {
	router, owner := newTestRouter(t, freeState())
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/state/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg struct {
		Type string `json:"type"`
		Data struct {
			State   entitlement.SubscriptionState `json:"state"`
			Version uint64                        `json:"version"`
		} `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "state", msg.Type)
	assert.Equal(t, uint64(1), msg.Data.Version)

	require.Eventually(t, func() bool { return owner.subscribers() == 1 }, time.Second, 5*time.Millisecond)
	owner.publish(reconciler.Snapshot{State: premiumState(), Version: 2})

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, uint64(2), msg.Data.Version)
	assert.Equal(t, entitlement.TierPremium, msg.Data.State.Tier)
}
