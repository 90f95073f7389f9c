package entitlement

import (
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func activePremium(now time.Time, expiresIn time.Duration) SubscriptionState {
	exp := now.Add(expiresIn)
	return SubscriptionState{
		Tier:               TierPremium,
		Status:             StatusActive,
		ExpirationDate:     &exp,
		AutoRenewalEnabled: true,
		LastUpdated:        now,
		ValidationSource:   SourceServer,
		ProductID:          "com.app.premium.monthly",
		TransactionID:      "tx-1",
	}
}

func TestIsStale(t *testing.T) {
	s := NoEntitlement(SourceLocal, testNow)
	if s.IsStale(testNow.Add(15*time.Minute), DefaultStaleAfter) {
		t.Fatal("state exactly at threshold should not be stale")
	}
	if !s.IsStale(testNow.Add(15*time.Minute+time.Second), DefaultStaleAfter) {
		t.Fatal("state past threshold should be stale")
	}
	if !s.IsStale(testNow.Add(16*time.Minute), 0) {
		t.Fatal("zero threshold should use the default")
	}
}

func TestNormalize(t *testing.T) {
	past := testNow.Add(-time.Hour)

	tests := []struct {
		name       string
		in         SubscriptionState
		wantTier   Tier
		wantStatus Status
	}{
		{
			name:       "active in future stays active",
			in:         activePremium(testNow, time.Hour),
			wantTier:   TierPremium,
			wantStatus: StatusActive,
		},
		{
			name:       "active in past expires",
			in:         activePremium(testNow, -time.Hour),
			wantTier:   TierPremium,
			wantStatus: StatusExpired,
		},
		{
			name:       "tier none forces status none",
			in:         SubscriptionState{Tier: TierNone, Status: StatusActive, LastUpdated: testNow, ValidationSource: SourceLocal},
			wantTier:   TierNone,
			wantStatus: StatusNone,
		},
		{
			name:       "status none forces tier none",
			in:         SubscriptionState{Tier: TierPremium, Status: StatusNone, LastUpdated: testNow, ValidationSource: SourceLocal},
			wantTier:   TierNone,
			wantStatus: StatusNone,
		},
		{
			name: "grace past end expires",
			in: SubscriptionState{
				Tier: TierPremium, Status: StatusGrace, GracePeriodEndDate: &past,
				LastUpdated: testNow, ValidationSource: SourceWebhook,
			},
			wantTier:   TierPremium,
			wantStatus: StatusExpired,
		},
		{
			name: "grace without end stays within the default window",
			in: SubscriptionState{
				Tier: TierPremium, Status: StatusGrace,
				LastUpdated: testNow.Add(-DefaultGracePeriod + time.Hour), ValidationSource: SourceServer,
			},
			wantTier:   TierPremium,
			wantStatus: StatusGrace,
		},
		{
			name: "grace without end expires after the default window",
			in: SubscriptionState{
				Tier: TierPremium, Status: StatusGrace,
				LastUpdated: testNow.Add(-DefaultGracePeriod - time.Hour), ValidationSource: SourceServer,
			},
			wantTier:   TierPremium,
			wantStatus: StatusExpired,
		},
		{
			name:       "garbage values fall back to none",
			in:         SubscriptionState{Tier: "gold", Status: "weird", LastUpdated: testNow, ValidationSource: "psychic"},
			wantTier:   TierNone,
			wantStatus: StatusNone,
		},
		{
			name:       "lifetime purchase has no expiration",
			in:         SubscriptionState{Tier: TierPremium, Status: StatusActive, LastUpdated: testNow, ValidationSource: SourceLocal},
			wantTier:   TierPremium,
			wantStatus: StatusActive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize(testNow)
			if got.Tier != tt.wantTier || got.Status != tt.wantStatus {
				t.Fatalf("got %s/%s, want %s/%s", got.Tier, got.Status, tt.wantTier, tt.wantStatus)
			}
			if err := got.Validate(); err != nil {
				t.Fatalf("normalized state invalid: %v", err)
			}
		})
	}
}

func TestNormalizeClearsEndedTrial(t *testing.T) {
	s := Trial("com.app.premium.trial", testNow.Add(-8*24*time.Hour), testNow.Add(-time.Hour), SourceLocal)
	got := s.Normalize(testNow)
	if got.IsTrialActive {
		t.Fatal("trial flag should be cleared after trial end")
	}
	if got.Status != StatusExpired {
		t.Fatalf("status=%s, want expired", got.Status)
	}
}

func TestNormalizePinsGraceEnd(t *testing.T) {
	recorded := testNow.Add(-24 * time.Hour)
	s := SubscriptionState{Tier: TierPremium, Status: StatusGrace, LastUpdated: recorded, ValidationSource: SourceServer}

	got := s.Normalize(testNow)
	want := recorded.Add(DefaultGracePeriod)
	if got.GracePeriodEndDate == nil || !got.GracePeriodEndDate.Equal(want) {
		t.Fatalf("grace end=%v, want %v", got.GracePeriodEndDate, want)
	}

	// A later timestamp must not extend a pinned end.
	got.LastUpdated = testNow
	again := got.Normalize(testNow.Add(time.Hour))
	if !again.GracePeriodEndDate.Equal(want) {
		t.Fatalf("grace end moved to %v, want %v", again.GracePeriodEndDate, want)
	}
	if late := got.Normalize(want.Add(time.Second)); late.Status != StatusExpired {
		t.Fatalf("status=%s after grace end, want expired", late.Status)
	}
}

func TestHasActiveAccess(t *testing.T) {
	future := testNow.Add(24 * time.Hour)
	past := testNow.Add(-24 * time.Hour)

	tests := []struct {
		name string
		s    SubscriptionState
		want bool
	}{
		{name: "active", s: activePremium(testNow, time.Hour), want: true},
		{name: "grace without end recorded recently", s: SubscriptionState{Tier: TierPremium, Status: StatusGrace, LastUpdated: past}, want: true},
		{name: "grace without end recorded long ago", s: SubscriptionState{Tier: TierPremium, Status: StatusGrace, LastUpdated: testNow.Add(-60 * 24 * time.Hour)}, want: false},
		{name: "grace without end or timestamp", s: SubscriptionState{Tier: TierPremium, Status: StatusGrace}, want: false},
		{name: "cancelled before period end", s: SubscriptionState{Tier: TierPremium, Status: StatusCancelled, ExpirationDate: &future}, want: true},
		{name: "cancelled after period end", s: SubscriptionState{Tier: TierPremium, Status: StatusCancelled, ExpirationDate: &past}, want: false},
		{name: "expired", s: SubscriptionState{Tier: TierPremium, Status: StatusExpired}, want: false},
		{name: "pending", s: SubscriptionState{Tier: TierPremium, Status: StatusPending}, want: false},
		{name: "none", s: NoEntitlement(SourceLocal, testNow), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.HasActiveAccess(testNow); got != tt.want {
				t.Fatalf("HasActiveAccess=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestEquivalentIgnoresLastUpdated(t *testing.T) {
	a := activePremium(testNow, time.Hour)
	b := a
	b.LastUpdated = testNow.Add(time.Minute)
	exp := *a.ExpirationDate
	b.ExpirationDate = &exp
	if !a.Equivalent(b) {
		t.Fatal("states differing only in lastUpdated should be equivalent")
	}
	b.Status = StatusGrace
	if a.Equivalent(b) {
		t.Fatal("status change should not be equivalent")
	}
}

func TestRemainingTrialDays(t *testing.T) {
	s := Trial("p", testNow, testNow.Add(7*24*time.Hour+time.Hour), SourceLocal)
	if got := s.RemainingTrialDays(testNow); got != 7 {
		t.Fatalf("RemainingTrialDays=%d, want 7", got)
	}
	if got := s.RemainingTrialDays(testNow.Add(30 * 24 * time.Hour)); got != 0 {
		t.Fatalf("RemainingTrialDays after end=%d, want 0", got)
	}
}

func TestProductCatalog(t *testing.T) {
	c := NewProductCatalog([]string{"com.app.premium.*", " ", "lifetime_*"})
	tests := map[string]Tier{
		"com.app.premium.monthly": TierPremium,
		"COM.APP.PREMIUM.YEARLY":  TierPremium,
		"lifetime_unlock":         TierPremium,
		"com.app.coins":           TierNone,
		"":                        TierNone,
	}
	for product, want := range tests {
		if got := c.TierFor(product); got != want {
			t.Fatalf("TierFor(%q)=%s, want %s", product, got, want)
		}
	}

	if got := NewProductCatalog(nil).Patterns(); len(got) != len(DefaultPremiumProducts) {
		t.Fatalf("empty catalog patterns=%v, want defaults", got)
	}
}

func TestCanTransition(t *testing.T) {
	for transition := range validTransitions {
		if !CanTransition(transition.From, transition.To) {
			t.Fatalf("expected %s -> %s to be valid", transition.From, transition.To)
		}
	}
	invalid := []Transition{
		{StatusNone, StatusGrace},
		{StatusNone, StatusExpired},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusGrace},
		{StatusExpired, StatusGrace},
	}
	for _, tr := range invalid {
		if CanTransition(tr.From, tr.To) {
			t.Fatalf("expected %s -> %s to be invalid", tr.From, tr.To)
		}
	}
	for _, s := range AllStatuses {
		if !CanTransition(s, s) {
			t.Fatalf("self transition on %s should be allowed", s)
		}
	}
}

func TestGraceOnlyReachableFromActive(t *testing.T) {
	for _, from := range AllStatuses {
		for _, to := range ValidTransitionsFrom(from) {
			if to == StatusGrace && from != StatusActive {
				t.Fatalf("grace reachable from %s", from)
			}
		}
	}
	got := ValidTransitionsFrom(StatusGrace)
	want := map[Status]bool{StatusActive: true, StatusExpired: true}
	if len(got) != len(want) {
		t.Fatalf("grace targets=%v", got)
	}
	for _, s := range got {
		if !want[s] {
			t.Fatalf("unexpected grace target %s", s)
		}
	}
}
