package snapshot

import (
	"testing"
	"time"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

var now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func TestBuildEmptyLedger(t *testing.T) {
	got := NewBuilder(nil).Build(nil, now)
	if got.Tier != entitlement.TierNone || got.Status != entitlement.StatusNone {
		t.Fatalf("got %s/%s, want none/none", got.Tier, got.Status)
	}
	if got.ValidationSource != entitlement.SourceLocal {
		t.Fatalf("source=%s", got.ValidationSource)
	}
}

func TestBuildPicksMostRecentActiveRecord(t *testing.T) {
	records := []entitlement.PurchaseRecord{
		{ProductID: "com.app.premium.monthly", PurchaseDate: now.Add(-40 * 24 * time.Hour), ExpirationDate: at(-10 * 24 * time.Hour), TransactionID: "old"},
		{ProductID: "com.app.premium.monthly", PurchaseDate: now.Add(-5 * 24 * time.Hour), ExpirationDate: at(25 * 24 * time.Hour), TransactionID: "mid"},
		{ProductID: "com.app.premium.yearly", PurchaseDate: now.Add(-24 * time.Hour), ExpirationDate: at(364 * 24 * time.Hour), TransactionID: "new"},
		{ProductID: "com.app.coins", PurchaseDate: now, TransactionID: "consumable"},
	}

	got := NewBuilder(nil).Build(records, now)
	if got.TransactionID != "new" {
		t.Fatalf("transaction=%q, want new", got.TransactionID)
	}
	if got.Status != entitlement.StatusActive || got.Tier != entitlement.TierPremium {
		t.Fatalf("got %s/%s", got.Tier, got.Status)
	}
	if !got.AutoRenewalEnabled {
		t.Fatal("expiring subscription should report auto renewal")
	}
}

func TestBuildAllLapsedYieldsExpired(t *testing.T) {
	records := []entitlement.PurchaseRecord{
		{ProductID: "com.app.premium.monthly", PurchaseDate: now.Add(-70 * 24 * time.Hour), ExpirationDate: at(-40 * 24 * time.Hour), TransactionID: "a"},
		{ProductID: "com.app.premium.monthly", PurchaseDate: now.Add(-35 * 24 * time.Hour), ExpirationDate: at(-5 * 24 * time.Hour), TransactionID: "b"},
	}

	got := NewBuilder(nil).Build(records, now)
	if got.Status != entitlement.StatusExpired || got.Tier != entitlement.TierPremium {
		t.Fatalf("got %s/%s, want premium/expired", got.Tier, got.Status)
	}
	if got.TransactionID != "b" {
		t.Fatalf("transaction=%q, want b", got.TransactionID)
	}
	if got.HasActiveAccess(now) {
		t.Fatal("lapsed state must not grant access")
	}
}

func TestBuildLifetimeAndTrial(t *testing.T) {
	builder := NewBuilder(entitlement.NewProductCatalog([]string{"com.app.premium.*", "lifetime"}))

	lifetime := builder.Build([]entitlement.PurchaseRecord{{ProductID: "lifetime", PurchaseDate: now.Add(-time.Hour), TransactionID: "l"}}, now)
	if !lifetime.HasActiveAccess(now.Add(10 * 365 * 24 * time.Hour)) {
		t.Fatal("lifetime purchase should never lapse")
	}

	trial := builder.Build([]entitlement.PurchaseRecord{{ProductID: "com.app.premium.trial", PurchaseDate: now, ExpirationDate: at(7 * 24 * time.Hour), IsTrialOffer: true, TransactionID: "t"}}, now)
	if !trial.IsTrialActive || trial.TrialExpirationDate == nil {
		t.Fatalf("trial flags not carried: %+v", trial)
	}
}

func TestBuildScenarioActiveOffline(t *testing.T) {
	records := []entitlement.PurchaseRecord{
		{ProductID: "com.app.premium.monthly", PurchaseDate: now, ExpirationDate: at(30 * 24 * time.Hour), TransactionID: "tx"},
	}
	got := NewBuilder(nil).Build(records, now)
	if got.Tier != entitlement.TierPremium || got.Status != entitlement.StatusActive {
		t.Fatalf("got %s/%s", got.Tier, got.Status)
	}
	if got.ValidationSource != entitlement.SourceLocal || got.IsStale(now, entitlement.DefaultStaleAfter) {
		t.Fatalf("want fresh local state, got %+v", got)
	}
}
