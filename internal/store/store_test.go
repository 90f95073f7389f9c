package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	enterrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "entitlements.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (s *Store) writeRawSnapshot(ctx context.Context, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_snapshot (id, payload, version, updated_at) VALUES (1, ?, 1, 0)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`, payload)
	return err
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.LoadSnapshot(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("fresh LoadSnapshot error = %v, want ErrNoSnapshot", err)
	}

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(30 * 24 * time.Hour)
	want := entitlement.SubscriptionState{
		Tier:             entitlement.TierPremium,
		Status:           entitlement.StatusActive,
		ExpirationDate:   &exp,
		LastUpdated:      now,
		ValidationSource: entitlement.SourceServer,
		ProductID:        "com.example.premium.monthly",
		TransactionID:    "tx-1",
	}
	if err := s.SaveSnapshot(ctx, want, 7); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, version, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if version != 7 {
		t.Fatalf("version = %d, want 7", version)
	}
	if !got.Equivalent(want) || !got.LastUpdated.Equal(now) {
		t.Fatalf("LoadSnapshot = %+v, want %+v", got, want)
	}

	want.Status = entitlement.StatusCancelled
	if err := s.SaveSnapshot(ctx, want, 8); err != nil {
		t.Fatalf("SaveSnapshot overwrite: %v", err)
	}
	got, version, _ = s.LoadSnapshot(ctx)
	if version != 8 || got.Status != entitlement.StatusCancelled {
		t.Fatalf("after overwrite got status=%s version=%d", got.Status, version)
	}
}

func TestLoadSnapshotCorrupt(t *testing.T) {
	tests := map[string]string{
		"not json":      "{{{",
		"unknown tier":  `{"tier":"gold","status":"active","validationSource":"local"}`,
		"none + active": `{"tier":"none","status":"active","validationSource":"local"}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			if err := s.writeRawSnapshot(ctx, payload); err != nil {
				t.Fatalf("writeRawSnapshot: %v", err)
			}
			_, _, err := s.LoadSnapshot(ctx)
			if !errors.Is(err, enterrors.ErrPersistedStateCorrupt) {
				t.Fatalf("LoadSnapshot error = %v, want ErrPersistedStateCorrupt", err)
			}
		})
	}
}

func TestIncrementUsageIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrementUsage(ctx, "ai_coach", PeriodLifetime, at); err != nil {
				t.Errorf("IncrementUsage: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := s.UsageCount(ctx, "ai_coach", PeriodLifetime)
	if err != nil {
		t.Fatalf("UsageCount: %v", err)
	}
	if n != 20 {
		t.Fatalf("UsageCount = %d, want 20", n)
	}
}

func TestUsageResetAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	recent := old.Add(10 * 24 * time.Hour)

	mustIncrement := func(feature, period string, at time.Time) {
		t.Helper()
		if _, err := s.IncrementUsage(ctx, feature, period, at); err != nil {
			t.Fatalf("IncrementUsage: %v", err)
		}
	}
	mustIncrement("ai_coach", PeriodLifetime, old)
	mustIncrement("goal_setting", "2026-01-01", old)
	mustIncrement("goal_setting", "2026-01-11", recent)

	pruned, err := s.PruneUsage(ctx, recent.Add(-time.Hour))
	if err != nil {
		t.Fatalf("PruneUsage: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("PruneUsage removed %d rows, want 1", pruned)
	}
	if n, _ := s.UsageCount(ctx, "ai_coach", PeriodLifetime); n != 1 {
		t.Fatalf("lifetime counter pruned: %d", n)
	}

	if _, err := s.ResetUsage(ctx, PeriodLifetime); err != nil {
		t.Fatalf("ResetUsage: %v", err)
	}
	if n, _ := s.UsageCount(ctx, "ai_coach", PeriodLifetime); n != 0 {
		t.Fatalf("lifetime counter after reset = %d, want 0", n)
	}
	if n, _ := s.UsageCount(ctx, "goal_setting", "2026-01-11"); n != 1 {
		t.Fatalf("daily counter touched by lifetime reset: %d", n)
	}
}

func TestPendingValidations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	if err := s.QueueValidation(ctx, PendingValidation{}); err == nil {
		t.Fatal("expected error for empty transaction id")
	}
	if err := s.QueueValidation(ctx, PendingValidation{TransactionID: "tx-b", QueuedAt: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("QueueValidation: %v", err)
	}
	if err := s.QueueValidation(ctx, PendingValidation{TransactionID: "tx-a", ProductID: "p", QueuedAt: t0}); err != nil {
		t.Fatalf("QueueValidation: %v", err)
	}
	if err := s.QueueValidation(ctx, PendingValidation{TransactionID: "tx-a", QueuedAt: t0.Add(time.Hour), LastError: "offline"}); err != nil {
		t.Fatalf("QueueValidation requeue: %v", err)
	}

	pending, err := s.PendingValidations(ctx)
	if err != nil {
		t.Fatalf("PendingValidations: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}
	first := pending[0]
	if first.TransactionID != "tx-a" || first.Attempts != 1 || first.ProductID != "p" || first.LastError != "offline" {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if !first.QueuedAt.Equal(t0) {
		t.Fatalf("requeue moved QueuedAt to %s", first.QueuedAt)
	}

	if err := s.RemovePendingValidation(ctx, "tx-a"); err != nil {
		t.Fatalf("RemovePendingValidation: %v", err)
	}
	pending, _ = s.PendingValidations(ctx)
	if len(pending) != 1 || pending[0].TransactionID != "tx-b" {
		t.Fatalf("after remove pending = %+v", pending)
	}
}

func TestMarkWebhookProcessed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	first, err := s.MarkWebhookProcessed(ctx, "evt-1", "renewed", at)
	if err != nil || !first {
		t.Fatalf("first MarkWebhookProcessed = %v, %v", first, err)
	}
	again, err := s.MarkWebhookProcessed(ctx, "evt-1", "renewed", at)
	if err != nil || again {
		t.Fatalf("duplicate MarkWebhookProcessed = %v, %v", again, err)
	}

	if n, err := s.PruneWebhooks(ctx, at.Add(time.Second)); err != nil || n != 1 {
		t.Fatalf("PruneWebhooks = %d, %v", n, err)
	}
	if fresh, _ := s.MarkWebhookProcessed(ctx, "evt-1", "renewed", at); !fresh {
		t.Fatal("pruned event id should be accepted again")
	}
}

func TestDeviceIDIsStable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.DeviceID(ctx)
	if err != nil || id == "" {
		t.Fatalf("DeviceID = %q, %v", id, err)
	}
	again, _ := s.DeviceID(ctx)
	if again != id {
		t.Fatalf("DeviceID changed: %q -> %q", id, again)
	}

	if err := s.SetDeviceID(ctx, "device-pinned"); err != nil {
		t.Fatalf("SetDeviceID: %v", err)
	}
	if got, _ := s.DeviceID(ctx); got != "device-pinned" {
		t.Fatalf("DeviceID after SetDeviceID = %q", got)
	}
}
