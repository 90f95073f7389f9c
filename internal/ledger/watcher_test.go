package ledger

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

func TestWatcherFiresOnLedgerWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	fired := make(chan struct{}, 4)
	w := NewWatcher(path, nil, func() { fired <- struct{}{} })
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(50 * time.Millisecond)
	if err := NewFileLedger(path).Put(entitlement.PurchaseRecord{ProductID: "p", TransactionID: "tx"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not report ledger change")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	var calls atomic.Int32
	w := NewWatcher(filepath.Join(dir, "ledger.json"), nil, func() { calls.Add(1) })
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	cancel()
	<-done

	if calls.Load() != 0 {
		t.Fatalf("calls=%d, want 0", calls.Load())
	}
}

func TestWatcherDebounceCoalesces(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	w := NewWatcher(filepath.Join(t.TempDir(), "ledger.json"), clock, func() { calls.Add(1) })

	w.schedule()
	w.schedule()
	w.schedule()
	clock.Advance(defaultDebounce)

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls=%d, want 1", got)
	}
}

func TestWatcherPollDetectsModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	var calls atomic.Int32
	w := NewWatcher(path, nil, func() { calls.Add(1) })

	w.checkModTime()
	if calls.Load() != 0 {
		t.Fatal("missing file should not fire")
	}
	if err := os.WriteFile(path, []byte(`{"purchases":[]}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	w.checkModTime()
	w.checkModTime()
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls=%d, want 1", got)
	}
}
