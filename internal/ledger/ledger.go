// Package ledger reads the purchases held by the platform billing layer. The
// ledger is a JSON document written by the billing bridge; this package reads
// it, edits it for tests and tooling, and reports when it changes.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

const (
	privateDirPerm  = 0o700
	privateFilePerm = 0o600
	maxLedgerSize   = 4 << 20 // 4 MiB
)

var errUnsafeLedgerPath = errors.New("unsafe ledger path")

// Reader returns the purchases currently held for the account.
type Reader interface {
	Records(ctx context.Context) ([]entitlement.PurchaseRecord, error)
}

type document struct {
	Purchases []entitlement.PurchaseRecord `json:"purchases"`
}

// FileLedger is a Reader backed by a JSON file.
type FileLedger struct {
	mu   sync.Mutex
	path string
}

// NewFileLedger returns a ledger stored at path. The file need not exist yet.
func NewFileLedger(path string) *FileLedger {
	return &FileLedger{path: filepath.Clean(path)}
}

// Path returns the ledger location.
func (l *FileLedger) Path() string {
	return l.path
}

// Records returns every purchase in the ledger. A missing file is an empty ledger.
func (l *FileLedger) Records(ctx context.Context) ([]entitlement.PurchaseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, err := l.readLocked()
	if err != nil {
		return nil, err
	}
	return doc.Purchases, nil
}

// Put inserts rec, replacing any record with the same transaction id.
func (l *FileLedger) Put(rec entitlement.PurchaseRecord) error {
	if rec.TransactionID == "" {
		return fmt.Errorf("put ledger record: missing transaction id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.readLocked()
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(doc.Purchases, func(p entitlement.PurchaseRecord) bool {
		return p.TransactionID == rec.TransactionID
	})
	if idx >= 0 {
		doc.Purchases[idx] = rec
	} else {
		doc.Purchases = append(doc.Purchases, rec)
	}
	return l.writeLocked(doc)
}

// Remove deletes the record with transactionID. Removing a missing record is a no-op.
func (l *FileLedger) Remove(transactionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.readLocked()
	if err != nil {
		return err
	}
	doc.Purchases = slices.DeleteFunc(doc.Purchases, func(p entitlement.PurchaseRecord) bool {
		return p.TransactionID == transactionID
	})
	return l.writeLocked(doc)
}

func (l *FileLedger) readLocked() (document, error) {
	var doc document
	info, err := os.Lstat(l.path)
	if err != nil {
		if isMissingPathError(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("stat ledger: %w", err)
	}
	if err := validateRegularFile(l.path, info); err != nil {
		return doc, err
	}
	if info.Size() > maxLedgerSize {
		return doc, fmt.Errorf("%w: %q exceeds size limit (%d bytes)", errUnsafeLedgerPath, l.path, info.Size())
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return doc, fmt.Errorf("read ledger: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("decode ledger: %w", err)
	}
	return doc, nil
}

func (l *FileLedger) writeLocked(doc document) error {
	if doc.Purchases == nil {
		doc.Purchases = []entitlement.PurchaseRecord{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := writeFileAtomic(l.path, data); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafeLedgerPath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafeLedgerPath, path)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(privateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
