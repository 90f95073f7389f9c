package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNetworkUnavailable    = errors.New("network unavailable")
	ErrServerUnavailable     = errors.New("server unavailable")
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrInvalidReceipt        = errors.New("invalid receipt")
	ErrValidationTimeout     = errors.New("validation timeout")
	ErrSyncConflict          = errors.New("sync conflict")
	ErrPersistedStateCorrupt = errors.New("persisted state corrupt")
)

// Kind represents the category of an entitlement failure
type Kind string

const (
	KindNetworkUnavailable    Kind = "network_unavailable"
	KindServerUnavailable     Kind = "server_unavailable"
	KindUnauthenticated       Kind = "unauthenticated"
	KindInvalidReceipt        Kind = "invalid_receipt"
	KindValidationTimeout     Kind = "validation_timeout"
	KindSyncConflict          Kind = "sync_conflict"
	KindPersistedStateCorrupt Kind = "persisted_state_corrupt"
)

var kindSentinels = map[Kind]error{
	KindNetworkUnavailable:    ErrNetworkUnavailable,
	KindServerUnavailable:     ErrServerUnavailable,
	KindUnauthenticated:       ErrUnauthenticated,
	KindInvalidReceipt:        ErrInvalidReceipt,
	KindValidationTimeout:     ErrValidationTimeout,
	KindSyncConflict:          ErrSyncConflict,
	KindPersistedStateCorrupt: ErrPersistedStateCorrupt,
}

// EntitlementError is a structured error for validation, sync and persistence operations
type EntitlementError struct {
	Kind       Kind
	Op         string // Operation that failed (e.g., "validate", "load_snapshot")
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *EntitlementError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s failed: %s", e.Op, kindSentinels[e.Kind])
	}
	return fmt.Sprintf("%s failed: %s: %v", e.Op, kindSentinels[e.Kind], e.Err)
}

func (e *EntitlementError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *EntitlementError) Is(target error) bool {
	if target == nil {
		return false
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok && sentinel == target {
		return true
	}
	return errors.Is(e.Err, target)
}

// New creates a new EntitlementError
func New(kind Kind, op string, err error) *EntitlementError {
	return &EntitlementError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *EntitlementError) WithStatusCode(code int) *EntitlementError {
	e.StatusCode = code
	return e
}

// NotRetryable marks the error as not eligible for retry. Used when the
// circuit is open: the caller must not spin on it.
func (e *EntitlementError) NotRetryable() *EntitlementError {
	e.Retryable = false
	return e
}

func isRetryable(kind Kind) bool {
	switch kind {
	case KindNetworkUnavailable, KindServerUnavailable, KindValidationTimeout:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var entErr *EntitlementError
	if errors.As(err, &entErr) {
		return entErr.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var entErr *EntitlementError
	if errors.As(err, &entErr) {
		return entErr.Retryable
	}
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrValidationTimeout)
}

// IsTerminal reports whether err must be propagated without retry.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrInvalidReceipt)
}
