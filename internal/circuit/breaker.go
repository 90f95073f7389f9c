// Package circuit guards calls to the remote validation authority. After a run
// of consecutive transient failures it stops issuing calls for a fixed window.
package circuit

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	enterrors "github.com/rcourtman/pulse-entitlements/internal/errors"
)

// ErrOpen is returned in place of a call while the circuit is open.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	// StateClosed means calls flow normally
	StateClosed State = iota
	// StateOpen means the circuit is tripped and calls fail fast
	StateOpen
	// StateHalfOpen means a single probe is allowed through
	StateHalfOpen
)

// String returns the state as a string
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures the circuit breaker behavior
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// OpenDuration is how long the circuit stays open before probing
	OpenDuration time.Duration
}

// DefaultConfig returns the validator's breaker settings
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     5 * time.Minute,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	mu sync.RWMutex

	config Config
	clock  clockwork.Clock
	state  State
	name   string

	consecutiveFailures int
	lastFailure         time.Time
	lastSuccess         time.Time
	lastError           error

	openedAt              time.Time
	halfOpenProbeInFlight bool

	totalFailures  int64
	totalSuccesses int64
	totalTrips     int64

	// onStateChange runs under the breaker lock; it must not call back in.
	onStateChange func(from, to State)
}

// NewBreaker creates a circuit breaker. A nil clock uses the real clock.
func NewBreaker(name string, config Config, clock clockwork.Clock) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = defaults.OpenDuration
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Breaker{
		config: config,
		clock:  clock,
		state:  StateClosed,
		name:   name,
	}
}

// SetOnStateChange sets a callback for state changes
func (b *Breaker) SetOnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Allow checks if a call should be issued. It may move an open circuit whose
// window has elapsed to half-open, admitting exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock.Since(b.openedAt) >= b.config.OpenDuration {
			b.transitionTo(StateHalfOpen)
			b.halfOpenProbeInFlight = true
			log.Info().
				Str("breaker", b.name).
				Str("state", "half-open").
				Msg("Circuit breaker window elapsed, probing")
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true

	default:
		return true
	}
}

// RecordSuccess clears the failure counter and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = b.clock.Now()
	b.consecutiveFailures = 0
	b.totalSuccesses++
	b.halfOpenProbeInFlight = false

	if b.state != StateClosed {
		b.transitionTo(StateClosed)
		log.Info().
			Str("breaker", b.name).
			Str("state", "closed").
			Msg("Circuit breaker recovered and closed")
	}
}

// RecordFailure records a failed call. Terminal errors (bad credentials,
// invalid receipts) are not the authority's fault and do not count.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.clock.Now()
	b.lastError = err
	b.totalFailures++

	if enterrors.IsTerminal(err) {
		if b.state == StateHalfOpen {
			b.halfOpenProbeInFlight = false
		}
		log.Debug().
			Str("breaker", b.name).
			Err(err).
			Msg("Circuit breaker ignoring terminal error")
		return
	}

	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.tripCircuit(err)
		}
	case StateHalfOpen:
		b.tripCircuit(err)
	}
}

func (b *Breaker) tripCircuit(err error) {
	b.transitionTo(StateOpen)
	b.openedAt = b.clock.Now()
	b.halfOpenProbeInFlight = false
	b.totalTrips++

	log.Warn().
		Str("breaker", b.name).
		Dur("open_for", b.config.OpenDuration).
		Int("failures", b.consecutiveFailures).
		Err(err).
		Msg("Circuit breaker tripped")
}

func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState
	if b.onStateChange != nil {
		b.onStateChange(oldState, newState)
	}
}

// Reset resets the circuit breaker to closed state
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.consecutiveFailures = 0
	b.lastError = nil
	b.halfOpenProbeInFlight = false

	log.Info().
		Str("breaker", b.name).
		Msg("Circuit breaker reset")
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// ConsecutiveFailures returns the current failure run length.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.consecutiveFailures
}

// Status returns a summary of the circuit breaker's current status
type Status struct {
	Name                string        `json:"name"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailure         *time.Time    `json:"last_failure,omitempty"`
	LastSuccess         *time.Time    `json:"last_success,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	TotalFailures       int64         `json:"total_failures"`
	TotalSuccesses      int64         `json:"total_successes"`
	TotalTrips          int64         `json:"total_trips"`
	TimeUntilRetry      time.Duration `json:"time_until_retry_ms,omitempty"`
}

// GetStatus returns the current status of the circuit breaker
func (b *Breaker) GetStatus() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := Status{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		TotalTrips:          b.totalTrips,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		status.LastFailure = &t
	}
	if !b.lastSuccess.IsZero() {
		t := b.lastSuccess
		status.LastSuccess = &t
	}
	if b.lastError != nil {
		status.LastError = b.lastError.Error()
	}
	if b.state == StateOpen {
		if retryIn := b.config.OpenDuration - b.clock.Since(b.openedAt); retryIn > 0 {
			status.TimeUntilRetry = retryIn
		}
	}
	return status
}

// IsOpen returns true if the circuit is open (blocking calls)
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateOpen
}
