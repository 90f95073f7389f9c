// Package validator asks the remote billing authority for the verdict on a
// transaction. Calls are retried with exponential backoff and guarded by a
// circuit breaker so a failing authority is not hammered.
package validator

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcourtman/pulse-entitlements/internal/circuit"
	enterrors "github.com/rcourtman/pulse-entitlements/internal/errors"
	"github.com/rcourtman/pulse-entitlements/internal/metrics"
	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

const tracerName = "github.com/rcourtman/pulse-entitlements/internal/validator"

// DefaultAttemptTimeout bounds a single call to the authority.
const DefaultAttemptTimeout = 15 * time.Second

// Option configures a Validator.
type Option func(*Validator)

// WithClock injects the clock used for timestamps and backoff sleeps.
func WithClock(clock clockwork.Clock) Option {
	return func(v *Validator) { v.clock = clock }
}

// WithBackoff overrides the retry schedule.
func WithBackoff(b Backoff) Option {
	return func(v *Validator) { v.backoff = b }
}

// WithAttemptTimeout bounds each call.
func WithAttemptTimeout(d time.Duration) Option {
	return func(v *Validator) { v.attemptTimeout = d }
}

// WithTokenVerifier requires responses to carry a valid signature.
func WithTokenVerifier(tv *TokenVerifier) Option {
	return func(v *Validator) { v.verifier = tv }
}

func withSleep(fn sleepFunc) Option {
	return func(v *Validator) { v.sleep = fn }
}

// Validator performs authoritative validation with retry and a breaker.
type Validator struct {
	transport      Transport
	breaker        *circuit.Breaker
	backoff        Backoff
	attemptTimeout time.Duration
	verifier       *TokenVerifier
	clock          clockwork.Clock
	sleep          sleepFunc
	tracer         trace.Tracer
}

// New returns a Validator calling transport through breaker. A nil breaker
// gets the default five-failure, five-minute breaker.
func New(transport Transport, breaker *circuit.Breaker, opts ...Option) *Validator {
	v := &Validator{
		transport:      transport,
		backoff:        DefaultBackoff(),
		attemptTimeout: DefaultAttemptTimeout,
		tracer:         otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.clock == nil {
		v.clock = clockwork.NewRealClock()
	}
	if breaker == nil {
		breaker = circuit.NewBreaker("validator", circuit.DefaultConfig(), v.clock)
	}
	v.breaker = breaker
	if v.sleep == nil {
		v.sleep = clockSleep(v.clock)
	}
	return v
}

// Breaker exposes the breaker for status reporting.
func (v *Validator) Breaker() *circuit.Breaker {
	return v.breaker
}

// Validate runs up to Backoff.Attempts calls. Terminal errors stop at once. An
// open circuit fails immediately without network I/O. The returned result
// carries either a server-sourced state or the last error.
func (v *Validator) Validate(ctx context.Context, transactionID string, forceRefresh bool) entitlement.ValidationResult {
	ctx, span := v.tracer.Start(ctx, "validator.Validate",
		trace.WithAttributes(attribute.Bool("entitlement.force_refresh", forceRefresh)))
	defer span.End()

	result := entitlement.ValidationResult{
		Source:      entitlement.SourceServer,
		ReceiptHash: entitlement.ReceiptHash(transactionID),
	}
	req := entitlement.ValidationRequest{TransactionID: transactionID, ForceRefresh: forceRefresh}

	var lastErr error
	attempts := v.backoff.attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if !v.breaker.Allow() {
			metrics.ValidationAttempts.WithLabelValues("circuit_open").Inc()
			lastErr = enterrors.New(enterrors.KindServerUnavailable, "validate", circuit.ErrOpen).NotRetryable()
			break
		}

		result.AttemptCount++
		resp, err := v.attempt(ctx, req)
		if err == nil {
			v.breaker.RecordSuccess()
			metrics.ValidationAttempts.WithLabelValues("success").Inc()
			now := v.clock.Now()
			result.State = entitlement.StateFromResponse(resp, now)
			result.Timestamp = now
			span.SetAttributes(attribute.Int("entitlement.attempts", result.AttemptCount),
				attribute.String("entitlement.tier", string(result.State.Tier)))
			return result
		}

		v.breaker.RecordFailure(err)
		lastErr = err
		if enterrors.IsTerminal(err) || !enterrors.IsRetryable(err) {
			metrics.ValidationAttempts.WithLabelValues("terminal").Inc()
			log.Warn().
				Str("receipt", result.ReceiptHash).
				Str("kind", string(enterrors.KindOf(err))).
				Err(err).
				Msg("Validation rejected")
			break
		}

		metrics.ValidationAttempts.WithLabelValues("retryable").Inc()
		if attempt == attempts-1 {
			break
		}
		delay := v.backoff.Delay(attempt)
		log.Debug().
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Err(err).
			Msg("Validation failed, backing off")
		if sleepErr := v.sleep(ctx, delay); sleepErr != nil {
			lastErr = enterrors.New(enterrors.KindValidationTimeout, "validate", sleepErr)
			break
		}
	}

	result.Err = lastErr
	result.Timestamp = v.clock.Now()
	span.SetAttributes(attribute.Int("entitlement.attempts", result.AttemptCount))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, string(enterrors.KindOf(lastErr)))
	return result
}

func (v *Validator) attempt(ctx context.Context, req entitlement.ValidationRequest) (entitlement.ValidationResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, v.attemptTimeout)
	defer cancel()

	start := v.clock.Now()
	resp, err := v.transport.Validate(attemptCtx, req)
	metrics.ValidationDuration.Observe(v.clock.Since(start).Seconds())
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && enterrors.KindOf(err) == "" {
			return resp, enterrors.New(enterrors.KindValidationTimeout, "validate", err)
		}
		if enterrors.KindOf(err) == "" {
			return resp, enterrors.New(enterrors.KindNetworkUnavailable, "validate", err)
		}
		return resp, err
	}
	if v.verifier != nil {
		return v.verifier.Verify(resp, req.TransactionID)
	}
	return resp, nil
}
