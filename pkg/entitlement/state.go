package entitlement

import (
	"fmt"
	"time"
)

// DefaultStaleAfter is how long a state may go without revalidation before it
// must not be trusted for a gating decision.
const DefaultStaleAfter = 15 * time.Minute

// DefaultGracePeriod bounds how long a subscription may stay in grace.
const DefaultGracePeriod = 16 * 24 * time.Hour

// SubscriptionState is the canonical entitlement of an account.
type SubscriptionState struct {
	Tier                Tier             `json:"tier"`
	Status              Status           `json:"status"`
	ExpirationDate      *time.Time       `json:"expirationDate,omitempty"`
	PurchaseDate        *time.Time       `json:"purchaseDate,omitempty"`
	IsTrialActive       bool             `json:"isTrialActive"`
	TrialExpirationDate *time.Time       `json:"trialExpirationDate,omitempty"`
	AutoRenewalEnabled  bool             `json:"autoRenewalEnabled"`
	LastUpdated         time.Time        `json:"lastUpdated"`
	ValidationSource    ValidationSource `json:"validationSource"`
	ProductID           string           `json:"productId,omitempty"`
	TransactionID       string           `json:"transactionId,omitempty"`
	CancellationDate    *time.Time       `json:"cancellationDate,omitempty"`
	GracePeriodEndDate  *time.Time       `json:"gracePeriodEndDate,omitempty"`
}

// NoEntitlement is the safe default: no tier, no status.
func NoEntitlement(source ValidationSource, now time.Time) SubscriptionState {
	return SubscriptionState{
		Tier:             TierNone,
		Status:           StatusNone,
		LastUpdated:      now,
		ValidationSource: source,
	}
}

// Trial returns an active premium state backed by a trial that ends at end.
func Trial(productID string, start, end time.Time, source ValidationSource) SubscriptionState {
	return SubscriptionState{
		Tier:                TierPremium,
		Status:              StatusActive,
		ExpirationDate:      timePtr(end),
		PurchaseDate:        timePtr(start),
		IsTrialActive:       true,
		TrialExpirationDate: timePtr(end),
		LastUpdated:         start,
		ValidationSource:    source,
		ProductID:           productID,
	}
}

// IsStale reports whether the state is older than threshold at now.
func (s SubscriptionState) IsStale(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	return now.Sub(s.LastUpdated) > threshold
}

// HasActiveAccess reports whether the state currently unlocks premium features.
// Cancelled subscriptions keep access until their paid period runs out.
func (s SubscriptionState) HasActiveAccess(now time.Time) bool {
	if s.Tier != TierPremium {
		return false
	}
	switch s.Status {
	case StatusActive:
		return s.ExpirationDate == nil || s.ExpirationDate.After(now)
	case StatusGrace:
		return s.graceDeadline().After(now)
	case StatusCancelled:
		return s.ExpirationDate != nil && s.ExpirationDate.After(now)
	default:
		return false
	}
}

// Expired returns a copy transitioned to expired. The tier is kept so callers
// can tell a lapsed subscriber from someone who never subscribed.
func (s SubscriptionState) Expired() SubscriptionState {
	s.Status = StatusExpired
	s.IsTrialActive = false
	s.AutoRenewalEnabled = false
	s.GracePeriodEndDate = nil
	return s
}

// Normalize enforces the state invariants at now:
//   - tier none always pairs with status none, and vice versa;
//   - an active state whose expiration has passed becomes expired;
//   - a grace state without an end is given one, DefaultGracePeriod after
//     LastUpdated, and becomes expired once past it;
//   - a trial flag is cleared once the trial has ended.
//
// Nil expiration on an active state means a non-expiring entitlement.
func (s SubscriptionState) Normalize(now time.Time) SubscriptionState {
	if !s.Tier.Valid() {
		s.Tier = TierNone
	}
	if !s.Status.Valid() {
		s.Status = StatusNone
	}
	if !s.ValidationSource.Valid() {
		s.ValidationSource = SourceLocal
	}
	if s.Tier == TierNone || s.Status == StatusNone {
		return SubscriptionState{
			Tier:             TierNone,
			Status:           StatusNone,
			LastUpdated:      s.LastUpdated,
			ValidationSource: s.ValidationSource,
		}
	}
	if s.IsTrialActive && s.TrialExpirationDate != nil && !s.TrialExpirationDate.After(now) {
		s.IsTrialActive = false
	}
	switch s.Status {
	case StatusActive:
		if s.ExpirationDate != nil && !s.ExpirationDate.After(now) {
			s = s.Expired()
		}
	case StatusGrace:
		end := s.graceDeadline()
		s.GracePeriodEndDate = &end
		if !end.After(now) {
			s = s.Expired()
		}
	}
	return s
}

// graceDeadline is the grace end, or DefaultGracePeriod after LastUpdated when
// none was recorded.
func (s SubscriptionState) graceDeadline() time.Time {
	if s.GracePeriodEndDate != nil {
		return *s.GracePeriodEndDate
	}
	return s.LastUpdated.Add(DefaultGracePeriod)
}

// Validate checks the structural invariants without consulting a clock.
func (s SubscriptionState) Validate() error {
	if !s.Tier.Valid() {
		return fmt.Errorf("invalid tier %q", s.Tier)
	}
	if !s.Status.Valid() {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	if !s.ValidationSource.Valid() {
		return fmt.Errorf("invalid validation source %q", s.ValidationSource)
	}
	if s.Tier == TierNone && s.Status != StatusNone {
		return fmt.Errorf("tier none with status %q", s.Status)
	}
	if s.LastUpdated.IsZero() {
		return fmt.Errorf("missing lastUpdated")
	}
	return nil
}

// Equivalent reports whether two states differ only in LastUpdated.
func (s SubscriptionState) Equivalent(o SubscriptionState) bool {
	return s.Tier == o.Tier &&
		s.Status == o.Status &&
		s.IsTrialActive == o.IsTrialActive &&
		s.AutoRenewalEnabled == o.AutoRenewalEnabled &&
		s.ValidationSource == o.ValidationSource &&
		s.ProductID == o.ProductID &&
		s.TransactionID == o.TransactionID &&
		sameTime(s.ExpirationDate, o.ExpirationDate) &&
		sameTime(s.PurchaseDate, o.PurchaseDate) &&
		sameTime(s.TrialExpirationDate, o.TrialExpirationDate) &&
		sameTime(s.CancellationDate, o.CancellationDate) &&
		sameTime(s.GracePeriodEndDate, o.GracePeriodEndDate)
}

// RemainingTrialDays returns whole days left in an active trial, or 0.
func (s SubscriptionState) RemainingTrialDays(now time.Time) int {
	if !s.IsTrialActive || s.TrialExpirationDate == nil {
		return 0
	}
	left := s.TrialExpirationDate.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / (24 * time.Hour))
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
