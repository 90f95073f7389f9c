package entitlement

import (
	"fmt"
	"time"
)

// WebhookEventType is a billing lifecycle event delivered out of band.
type WebhookEventType string

const (
	EventPurchased     WebhookEventType = "purchased"
	EventRenewed       WebhookEventType = "renewed"
	EventOfferRedeemed WebhookEventType = "offerRedeemed"
	EventExpired       WebhookEventType = "expired"
	EventCancelled     WebhookEventType = "cancelled"
	EventRefunded      WebhookEventType = "refunded"
	EventRevoked       WebhookEventType = "revoked"
	EventGracePeriod   WebhookEventType = "gracePeriod"
	EventBillingRetry  WebhookEventType = "billingRetry"
	EventPriceIncrease WebhookEventType = "priceIncrease"
)

// Known reports whether t is a supported event type.
func (t WebhookEventType) Known() bool {
	switch t {
	case EventPurchased, EventRenewed, EventOfferRedeemed, EventExpired, EventCancelled,
		EventRefunded, EventRevoked, EventGracePeriod, EventBillingRetry, EventPriceIncrease:
		return true
	}
	return false
}

// WebhookEvent is one billing event for an account.
type WebhookEvent struct {
	ID                 string           `json:"id"`
	Type               WebhookEventType `json:"type"`
	AccountID          string           `json:"accountId"`
	ProductID          string           `json:"productId,omitempty"`
	TransactionID      string           `json:"transactionId,omitempty"`
	ExpirationDate     *time.Time       `json:"expirationDate,omitempty"`
	GracePeriodEndDate *time.Time       `json:"gracePeriodEndDate,omitempty"`
	IsTrial            bool             `json:"isTrial,omitempty"`
	OccurredAt         time.Time        `json:"occurredAt"`
}

// ApplyWebhook maps ev onto current deterministically. The second return value
// is false when the event leaves the state untouched.
func ApplyWebhook(current SubscriptionState, ev WebhookEvent, now time.Time) (SubscriptionState, bool, error) {
	at := ev.OccurredAt
	if at.IsZero() {
		at = now
	}

	next := current
	next.ValidationSource = SourceWebhook
	next.LastUpdated = now
	if ev.ProductID != "" {
		next.ProductID = ev.ProductID
	}
	if ev.TransactionID != "" {
		next.TransactionID = ev.TransactionID
	}
	if ev.ExpirationDate != nil {
		next.ExpirationDate = ev.ExpirationDate
	}

	switch ev.Type {
	case EventPurchased, EventRenewed, EventOfferRedeemed:
		next.Tier = TierPremium
		next.Status = StatusActive
		next.AutoRenewalEnabled = true
		next.CancellationDate = nil
		next.GracePeriodEndDate = nil
		next.IsTrialActive = ev.IsTrial
		next.TrialExpirationDate = nil
		if ev.IsTrial {
			next.TrialExpirationDate = next.ExpirationDate
		}
		if ev.Type == EventPurchased || next.PurchaseDate == nil {
			next.PurchaseDate = timePtr(at)
		}
	case EventExpired:
		next.Tier = TierPremium
		next = next.Expired()
	case EventCancelled:
		if next.Tier == TierNone {
			next.Tier = TierPremium
		}
		next.Status = StatusCancelled
		next.AutoRenewalEnabled = false
		next.CancellationDate = timePtr(at)
	case EventRefunded, EventRevoked:
		next = NoEntitlement(SourceWebhook, now)
	case EventGracePeriod:
		next.Tier = TierPremium
		next.Status = StatusGrace
		next.GracePeriodEndDate = graceEnd(ev, at)
	case EventBillingRetry:
		next.Tier = TierPremium
		if current.Status == StatusActive && ev.GracePeriodEndDate != nil {
			next.Status = StatusGrace
			next.GracePeriodEndDate = ev.GracePeriodEndDate
		} else {
			next.Status = StatusPending
		}
	case EventPriceIncrease:
		return current, false, nil
	default:
		return current, false, fmt.Errorf("unknown webhook event type %q", ev.Type)
	}

	return next, !next.Equivalent(current), nil
}

func graceEnd(ev WebhookEvent, at time.Time) *time.Time {
	if ev.GracePeriodEndDate != nil {
		return ev.GracePeriodEndDate
	}
	return timePtr(at.Add(DefaultGracePeriod))
}
