package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// accountMetadataKey names the Stripe metadata entry carrying the account id.
const accountMetadataKey = "account_id"

// stripeSubscription is the part of a Stripe subscription object we read.
type stripeSubscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	TrialEnd          int64  `json:"trial_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID        string `json:"id"`
				LookupKey string `json:"lookup_key"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func (s stripeSubscription) productID() string {
	for _, item := range s.Items.Data {
		if key := strings.TrimSpace(item.Price.LookupKey); key != "" {
			return key
		}
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id
		}
	}
	return ""
}

func (s stripeSubscription) periodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	return unixPtr(end)
}

type stripeCharge struct {
	ID       string            `json:"id"`
	Refunded bool              `json:"refunded"`
	Metadata map[string]string `json:"metadata"`
}

// eventFromStripe maps a verified Stripe event onto a billing event. The
// second return value is false for event types that carry no entitlement
// change.
func eventFromStripe(event stripelib.Event) (entitlement.WebhookEvent, bool, error) {
	ev := entitlement.WebhookEvent{
		ID:         event.ID,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return ev, false, fmt.Errorf("decode subscription: %w", err)
		}
		ev.AccountID = strings.TrimSpace(sub.Metadata[accountMetadataKey])
		ev.ProductID = sub.productID()
		ev.TransactionID = sub.ID
		ev.ExpirationDate = sub.periodEnd()

		if event.Type == "customer.subscription.deleted" {
			ev.Type = entitlement.EventExpired
			return ev, true, nil
		}
		t, ok := subscriptionEventType(sub, event.Type == "customer.subscription.created")
		if !ok {
			return ev, false, nil
		}
		ev.Type = t
		if stripelib.SubscriptionStatus(sub.Status) == stripelib.SubscriptionStatusPastDue {
			graceEnd := ev.OccurredAt.Add(entitlement.DefaultGracePeriod)
			ev.GracePeriodEndDate = &graceEnd
		}
		if stripelib.SubscriptionStatus(sub.Status) == stripelib.SubscriptionStatusTrialing {
			ev.IsTrial = true
			if trialEnd := unixPtr(sub.TrialEnd); trialEnd != nil {
				ev.ExpirationDate = trialEnd
			}
		}
		return ev, true, nil

	case "charge.refunded":
		var charge stripeCharge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return ev, false, fmt.Errorf("decode charge: %w", err)
		}
		ev.AccountID = strings.TrimSpace(charge.Metadata[accountMetadataKey])
		ev.Type = entitlement.EventRefunded
		return ev, true, nil

	default:
		return ev, false, nil
	}
}

// subscriptionEventType maps a Stripe subscription status onto the
// equivalent lifecycle event.
func subscriptionEventType(sub stripeSubscription, created bool) (entitlement.WebhookEventType, bool) {
	switch stripelib.SubscriptionStatus(sub.Status) {
	case stripelib.SubscriptionStatusActive, stripelib.SubscriptionStatusTrialing:
		if sub.CancelAtPeriodEnd {
			return entitlement.EventCancelled, true
		}
		if created {
			return entitlement.EventPurchased, true
		}
		return entitlement.EventRenewed, true
	case stripelib.SubscriptionStatusPastDue, stripelib.SubscriptionStatusUnpaid:
		return entitlement.EventBillingRetry, true
	case stripelib.SubscriptionStatusCanceled, stripelib.SubscriptionStatusIncompleteExpired, stripelib.SubscriptionStatusPaused:
		return entitlement.EventExpired, true
	default:
		// incomplete: the first payment has not settled yet
		return "", false
	}
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
