// Package docstore defines the per-account document shared between devices
// and an in-memory implementation of it.
package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// ErrNotFound is returned when an account has no shared document.
var ErrNotFound = errors.New("shared document not found")

// Document is the shared per-account entitlement record.
type Document struct {
	AccountID               string                       `json:"accountId" bson:"_id"`
	Tier                    entitlement.Tier             `json:"tier" bson:"tier,omitempty"`
	Status                  entitlement.Status           `json:"status" bson:"status,omitempty"`
	ExpirationDate          *time.Time                   `json:"expirationDate,omitempty" bson:"expiration_date,omitempty"`
	PurchaseDate            *time.Time                   `json:"purchaseDate,omitempty" bson:"purchase_date,omitempty"`
	LastUpdated             time.Time                    `json:"lastUpdated" bson:"last_updated"`
	DeviceID                string                       `json:"deviceId" bson:"device_id"`
	ValidationSource        entitlement.ValidationSource `json:"validationSource" bson:"validation_source,omitempty"`
	HasActiveAccess         bool                         `json:"hasActiveAccess" bson:"has_active_access"`
	ProductID               string                       `json:"productId,omitempty" bson:"product_id,omitempty"`
	TransactionID           string                       `json:"transactionId,omitempty" bson:"transaction_id,omitempty"`
	IsTrialActive           bool                         `json:"isTrialActive" bson:"is_trial_active"`
	AutoRenewalEnabled      bool                         `json:"autoRenewalEnabled" bson:"auto_renewal_enabled"`
	LastValidationTimestamp *time.Time                   `json:"lastValidationTimestamp,omitempty" bson:"last_validation_timestamp,omitempty"`
	LastValidationSuccess   bool                         `json:"lastValidationSuccess" bson:"last_validation_success"`
	TrialExpirationDate     *time.Time                   `json:"trialExpirationDate,omitempty" bson:"trial_expiration_date,omitempty"`
	CancellationDate        *time.Time                   `json:"cancellationDate,omitempty" bson:"cancellation_date,omitempty"`
	GracePeriodEndDate      *time.Time                   `json:"gracePeriodEndDate,omitempty" bson:"grace_period_end_date,omitempty"`
}

// FromState builds the document published for state by deviceID.
func FromState(accountID, deviceID string, state entitlement.SubscriptionState, now time.Time) Document {
	return Document{
		AccountID:           accountID,
		Tier:                state.Tier,
		Status:              state.Status,
		ExpirationDate:      state.ExpirationDate,
		PurchaseDate:        state.PurchaseDate,
		LastUpdated:         state.LastUpdated,
		DeviceID:            deviceID,
		ValidationSource:    state.ValidationSource,
		HasActiveAccess:     state.HasActiveAccess(now),
		ProductID:           state.ProductID,
		TransactionID:       state.TransactionID,
		IsTrialActive:       state.IsTrialActive,
		AutoRenewalEnabled:  state.AutoRenewalEnabled,
		TrialExpirationDate: state.TrialExpirationDate,
		CancellationDate:    state.CancellationDate,
		GracePeriodEndDate:  state.GracePeriodEndDate,
	}
}

// Cleared reports whether the entitlement fields have been removed.
func (d Document) Cleared() bool {
	return d.Tier == "" && d.Status == ""
}

// State converts the document back into a subscription state.
func (d Document) State() (entitlement.SubscriptionState, error) {
	s := entitlement.SubscriptionState{
		Tier:                d.Tier,
		Status:              d.Status,
		ExpirationDate:      d.ExpirationDate,
		PurchaseDate:        d.PurchaseDate,
		IsTrialActive:       d.IsTrialActive,
		TrialExpirationDate: d.TrialExpirationDate,
		AutoRenewalEnabled:  d.AutoRenewalEnabled,
		LastUpdated:         d.LastUpdated,
		ValidationSource:    d.ValidationSource,
		ProductID:           d.ProductID,
		TransactionID:       d.TransactionID,
		CancellationDate:    d.CancellationDate,
		GracePeriodEndDate:  d.GracePeriodEndDate,
	}
	// Documents written before the trial end was stored carry it in the
	// expiration date.
	if s.IsTrialActive && s.TrialExpirationDate == nil {
		s.TrialExpirationDate = d.ExpirationDate
	}
	if err := s.Validate(); err != nil {
		return entitlement.SubscriptionState{}, err
	}
	return s, nil
}

// Store is the shared document backend.
type Store interface {
	// Get returns the account document or ErrNotFound.
	Get(ctx context.Context, accountID string) (Document, error)
	// Put merge-updates the account document.
	Put(ctx context.Context, doc Document) error
	// Clear removes the entitlement fields from the account document.
	Clear(ctx context.Context, accountID string) error
	// Watch streams document changes until ctx is done.
	Watch(ctx context.Context, accountID string) (<-chan Document, error)
	// AppendWebhookEvent records a billing event for every device of the account.
	AppendWebhookEvent(ctx context.Context, accountID string, ev entitlement.WebhookEvent) error
	// WatchWebhookEvents streams newly appended events until ctx is done.
	WatchWebhookEvents(ctx context.Context, accountID string) (<-chan entitlement.WebhookEvent, error)
	Close(ctx context.Context) error
}
