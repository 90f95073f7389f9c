package entitlement

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// PurchaseRecord is one purchase held by the platform billing layer.
type PurchaseRecord struct {
	ProductID      string     `json:"productId"`
	PurchaseDate   time.Time  `json:"purchaseDate"`
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
	TransactionID  string     `json:"transactionId"`
	IsTrialOffer   bool       `json:"isTrialOffer"`
}

// Expired reports whether the record has lapsed at now. Records without an
// expiration never lapse.
func (r PurchaseRecord) Expired(now time.Time) bool {
	return r.ExpirationDate != nil && !r.ExpirationDate.After(now)
}

// ValidationRequest is sent to the remote validation authority.
type ValidationRequest struct {
	TransactionID string `json:"transactionOrReceiptId"`
	ForceRefresh  bool   `json:"forceRefresh"`
}

// ValidationResponse is the remote authority's verdict.
type ValidationResponse struct {
	IsValid        bool       `json:"isValid"`
	Tier           Tier       `json:"tier"`
	Status         Status     `json:"status,omitempty"`
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
	TransactionID  string     `json:"transactionId,omitempty"`
	ProductID      string     `json:"productId,omitempty"`
	IsTrial        bool       `json:"isTrial,omitempty"`
	AutoRenewal    *bool      `json:"autoRenewal,omitempty"`
	// GracePeriodEndDate is set while billing is being retried.
	GracePeriodEndDate *time.Time `json:"gracePeriodEndDate,omitempty"`
	// SignedToken optionally carries the same claims signed by the authority.
	SignedToken string `json:"signedToken,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ValidationResult is the outcome of a validation run, including failures.
type ValidationResult struct {
	State        SubscriptionState `json:"state"`
	Source       ValidationSource  `json:"source"`
	Timestamp    time.Time         `json:"timestamp"`
	ReceiptHash  string            `json:"receiptHash,omitempty"`
	AttemptCount int               `json:"attemptCount"`
	Err          error             `json:"-"`
}

// Succeeded reports whether the result carries an authoritative state.
func (r ValidationResult) Succeeded() bool {
	return r.Err == nil
}

// ReceiptHash returns a stable, non-reversible identifier for a transaction id
// suitable for logs and persistence.
func ReceiptHash(transactionID string) string {
	if transactionID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(transactionID))
	return hex.EncodeToString(sum[:])
}

// StateFromResponse converts an authority response into a server-sourced state.
func StateFromResponse(resp ValidationResponse, now time.Time) SubscriptionState {
	if !resp.IsValid || resp.Tier != TierPremium {
		return NoEntitlement(SourceServer, now)
	}
	status := resp.Status
	if status == "" || status == StatusNone {
		status = StatusActive
	}
	s := SubscriptionState{
		Tier:               TierPremium,
		Status:             status,
		ExpirationDate:     resp.ExpirationDate,
		IsTrialActive:      resp.IsTrial,
		AutoRenewalEnabled: resp.ExpirationDate != nil,
		LastUpdated:        now,
		ValidationSource:   SourceServer,
		ProductID:          resp.ProductID,
		TransactionID:      resp.TransactionID,
	}
	if resp.AutoRenewal != nil {
		s.AutoRenewalEnabled = *resp.AutoRenewal
	}
	if resp.IsTrial {
		s.TrialExpirationDate = resp.ExpirationDate
	}
	if status == StatusGrace {
		s.GracePeriodEndDate = resp.GracePeriodEndDate
		if s.GracePeriodEndDate == nil {
			end := now.Add(DefaultGracePeriod)
			s.GracePeriodEndDate = &end
		}
	}
	return s.Normalize(now)
}
