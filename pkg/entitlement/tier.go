package entitlement

import (
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// Tier is the entitlement level held by an account.
type Tier string

const (
	TierNone    Tier = "none"
	TierPremium Tier = "premium"
)

// Rank orders tiers so that higher-value tiers compare greater.
func (t Tier) Rank() int {
	switch t {
	case TierPremium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierNone || t == TierPremium
}

// Status is the lifecycle position of a subscription.
type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusGrace     Status = "grace"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in state machine order.
var AllStatuses = []Status{StatusNone, StatusPending, StatusActive, StatusGrace, StatusExpired, StatusCancelled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ValidationSource records where a state value came from.
type ValidationSource string

const (
	SourceLocal   ValidationSource = "local"
	SourceServer  ValidationSource = "server"
	SourceWebhook ValidationSource = "webhook"
)

// Authoritative reports whether the source is backed by the billing
// authority rather than the device's own ledger.
func (s ValidationSource) Authoritative() bool {
	return s == SourceServer || s == SourceWebhook
}

// Rank orders sources for conflict resolution. Server and webhook share a rank.
func (s ValidationSource) Rank() int {
	if s.Authoritative() {
		return 1
	}
	return 0
}

// Valid reports whether s is a known source.
func (s ValidationSource) Valid() bool {
	return s == SourceLocal || s == SourceServer || s == SourceWebhook
}

// DefaultPremiumProducts are the product id patterns that grant the premium tier
// when no catalog is configured.
var DefaultPremiumProducts = []string{"*.premium.*", "*premium*"}

// ProductCatalog maps billing product ids onto tiers using glob patterns.
type ProductCatalog struct {
	premium []string
}

// NewProductCatalog builds a catalog from premium product patterns.
// Empty patterns are ignored; an empty list falls back to DefaultPremiumProducts.
func NewProductCatalog(premiumPatterns []string) *ProductCatalog {
	patterns := make([]string, 0, len(premiumPatterns))
	for _, p := range premiumPatterns {
		p = strings.TrimSpace(p)
		if p != "" {
			patterns = append(patterns, strings.ToLower(p))
		}
	}
	if len(patterns) == 0 {
		patterns = append(patterns, DefaultPremiumProducts...)
	}
	return &ProductCatalog{premium: patterns}
}

// TierFor returns the tier a product id grants. Unknown products grant nothing.
func (c *ProductCatalog) TierFor(productID string) Tier {
	id := strings.ToLower(strings.TrimSpace(productID))
	if id == "" {
		return TierNone
	}
	for _, pattern := range c.premium {
		if wildcard.Match(pattern, id) {
			return TierPremium
		}
	}
	return TierNone
}

// Patterns returns a copy of the premium patterns.
func (c *ProductCatalog) Patterns() []string {
	return append([]string(nil), c.premium...)
}
