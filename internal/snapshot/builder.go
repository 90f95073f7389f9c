// Package snapshot derives a candidate entitlement from locally held purchase
// records. It never touches the network.
package snapshot

import (
	"time"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// Builder turns ledger records into a local candidate state.
type Builder struct {
	catalog *entitlement.ProductCatalog
}

// NewBuilder returns a Builder that resolves tiers through catalog.
func NewBuilder(catalog *entitlement.ProductCatalog) *Builder {
	if catalog == nil {
		catalog = entitlement.NewProductCatalog(nil)
	}
	return &Builder{catalog: catalog}
}

// Build picks the strongest unexpired record: highest tier first, then the
// most recent purchase. Records for unknown products are ignored. When every
// premium record has lapsed the result is an expired premium state built from
// the record that lapsed last, so callers can tell a former subscriber apart.
func (b *Builder) Build(records []entitlement.PurchaseRecord, now time.Time) entitlement.SubscriptionState {
	var (
		best       *entitlement.PurchaseRecord
		bestTier   entitlement.Tier
		lastLapsed *entitlement.PurchaseRecord
	)

	for i := range records {
		rec := &records[i]
		tier := b.catalog.TierFor(rec.ProductID)
		if tier == entitlement.TierNone {
			continue
		}
		if rec.Expired(now) {
			if lastLapsed == nil || rec.ExpirationDate.After(*lastLapsed.ExpirationDate) {
				lastLapsed = rec
			}
			continue
		}
		if best == nil || better(tier, rec, bestTier, best) {
			best = rec
			bestTier = tier
		}
	}

	switch {
	case best != nil:
		return fromRecord(*best, bestTier, now)
	case lastLapsed != nil:
		return fromRecord(*lastLapsed, b.catalog.TierFor(lastLapsed.ProductID), now).Expired()
	default:
		return entitlement.NoEntitlement(entitlement.SourceLocal, now)
	}
}

func better(tier entitlement.Tier, rec *entitlement.PurchaseRecord, bestTier entitlement.Tier, best *entitlement.PurchaseRecord) bool {
	if tier.Rank() != bestTier.Rank() {
		return tier.Rank() > bestTier.Rank()
	}
	return rec.PurchaseDate.After(best.PurchaseDate)
}

func fromRecord(rec entitlement.PurchaseRecord, tier entitlement.Tier, now time.Time) entitlement.SubscriptionState {
	purchased := rec.PurchaseDate
	s := entitlement.SubscriptionState{
		Tier:               tier,
		Status:             entitlement.StatusActive,
		ExpirationDate:     rec.ExpirationDate,
		PurchaseDate:       &purchased,
		IsTrialActive:      rec.IsTrialOffer,
		AutoRenewalEnabled: rec.ExpirationDate != nil,
		LastUpdated:        now,
		ValidationSource:   entitlement.SourceLocal,
		ProductID:          rec.ProductID,
		TransactionID:      rec.TransactionID,
	}
	if rec.IsTrialOffer {
		s.TrialExpirationDate = rec.ExpirationDate
	}
	return s
}
