// Package access turns the canonical entitlement and usage counters into
// per-feature gating decisions.
package access

import (
	"time"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// Evaluate decides access to the feature described by meta. It is total:
// every input maps to exactly one of granted, denied or limited. A zero meta
// (unknown feature) is denied as disabled.
//
// usage is only consulted for features carrying a limit.
func Evaluate(state entitlement.SubscriptionState, meta entitlement.FeatureMeta, usage entitlement.FeatureUsage, now time.Time) entitlement.FeatureAccess {
	if meta.Type == "" {
		return entitlement.Denied(entitlement.ReasonFeatureDisabled)
	}
	if !meta.Premium && meta.Limit == nil {
		return entitlement.Granted()
	}
	if state.HasActiveAccess(now) {
		return entitlement.Granted()
	}
	if meta.Limit != nil {
		usage.Limit = meta.Limit.Total
		usage.IsPermanent = meta.Limit.Permanent
		if usage.Exhausted() {
			return entitlement.Denied(entitlement.ReasonUsageLimitExceeded)
		}
		return entitlement.Limited(usage)
	}
	if trialLapsed(state, now) {
		return entitlement.Denied(entitlement.ReasonTrialExpired)
	}
	return entitlement.Denied(entitlement.ReasonRequiresPremium)
}

// trialLapsed reports whether the premium entitlement ended with its trial.
func trialLapsed(s entitlement.SubscriptionState, now time.Time) bool {
	return s.Tier == entitlement.TierPremium &&
		s.TrialExpirationDate != nil &&
		!s.TrialExpirationDate.After(now)
}
