package entitlement

import "time"

// AccessKind is the outcome class of a gating decision.
type AccessKind string

const (
	AccessGranted AccessKind = "granted"
	AccessDenied  AccessKind = "denied"
	AccessLimited AccessKind = "limited"
)

// DenialReason explains a denied decision.
type DenialReason string

const (
	ReasonRequiresPremium    DenialReason = "requiresPremium"
	ReasonTrialExpired       DenialReason = "trialExpired"
	ReasonUsageLimitExceeded DenialReason = "usageLimitExceeded"
	ReasonFeatureDisabled    DenialReason = "featureDisabled"
	ReasonNetworkRequired    DenialReason = "networkRequired"
)

type reasonText struct {
	description string
	action      string
}

var reasonTexts = map[DenialReason]reasonText{
	ReasonRequiresPremium:    {"This feature requires a premium subscription.", "Upgrade to premium"},
	ReasonTrialExpired:       {"Your free trial has ended.", "Subscribe to continue"},
	ReasonUsageLimitExceeded: {"You have reached the usage limit for this feature.", "Upgrade for unlimited access"},
	ReasonFeatureDisabled:    {"This feature is currently unavailable.", "Try again later"},
	ReasonNetworkRequired:    {"This feature needs a network connection.", "Check your connection"},
}

// Description is the user-facing explanation for the reason.
func (r DenialReason) Description() string {
	return reasonTexts[r].description
}

// SuggestedAction is the user-facing next step for the reason.
func (r DenialReason) SuggestedAction() string {
	return reasonTexts[r].action
}

// FeatureUsage is a usage counter snapshot for one feature.
type FeatureUsage struct {
	CurrentUsage int        `json:"currentUsage"`
	Limit        int        `json:"limit"`
	ResetDate    *time.Time `json:"resetDate,omitempty"`
	IsPermanent  bool       `json:"isPermanent"`
}

// Remaining returns the uses left before the limit, never negative.
func (u FeatureUsage) Remaining() int {
	if r := u.Limit - u.CurrentUsage; r > 0 {
		return r
	}
	return 0
}

// Exhausted reports whether the limit has been reached.
func (u FeatureUsage) Exhausted() bool {
	return u.CurrentUsage >= u.Limit
}

// FeatureAccess is a gating decision. Exactly one of the three kinds is set;
// Reason is only meaningful for denied and Usage only for limited.
type FeatureAccess struct {
	Kind   AccessKind    `json:"access"`
	Reason DenialReason  `json:"reason,omitempty"`
	Usage  *FeatureUsage `json:"usage,omitempty"`
}

// Granted returns an unconstrained grant.
func Granted() FeatureAccess {
	return FeatureAccess{Kind: AccessGranted}
}

// Denied returns a denial for reason.
func Denied(reason DenialReason) FeatureAccess {
	return FeatureAccess{Kind: AccessDenied, Reason: reason}
}

// Limited returns a grant constrained by usage.
func Limited(usage FeatureUsage) FeatureAccess {
	return FeatureAccess{Kind: AccessLimited, Usage: &usage}
}

// Allowed reports whether the feature may be used right now.
func (a FeatureAccess) Allowed() bool {
	return a.Kind == AccessGranted || a.Kind == AccessLimited
}

// AccessState summarises an entitlement for collaborators that only need a label.
type AccessState string

const (
	AccessStateFree    AccessState = "free"
	AccessStateTrial   AccessState = "trial"
	AccessStatePremium AccessState = "premium"
	AccessStateExpired AccessState = "expired"
	AccessStatePending AccessState = "pending"
)

// AccessStateOf classifies s at now.
func AccessStateOf(s SubscriptionState, now time.Time) AccessState {
	switch {
	case s.Status == StatusPending:
		return AccessStatePending
	case s.HasActiveAccess(now) && s.IsTrialActive:
		return AccessStateTrial
	case s.HasActiveAccess(now):
		return AccessStatePremium
	case s.Tier == TierPremium:
		return AccessStateExpired
	default:
		return AccessStateFree
	}
}
