package syncer

import (
	"time"

	"github.com/rcourtman/pulse-entitlements/pkg/entitlement"
)

// SkewTolerance is the lastUpdated gap below which two equally sourced
// states are treated as simultaneous.
const SkewTolerance = 60 * time.Second

// Winner names the side that won a conflict.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Rule names the rule that decided a conflict.
type Rule string

const (
	RuleSource  Rule = "source"
	RuleRecency Rule = "recency"
	RuleSkew    Rule = "skew"
	RuleTier    Rule = "tier"
)

// Resolution is the outcome of comparing a local and a remote state.
type Resolution struct {
	Winner Winner
	Rule   Rule
}

// Resolve decides between the local canonical state and a remote one:
//  1. an authoritative source beats a local one;
//  2. with equal sources a remote state newer by more than SkewTolerance wins;
//  3. gaps within SkewTolerance keep the local state;
//  4. otherwise the higher tier wins and ties stay local.
func Resolve(local, remote entitlement.SubscriptionState) Resolution {
	if lr, rr := local.ValidationSource.Rank(), remote.ValidationSource.Rank(); lr != rr {
		if rr > lr {
			return Resolution{Winner: WinnerRemote, Rule: RuleSource}
		}
		return Resolution{Winner: WinnerLocal, Rule: RuleSource}
	}

	delta := remote.LastUpdated.Sub(local.LastUpdated)
	switch {
	case delta > SkewTolerance:
		return Resolution{Winner: WinnerRemote, Rule: RuleRecency}
	case delta >= -SkewTolerance:
		return Resolution{Winner: WinnerLocal, Rule: RuleSkew}
	}

	// The remote state is older. A higher tier still wins so a race between
	// devices never revokes access early.
	if remote.Tier.Rank() > local.Tier.Rank() {
		return Resolution{Winner: WinnerRemote, Rule: RuleTier}
	}
	return Resolution{Winner: WinnerLocal, Rule: RuleTier}
}
