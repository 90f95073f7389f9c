package entitlement

import (
	"slices"
)

// Transition is a move between two statuses.
type Transition struct {
	From Status
	To   Status
}

var validTransitions = map[Transition]bool{
	{StatusNone, StatusPending}:      true, // Purchase started, awaiting confirmation
	{StatusNone, StatusActive}:       true, // Purchase confirmed directly
	{StatusPending, StatusActive}:    true, // Payment confirmed
	{StatusPending, StatusNone}:      true, // Purchase abandoned
	{StatusActive, StatusGrace}:      true, // Billing retry
	{StatusActive, StatusExpired}:    true, // Period ended without renewal
	{StatusActive, StatusCancelled}:  true, // Auto-renew turned off
	{StatusActive, StatusPending}:    true, // Renewal awaiting confirmation
	{StatusGrace, StatusActive}:      true, // Payment recovered
	{StatusGrace, StatusExpired}:     true, // Grace window ended
	{StatusExpired, StatusActive}:    true, // Resubscribed
	{StatusExpired, StatusNone}:      true, // Refunded or revoked
	{StatusCancelled, StatusActive}:  true, // Auto-renew turned back on
	{StatusCancelled, StatusExpired}: true, // Paid period ran out
	{StatusCancelled, StatusNone}:    true, // Refunded or revoked
	{StatusActive, StatusNone}:       true, // Refunded or revoked
}

// CanTransition reports whether from → to is a legal status change.
// Staying in place is always legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns the statuses reachable from from in one step.
func ValidTransitionsFrom(from Status) []Status {
	targets := make([]Status, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}
