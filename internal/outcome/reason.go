// Package outcome holds the closed vocabulary shared by every decision point:
// hold/crisis/block reason codes and the error taxonomy returned to callers.
//
// Reason codes are versioned. Adding a code bumps ReasonsVersion; codes are
// never renamed or reused so client and operator tooling can match on them.
package outcome

// ReasonsVersion is the version of the Reason enumeration.
const ReasonsVersion = 1

// Reason is a machine-readable code explaining a non-delivery decision.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonCrisisWindow          Reason = "crisis_window"
	ReasonCrisisBlock           Reason = "crisis_block"
	ReasonInsufficientPool      Reason = "insufficient_pool"
	ReasonNoEligibleCandidates  Reason = "no_eligible_candidates"
	ReasonCooldownActive        Reason = "cooldown_active"
	ReasonRateLimited           Reason = "rate_limited"
	ReasonIdentityLeakThrottled Reason = "identity_leak_throttled"
	ReasonIdentityLeakDisabled  Reason = "identity_leak_disabled"
	ReasonPairDisabled          Reason = "pair_disabled"
	ReasonPairCooldown          Reason = "pair_cooldown"
	ReasonNoRecentPositive      Reason = "no_recent_positive"
	ReasonInsufficientHistory   Reason = "insufficient_history"
	ReasonMonthlyCap            Reason = "monthly_cap"
	ReasonOfferExpired          Reason = "offer_expired"
)

var known = map[Reason]struct{}{
	ReasonCrisisWindow:          {},
	ReasonCrisisBlock:           {},
	ReasonInsufficientPool:      {},
	ReasonNoEligibleCandidates:  {},
	ReasonCooldownActive:        {},
	ReasonRateLimited:           {},
	ReasonIdentityLeakThrottled: {},
	ReasonIdentityLeakDisabled:  {},
	ReasonPairDisabled:          {},
	ReasonPairCooldown:          {},
	ReasonNoRecentPositive:      {},
	ReasonInsufficientHistory:   {},
	ReasonMonthlyCap:            {},
	ReasonOfferExpired:          {},
}

// Valid reports whether r belongs to the enumeration. The empty reason is
// valid and means "no reason".
func (r Reason) Valid() bool {
	if r == ReasonNone {
		return true
	}
	_, ok := known[r]
	return ok
}

// Reasons returns every non-empty reason code.
func Reasons() []Reason {
	out := make([]Reason, 0, len(known))
	for r := range known {
		out = append(out, r)
	}
	return out
}
