// Package gate decides how a submission is delivered: held, bridged to a
// system-authored reflection, or delivered to a peer.
package gate

import "github.com/albapepper/hush/internal/outcome"

// Mode is the delivery mode chosen for a single submission. It is evaluated
// per call and never persisted.
type Mode string

const (
	ModeHold         Mode = "HOLD"
	ModeBridgeSystem Mode = "BRIDGE_SYSTEM"
	ModeDeliverPeer  Mode = "DELIVER_PEER"
)

// DefaultMinPoolK is the default minimum eligible pool size for peer delivery.
const DefaultMinPoolK = 3

// Input carries everything the gate looks at.
type Input struct {
	SenderInCrisis bool
	HoldReason     outcome.Reason // set upstream, e.g. by a throttle
	PoolSize       int
	MinPoolK       int
}

// Decision is the gate result.
type Decision struct {
	Mode   Mode
	Reason outcome.Reason
}

// Decide applies the precedence rules; the first match wins.
//
//  1. sender inside own crisis window  -> BRIDGE_SYSTEM / crisis_window
//  2. upstream hold reason present     -> HOLD / that reason
//  3. pool smaller than MinPoolK       -> BRIDGE_SYSTEM / insufficient_pool
//  4. otherwise                        -> DELIVER_PEER
func Decide(in Input) Decision {
	switch {
	case in.SenderInCrisis:
		return Decision{Mode: ModeBridgeSystem, Reason: outcome.ReasonCrisisWindow}
	case in.HoldReason != outcome.ReasonNone:
		return Decision{Mode: ModeHold, Reason: in.HoldReason}
	case in.PoolSize < in.MinPoolK:
		return Decision{Mode: ModeBridgeSystem, Reason: outcome.ReasonInsufficientPool}
	default:
		return Decision{Mode: ModeDeliverPeer}
	}
}
