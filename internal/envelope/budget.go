package envelope

import (
	"fmt"
	"time"

	"github.com/tenzoki/relay/internal/relayerr"
)

// Budget carries the delivery safety limits for an envelope (spec.md §3.4).
// Budgets are immutable from the sender's point of view (B1): enforcement
// produces a new Budget rather than mutating this one.
type Budget struct {
	HopCount            int      `json:"hopCount"`
	MaxHops             int      `json:"maxHops"`
	AncestorChain       []string `json:"ancestorChain"`
	TTL                 int64    `json:"ttl"` // epoch ms
	CallBudgetRemaining int      `json:"callBudgetRemaining"`
}

// Clone returns a copy of b with its own ancestor-chain backing array, so
// appending to the clone never aliases the original's slice (B1).
func (b Budget) Clone() Budget {
	clone := b
	if b.AncestorChain != nil {
		clone.AncestorChain = make([]string, len(b.AncestorChain))
		copy(clone.AncestorChain, b.AncestorChain)
	}
	return clone
}

// DefaultBudgetOverrides allows DefaultBudget callers to override any
// subset of the default fields.
type DefaultBudgetOverrides struct {
	MaxHops             *int
	TTL                 *int64
	CallBudgetRemaining *int
}

// DefaultBudget returns { hopCount:0, maxHops:5, ancestorChain:[],
// ttl: now+1h, callBudgetRemaining:10 }, overridable per field (spec.md §4.11).
func DefaultBudget(overrides *DefaultBudgetOverrides) Budget {
	b := Budget{
		HopCount:            0,
		MaxHops:             5,
		AncestorChain:       []string{},
		TTL:                 time.Now().Add(time.Hour).UnixMilli(),
		CallBudgetRemaining: 10,
	}
	if overrides != nil {
		if overrides.MaxHops != nil {
			b.MaxHops = *overrides.MaxHops
		}
		if overrides.TTL != nil {
			b.TTL = *overrides.TTL
		}
		if overrides.CallBudgetRemaining != nil {
			b.CallBudgetRemaining = *overrides.CallBudgetRemaining
		}
	}
	return b
}

// Enforce runs the budget checks in the contractual order — hop, cycle,
// TTL, call budget (spec.md §4.11) — against budget b being delivered to
// endpoint subject target. now is injected so callers (and tests) control
// the wall clock. On success it returns the updated Budget the endpoint
// should receive: hop+1, target appended to the ancestor chain, call
// budget-1. On rejection it returns a *relayerr.Error carrying both the
// human-facing reason and the fixed trace substring (spec.md §9).
func Enforce(b Budget, target string, now time.Time) (Budget, *relayerr.Error) {
	if b.HopCount >= b.MaxHops {
		return Budget{}, relayerr.NewBudget(
			fmt.Sprintf("max hops exceeded (%d/%d)", b.HopCount, b.MaxHops),
			relayerr.SubstringHopLimit,
		)
	}

	for _, seen := range b.AncestorChain {
		if seen == target {
			return Budget{}, relayerr.NewBudget(
				fmt.Sprintf("cycle detected: %s already in chain", target),
				relayerr.SubstringCycle,
			)
		}
	}

	if now.UnixMilli() > b.TTL {
		return Budget{}, relayerr.NewBudget("message expired (TTL)", relayerr.SubstringTTLExpired)
	}

	if b.CallBudgetRemaining == 0 {
		return Budget{}, relayerr.NewBudget("call budget exhausted", relayerr.SubstringBudgetGone)
	}

	updated := b.Clone()
	updated.HopCount = b.HopCount + 1
	updated.AncestorChain = append(updated.AncestorChain, target)
	updated.CallBudgetRemaining = b.CallBudgetRemaining - 1
	return updated, nil
}
