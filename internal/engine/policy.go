package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// PanicPolicy maps a risk snapshot to actions. It is a pure function over
// the snapshot and the configured limits, so every rule is testable without
// exchanges, clocks, or goroutines. Severity ordering matters: hard limits
// produce emergency closes that bypass cooldown suppression, soft limits
// produce reduces that respect it.
type PanicPolicy struct {
	params Params
}

// NewPanicPolicy builds a policy from the configured limits.
func NewPanicPolicy(params Params) PanicPolicy {
	return PanicPolicy{params: params}
}

// Evaluate returns the actions the snapshot demands, most severe first. At
// most one margin-driven decision is emitted per evaluation; per-trade
// triggers (orphan age, delta breach) emit one decision per offending trade.
func (p PanicPolicy) Evaluate(snap domain.RiskSnapshot) []domain.PanicDecision {
	var out []domain.PanicDecision

	// Orphan exposure is the most dangerous condition in the book: naked
	// directional risk that was never meant to exist.
	budget := p.params.OrphanBudget
	for _, tr := range snap.Trades {
		if tr.OrphanAge > budget {
			out = append(out, domain.PanicDecision{
				Trade:    tr.TradeID,
				Trigger:  domain.TriggerOrphanAge,
				Action:   domain.ActionEmergencyClose,
				Cooldown: p.params.OrphanCooldown,
				Reason: fmt.Sprintf("orphan exposure %dms over %dms budget",
					tr.OrphanAge.Milliseconds(), budget.Milliseconds()),
			})
		}
	}

	if target, ok := largestTrade(snap.Trades); ok {
		switch {
		case snap.MarginUsage.GreaterThan(p.params.HardMargin):
			out = append(out, domain.PanicDecision{
				Trade:    target.TradeID,
				Trigger:  domain.TriggerMarginHard,
				Action:   domain.ActionEmergencyClose,
				Cooldown: p.params.MarginCooldown,
				Reason: fmt.Sprintf("margin usage %s over hard limit %s",
					snap.MarginUsage.StringFixed(3), p.params.HardMargin.StringFixed(2)),
			})
		case snap.MarginUsage.GreaterThan(p.params.MaxMarginUsage):
			out = append(out, domain.PanicDecision{
				Trade:    target.TradeID,
				Trigger:  domain.TriggerMarginUsage,
				Action:   domain.ActionReduce,
				Cooldown: p.params.MarginCooldown,
				Reason: fmt.Sprintf("margin usage %s over limit %s, reducing largest trade",
					snap.MarginUsage.StringFixed(3), p.params.MaxMarginUsage.StringFixed(2)),
			})
		}
	}

	for _, tr := range snap.Trades {
		if tr.State == domain.StateActiveHedged && tr.DeltaPct.GreaterThan(p.params.DeltaThresholdPct) {
			out = append(out, domain.PanicDecision{
				Trade:    tr.TradeID,
				Trigger:  domain.TriggerDeltaBreach,
				Action:   domain.ActionReduce,
				Cooldown: p.params.DeltaCooldown,
				Reason: fmt.Sprintf("hedge delta %s%% over %s%% threshold",
					tr.DeltaPct.StringFixed(2), p.params.DeltaThresholdPct.StringFixed(1)),
			})
		}
	}

	return out
}

// Suppressible reports whether a cooldown on the trigger may skip the action.
// Emergency closes are never suppressed: a cooldown exists to stop repeated
// soft interventions, not to let a hard limit ride.
func (p PanicPolicy) Suppressible(d domain.PanicDecision) bool {
	return d.Action != domain.ActionEmergencyClose
}

// CooldownKeys returns the cooldown buckets a decision charges against.
// Orphan and delta triggers key by symbol; margin triggers key by venue, the
// same buckets emergency close arms and trade validation checks.
func CooldownKeys(d domain.PanicDecision, tr domain.TradeRisk) []string {
	switch d.Trigger {
	case domain.TriggerOrphanAge:
		return []string{"cooldown:orphan:" + tr.Symbol}
	case domain.TriggerDeltaBreach:
		return []string{"cooldown:delta:" + tr.Symbol}
	default:
		return []string{"cooldown:margin:" + tr.LongVenue, "cooldown:margin:" + tr.ShortVenue}
	}
}

// largestTrade picks the active trade with the biggest notional, the one
// whose removal frees the most margin.
func largestTrade(trades []domain.TradeRisk) (domain.TradeRisk, bool) {
	best := domain.TradeRisk{NotionalUSD: decimal.Zero}
	found := false
	for _, tr := range trades {
		if tr.State != domain.StateActiveHedged {
			continue
		}
		if !found || tr.NotionalUSD.GreaterThan(best.NotionalUSD) {
			best = tr
			found = true
		}
	}
	return best, found
}
