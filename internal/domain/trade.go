package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeState is one node of the trade lifecycle state machine.
type TradeState string

const (
	StateIdle           TradeState = "idle"
	StateValidating     TradeState = "validating"
	StatePreFlight      TradeState = "pre_flight"
	StatePendingOpen    TradeState = "pending_open"
	StateOpenPartial    TradeState = "open_partial"
	StateActiveHedged   TradeState = "active_hedged"
	StatePendingClose   TradeState = "pending_close"
	StateReconciliation TradeState = "reconciliation"
	StateClosed         TradeState = "closed"
	StateOrphanRecovery TradeState = "orphan_recovery"
	StateEmergencyClose TradeState = "emergency_close"
	StateFailed         TradeState = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s TradeState) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

// IsActive reports whether a trade in this state may hold exchange exposure
// and therefore must be watched by the reconciler and the risk guard.
func (s TradeState) IsActive() bool {
	switch s {
	case StatePendingOpen, StateOpenPartial, StateActiveHedged,
		StatePendingClose, StateReconciliation, StateOrphanRecovery, StateEmergencyClose:
		return true
	default:
		return false
	}
}

// StateChange is one entry of a trade's transition history.
type StateChange struct {
	From   TradeState `json:"from"`
	To     TradeState `json:"to"`
	At     time.Time  `json:"at"`
	Reason string     `json:"reason"`
	Forced bool       `json:"forced,omitempty"`
}

// Trade is the unit of work: one delta-neutral funding position spanning a
// long leg on one venue and a short leg on another. All mutation happens
// under the owning handle's lock; the struct itself carries no locking.
type Trade struct {
	ID          uuid.UUID       `json:"id"`
	Symbol      string          `json:"symbol"`
	LongVenue   string          `json:"long_venue"`
	ShortVenue  string          `json:"short_venue"`
	Quantity    decimal.Decimal `json:"quantity"` // target size per leg, in contracts
	NotionalUSD decimal.Decimal `json:"notional_usd"`

	State        TradeState    `json:"state"`
	StateHistory []StateChange `json:"state_history,omitempty"`

	LongLeg  Leg `json:"long_leg"`
	ShortLeg Leg `json:"short_leg"`

	Opportunity *Opportunity `json:"opportunity,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	ValidatedAt   *time.Time `json:"validated_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
	ReconciledAt  *time.Time `json:"reconciled_at,omitempty"`
	CloseReason   string     `json:"close_reason,omitempty"`
	IncidentCount int        `json:"incident_count"`

	ExpectedNetBps   decimal.Decimal `json:"expected_net_bps"`
	RealizedPnLUSD   decimal.Decimal `json:"realized_pnl_usd"`
	FundingCollected decimal.Decimal `json:"funding_collected"`
	TotalFeesUSD     decimal.Decimal `json:"total_fees_usd"`

	MaxOrphanMs       int64           `json:"max_orphan_ms"`
	MaxDeltaBreachPct decimal.Decimal `json:"max_delta_breach_pct"`
}

// NewTrade creates a Trade in the idle state from an accepted opportunity.
func NewTrade(opp Opportunity, now time.Time) *Trade {
	return &Trade{
		ID:             uuid.New(),
		Symbol:         opp.Symbol,
		LongVenue:      opp.LongVenue,
		ShortVenue:     opp.ShortVenue,
		Quantity:       opp.Quantity,
		NotionalUSD:    opp.SizeUSD,
		State:          StateIdle,
		Opportunity:    &opp,
		CreatedAt:      now,
		ExpectedNetBps: opp.ExpectedNetBps,
		LongLeg:        Leg{Venue: opp.LongVenue, Side: SideLong, TargetQty: opp.Quantity},
		ShortLeg:       Leg{Venue: opp.ShortVenue, Side: SideShort, TargetQty: opp.Quantity},
	}
}

// Leg returns a pointer to the leg on the given side.
func (t *Trade) Leg(side LegSide) *Leg {
	if side == SideLong {
		return &t.LongLeg
	}
	return &t.ShortLeg
}

// IsHedged reports whether both legs are fully filled.
func (t *Trade) IsHedged() bool {
	return t.LongLeg.IsComplete() && t.ShortLeg.IsComplete()
}

// Delta returns the net directional exposure in contracts (long minus short).
func (t *Trade) Delta() decimal.Decimal {
	return t.LongLeg.FilledQty.Sub(t.ShortLeg.FilledQty)
}

// DeltaPct returns |delta| as a percentage of the gross filled quantity.
// It returns zero when nothing has filled yet.
func (t *Trade) DeltaPct() decimal.Decimal {
	gross := t.LongLeg.FilledQty.Add(t.ShortLeg.FilledQty)
	if gross.IsZero() {
		return decimal.Zero
	}
	return t.Delta().Abs().Div(gross).Mul(decimal.NewFromInt(100))
}

// RecordTransition appends a state change and updates the current state.
func (t *Trade) RecordTransition(to TradeState, reason string, forced bool, now time.Time) {
	t.StateHistory = append(t.StateHistory, StateChange{
		From:   t.State,
		To:     to,
		At:     now,
		Reason: reason,
		Forced: forced,
	})
	t.State = to
}

// StateEnteredAt returns the time the current state was entered, falling back
// to CreatedAt for a trade that has never transitioned.
func (t *Trade) StateEnteredAt() time.Time {
	if n := len(t.StateHistory); n > 0 {
		return t.StateHistory[n-1].At
	}
	return t.CreatedAt
}
