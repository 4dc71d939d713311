package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradeRisk is the per-trade slice of a risk snapshot.
type TradeRisk struct {
	TradeID     uuid.UUID       `json:"trade_id"`
	Symbol      string          `json:"symbol"`
	LongVenue   string          `json:"long_venue"`
	ShortVenue  string          `json:"short_venue"`
	State       TradeState      `json:"state"`
	DeltaPct    decimal.Decimal `json:"delta_pct"`
	OrphanAge   time.Duration   `json:"orphan_age_ns"` // zero unless one leg alone is filled
	NotionalUSD decimal.Decimal `json:"notional_usd"`
}

// RiskSnapshot is the point-in-time aggregate the guard computes each cycle.
// It is ephemeral: only the most recent value is retained.
type RiskSnapshot struct {
	TakenAt        time.Time                  `json:"taken_at"`
	MarginUsage    decimal.Decimal            `json:"margin_usage"` // worst venue, 0..1
	MarginByVenue  map[string]decimal.Decimal `json:"margin_by_venue"`
	Trades         []TradeRisk                `json:"trades,omitempty"`
	OrphanCount    int                        `json:"orphan_count"`
	WorstOrphanAge time.Duration              `json:"worst_orphan_age_ns"`
	ActiveTrades   int                        `json:"active_trades"`
}

// PanicAction is the response the panic policy selects for a trigger.
type PanicAction string

const (
	ActionNone           PanicAction = "none"
	ActionReduce         PanicAction = "reduce"
	ActionEmergencyClose PanicAction = "emergency_close"
)

// PanicTrigger identifies which limit fired.
type PanicTrigger string

const (
	TriggerMarginUsage PanicTrigger = "margin_usage"
	TriggerMarginHard  PanicTrigger = "margin_hard"
	TriggerOrphanAge   PanicTrigger = "orphan_age"
	TriggerDeltaBreach PanicTrigger = "delta_breach"
	TriggerLiquidation PanicTrigger = "liquidation_proximity"
)

// PanicDecision is one resolved row of the policy table: what to do about a
// specific trade, and how long to suppress the same trigger afterwards.
type PanicDecision struct {
	Trade    uuid.UUID
	Trigger  PanicTrigger
	Action   PanicAction
	Cooldown time.Duration
	Reason   string
}
