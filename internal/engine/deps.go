package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// Recorder is the engine's fire-and-forget sink for audit events, incidents,
// and trade snapshots. Implementations must never block: a trade transition
// cannot wait on storage or alerting.
type Recorder interface {
	// Audit journals an event. Order intents are audited before the exchange
	// call is made so a crash mid-call is detectable on restart.
	Audit(event string, tradeID *uuid.UUID, detail map[string]any)
	// Incident appends to the immutable incident trail and pushes critical
	// ones to alerting.
	Incident(inc domain.Incident)
	// TradeChanged persists the latest trade snapshot and feeds live
	// subscribers.
	TradeChanged(t domain.Trade)
}

// VenueSource resolves a venue name to its exchange adapter.
type VenueSource interface {
	Adapter(venue string) (domain.Adapter, error)
	Venues() []string
}

// Params holds every tunable of the execution core. Budgets are expressed as
// data so the policy is testable independently of the control flow.
type Params struct {
	// Orphan handling.
	OrphanBudget     time.Duration // max one-legged exposure before escalation
	ChaseInterval    time.Duration // lag before each cancel+re-price attempt
	MaxChaseAttempts int
	FillEpsilon      time.Duration // fills this close together count as simultaneous

	// Open/close pacing.
	MaxOpenTime   time.Duration // hard cap on the whole open attempt
	OrderTimeout  time.Duration // per placement call
	CancelTimeout time.Duration // per cancel call
	PollInterval  time.Duration // order status polling
	CloseRetries  int           // re-attempts when reconciliation finds residue

	// Validation thresholds.
	Leverage       int64           // margin divisor for required-margin estimate
	MaxMarginUsage decimal.Decimal // 0..1, soft limit (reduce)
	HardMargin     decimal.Decimal // 0..1, emergency close
	MaxSpreadBps   decimal.Decimal
	DeltaTolerance decimal.Decimal // hedge tolerance in contracts

	// Watchdog loops.
	ReconcileInterval  time.Duration
	ReconcileTolerance decimal.Decimal // believed-vs-actual qty tolerance
	DriftEscalation    int             // consecutive drift cycles before recovery
	GuardInterval      time.Duration
	DeepInterval       time.Duration
	DeltaThresholdPct  decimal.Decimal // guard-level delta deviation, percent

	// Panic cooldowns.
	OrphanCooldown time.Duration
	MarginCooldown time.Duration
	DeltaCooldown  time.Duration

	// Throughput.
	ConcurrentTrades int
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		OrphanBudget:     500 * time.Millisecond,
		ChaseInterval:    150 * time.Millisecond,
		MaxChaseAttempts: 3,
		FillEpsilon:      50 * time.Millisecond,

		MaxOpenTime:   1200 * time.Millisecond,
		OrderTimeout:  400 * time.Millisecond,
		CancelTimeout: 2 * time.Second,
		PollInterval:  50 * time.Millisecond,
		CloseRetries:  2,

		Leverage:       3,
		MaxMarginUsage: decimal.NewFromFloat(0.30),
		HardMargin:     decimal.NewFromFloat(0.40),
		MaxSpreadBps:   decimal.NewFromInt(10),
		DeltaTolerance: decimal.NewFromFloat(0.0001),

		ReconcileInterval:  5 * time.Second,
		ReconcileTolerance: decimal.NewFromFloat(0.0001),
		DriftEscalation:    2,
		GuardInterval:      2 * time.Second,
		DeepInterval:       60 * time.Second,
		DeltaThresholdPct:  decimal.NewFromFloat(5.0),

		OrphanCooldown: 2 * time.Hour,
		MarginCooldown: time.Hour,
		DeltaCooldown:  time.Hour,

		ConcurrentTrades: 3,
	}
}
