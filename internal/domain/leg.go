package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LegSide identifies which side of the hedge a leg carries.
type LegSide string

const (
	SideLong  LegSide = "long"
	SideShort LegSide = "short"
)

// LegStatus tracks one leg's order lifecycle.
type LegStatus string

const (
	LegUnsent    LegStatus = "unsent"
	LegPending   LegStatus = "pending"
	LegPartial   LegStatus = "partially_filled"
	LegFilled    LegStatus = "filled"
	LegCancelled LegStatus = "cancelled"
	LegFailed    LegStatus = "failed"
)

// Leg is one side of a trade. A leg owns at most one open exchange order at
// any time; OrderID refers to the currently resting (or last) order.
type Leg struct {
	Venue     string          `json:"venue"`
	Side      LegSide         `json:"side"`
	TargetQty decimal.Decimal `json:"target_qty"`

	OrderID      string          `json:"order_id,omitempty"` // exchange order id, empty until submitted
	Status       LegStatus       `json:"status"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	FeeUSD       decimal.Decimal `json:"fee_usd"`
	ChaseCount   int             `json:"chase_count"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
}

// IsComplete reports whether the leg's filled quantity has reached its target.
func (l *Leg) IsComplete() bool {
	return l.TargetQty.GreaterThan(decimal.Zero) && l.FilledQty.GreaterThanOrEqual(l.TargetQty)
}

// Remaining returns the unfilled quantity, never negative.
func (l *Leg) Remaining() decimal.Decimal {
	rem := l.TargetQty.Sub(l.FilledQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// HasOpenOrder reports whether an order is currently resting on the exchange.
func (l *Leg) HasOpenOrder() bool {
	return l.OrderID != "" && (l.Status == LegPending || l.Status == LegPartial)
}

// FillRatio returns filled/target, or zero for an unsized leg.
func (l *Leg) FillRatio() decimal.Decimal {
	if l.TargetQty.IsZero() {
		return decimal.Zero
	}
	return l.FilledQty.Div(l.TargetQty)
}
