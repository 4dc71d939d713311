package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker is the normalized top-of-book for one symbol on one venue.
type Ticker struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	MarkPrice decimal.Decimal `json:"mark_price"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence,omitempty"`
}

// Mid returns the midpoint price, or zero when the book is empty.
func (t Ticker) Mid() decimal.Decimal {
	if t.Bid.IsZero() || t.Ask.IsZero() {
		return decimal.Zero
	}
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// SpreadBps returns the bid-ask spread in basis points of the mid.
func (t Ticker) SpreadBps() decimal.Decimal {
	mid := t.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return t.Ask.Sub(t.Bid).Div(mid).Mul(decimal.NewFromInt(10000))
}

// IsSane reports whether the ticker passes basic quality checks: positive
// prices, bid below ask, spread under 1%.
func (t Ticker) IsSane() bool {
	return t.Bid.GreaterThan(decimal.Zero) &&
		t.Ask.GreaterThan(decimal.Zero) &&
		t.Bid.LessThan(t.Ask) &&
		t.SpreadBps().LessThan(decimal.NewFromInt(100))
}

// FundingRate is a venue's current funding rate for a perpetual contract.
type FundingRate struct {
	Venue       string          `json:"venue"`
	Symbol      string          `json:"symbol"`
	Rate        decimal.Decimal `json:"rate"` // per funding interval, e.g. 0.0001 = 1 bp
	IntervalHrs int             `json:"interval_hrs"`
	NextFunding time.Time       `json:"next_funding"`
	Timestamp   time.Time       `json:"timestamp"`
}

// RatePerDay returns the funding rate normalized to a 24h period so rates
// from venues with different intervals are comparable.
func (f FundingRate) RatePerDay() decimal.Decimal {
	if f.IntervalHrs <= 0 {
		return f.Rate
	}
	return f.Rate.Mul(decimal.NewFromInt(24).Div(decimal.NewFromInt(int64(f.IntervalHrs))))
}

// Position is a real position reported by an exchange. Quantity is signed:
// positive long, negative short.
type Position struct {
	Venue            string          `json:"venue"`
	Symbol           string          `json:"symbol"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	MarginUsed       decimal.Decimal `json:"margin_used"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Side returns the leg side implied by the signed quantity.
func (p Position) Side() LegSide {
	if p.Quantity.IsNegative() {
		return SideShort
	}
	return SideLong
}

// Notional returns |quantity * mark price|.
func (p Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.MarkPrice).Abs()
}

// Balance is a venue's margin account summary.
type Balance struct {
	Venue           string          `json:"venue"`
	TotalUSD        decimal.Decimal `json:"total_usd"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	UsedMargin      decimal.Decimal `json:"used_margin"`
	Timestamp       time.Time       `json:"timestamp"`
}

// MarginUsage returns used/(used+available), in the 0..1 range.
func (b Balance) MarginUsage() decimal.Decimal {
	total := b.UsedMargin.Add(b.AvailableMargin)
	if total.IsZero() {
		return decimal.Zero
	}
	return b.UsedMargin.Div(total)
}

// InstrumentSpec captures venue-specific contract parameters. All quantity
// and price normalization happens through it so venue quirks never leak into
// the engine.
type InstrumentSpec struct {
	Venue          string
	Symbol         string
	TickSize       decimal.Decimal
	StepSize       decimal.Decimal
	MinNotionalUSD decimal.Decimal
	MaxLeverage    int
	TakerFeeBps    decimal.Decimal
	MakerFeeBps    decimal.Decimal
	FundingHrs     int
}

// NormalizePrice rounds a price down to the venue tick size.
func (s InstrumentSpec) NormalizePrice(p decimal.Decimal) decimal.Decimal {
	if s.TickSize.IsZero() {
		return p
	}
	return p.Div(s.TickSize).Floor().Mul(s.TickSize)
}

// NormalizeQty rounds a quantity down to the venue step size.
func (s InstrumentSpec) NormalizeQty(q decimal.Decimal) decimal.Decimal {
	if s.StepSize.IsZero() {
		return q
	}
	return q.Div(s.StepSize).Floor().Mul(s.StepSize)
}
