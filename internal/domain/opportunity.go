package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Opportunity is a candidate trade produced by the discovery scanner. The
// scanner never executes; it only emits these. All economics are worst-case:
// the expected net edge already subtracts fees, slippage, and buffers.
type Opportunity struct {
	ID         uuid.UUID `json:"id"`
	Symbol     string    `json:"symbol"`
	LongVenue  string    `json:"long_venue"` // venue paying the favorable funding to longs
	ShortVenue string    `json:"short_venue"`

	Quantity decimal.Decimal `json:"quantity"`
	SizeUSD  decimal.Decimal `json:"size_usd"`

	FundingEdgeBps  decimal.Decimal `json:"funding_edge_bps"`
	TotalFeesBps    decimal.Decimal `json:"total_fees_bps"`
	SlippageBps     decimal.Decimal `json:"slippage_bps"`
	BufferBps       decimal.Decimal `json:"buffer_bps"`
	ExpectedNetBps  decimal.Decimal `json:"expected_net_bps"`
	MaxSlippageBps  decimal.Decimal `json:"max_slippage_bps"`
	LongEntryPrice  decimal.Decimal `json:"long_entry_price"`
	ShortEntryPrice decimal.Decimal `json:"short_entry_price"`

	DetectedAt time.Time `json:"detected_at"`
	Deadline   time.Time `json:"deadline"`
}

// IsExpired reports whether the opportunity window has closed.
func (o Opportunity) IsExpired(now time.Time) bool {
	return now.After(o.Deadline)
}

// IsProfitable reports whether the worst-case edge is still positive.
func (o Opportunity) IsProfitable() bool {
	return o.ExpectedNetBps.GreaterThan(decimal.Zero)
}
