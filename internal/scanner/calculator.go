// Package scanner discovers funding-rate dislocations across venues and
// emits worst-case-priced opportunity candidates. It never executes: the
// engine re-validates everything before committing capital.
package scanner

import (
	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

var bpsFactor = decimal.NewFromInt(10000)

// VenueQuote bundles one venue's current view of a symbol.
type VenueQuote struct {
	Venue   string
	Ticker  domain.Ticker
	Funding domain.FundingRate
	Spec    domain.InstrumentSpec
}

// Calculator prices a candidate pair with every cost stacked against it.
type Calculator struct {
	// SlippageBps is the assumed execution slippage per leg.
	SlippageBps decimal.Decimal
	// BufferBps is the safety margin subtracted after all known costs.
	BufferBps decimal.Decimal
	// MinNetBps is the smallest daily edge worth acting on.
	MinNetBps decimal.Decimal
}

// Edge is the priced outcome of pairing two venues on one symbol.
type Edge struct {
	FundingEdgeBps decimal.Decimal // daily, before costs
	TotalFeesBps   decimal.Decimal // taker fees, both legs, open and close
	SlippageBps    decimal.Decimal
	BufferBps      decimal.Decimal
	NetBps         decimal.Decimal
}

// Evaluate prices going long on `long` and short on `short`. The funding
// edge is the daily net rate received by the pair; fees count all four
// fills (two opens, two closes) at taker.
func (c Calculator) Evaluate(long, short VenueQuote) Edge {
	// Longs pay positive funding, shorts receive it: the pair nets
	// short-side rate minus long-side rate.
	fundingEdge := short.Funding.RatePerDay().Sub(long.Funding.RatePerDay()).Mul(bpsFactor)

	fees := long.Spec.TakerFeeBps.Add(short.Spec.TakerFeeBps).Mul(decimal.NewFromInt(2))
	slip := c.SlippageBps.Mul(decimal.NewFromInt(2))

	return Edge{
		FundingEdgeBps: fundingEdge,
		TotalFeesBps:   fees,
		SlippageBps:    slip,
		BufferBps:      c.BufferBps,
		NetBps:         fundingEdge.Sub(fees).Sub(slip).Sub(c.BufferBps),
	}
}

// Viable reports whether the edge clears the minimum after all costs.
func (c Calculator) Viable(e Edge) bool {
	return e.NetBps.GreaterThanOrEqual(c.MinNetBps)
}

// BestPair orders two venue quotes into the (long, short) assignment with
// the larger edge. Returns false when either orientation is below zero
// before costs, meaning the rates do not diverge.
func BestPair(a, b VenueQuote) (long, short VenueQuote, ok bool) {
	// Short the venue paying the higher funding to shorts.
	if a.Funding.RatePerDay().GreaterThan(b.Funding.RatePerDay()) {
		return b, a, true
	}
	if b.Funding.RatePerDay().GreaterThan(a.Funding.RatePerDay()) {
		return a, b, true
	}
	return a, b, false
}
