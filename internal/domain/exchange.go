package domain

import "context"

// Adapter is the per-venue exchange capability the engine executes through.
// Every call is fallible and must respect the context deadline; a deadline
// exceeded means "unknown outcome", not "did not happen"; callers re-query
// before retrying.
type Adapter interface {
	// Name returns the venue identifier (e.g. "binance").
	Name() string

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error)
	CancelOrder(ctx context.Context, ref OrderRef) error
	GetOrder(ctx context.Context, ref OrderRef) (OrderState, error)

	GetPosition(ctx context.Context, symbol string) (Position, error)
	GetBalance(ctx context.Context) (Balance, error)
	GetFundingRate(ctx context.Context, symbol string) (FundingRate, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)

	// Spec returns the instrument parameters for a symbol on this venue.
	Spec(symbol string) (InstrumentSpec, error)
}

// HealthChecker gates trading on data freshness. Implemented by the health
// monitor; consumed during VALIDATING and by the scanner.
type HealthChecker interface {
	// IsFresh reports whether the venue's market data for symbol is within
	// the staleness budget, along with the observed staleness.
	IsFresh(venue, symbol string) (bool, int64)
	// CanTrade reports whether both venues are healthy enough to pair.
	CanTrade(longVenue, shortVenue string) (bool, string)
}
