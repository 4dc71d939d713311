package feed

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
	"github.com/Shmuel18/Arbitrage/internal/exchange"
	"github.com/Shmuel18/Arbitrage/internal/health"
)

// PaperFeedConfig tunes the synthetic market.
type PaperFeedConfig struct {
	// Interval is the tick cadence.
	Interval time.Duration
	// BasePrices seeds the random walk per symbol.
	BasePrices map[string]decimal.Decimal
	// FundingBias is a per-venue additive funding rate. Giving venues
	// different biases keeps a persistent spread for the scanner to find.
	FundingBias map[string]decimal.Decimal
	// SpreadBps is the synthetic bid-ask spread around the walk.
	SpreadBps decimal.Decimal
	// WalkBps bounds the per-tick price move.
	WalkBps decimal.Decimal
}

// DefaultPaperFeedConfig returns a market that ticks fast enough to exercise
// the full engine in paper mode.
func DefaultPaperFeedConfig() PaperFeedConfig {
	return PaperFeedConfig{
		Interval: 250 * time.Millisecond,
		BasePrices: map[string]decimal.Decimal{
			"BTCUSDT": decimal.NewFromInt(60000),
		},
		FundingBias: map[string]decimal.Decimal{},
		SpreadBps:   decimal.NewFromInt(2),
		WalkBps:     decimal.NewFromInt(5),
	}
}

// PaperFeed drives the paper venues with a synthetic random walk. Each tick
// goes to the adapter, the price cache, and the health monitor, exactly like
// a live stream would.
type PaperFeed struct {
	cfg      PaperFeedConfig
	venues   []*exchange.PaperAdapter
	cache    domain.PriceCache
	monitor  *health.Monitor
	clock    domain.Clock
	rng      *rand.Rand
	logger   *slog.Logger
	mids     map[string]decimal.Decimal
	sequence int64
	baseRate map[string]decimal.Decimal // funding per venue|symbol
}

// NewPaperFeed creates a feed over the given paper venues.
func NewPaperFeed(
	cfg PaperFeedConfig,
	venues []*exchange.PaperAdapter,
	cache domain.PriceCache,
	monitor *health.Monitor,
	clock domain.Clock,
	logger *slog.Logger,
) *PaperFeed {
	mids := make(map[string]decimal.Decimal, len(cfg.BasePrices))
	for symbol, price := range cfg.BasePrices {
		mids[symbol] = price
	}
	return &PaperFeed{
		cfg:      cfg,
		venues:   venues,
		cache:    cache,
		monitor:  monitor,
		clock:    clock,
		rng:      rand.New(rand.NewSource(clock.Now().UnixNano())),
		logger:   logger.With(slog.String("component", "paper_feed")),
		mids:     mids,
		baseRate: make(map[string]decimal.Decimal),
	}
}

// Run ticks the synthetic market until ctx is cancelled.
func (f *PaperFeed) Run(ctx context.Context) error {
	for _, venue := range f.venues {
		f.monitor.MarkConnected(venue.Name())
	}
	f.logger.Info("paper feed started",
		slog.Int("venues", len(f.venues)),
		slog.Int("symbols", len(f.mids)),
	)

	ticker := f.clock.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			f.Tick(ctx)
		}
	}
}

// Tick advances the walk one step and publishes to every venue. Exported so
// tests can drive the market deterministically.
func (f *PaperFeed) Tick(ctx context.Context) {
	now := f.clock.Now()
	f.sequence++

	for symbol, mid := range f.mids {
		mid = f.step(mid)
		f.mids[symbol] = mid

		halfSpread := mid.Mul(f.cfg.SpreadBps).Div(decimal.NewFromInt(20000))
		for _, venue := range f.venues {
			t := domain.Ticker{
				Symbol:    symbol,
				Bid:       mid.Sub(halfSpread),
				Ask:       mid.Add(halfSpread),
				MarkPrice: mid,
				Timestamp: now,
				Sequence:  f.sequence,
			}
			venue.SetTicker(t)
			t.Venue = venue.Name()
			f.monitor.Observe(t)
			if err := f.cache.SetTicker(ctx, t); err != nil {
				f.logger.Debug("ticker cache write failed", slog.String("error", err.Error()))
			}

			fr := domain.FundingRate{
				Symbol:      symbol,
				Rate:        f.fundingFor(venue.Name(), symbol),
				IntervalHrs: 8,
				NextFunding: now.Truncate(8 * time.Hour).Add(8 * time.Hour),
				Timestamp:   now,
			}
			venue.SetFunding(fr)
			fr.Venue = venue.Name()
			if err := f.cache.SetFunding(ctx, fr); err != nil {
				f.logger.Debug("funding cache write failed", slog.String("error", err.Error()))
			}
		}
	}
}

// step moves the mid by a uniform random amount bounded by WalkBps.
func (f *PaperFeed) step(mid decimal.Decimal) decimal.Decimal {
	bps := (f.rng.Float64()*2 - 1) * f.cfg.WalkBps.InexactFloat64()
	move := mid.Mul(decimal.NewFromFloat(bps)).Div(decimal.NewFromInt(10000))
	return mid.Add(move)
}

// fundingFor returns a stable funding rate per venue and symbol: a small
// random base assigned on first use plus the configured venue bias.
func (f *PaperFeed) fundingFor(venue, symbol string) decimal.Decimal {
	key := venue + "|" + symbol
	base, ok := f.baseRate[key]
	if !ok {
		// Uniform in [-1bp, +1bp] per 8h interval.
		base = decimal.NewFromFloat((f.rng.Float64()*2 - 1) * 0.0001)
		f.baseRate[key] = base
	}
	return base.Add(f.cfg.FundingBias[venue])
}
