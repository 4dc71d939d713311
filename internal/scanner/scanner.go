package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// VenueSource resolves venue adapters for instrument specs.
type VenueSource interface {
	Adapter(venue string) (domain.Adapter, error)
	Venues() []string
}

// Config tunes the scan loop.
type Config struct {
	Symbols        []string
	Interval       time.Duration
	SizeUSD        decimal.Decimal
	OpportunityTTL time.Duration
	MaxSlippageBps decimal.Decimal
	// EmitGap suppresses re-emitting the same symbol while a previous
	// candidate may still be working through the engine.
	EmitGap time.Duration

	Calculator Calculator
}

// Scanner periodically prices every symbol across every venue pair and
// emits viable opportunities onto its channel.
type Scanner struct {
	cfg    Config
	venues VenueSource
	cache  domain.PriceCache
	health domain.HealthChecker
	clock  domain.Clock
	logger *slog.Logger

	out chan domain.Opportunity

	mu       sync.Mutex
	lastEmit map[string]time.Time
}

// New creates a Scanner. Opportunities are read from C.
func New(cfg Config, venues VenueSource, cache domain.PriceCache, health domain.HealthChecker, clock domain.Clock, logger *slog.Logger) *Scanner {
	return &Scanner{
		cfg:      cfg,
		venues:   venues,
		cache:    cache,
		health:   health,
		clock:    clock,
		logger:   logger.With(slog.String("component", "scanner")),
		out:      make(chan domain.Opportunity, 16),
		lastEmit: make(map[string]time.Time),
	}
}

// C returns the opportunity channel.
func (s *Scanner) C() <-chan domain.Opportunity { return s.out }

// Run scans until the context is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("scanner started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("symbols", len(s.cfg.Symbols)),
	)
	defer s.logger.Info("scanner stopped")

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(s.out)
			return ctx.Err()
		case <-ticker.C():
			s.Scan(ctx)
		}
	}
}

// Scan prices every symbol once and emits what clears the bar.
func (s *Scanner) Scan(ctx context.Context) {
	for _, symbol := range s.cfg.Symbols {
		if opp, ok := s.scanSymbol(ctx, symbol); ok {
			select {
			case s.out <- opp:
				s.logger.Info("opportunity emitted",
					slog.String("symbol", opp.Symbol),
					slog.String("long", opp.LongVenue),
					slog.String("short", opp.ShortVenue),
					slog.String("net_bps", opp.ExpectedNetBps.StringFixed(2)),
				)
			default:
				// A full channel means the engine is saturated; dropping the
				// candidate is safe, the next scan re-prices it.
				s.logger.Warn("opportunity dropped, channel full", slog.String("symbol", symbol))
			}
		}
	}
}

// scanSymbol prices the best venue pair for one symbol.
func (s *Scanner) scanSymbol(ctx context.Context, symbol string) (domain.Opportunity, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	last, seen := s.lastEmit[symbol]
	s.mu.Unlock()
	if seen && now.Sub(last) < s.cfg.EmitGap {
		return domain.Opportunity{}, false
	}

	quotes := s.collect(ctx, symbol)
	if len(quotes) < 2 {
		return domain.Opportunity{}, false
	}

	var best domain.Opportunity
	found := false
	for i := 0; i < len(quotes); i++ {
		for j := i + 1; j < len(quotes); j++ {
			long, short, ok := BestPair(quotes[i], quotes[j])
			if !ok {
				continue
			}
			if ok, _ := s.health.CanTrade(long.Venue, short.Venue); !ok {
				continue
			}
			edge := s.cfg.Calculator.Evaluate(long, short)
			if !s.cfg.Calculator.Viable(edge) {
				continue
			}
			opp := s.buildOpportunity(symbol, long, short, edge, now)
			if !found || opp.ExpectedNetBps.GreaterThan(best.ExpectedNetBps) {
				best = opp
				found = true
			}
		}
	}
	if found {
		s.mu.Lock()
		s.lastEmit[symbol] = now
		s.mu.Unlock()
	}
	return best, found
}

// collect pulls the freshest cached quote for each venue carrying the symbol.
func (s *Scanner) collect(ctx context.Context, symbol string) []VenueQuote {
	var out []VenueQuote
	for _, venue := range s.venues.Venues() {
		if fresh, _ := s.health.IsFresh(venue, symbol); !fresh {
			continue
		}
		tick, err := s.cache.GetTicker(ctx, venue, symbol)
		if err != nil || !tick.IsSane() {
			continue
		}
		funding, err := s.cache.GetFunding(ctx, venue, symbol)
		if err != nil {
			continue
		}
		adapter, err := s.venues.Adapter(venue)
		if err != nil {
			continue
		}
		spec, err := adapter.Spec(symbol)
		if err != nil {
			continue
		}
		out = append(out, VenueQuote{Venue: venue, Ticker: tick, Funding: funding, Spec: spec})
	}
	return out
}

func (s *Scanner) buildOpportunity(symbol string, long, short VenueQuote, edge Edge, now time.Time) domain.Opportunity {
	mid := long.Ticker.Mid()
	qty := decimal.Zero
	if mid.GreaterThan(decimal.Zero) {
		qty = long.Spec.NormalizeQty(s.cfg.SizeUSD.Div(mid))
	}
	return domain.Opportunity{
		ID:              uuid.New(),
		Symbol:          symbol,
		LongVenue:       long.Venue,
		ShortVenue:      short.Venue,
		Quantity:        qty,
		SizeUSD:         s.cfg.SizeUSD,
		FundingEdgeBps:  edge.FundingEdgeBps,
		TotalFeesBps:    edge.TotalFeesBps,
		SlippageBps:     edge.SlippageBps,
		BufferBps:       edge.BufferBps,
		ExpectedNetBps:  edge.NetBps,
		MaxSlippageBps:  s.cfg.MaxSlippageBps,
		LongEntryPrice:  long.Ticker.Ask,
		ShortEntryPrice: short.Ticker.Bid,
		DetectedAt:      now,
		Deadline:        now.Add(s.cfg.OpportunityTTL),
	}
}
