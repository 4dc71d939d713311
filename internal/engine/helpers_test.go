package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
	"github.com/Shmuel18/Arbitrage/internal/exchange"
)

const testSymbol = "BTCUSDT"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock advances by a fixed step on every Now call so that polling loops
// and orphan timers make progress without sleeping. The base is real wall
// time because the open path also derives a context deadline from it.
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC(), step: time.Millisecond}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fakeClock) NewTicker(time.Duration) domain.ClockTicker {
	t := &readyTicker{ch: make(chan time.Time), done: make(chan struct{})}
	go t.feed()
	return t
}

// readyTicker always has a tick pending so loops driven by it never block on
// wall time.
type readyTicker struct {
	ch   chan time.Time
	done chan struct{}
}

func (t *readyTicker) feed() {
	for {
		select {
		case t.ch <- time.Time{}:
		case <-t.done:
			return
		}
	}
}

func (t *readyTicker) C() <-chan time.Time { return t.ch }
func (t *readyTicker) Stop()               { close(t.done) }

type memRecorder struct {
	mu        sync.Mutex
	audits    []string
	incidents []domain.Incident
	trades    []domain.Trade
}

func (r *memRecorder) Audit(event string, _ *uuid.UUID, _ map[string]any) {
	r.mu.Lock()
	r.audits = append(r.audits, event)
	r.mu.Unlock()
}

func (r *memRecorder) Incident(inc domain.Incident) {
	r.mu.Lock()
	r.incidents = append(r.incidents, inc)
	r.mu.Unlock()
}

func (r *memRecorder) TradeChanged(t domain.Trade) {
	r.mu.Lock()
	r.trades = append(r.trades, t)
	r.mu.Unlock()
}

func (r *memRecorder) incidentTypes() []domain.IncidentType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.IncidentType, len(r.incidents))
	for i, inc := range r.incidents {
		out[i] = inc.Type
	}
	return out
}

func (r *memRecorder) findIncident(typ domain.IncidentType) (domain.Incident, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inc := range r.incidents {
		if inc.Type == typ {
			return inc, true
		}
	}
	return domain.Incident{}, false
}

func (r *memRecorder) hasAudit(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.audits {
		if a == event {
			return true
		}
	}
	return false
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]bool)}
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}

type memCooldowns struct {
	mu    sync.Mutex
	until map[string]time.Time
	clock domain.Clock
}

func newMemCooldowns(clock domain.Clock) *memCooldowns {
	return &memCooldowns{until: make(map[string]time.Time), clock: clock}
}

func (c *memCooldowns) Set(_ context.Context, key string, until time.Time) error {
	c.mu.Lock()
	c.until[key] = until
	c.mu.Unlock()
	return nil
}

func (c *memCooldowns) Active(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	until, ok := c.until[key]
	c.mu.Unlock()
	return ok && c.clock.Now().Before(until), nil
}

type memSnapshots struct {
	mu        sync.Mutex
	positions map[string][]domain.Position
	balances  map[string]domain.Balance
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{
		positions: make(map[string][]domain.Position),
		balances:  make(map[string]domain.Balance),
	}
}

func (s *memSnapshots) SetPositions(_ context.Context, venue string, positions []domain.Position) error {
	s.mu.Lock()
	s.positions[venue] = positions
	s.mu.Unlock()
	return nil
}

func (s *memSnapshots) GetPositions(_ context.Context, venue string) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[venue], nil
}

func (s *memSnapshots) SetBalance(_ context.Context, b domain.Balance) error {
	s.mu.Lock()
	s.balances[b.Venue] = b
	s.mu.Unlock()
	return nil
}

func (s *memSnapshots) GetBalance(_ context.Context, venue string) (domain.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[venue]
	if !ok {
		return domain.Balance{}, domain.ErrNotFound
	}
	return b, nil
}

// stubHealth reports every venue as healthy unless toggled off.
type stubHealth struct {
	mu     sync.Mutex
	ok     bool
	reason string
}

func (h *stubHealth) set(ok bool, reason string) {
	h.mu.Lock()
	h.ok = ok
	h.reason = reason
	h.mu.Unlock()
}

func (h *stubHealth) IsFresh(string, string) (bool, int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ok {
		return false, -1
	}
	return true, 1
}

func (h *stubHealth) CanTrade(string, string) (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ok, h.reason
}

// testEnv bundles a controller wired to two instantly-filling paper venues.
type testEnv struct {
	clock  *fakeClock
	rec    *memRecorder
	locks  *memLocks
	cools  *memCooldowns
	mgr    *exchange.Manager
	alpha  *exchange.PaperAdapter
	beta   *exchange.PaperAdapter
	reg    *Registry
	ctrl   *Controller
	health *stubHealth
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	clock := newFakeClock()
	rec := &memRecorder{}
	locks := newMemLocks()
	cools := newMemCooldowns(clock)

	mgr := exchange.NewManager(logger)
	alpha := newPaperVenue(clock, "alpha", logger)
	beta := newPaperVenue(clock, "beta", logger)
	mgr.Register(alpha)
	mgr.Register(beta)

	reg := NewRegistry(clock, rec, logger)
	health := &stubHealth{ok: true}
	ctrl := NewController(DefaultParams(), reg, mgr, health, locks, cools, rec, clock, logger)

	return &testEnv{
		clock:  clock,
		rec:    rec,
		locks:  locks,
		cools:  cools,
		mgr:    mgr,
		alpha:  alpha,
		beta:   beta,
		reg:    reg,
		ctrl:   ctrl,
		health: health,
	}
}

func newPaperVenue(clock domain.Clock, name string, logger *slog.Logger) *exchange.PaperAdapter {
	return newPaperVenueCfg(clock, exchange.DefaultPaperConfig(name), logger)
}

func newPaperVenueCfg(clock domain.Clock, cfg exchange.PaperConfig, logger *slog.Logger) *exchange.PaperAdapter {
	p := exchange.NewPaperAdapter(cfg, clock, logger)
	p.SetTicker(domain.Ticker{
		Symbol: testSymbol,
		Bid:    decimal.NewFromInt(59999),
		Ask:    decimal.NewFromInt(60001),
	})
	p.SetSpec(domain.InstrumentSpec{
		Symbol:         testSymbol,
		TickSize:       decimal.New(1, -1),
		StepSize:       decimal.New(1, -3),
		MinNotionalUSD: decimal.NewFromInt(10),
		MaxLeverage:    20,
		TakerFeeBps:    decimal.NewFromInt(5),
	})
	p.SetFunding(domain.FundingRate{
		Symbol:      testSymbol,
		Rate:        decimal.NewFromFloat(0.0001),
		IntervalHrs: 8,
	})
	return p
}

// slowBeta replaces the short venue with one whose orders rest for delay
// before filling, so the long leg completes alone.
func (e *testEnv) slowBeta(delay time.Duration) *exchange.PaperAdapter {
	cfg := exchange.DefaultPaperConfig("beta")
	cfg.FillDelay = delay
	e.beta = newPaperVenueCfg(e.clock, cfg, testLogger())
	e.mgr.Register(e.beta)
	return e.beta
}

// opportunity returns a profitable long-alpha short-beta opportunity sized so
// validation clears every threshold against the default paper venues.
func (e *testEnv) opportunity() domain.Opportunity {
	now := e.clock.Now()
	return domain.Opportunity{
		ID:              uuid.New(),
		Symbol:          testSymbol,
		LongVenue:       "alpha",
		ShortVenue:      "beta",
		Quantity:        decimal.NewFromFloat(0.02),
		SizeUSD:         decimal.NewFromInt(1200),
		FundingEdgeBps:  decimal.NewFromInt(30),
		TotalFeesBps:    decimal.NewFromInt(20),
		ExpectedNetBps:  decimal.NewFromInt(4),
		MaxSlippageBps:  decimal.NewFromInt(50),
		LongEntryPrice:  decimal.NewFromInt(60000),
		ShortEntryPrice: decimal.NewFromInt(60000),
		DetectedAt:      now,
		Deadline:        now.Add(time.Hour),
	}
}

// openHedged drives a trade through the full open path and fails the test if
// it does not land in ACTIVE_HEDGED.
func (e *testEnv) openHedged(t *testing.T) *Machine {
	t.Helper()
	m, err := e.ctrl.Open(context.Background(), e.opportunity())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := m.State(); got != domain.StateActiveHedged {
		t.Fatalf("state=%s want %s", got, domain.StateActiveHedged)
	}
	return m
}

func venueQty(t *testing.T, a *exchange.PaperAdapter, symbol string) decimal.Decimal {
	t.Helper()
	pos, err := a.GetPosition(context.Background(), symbol)
	if err != nil {
		t.Fatalf("position on %s: %v", a.Name(), err)
	}
	return pos.Quantity
}
