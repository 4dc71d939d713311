package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	Name string
	// FillDelay is how long an order rests before it fills.
	FillDelay time.Duration
	// PartialRatio, when positive and below 1, makes the first fill partial;
	// the remainder fills after another FillDelay.
	PartialRatio decimal.Decimal
	// TakerFeeBps is charged on every fill's notional.
	TakerFeeBps decimal.Decimal
	// StartingBalanceUSD seeds the margin account.
	StartingBalanceUSD decimal.Decimal
	// Leverage divides notional into used margin.
	Leverage int64
}

// DefaultPaperConfig returns an instantly-filling venue with 100k USD.
func DefaultPaperConfig(name string) PaperConfig {
	return PaperConfig{
		Name:               name,
		TakerFeeBps:        decimal.NewFromInt(5),
		StartingBalanceUSD: decimal.NewFromInt(100_000),
		Leverage:           3,
	}
}

type paperOrder struct {
	id         string
	req        domain.OrderRequest
	acceptedAt time.Time
	fillPrice  decimal.Decimal
	filledQty  decimal.Decimal
	feeUSD     decimal.Decimal
	status     domain.OrderStatus
	settled    decimal.Decimal // qty already folded into the position
}

// PaperAdapter is an in-memory venue simulator implementing domain.Adapter.
// Fills are applied lazily off the injected clock so tests with a fake clock
// control fill timing deterministically. Failure injection covers the
// unknown-outcome paths the live venues produce.
type PaperAdapter struct {
	cfg    PaperConfig
	clock  domain.Clock
	logger *slog.Logger

	mu        sync.Mutex
	seq       int
	orders    map[string]*paperOrder // by order id
	byClient  map[string]*paperOrder // by client id
	tickers   map[string]domain.Ticker
	fundings  map[string]domain.FundingRate
	specs     map[string]domain.InstrumentSpec
	positions map[string]*domain.Position

	failNext map[string]error // op -> error returned once
}

// NewPaperAdapter creates a simulated venue.
func NewPaperAdapter(cfg PaperConfig, clock domain.Clock, logger *slog.Logger) *PaperAdapter {
	return &PaperAdapter{
		cfg:       cfg,
		clock:     clock,
		logger:    logger.With(slog.String("component", "paper"), slog.String("venue", cfg.Name)),
		orders:    make(map[string]*paperOrder),
		byClient:  make(map[string]*paperOrder),
		tickers:   make(map[string]domain.Ticker),
		fundings:  make(map[string]domain.FundingRate),
		specs:     make(map[string]domain.InstrumentSpec),
		positions: make(map[string]*domain.Position),
		failNext:  make(map[string]error),
	}
}

// Name returns the simulated venue name.
func (p *PaperAdapter) Name() string { return p.cfg.Name }

// SetTicker publishes a book snapshot the simulator fills against.
func (p *PaperAdapter) SetTicker(t domain.Ticker) {
	t.Venue = p.cfg.Name
	p.mu.Lock()
	p.tickers[t.Symbol] = t
	p.mu.Unlock()
}

// SetFunding publishes a funding rate.
func (p *PaperAdapter) SetFunding(f domain.FundingRate) {
	f.Venue = p.cfg.Name
	p.mu.Lock()
	p.fundings[f.Symbol] = f
	p.mu.Unlock()
}

// SetSpec installs instrument parameters for a symbol.
func (p *PaperAdapter) SetSpec(s domain.InstrumentSpec) {
	s.Venue = p.cfg.Name
	p.mu.Lock()
	p.specs[s.Symbol] = s
	p.mu.Unlock()
}

// FailNext makes the next call of the named op ("place", "cancel", "order",
// "position", "balance") return err once.
func (p *PaperAdapter) FailNext(op string, err error) {
	p.mu.Lock()
	p.failNext[op] = err
	p.mu.Unlock()
}

func (p *PaperAdapter) takeFailure(op string) error {
	err, ok := p.failNext[op]
	if ok {
		delete(p.failNext, op)
	}
	return err
}

// PlaceOrder accepts an order. Duplicate client ids return the existing
// order, mirroring venue idempotency.
func (p *PaperAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderRef, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderRef{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure("place"); err != nil {
		return domain.OrderRef{}, err
	}
	if existing, ok := p.byClient[req.ClientID]; ok && req.ClientID != "" {
		return domain.OrderRef{Venue: p.cfg.Name, OrderID: existing.id, ClientID: req.ClientID, SubmittedAt: existing.acceptedAt}, nil
	}

	tick, ok := p.tickers[req.Symbol]
	if !ok {
		return domain.OrderRef{}, fmt.Errorf("paper: no book for %s: %w", req.Symbol, domain.ErrOrderRejected)
	}
	price := req.Price
	if req.IsMarket() {
		if req.Side == domain.OrderSideBuy {
			price = tick.Ask
		} else {
			price = tick.Bid
		}
	}

	p.seq++
	now := p.clock.Now()
	o := &paperOrder{
		id:         p.cfg.Name + "-" + strconv.Itoa(p.seq),
		req:        req,
		acceptedAt: now,
		fillPrice:  price,
		status:     domain.OrderStatusOpen,
	}
	p.orders[o.id] = o
	if req.ClientID != "" {
		p.byClient[req.ClientID] = o
	}
	p.advance(o)
	return domain.OrderRef{Venue: p.cfg.Name, OrderID: o.id, ClientID: req.ClientID, SubmittedAt: now}, nil
}

// advance applies lazy fills based on elapsed time. Caller holds the lock.
func (p *PaperAdapter) advance(o *paperOrder) {
	if !o.status.IsOpen() {
		return
	}
	elapsed := p.clock.Now().Sub(o.acceptedAt)
	if elapsed < p.cfg.FillDelay {
		return
	}

	// Limit orders only fill when the book crosses them.
	if !o.req.IsMarket() {
		tick := p.tickers[o.req.Symbol]
		if o.req.Side == domain.OrderSideBuy && tick.Ask.GreaterThan(o.req.Price) {
			return
		}
		if o.req.Side == domain.OrderSideSell && tick.Bid.LessThan(o.req.Price) {
			return
		}
	}

	target := o.req.Quantity
	partial := o.req.Quantity.Mul(p.cfg.PartialRatio)
	if p.cfg.PartialRatio.GreaterThan(decimal.Zero) &&
		p.cfg.PartialRatio.LessThan(decimal.NewFromInt(1)) &&
		elapsed < 2*p.cfg.FillDelay {
		target = partial
	}
	if target.GreaterThan(o.req.Quantity) {
		target = o.req.Quantity
	}
	if target.Equal(o.filledQty) {
		return
	}

	delta := target.Sub(o.filledQty)
	o.filledQty = target
	o.feeUSD = o.filledQty.Mul(o.fillPrice).Mul(p.cfg.TakerFeeBps).Div(decimal.NewFromInt(10000))
	if o.filledQty.GreaterThanOrEqual(o.req.Quantity) {
		o.status = domain.OrderStatusFilled
	} else {
		o.status = domain.OrderStatusPartial
	}
	p.settle(o, delta)
}

// settle folds a fill delta into the symbol's position.
func (p *PaperAdapter) settle(o *paperOrder, delta decimal.Decimal) {
	if o.req.Side == domain.OrderSideSell {
		delta = delta.Neg()
	}
	pos, ok := p.positions[o.req.Symbol]
	if !ok {
		pos = &domain.Position{Venue: p.cfg.Name, Symbol: o.req.Symbol}
		p.positions[o.req.Symbol] = pos
	}
	newQty := pos.Quantity.Add(delta)
	if pos.Quantity.IsZero() || pos.Quantity.Sign() == delta.Sign() {
		// Adding to a side: blend the entry price.
		total := pos.Quantity.Abs().Add(delta.Abs())
		if total.GreaterThan(decimal.Zero) {
			pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity.Abs()).
				Add(o.fillPrice.Mul(delta.Abs())).Div(total)
		}
	}
	pos.Quantity = newQty
	pos.MarkPrice = o.fillPrice
	pos.Timestamp = p.clock.Now()
	o.settled = o.settled.Add(delta.Abs())
}

// CancelOrder cancels a resting order. Fills that happened before the cancel
// stick, matching live venue semantics.
func (p *PaperAdapter) CancelOrder(ctx context.Context, ref domain.OrderRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure("cancel"); err != nil {
		return err
	}
	o, err := p.lookup(ref)
	if err != nil {
		return err
	}
	p.advance(o)
	if o.status.IsOpen() {
		o.status = domain.OrderStatusCancelled
	}
	return nil
}

// GetOrder returns the current order state, resolvable by order id or by
// client id alone.
func (p *PaperAdapter) GetOrder(ctx context.Context, ref domain.OrderRef) (domain.OrderState, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderState{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure("order"); err != nil {
		return domain.OrderState{}, err
	}
	o, err := p.lookup(ref)
	if err != nil {
		return domain.OrderState{}, err
	}
	p.advance(o)
	return domain.OrderState{
		OrderID:   o.id,
		Status:    o.status,
		FilledQty: o.filledQty,
		AvgPrice:  o.fillPrice,
		FeeUSD:    o.feeUSD,
		UpdatedAt: p.clock.Now(),
	}, nil
}

func (p *PaperAdapter) lookup(ref domain.OrderRef) (*paperOrder, error) {
	if ref.OrderID != "" {
		if o, ok := p.orders[ref.OrderID]; ok {
			return o, nil
		}
		return nil, fmt.Errorf("paper: order %s: %w", ref.OrderID, domain.ErrNotFound)
	}
	if o, ok := p.byClient[ref.ClientID]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("paper: client id %s: %w", ref.ClientID, domain.ErrNotFound)
}

// GetPosition returns the simulated position for a symbol.
func (p *PaperAdapter) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return domain.Position{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure("position"); err != nil {
		return domain.Position{}, err
	}
	for _, o := range p.orders {
		p.advance(o)
	}
	pos, ok := p.positions[symbol]
	if !ok {
		return domain.Position{Venue: p.cfg.Name, Symbol: symbol, Timestamp: p.clock.Now()}, nil
	}
	out := *pos
	if tick, ok := p.tickers[symbol]; ok && !tick.Mid().IsZero() {
		out.MarkPrice = tick.Mid()
	}
	out.MarginUsed = out.Notional().Div(decimal.NewFromInt(p.cfg.Leverage))
	return out, nil
}

// GetBalance returns the simulated margin account.
func (p *PaperAdapter) GetBalance(ctx context.Context) (domain.Balance, error) {
	if err := ctx.Err(); err != nil {
		return domain.Balance{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure("balance"); err != nil {
		return domain.Balance{}, err
	}
	used := decimal.Zero
	for _, pos := range p.positions {
		used = used.Add(pos.Notional().Div(decimal.NewFromInt(p.cfg.Leverage)))
	}
	avail := p.cfg.StartingBalanceUSD.Sub(used)
	if avail.IsNegative() {
		avail = decimal.Zero
	}
	return domain.Balance{
		Venue:           p.cfg.Name,
		TotalUSD:        p.cfg.StartingBalanceUSD,
		AvailableMargin: avail,
		UsedMargin:      used,
		Timestamp:       p.clock.Now(),
	}, nil
}

// GetFundingRate returns the published funding rate.
func (p *PaperAdapter) GetFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	if err := ctx.Err(); err != nil {
		return domain.FundingRate{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.fundings[symbol]
	if !ok {
		return domain.FundingRate{}, fmt.Errorf("paper: funding %s: %w", symbol, domain.ErrNotFound)
	}
	return f, nil
}

// GetTicker returns the published book snapshot.
func (p *PaperAdapter) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	if err := ctx.Err(); err != nil {
		return domain.Ticker{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tickers[symbol]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("paper: ticker %s: %w", symbol, domain.ErrNotFound)
	}
	t.Timestamp = p.clock.Now()
	return t, nil
}

// Spec returns the instrument parameters, defaulting to a permissive spec
// when none was installed.
func (p *PaperAdapter) Spec(symbol string) (domain.InstrumentSpec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.specs[symbol]; ok {
		return s, nil
	}
	return domain.InstrumentSpec{
		Venue:       p.cfg.Name,
		Symbol:      symbol,
		TakerFeeBps: p.cfg.TakerFeeBps,
		FundingHrs:  8,
	}, nil
}

var _ domain.Adapter = (*PaperAdapter)(nil)
