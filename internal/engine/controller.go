package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// Controller drives trades through their lifecycle: validation, pre-flight,
// the paired open, hedge monitoring, close, and the recovery paths. All order
// traffic for a trade flows through exactly one Controller goroutine at a
// time, enforced by a per-trade busy flag plus a distributed lock.
type Controller struct {
	params    Params
	reg       *Registry
	venues    VenueSource
	health    domain.HealthChecker
	locks     domain.LockManager
	cooldowns domain.CooldownStore
	rec       Recorder
	clock     domain.Clock
	logger    *slog.Logger

	paused atomic.Bool
	halted atomic.Bool

	busyMu sync.Mutex
	busy   map[uuid.UUID]struct{}

	sem chan struct{}
}

// NewController wires an execution controller.
func NewController(
	params Params,
	reg *Registry,
	venues VenueSource,
	health domain.HealthChecker,
	locks domain.LockManager,
	cooldowns domain.CooldownStore,
	rec Recorder,
	clock domain.Clock,
	logger *slog.Logger,
) *Controller {
	if params.ConcurrentTrades <= 0 {
		params.ConcurrentTrades = 1
	}
	return &Controller{
		params:    params,
		reg:       reg,
		venues:    venues,
		health:    health,
		locks:     locks,
		cooldowns: cooldowns,
		rec:       rec,
		clock:     clock,
		logger:    logger.With(slog.String("component", "controller")),
		busy:      make(map[uuid.UUID]struct{}),
		sem:       make(chan struct{}, params.ConcurrentTrades),
	}
}

// Pause stops new trades from being accepted. In-flight trades continue to
// completion; the reconciler and guard keep running.
func (c *Controller) Pause(reason string) {
	if c.paused.CompareAndSwap(false, true) {
		c.logger.Warn("trading paused", slog.String("reason", reason))
		c.rec.Audit("trading_paused", nil, map[string]any{"reason": reason})
	}
}

// Resume re-enables new trades. It does not clear an emergency stop.
func (c *Controller) Resume() {
	if c.paused.CompareAndSwap(true, false) {
		c.logger.Info("trading resumed")
		c.rec.Audit("trading_resumed", nil, nil)
	}
}

// Paused reports whether new trades are currently refused.
func (c *Controller) Paused() bool { return c.paused.Load() || c.halted.Load() }

// Halted reports whether the emergency stop latch is engaged.
func (c *Controller) Halted() bool { return c.halted.Load() }

// acquire takes the trade's exclusive execution lock: the in-process busy
// flag plus the distributed lock keyed by trade id. The returned release
// function must be called exactly once.
func (c *Controller) acquire(ctx context.Context, id uuid.UUID, ttl time.Duration) (func(), error) {
	c.busyMu.Lock()
	if _, held := c.busy[id]; held {
		c.busyMu.Unlock()
		return nil, fmt.Errorf("engine: trade %s: %w", id, domain.ErrLockHeld)
	}
	c.busy[id] = struct{}{}
	c.busyMu.Unlock()

	unlock, err := c.locks.Acquire(ctx, "trade:"+id.String(), ttl)
	if err != nil {
		c.busyMu.Lock()
		delete(c.busy, id)
		c.busyMu.Unlock()
		return nil, fmt.Errorf("engine: trade %s: %w", id, err)
	}
	return func() {
		unlock()
		c.busyMu.Lock()
		delete(c.busy, id)
		c.busyMu.Unlock()
	}, nil
}

// Open runs one trade end to end through the open phase: create, validate,
// pre-flight, paired placement, and hedge monitoring. It returns once the
// trade reaches ACTIVE_HEDGED or a failure path has been fully handled.
func (c *Controller) Open(ctx context.Context, opp domain.Opportunity) (*Machine, error) {
	if c.halted.Load() {
		return nil, fmt.Errorf("engine: emergency stop engaged: %w", domain.ErrPaused)
	}
	if c.paused.Load() {
		return nil, domain.ErrPaused
	}

	select {
	case c.sem <- struct{}{}:
	default:
		return nil, fmt.Errorf("engine: concurrent trade limit %d reached", c.params.ConcurrentTrades)
	}
	defer func() { <-c.sem }()

	m := c.reg.Create(opp)
	release, err := c.acquire(ctx, m.ID(), c.params.MaxOpenTime+c.params.OrphanCooldown)
	if err != nil {
		return m, err
	}
	defer release()

	if err := c.validate(ctx, m, opp); err != nil {
		return m, err
	}
	if err := c.preflight(ctx, m); err != nil {
		return m, err
	}
	if err := c.executeOpen(ctx, m); err != nil {
		return m, err
	}
	return m, nil
}

// fail moves the trade to FAILED before any exposure exists and records why.
func (c *Controller) fail(m *Machine, reason string, err error) error {
	m.Lock()
	m.Trade().CloseReason = reason
	_ = m.Transition(domain.StateFailed, reason)
	m.Unlock()
	if err != nil {
		return fmt.Errorf("engine: %s: %w", reason, err)
	}
	return fmt.Errorf("engine: %s: %w", reason, domain.ErrValidationFailed)
}

// validate runs the VALIDATING stage: every check is read-only and the trade
// holds no exchange exposure yet, so any failure goes straight to FAILED.
func (c *Controller) validate(ctx context.Context, m *Machine, opp domain.Opportunity) error {
	m.Lock()
	err := m.Transition(domain.StateValidating, "opportunity accepted")
	m.Unlock()
	if err != nil {
		return err
	}

	now := c.clock.Now()
	if opp.IsExpired(now) {
		return c.fail(m, "opportunity expired", nil)
	}
	if !opp.IsProfitable() {
		return c.fail(m, "edge not profitable", nil)
	}

	for _, key := range cooldownKeys(opp.Symbol, opp.LongVenue, opp.ShortVenue) {
		active, cerr := c.cooldowns.Active(ctx, key)
		if cerr != nil {
			c.logger.Warn("cooldown lookup failed", slog.String("key", key), slog.String("error", cerr.Error()))
			continue
		}
		if active {
			return c.fail(m, "cooldown active: "+key, nil)
		}
	}

	if ok, why := c.health.CanTrade(opp.LongVenue, opp.ShortVenue); !ok {
		return c.fail(m, "venue health: "+why, domain.ErrStaleData)
	}
	for _, venue := range []string{opp.LongVenue, opp.ShortVenue} {
		if fresh, ageMs := c.health.IsFresh(venue, opp.Symbol); !fresh {
			return c.fail(m, fmt.Sprintf("stale data on %s (%dms)", venue, ageMs), domain.ErrStaleData)
		}
	}

	for _, venue := range []string{opp.LongVenue, opp.ShortVenue} {
		adapter, aerr := c.venues.Adapter(venue)
		if aerr != nil {
			return c.fail(m, "unknown venue "+venue, aerr)
		}
		if verr := c.validateVenue(ctx, adapter, opp); verr != nil {
			return c.fail(m, fmt.Sprintf("venue %s: %s", venue, verr), verr)
		}
	}

	m.Lock()
	err = m.Transition(domain.StatePreFlight, "validation passed")
	m.Unlock()
	return err
}

// validateVenue checks one venue's live book and margin headroom against the
// opportunity.
func (c *Controller) validateVenue(ctx context.Context, adapter domain.Adapter, opp domain.Opportunity) error {
	tick, err := adapter.GetTicker(ctx, opp.Symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	if !tick.IsSane() {
		return fmt.Errorf("ticker failed sanity check: %w", domain.ErrStaleData)
	}
	if tick.SpreadBps().GreaterThan(c.params.MaxSpreadBps) {
		return fmt.Errorf("spread %s bps over limit %s", tick.SpreadBps().StringFixed(1), c.params.MaxSpreadBps)
	}

	// The edge was computed off the scanner's prices; a book that has moved
	// past the slippage allowance invalidates it.
	entry := opp.LongEntryPrice
	if adapter.Name() == opp.ShortVenue {
		entry = opp.ShortEntryPrice
	}
	if entry.GreaterThan(decimal.Zero) {
		driftBps := tick.Mid().Sub(entry).Abs().Div(entry).Mul(decimal.NewFromInt(10000))
		if driftBps.GreaterThan(opp.MaxSlippageBps) {
			return fmt.Errorf("price drifted %s bps since detection", driftBps.StringFixed(1))
		}
	}

	bal, err := adapter.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	required := opp.SizeUSD.Div(decimal.NewFromInt(c.params.Leverage))
	total := bal.UsedMargin.Add(bal.AvailableMargin)
	if total.IsZero() {
		return domain.ErrInsufficientMargin
	}
	projected := bal.UsedMargin.Add(required).Div(total)
	if projected.GreaterThan(c.params.MaxMarginUsage) {
		return fmt.Errorf("projected margin usage %s over %s: %w",
			projected.StringFixed(3), c.params.MaxMarginUsage.StringFixed(2), domain.ErrInsufficientMargin)
	}
	return nil
}

// preflight runs the PRE_FLIGHT stage: normalize the quantity to the coarser
// of the two venues' step sizes so both legs are the same size, and confirm
// the result still clears both minimums.
func (c *Controller) preflight(ctx context.Context, m *Machine) error {
	t := m.Snapshot()

	qty := t.Quantity
	var specs [2]domain.InstrumentSpec
	for i, venue := range []string{t.LongVenue, t.ShortVenue} {
		adapter, err := c.venues.Adapter(venue)
		if err != nil {
			return c.fail(m, "unknown venue "+venue, err)
		}
		spec, err := adapter.Spec(t.Symbol)
		if err != nil {
			return c.fail(m, "no instrument spec on "+venue, err)
		}
		specs[i] = spec
		qty = spec.NormalizeQty(qty)
	}
	if qty.IsZero() {
		return c.fail(m, "quantity rounds to zero", nil)
	}

	mid := t.Opportunity.LongEntryPrice
	notional := qty.Mul(mid)
	for _, spec := range specs {
		if notional.LessThan(spec.MinNotionalUSD) {
			return c.fail(m, fmt.Sprintf("notional %s under venue minimum %s",
				notional.StringFixed(2), spec.MinNotionalUSD.StringFixed(2)), nil)
		}
	}

	m.Lock()
	tr := m.Trade()
	tr.Quantity = qty
	tr.NotionalUSD = notional
	tr.LongLeg.TargetQty = qty
	tr.ShortLeg.TargetQty = qty
	err := m.Transition(domain.StatePendingOpen, "pre-flight passed")
	m.Unlock()
	return err
}

// cooldownKeys lists every cooldown that blocks a new trade on this pairing.
func cooldownKeys(symbol, longVenue, shortVenue string) []string {
	return []string{
		"cooldown:orphan:" + symbol,
		"cooldown:margin:" + longVenue,
		"cooldown:margin:" + shortVenue,
		"cooldown:delta:" + symbol,
	}
}
