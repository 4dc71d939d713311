package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// Guard is the risk watchdog. The fast loop aggregates margin, orphan, and
// delta state into a snapshot and feeds the panic policy; the deep loop does
// the expensive venue sweeps: balance and position snapshots, funding
// accrual, liquidation proximity, and registry cleanup.
type Guard struct {
	params    Params
	reg       *Registry
	venues    VenueSource
	ctrl      *Controller
	policy    PanicPolicy
	cooldowns domain.CooldownStore
	snapshots domain.SnapshotStore
	rec       Recorder
	clock     domain.Clock
	logger    *slog.Logger

	mu   sync.RWMutex
	last domain.RiskSnapshot
}

// NewGuard wires the risk guard.
func NewGuard(
	params Params,
	reg *Registry,
	venues VenueSource,
	ctrl *Controller,
	cooldowns domain.CooldownStore,
	snapshots domain.SnapshotStore,
	rec Recorder,
	clock domain.Clock,
	logger *slog.Logger,
) *Guard {
	return &Guard{
		params:    params,
		reg:       reg,
		venues:    venues,
		ctrl:      ctrl,
		policy:    NewPanicPolicy(params),
		cooldowns: cooldowns,
		snapshots: snapshots,
		rec:       rec,
		clock:     clock,
		logger:    logger.With(slog.String("component", "risk_guard")),
	}
}

// Run executes the fast and deep cycles until the context is cancelled.
func (g *Guard) Run(ctx context.Context) error {
	g.logger.Info("risk guard started",
		slog.Duration("interval", g.params.GuardInterval),
		slog.Duration("deep_interval", g.params.DeepInterval),
	)
	defer g.logger.Info("risk guard stopped")

	fast := g.clock.NewTicker(g.params.GuardInterval)
	defer fast.Stop()
	deep := g.clock.NewTicker(g.params.DeepInterval)
	defer deep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fast.C():
			g.Cycle(ctx)
		case <-deep.C():
			g.DeepCycle(ctx)
		}
	}
}

// Last returns the most recent risk snapshot for the status API.
func (g *Guard) Last() domain.RiskSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last
}

// Cycle collects one snapshot and acts on whatever the policy demands.
func (g *Guard) Cycle(ctx context.Context) {
	snap := g.Collect(ctx)
	g.mu.Lock()
	g.last = snap
	g.mu.Unlock()

	for _, d := range g.policy.Evaluate(snap) {
		g.act(ctx, snap, d)
	}
}

// Collect aggregates margin and per-trade risk across venues.
func (g *Guard) Collect(ctx context.Context) domain.RiskSnapshot {
	now := g.clock.Now()
	snap := domain.RiskSnapshot{
		TakenAt:       now,
		MarginByVenue: make(map[string]decimal.Decimal),
	}

	for _, venue := range g.venues.Venues() {
		adapter, err := g.venues.Adapter(venue)
		if err != nil {
			continue
		}
		bal, err := adapter.GetBalance(ctx)
		if err != nil {
			g.logger.Warn("balance query failed",
				slog.String("venue", venue),
				slog.String("error", err.Error()),
			)
			continue
		}
		usage := bal.MarginUsage()
		snap.MarginByVenue[venue] = usage
		if usage.GreaterThan(snap.MarginUsage) {
			snap.MarginUsage = usage
		}
	}

	for _, m := range g.reg.Active() {
		t := m.Snapshot()
		age, orphaned := orphanAge(t, now)
		if orphaned {
			snap.OrphanCount++
			if age > snap.WorstOrphanAge {
				snap.WorstOrphanAge = age
			}
		}
		snap.Trades = append(snap.Trades, domain.TradeRisk{
			TradeID:     t.ID,
			Symbol:      t.Symbol,
			LongVenue:   t.LongVenue,
			ShortVenue:  t.ShortVenue,
			State:       t.State,
			DeltaPct:    t.DeltaPct(),
			OrphanAge:   age,
			NotionalUSD: t.NotionalUSD,
		})
	}
	snap.ActiveTrades = len(snap.Trades)
	return snap
}

// act executes one policy decision, honoring cooldown suppression for the
// soft actions.
func (g *Guard) act(ctx context.Context, snap domain.RiskSnapshot, d domain.PanicDecision) {
	var target domain.TradeRisk
	for _, tr := range snap.Trades {
		if tr.TradeID == d.Trade {
			target = tr
			break
		}
	}
	keys := CooldownKeys(d, target)

	if g.policy.Suppressible(d) {
		for _, key := range keys {
			active, err := g.cooldowns.Active(ctx, key)
			if err == nil && active {
				g.logger.Debug("panic action suppressed by cooldown",
					slog.String("trigger", string(d.Trigger)),
					slog.String("key", key),
				)
				return
			}
		}
	}

	g.logger.Error("panic trigger fired",
		slog.String("trigger", string(d.Trigger)),
		slog.String("action", string(d.Action)),
		slog.String("trade_id", d.Trade.String()),
		slog.String("reason", d.Reason),
	)
	g.rec.Incident(domain.Incident{
		TradeID:    d.Trade,
		Type:       incidentFor(d.Trigger),
		Severity:   severityFor(d.Action),
		Symbol:     target.Symbol,
		Message:    d.Reason,
		DetectedAt: g.clock.Now(),
		Action:     string(d.Action),
	})

	var err error
	switch d.Action {
	case domain.ActionReduce:
		err = g.ctrl.Close(ctx, d.Trade, "risk reduce: "+d.Reason)
	case domain.ActionEmergencyClose:
		err = g.ctrl.EmergencyClose(ctx, d.Trade, d.Reason)
	default:
		return
	}
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			g.logger.Info("panic action deferred, trade busy", slog.String("trade_id", d.Trade.String()))
			return
		}
		g.logger.Error("panic action failed",
			slog.String("trade_id", d.Trade.String()),
			slog.String("error", err.Error()),
		)
	}

	until := g.clock.Now().Add(d.Cooldown)
	for _, key := range keys {
		if cerr := g.cooldowns.Set(ctx, key, until); cerr != nil {
			g.logger.Warn("cooldown set failed", slog.String("key", key), slog.String("error", cerr.Error()))
		}
	}
}

// DeepCycle runs the expensive venue sweeps.
func (g *Guard) DeepCycle(ctx context.Context) {
	g.snapshotVenues(ctx)
	g.accrueFunding(ctx)
	g.checkLiquidation(ctx)
	g.reg.Sweep(24 * time.Hour)
}

// snapshotVenues persists per-venue balances and open positions so the
// operator API and post-mortems see what the venues saw.
func (g *Guard) snapshotVenues(ctx context.Context) {
	symbols := make(map[string]struct{})
	for _, m := range g.reg.Active() {
		t := m.Snapshot()
		symbols[t.Symbol] = struct{}{}
	}

	for _, venue := range g.venues.Venues() {
		adapter, err := g.venues.Adapter(venue)
		if err != nil {
			continue
		}
		if bal, err := adapter.GetBalance(ctx); err == nil {
			if serr := g.snapshots.SetBalance(ctx, bal); serr != nil {
				g.logger.Warn("balance snapshot failed", slog.String("venue", venue), slog.String("error", serr.Error()))
			}
		}

		var positions []domain.Position
		for symbol := range symbols {
			pos, err := adapter.GetPosition(ctx, symbol)
			if err != nil || pos.Quantity.IsZero() {
				continue
			}
			positions = append(positions, pos)
		}
		if err := g.snapshots.SetPositions(ctx, venue, positions); err != nil {
			g.logger.Warn("position snapshot failed", slog.String("venue", venue), slog.String("error", err.Error()))
		}
	}
}

// accrueFunding estimates funding collected by each hedged trade since the
// last deep cycle. The estimate is the daily net rate prorated over the deep
// interval; venue statements reconcile the exact figure offline.
func (g *Guard) accrueFunding(ctx context.Context) {
	dayFraction := decimal.NewFromFloat(g.params.DeepInterval.Hours() / 24)

	for _, m := range g.reg.Active() {
		t := m.Snapshot()
		if t.State != domain.StateActiveHedged {
			continue
		}
		longAd, lerr := g.venues.Adapter(t.LongVenue)
		shortAd, serr := g.venues.Adapter(t.ShortVenue)
		if lerr != nil || serr != nil {
			continue
		}
		longRate, lerr := longAd.GetFundingRate(ctx, t.Symbol)
		shortRate, serr := shortAd.GetFundingRate(ctx, t.Symbol)
		if lerr != nil || serr != nil {
			continue
		}

		// Longs pay funding when the rate is positive; shorts receive it.
		netPerDay := shortRate.RatePerDay().Sub(longRate.RatePerDay())
		accrued := netPerDay.Mul(t.NotionalUSD).Mul(dayFraction)
		if accrued.IsZero() {
			continue
		}
		m.Lock()
		m.Trade().FundingCollected = m.Trade().FundingCollected.Add(accrued)
		m.Unlock()
	}
}

// checkLiquidation emergency-closes trades whose mark price has moved within
// 5% of a leg's liquidation price.
func (g *Guard) checkLiquidation(ctx context.Context) {
	proximity := decimal.NewFromFloat(0.05)

	for _, m := range g.reg.Active() {
		t := m.Snapshot()
		if t.State != domain.StateActiveHedged {
			continue
		}
		for _, venue := range []string{t.LongVenue, t.ShortVenue} {
			adapter, err := g.venues.Adapter(venue)
			if err != nil {
				continue
			}
			pos, err := adapter.GetPosition(ctx, t.Symbol)
			if err != nil || pos.Quantity.IsZero() || pos.LiquidationPrice.IsZero() || pos.MarkPrice.IsZero() {
				continue
			}
			dist := pos.MarkPrice.Sub(pos.LiquidationPrice).Abs().Div(pos.MarkPrice)
			if dist.GreaterThan(proximity) {
				continue
			}
			g.rec.Incident(domain.Incident{
				TradeID:    t.ID,
				Type:       domain.IncidentLiquidation,
				Severity:   domain.SeverityS3,
				Venue:      venue,
				Symbol:     t.Symbol,
				Message:    "mark price within 5% of liquidation",
				Measured:   dist,
				Threshold:  proximity,
				DetectedAt: g.clock.Now(),
				Action:     string(domain.ActionEmergencyClose),
			})
			if err := g.ctrl.EmergencyClose(ctx, t.ID, "liquidation proximity on "+venue); err != nil &&
				!errors.Is(err, domain.ErrLockHeld) {
				g.logger.Error("liquidation close failed",
					slog.String("trade_id", t.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			break
		}
	}
}

func incidentFor(tr domain.PanicTrigger) domain.IncidentType {
	switch tr {
	case domain.TriggerOrphanAge:
		return domain.IncidentOrphan
	case domain.TriggerDeltaBreach:
		return domain.IncidentDeltaBreach
	case domain.TriggerLiquidation:
		return domain.IncidentLiquidation
	default:
		return domain.IncidentMarginBreach
	}
}

func severityFor(a domain.PanicAction) domain.Severity {
	if a == domain.ActionEmergencyClose {
		return domain.SeverityS2
	}
	return domain.SeverityS1
}
