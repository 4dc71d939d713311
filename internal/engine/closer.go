package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// Close unwinds a hedged trade: both legs are flattened concurrently with
// reduce-only orders, then reconciliation verifies the venues actually report
// flat before the trade is declared closed.
func (c *Controller) Close(ctx context.Context, id uuid.UUID, reason string) error {
	m, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("engine: trade %s: %w", id, domain.ErrNotFound)
	}
	release, err := c.acquire(ctx, id, c.params.MarginCooldown)
	if err != nil {
		return err
	}
	defer release()

	m.Lock()
	m.Trade().CloseReason = reason
	err = m.Transition(domain.StatePendingClose, reason)
	m.Unlock()
	if err != nil {
		return err
	}
	return c.closeLocked(ctx, m, reason)
}

// closeLocked runs the PENDING_CLOSE / RECONCILIATION loop. The caller holds
// the trade's execution lock and the machine is already in PENDING_CLOSE.
func (c *Controller) closeLocked(ctx context.Context, m *Machine, reason string) error {
	for attempt := 0; ; attempt++ {
		if err := c.flattenBoth(ctx, m); err != nil {
			c.logger.Error("close placement failed",
				slog.String("trade_id", m.ID().String()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}

		m.Lock()
		terr := m.Transition(domain.StateReconciliation, "close orders done, verifying")
		m.Unlock()
		if terr != nil {
			return terr
		}

		residue, verr := c.verifyFlat(ctx, m)
		if verr != nil {
			return c.escalate(ctx, m, "close verification failed: "+verr.Error())
		}
		if residue.IsZero() {
			return c.finishClosed(ctx, m, reason)
		}

		if attempt >= c.params.CloseRetries {
			return c.escalate(ctx, m, fmt.Sprintf("residue %s after %d close attempts", residue, attempt+1))
		}
		c.logger.Warn("close left residue, retrying",
			slog.String("trade_id", m.ID().String()),
			slog.String("residue", residue.String()),
		)
		m.Lock()
		terr = m.Transition(domain.StatePendingClose, "residual position found")
		m.Unlock()
		if terr != nil {
			return terr
		}
	}
}

// flattenBoth closes both legs' live exposure concurrently. It queries each
// venue for the real position and flattens that, not the engine's belief.
func (c *Controller) flattenBoth(ctx context.Context, m *Machine) error {
	var firstErr error
	done := make(chan error, 2)
	for _, side := range []domain.LegSide{domain.SideLong, domain.SideShort} {
		side := side
		go func() { done <- c.flattenLeg(ctx, m, side) }()
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flattenLeg cancels any resting order on the leg, then sends a reduce-only
// market order for the venue-reported position size.
func (c *Controller) flattenLeg(ctx context.Context, m *Machine, side domain.LegSide) error {
	t := m.Snapshot()
	leg := t.Leg(side)
	adapter, err := c.venues.Adapter(leg.Venue)
	if err != nil {
		return err
	}

	if leg.HasOpenOrder() {
		cctx, cancel := context.WithTimeout(ctx, c.params.CancelTimeout)
		cerr := adapter.CancelOrder(cctx, domain.OrderRef{Venue: leg.Venue, OrderID: leg.OrderID})
		cancel()
		if cerr != nil && !errors.Is(cerr, domain.ErrNotFound) {
			c.logger.Warn("cancel before close failed",
				slog.String("venue", leg.Venue),
				slog.String("error", cerr.Error()),
			)
		}
	}

	pos, err := adapter.GetPosition(ctx, t.Symbol)
	if err != nil {
		return fmt.Errorf("%s: position: %w", leg.Venue, err)
	}
	qty := pos.Quantity.Abs()
	if qty.IsZero() {
		return nil
	}

	req := domain.OrderRequest{
		Venue:      leg.Venue,
		Symbol:     t.Symbol,
		Side:       domain.CloseSide(pos.Side()),
		Quantity:   qty,
		ReduceOnly: true,
		ClientID:   clientID(t, side, "close", leg.ChaseCount),
	}
	ref, state, err := c.placeResolved(ctx, adapter, m, req)
	if err != nil {
		return fmt.Errorf("%s: close order: %w", leg.Venue, err)
	}

	// Reduce-only market orders fill immediately or not at all; one re-query
	// captures the price and fee for PnL.
	if state == nil {
		qctx, cancel := context.WithTimeout(ctx, c.params.OrderTimeout)
		s, qerr := adapter.GetOrder(qctx, ref)
		cancel()
		if qerr == nil {
			state = &s
		}
	}
	if state != nil {
		m.Lock()
		l := m.Trade().Leg(side)
		l.FeeUSD = l.FeeUSD.Add(state.FeeUSD)
		recordClosePnL(m.Trade(), side, *state)
		m.Unlock()
	}
	return nil
}

// recordClosePnL accrues one leg's realized PnL from a close fill. Caller
// holds the machine lock.
func recordClosePnL(t *domain.Trade, side domain.LegSide, state domain.OrderState) {
	leg := t.Leg(side)
	if leg.AvgFillPrice.IsZero() || state.AvgPrice.IsZero() {
		return
	}
	diff := state.AvgPrice.Sub(leg.AvgFillPrice)
	if side == domain.SideShort {
		diff = diff.Neg()
	}
	t.RealizedPnLUSD = t.RealizedPnLUSD.Add(diff.Mul(state.FilledQty))
	t.TotalFeesUSD = t.TotalFeesUSD.Add(state.FeeUSD)
}

// verifyFlat asks both venues for the live position and returns the total
// absolute residue beyond tolerance.
func (c *Controller) verifyFlat(ctx context.Context, m *Machine) (decimal.Decimal, error) {
	t := m.Snapshot()
	residue := decimal.Zero
	for _, venue := range []string{t.LongVenue, t.ShortVenue} {
		adapter, err := c.venues.Adapter(venue)
		if err != nil {
			return residue, err
		}
		pos, err := adapter.GetPosition(ctx, t.Symbol)
		if err != nil {
			return residue, fmt.Errorf("%s: %w", venue, err)
		}
		if abs := pos.Quantity.Abs(); abs.GreaterThan(c.params.ReconcileTolerance) {
			residue = residue.Add(abs)
		}
	}
	return residue, nil
}

// finishClosed records final accounting and lands the trade in CLOSED.
func (c *Controller) finishClosed(ctx context.Context, m *Machine, reason string) error {
	m.Lock()
	t := m.Trade()
	t.RealizedPnLUSD = t.RealizedPnLUSD.Add(t.FundingCollected)
	now := c.clock.Now()
	t.ReconciledAt = &now
	err := m.Transition(domain.StateClosed, reason)
	pnl := t.RealizedPnLUSD
	m.Unlock()
	if err != nil {
		return err
	}
	c.logger.Info("trade closed",
		slog.String("trade_id", m.ID().String()),
		slog.String("reason", reason),
		slog.String("realized_pnl_usd", pnl.StringFixed(2)),
	)
	return nil
}

// RecoverOrphan takes the execution lock and forces the trade into orphan
// recovery. The reconciler and the risk guard call this when they detect
// single-leg exposure outside the open path.
func (c *Controller) RecoverOrphan(ctx context.Context, id uuid.UUID, inc domain.Incident) error {
	m, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("engine: trade %s: %w", id, domain.ErrNotFound)
	}
	release, err := c.acquire(ctx, id, c.params.OrphanCooldown)
	if err != nil {
		return err
	}
	defer release()
	return c.recoverLocked(ctx, m, inc)
}

// recoverLocked flattens whatever exposure exists and closes the trade. The
// caller holds the execution lock. A recovery that cannot flatten escalates
// to emergency close; a recovery that flattens cleanly ends in CLOSED even
// when nothing had filled.
func (c *Controller) recoverLocked(ctx context.Context, m *Machine, inc domain.Incident) error {
	m.Lock()
	m.Trade().IncidentCount++
	err := m.ForceTransition(domain.StateOrphanRecovery, inc.Message)
	m.Unlock()
	if err != nil {
		return err
	}
	c.rec.Incident(inc)

	c.cancelOpenOrders(ctx, m)
	if err := c.flattenBoth(ctx, m); err != nil {
		return c.escalate(ctx, m, "orphan flatten failed: "+err.Error())
	}

	residue, err := c.verifyFlat(ctx, m)
	if err != nil || residue.GreaterThan(decimal.Zero) {
		msg := "orphan residue remains"
		if err != nil {
			msg = "orphan verification failed: " + err.Error()
		}
		return c.escalate(ctx, m, msg)
	}

	c.setCooldown(ctx, "cooldown:orphan:"+inc.Symbol, c.params.OrphanCooldown)
	return c.finishClosed(ctx, m, "orphan recovered")
}

// EmergencyClose force-closes one trade outside the normal lifecycle, used
// by the panic policy and the operator endpoint.
func (c *Controller) EmergencyClose(ctx context.Context, id uuid.UUID, reason string) error {
	m, ok := c.reg.Get(id)
	if !ok {
		return fmt.Errorf("engine: trade %s: %w", id, domain.ErrNotFound)
	}
	release, err := c.acquire(ctx, id, c.params.MarginCooldown)
	if err != nil {
		return err
	}
	defer release()
	return c.escalate(ctx, m, reason)
}

// escalate is the last resort: force EMERGENCY_CLOSE, market-flatten
// everything, and land in CLOSED or FAILED depending on whether the venues
// confirm flat. FAILED trades carry live exposure and page the operator.
func (c *Controller) escalate(ctx context.Context, m *Machine, reason string) error {
	m.Lock()
	m.Trade().IncidentCount++
	err := m.ForceTransition(domain.StateEmergencyClose, reason)
	m.Unlock()
	if err != nil {
		return err
	}

	c.cancelOpenOrders(ctx, m)
	flattenErr := c.flattenBoth(ctx, m)
	residue, verr := c.verifyFlat(ctx, m)

	t := m.Snapshot()
	if flattenErr == nil && verr == nil && residue.IsZero() {
		c.setCooldown(ctx, "cooldown:margin:"+t.LongVenue, c.params.MarginCooldown)
		c.setCooldown(ctx, "cooldown:margin:"+t.ShortVenue, c.params.MarginCooldown)
		return c.finishClosed(ctx, m, "emergency close: "+reason)
	}

	detail := "unverified"
	if flattenErr != nil {
		detail = flattenErr.Error()
	} else if verr != nil {
		detail = verr.Error()
	} else {
		detail = "residue " + residue.String()
	}
	c.rec.Incident(domain.Incident{
		TradeID:    t.ID,
		Type:       domain.IncidentManualAttn,
		Severity:   domain.SeverityS3,
		Symbol:     t.Symbol,
		Message:    "emergency close could not confirm flat: " + detail,
		DetectedAt: c.clock.Now(),
		Action:     "manual_intervention",
	})
	m.Lock()
	m.Trade().CloseReason = reason
	err = m.ForceTransition(domain.StateFailed, "emergency close unverified: "+detail)
	m.Unlock()
	if err != nil {
		return err
	}
	return fmt.Errorf("engine: emergency close unverified: %s", detail)
}

// EmergencyStop pauses intake and force-closes every active trade. The halt
// latch stays engaged until the process restarts or an operator clears it.
func (c *Controller) EmergencyStop(ctx context.Context, reason string) error {
	c.halted.Store(true)
	c.paused.Store(true)
	c.logger.Error("emergency stop engaged", slog.String("reason", reason))
	c.rec.Audit("emergency_stop", nil, map[string]any{"reason": reason})
	c.rec.Incident(domain.Incident{
		Type:       domain.IncidentEmergencyStop,
		Severity:   domain.SeverityS3,
		Message:    reason,
		DetectedAt: c.clock.Now(),
		Action:     "close_all",
	})

	var firstErr error
	for _, m := range c.reg.Active() {
		if err := c.EmergencyClose(ctx, m.ID(), "emergency stop: "+reason); err != nil {
			c.logger.Error("emergency close failed during stop",
				slog.String("trade_id", m.ID().String()),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ClearHalt releases the emergency stop latch. Operator action only.
func (c *Controller) ClearHalt() {
	if c.halted.CompareAndSwap(true, false) {
		c.paused.Store(false)
		c.logger.Warn("emergency stop cleared by operator")
		c.rec.Audit("emergency_stop_cleared", nil, nil)
	}
}

func (c *Controller) setCooldown(ctx context.Context, key string, d time.Duration) {
	until := c.clock.Now().Add(d)
	if err := c.cooldowns.Set(ctx, key, until); err != nil {
		c.logger.Warn("cooldown set failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}
