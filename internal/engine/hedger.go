package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// executeOpen places both legs concurrently and then watches fills until the
// trade is hedged, a leg becomes an orphan, or the open budget expires.
// Exposure can exist from the first placement onward, so every exit from here
// goes through a path that accounts for it.
func (c *Controller) executeOpen(ctx context.Context, m *Machine) error {
	start := c.clock.Now()
	openCtx, cancel := context.WithDeadline(ctx, start.Add(c.params.MaxOpenTime))
	defer cancel()

	g, gctx := errgroup.WithContext(openCtx)
	for _, side := range []domain.LegSide{domain.SideLong, domain.SideShort} {
		side := side
		g.Go(func() error {
			return c.submitOpenLeg(gctx, m, side)
		})
	}
	if err := g.Wait(); err != nil {
		// At least one placement failed outright. Whatever did land is
		// exposure; the orphan path cancels and flattens it.
		c.logger.Error("paired open submission failed",
			slog.String("trade_id", m.ID().String()),
			slog.String("error", err.Error()),
		)
		return c.abortOpen(ctx, m, "open submission failed: "+err.Error())
	}

	return c.awaitHedge(ctx, m, start)
}

// submitOpenLeg places one leg's opening order at the touch price.
func (c *Controller) submitOpenLeg(ctx context.Context, m *Machine, side domain.LegSide) error {
	t := m.Snapshot()
	leg := t.Leg(side)

	adapter, err := c.venues.Adapter(leg.Venue)
	if err != nil {
		return err
	}
	price, err := c.touchPrice(ctx, adapter, t.Symbol, domain.OpenSide(side))
	if err != nil {
		return fmt.Errorf("%s: %w", leg.Venue, err)
	}

	req := domain.OrderRequest{
		Venue:    leg.Venue,
		Symbol:   t.Symbol,
		Side:     domain.OpenSide(side),
		Quantity: leg.Remaining(),
		Price:    price,
		ClientID: clientID(t, side, "open", 0),
	}
	ref, state, err := c.placeResolved(ctx, adapter, m, req)
	if err != nil {
		return fmt.Errorf("%s: %w", leg.Venue, err)
	}

	now := c.clock.Now()
	m.Lock()
	l := m.Trade().Leg(side)
	l.OrderID = ref.OrderID
	l.Status = domain.LegPending
	l.SubmittedAt = &now
	if state != nil {
		applyFill(l, *state, now)
	}
	m.Unlock()
	return nil
}

// placeResolved submits an order and, when the outcome is unknown (timeout or
// transport error after the request may have reached the venue), re-queries
// by client id before reporting failure. Retrying a placement without the
// re-query risks doubling the position.
func (c *Controller) placeResolved(ctx context.Context, adapter domain.Adapter, m *Machine, req domain.OrderRequest) (domain.OrderRef, *domain.OrderState, error) {
	id := m.ID()
	c.rec.Audit("order_intent", &id, map[string]any{
		"venue":     req.Venue,
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"qty":       req.Quantity.String(),
		"price":     req.Price.String(),
		"client_id": req.ClientID,
		"reduce":    req.ReduceOnly,
	})

	callCtx, cancel := context.WithTimeout(ctx, c.params.OrderTimeout)
	ref, err := adapter.PlaceOrder(callCtx, req)
	cancel()
	if err == nil {
		return ref, nil, nil
	}
	if errors.Is(err, domain.ErrOrderRejected) {
		return domain.OrderRef{}, nil, err
	}

	// Unknown outcome: the order may be live. Look it up by client id.
	c.logger.Warn("order outcome unknown, re-querying",
		slog.String("venue", req.Venue),
		slog.String("client_id", req.ClientID),
		slog.String("error", err.Error()),
	)
	qctx, qcancel := context.WithTimeout(ctx, c.params.OrderTimeout)
	state, qerr := adapter.GetOrder(qctx, domain.OrderRef{Venue: req.Venue, ClientID: req.ClientID})
	qcancel()
	if qerr != nil {
		if errors.Is(qerr, domain.ErrNotFound) {
			// Venue never saw it; the placement genuinely failed.
			return domain.OrderRef{}, nil, err
		}
		return domain.OrderRef{}, nil, fmt.Errorf("%w: place: %v, requery: %v", domain.ErrUnknownOutcome, err, qerr)
	}

	c.logger.Info("unknown outcome resolved, order is live",
		slog.String("venue", req.Venue),
		slog.String("order_id", state.OrderID),
	)
	return domain.OrderRef{Venue: req.Venue, OrderID: state.OrderID, ClientID: req.ClientID, SubmittedAt: c.clock.Now()}, &state, nil
}

// awaitHedge polls both legs until hedged, handling chases and orphan
// escalation. start is when PENDING_OPEN began.
func (c *Controller) awaitHedge(ctx context.Context, m *Machine, start time.Time) error {
	deadline := start.Add(c.params.MaxOpenTime)
	ticker := c.clock.NewTicker(c.params.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.abortOpen(context.WithoutCancel(ctx), m, "context cancelled during open")
		case <-ticker.C():
		}

		for _, side := range []domain.LegSide{domain.SideLong, domain.SideShort} {
			if err := c.refreshLeg(ctx, m, side); err != nil {
				c.logger.Warn("leg refresh failed",
					slog.String("trade_id", m.ID().String()),
					slog.String("side", string(side)),
					slog.String("error", err.Error()),
				)
			}
		}

		t := m.Snapshot()
		if t.IsHedged() {
			return c.markHedged(m)
		}

		// One leg done, the other still working: the orphan timer runs from
		// the completed leg's fill.
		if age, orphaned := orphanAge(t, c.clock.Now()); orphaned && age > c.params.OrphanBudget {
			c.logger.Error("orphan budget exceeded during open",
				slog.String("trade_id", t.ID.String()),
				slog.Int64("orphan_ms", age.Milliseconds()),
			)
			inc := domain.Incident{
				TradeID:    t.ID,
				Type:       domain.IncidentOrphan,
				Severity:   domain.SeverityS2,
				Symbol:     t.Symbol,
				Message:    fmt.Sprintf("single-leg exposure for %dms during open", age.Milliseconds()),
				Measured:   decimal.NewFromInt(age.Milliseconds()),
				Threshold:  decimal.NewFromInt(c.params.OrphanBudget.Milliseconds()),
				DetectedAt: c.clock.Now(),
			}
			if rerr := c.recoverLocked(ctx, m, inc); rerr != nil {
				return rerr
			}
			// The trade ended in recovery, not a hedge; callers must not
			// mistake the clean flatten for a successful open.
			return fmt.Errorf("engine: %s: %w", inc.Message, domain.ErrOrphaned)
		}

		if c.clock.Now().After(deadline) {
			return c.abortOpen(ctx, m, "open budget expired")
		}

		partial := t.LongLeg.FilledQty.GreaterThan(decimal.Zero) || t.ShortLeg.FilledQty.GreaterThan(decimal.Zero)
		if partial && t.State == domain.StatePendingOpen {
			m.Lock()
			_ = m.Transition(domain.StateOpenPartial, "first fill observed")
			m.Unlock()
		}

		for _, side := range []domain.LegSide{domain.SideLong, domain.SideShort} {
			c.maybeChase(ctx, m, side)
		}
	}
}

// refreshLeg re-queries one leg's order and folds the result into the trade.
func (c *Controller) refreshLeg(ctx context.Context, m *Machine, side domain.LegSide) error {
	t := m.Snapshot()
	leg := t.Leg(side)
	if !leg.HasOpenOrder() {
		return nil
	}
	adapter, err := c.venues.Adapter(leg.Venue)
	if err != nil {
		return err
	}
	qctx, cancel := context.WithTimeout(ctx, c.params.OrderTimeout)
	state, err := adapter.GetOrder(qctx, domain.OrderRef{Venue: leg.Venue, OrderID: leg.OrderID})
	cancel()
	if err != nil {
		return err
	}

	m.Lock()
	applyFill(m.Trade().Leg(side), state, c.clock.Now())
	m.Unlock()
	return nil
}

// applyFill folds an order state into a leg. Caller holds the machine lock.
func applyFill(l *domain.Leg, state domain.OrderState, now time.Time) {
	wasComplete := l.IsComplete()
	l.FilledQty = state.FilledQty
	l.AvgFillPrice = state.AvgPrice
	l.FeeUSD = state.FeeUSD

	switch {
	case state.Status == domain.OrderStatusFilled:
		l.Status = domain.LegFilled
	case state.Status == domain.OrderStatusPartial:
		l.Status = domain.LegPartial
	case state.Status == domain.OrderStatusCancelled:
		l.Status = domain.LegCancelled
	case state.Status == domain.OrderStatusRejected:
		l.Status = domain.LegFailed
	}
	if l.IsComplete() && !wasComplete {
		t := now
		l.FilledAt = &t
	}
}

// maybeChase cancels and re-prices a leg that has rested too long without
// completing. After the attempt budget the remaining size goes to market.
func (c *Controller) maybeChase(ctx context.Context, m *Machine, side domain.LegSide) {
	t := m.Snapshot()
	leg := t.Leg(side)
	if leg.IsComplete() || !leg.HasOpenOrder() || leg.SubmittedAt == nil {
		return
	}
	if c.clock.Now().Sub(*leg.SubmittedAt) < c.params.ChaseInterval {
		return
	}

	adapter, err := c.venues.Adapter(leg.Venue)
	if err != nil {
		return
	}

	// Cancel, then re-query: fills that landed during the cancel belong to us.
	cctx, cancel := context.WithTimeout(ctx, c.params.CancelTimeout)
	cerr := adapter.CancelOrder(cctx, domain.OrderRef{Venue: leg.Venue, OrderID: leg.OrderID})
	cancel()
	if cerr != nil && !errors.Is(cerr, domain.ErrNotFound) {
		c.logger.Warn("chase cancel failed",
			slog.String("venue", leg.Venue),
			slog.String("order_id", leg.OrderID),
			slog.String("error", cerr.Error()),
		)
		return
	}
	if err := c.refreshLeg(ctx, m, side); err != nil {
		// The re-place is sized off the refreshed fill state; a stale
		// Remaining could re-order quantity that filled during the cancel.
		c.logger.Warn("post-cancel refresh failed, chase deferred",
			slog.String("venue", leg.Venue),
			slog.String("order_id", leg.OrderID),
			slog.String("error", err.Error()),
		)
		return
	}
	t = m.Snapshot()
	leg = t.Leg(side)
	if leg.IsComplete() {
		return
	}

	exhausted := leg.ChaseCount >= c.params.MaxChaseAttempts
	req := domain.OrderRequest{
		Venue:    leg.Venue,
		Symbol:   t.Symbol,
		Side:     domain.OpenSide(side),
		Quantity: leg.Remaining(),
		ClientID: clientID(t, side, "open", leg.ChaseCount+1),
	}
	if exhausted {
		// Market order: bounded slippage was the limit orders' job, certainty
		// of fill is this one's.
		id := t.ID
		c.rec.Incident(domain.Incident{
			TradeID:    id,
			Type:       domain.IncidentChaseExhaust,
			Severity:   domain.SeverityS1,
			Venue:      leg.Venue,
			Symbol:     t.Symbol,
			Message:    fmt.Sprintf("%d chase attempts exhausted, escalating to market", leg.ChaseCount),
			Measured:   decimal.NewFromInt(int64(leg.ChaseCount)),
			Threshold:  decimal.NewFromInt(int64(c.params.MaxChaseAttempts)),
			DetectedAt: c.clock.Now(),
			Action:     "market_order",
		})
	} else {
		price, perr := c.touchPrice(ctx, adapter, t.Symbol, req.Side)
		if perr != nil {
			return
		}
		req.Price = price
	}

	ref, state, err := c.placeResolved(ctx, adapter, m, req)
	if err != nil {
		c.logger.Error("chase re-place failed",
			slog.String("venue", leg.Venue),
			slog.String("error", err.Error()),
		)
		return
	}

	now := c.clock.Now()
	m.Lock()
	l := m.Trade().Leg(side)
	l.OrderID = ref.OrderID
	l.Status = domain.LegPending
	l.ChaseCount++
	l.SubmittedAt = &now
	if state != nil {
		applyFill(l, *state, now)
	}
	m.Unlock()

	c.logger.Info("leg chased",
		slog.String("venue", leg.Venue),
		slog.String("side", string(side)),
		slog.Int("attempt", leg.ChaseCount+1),
		slog.Bool("market", exhausted),
	)
}

// markHedged completes the open phase.
func (c *Controller) markHedged(m *Machine) error {
	m.Lock()
	defer m.Unlock()

	t := m.Trade()
	gap := fillGap(t)
	if gap > c.params.FillEpsilon {
		c.logger.Info("legs filled with gap",
			slog.Int64("fill_gap_ms", gap.Milliseconds()),
		)
	}
	if t.MaxOrphanMs < gap.Milliseconds() {
		t.MaxOrphanMs = gap.Milliseconds()
	}
	return m.Transition(domain.StateActiveHedged, "both legs filled")
}

// abortOpen handles any failed open attempt. With zero fills it cancels the
// resting orders and fails the trade; with any fill it runs orphan recovery
// so the exposure is flattened.
func (c *Controller) abortOpen(ctx context.Context, m *Machine, reason string) error {
	c.cancelOpenOrders(ctx, m)

	t := m.Snapshot()
	if t.LongLeg.FilledQty.IsZero() && t.ShortLeg.FilledQty.IsZero() {
		m.Lock()
		m.Trade().CloseReason = reason
		err := m.Transition(domain.StateFailed, reason)
		m.Unlock()
		if err != nil {
			return err
		}
		return fmt.Errorf("engine: %s", reason)
	}

	if rerr := c.recoverLocked(ctx, m, domain.Incident{
		TradeID:    t.ID,
		Type:       domain.IncidentOrphan,
		Severity:   domain.SeverityS2,
		Symbol:     t.Symbol,
		Message:    reason,
		DetectedAt: c.clock.Now(),
	}); rerr != nil {
		return rerr
	}
	return fmt.Errorf("engine: %s: %w", reason, domain.ErrOrphaned)
}

// cancelOpenOrders best-effort cancels both legs' resting orders and folds in
// any fills that raced the cancel.
func (c *Controller) cancelOpenOrders(ctx context.Context, m *Machine) {
	for _, side := range []domain.LegSide{domain.SideLong, domain.SideShort} {
		t := m.Snapshot()
		leg := t.Leg(side)
		if !leg.HasOpenOrder() {
			continue
		}
		adapter, err := c.venues.Adapter(leg.Venue)
		if err != nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, c.params.CancelTimeout)
		err = adapter.CancelOrder(cctx, domain.OrderRef{Venue: leg.Venue, OrderID: leg.OrderID})
		cancel()
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("cancel failed",
				slog.String("venue", leg.Venue),
				slog.String("order_id", leg.OrderID),
				slog.String("error", err.Error()),
			)
		}
		_ = c.refreshLeg(ctx, m, side)

		m.Lock()
		l := m.Trade().Leg(side)
		if l.HasOpenOrder() {
			l.Status = domain.LegCancelled
		}
		m.Unlock()
	}
}

// touchPrice returns the aggressive limit price for a side: buy at the ask,
// sell at the bid, normalized to the venue tick.
func (c *Controller) touchPrice(ctx context.Context, adapter domain.Adapter, symbol string, side domain.OrderSide) (decimal.Decimal, error) {
	tick, err := adapter.GetTicker(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker: %w", err)
	}
	if !tick.IsSane() {
		return decimal.Zero, domain.ErrStaleData
	}
	spec, err := adapter.Spec(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if side == domain.OrderSideBuy {
		return spec.NormalizePrice(tick.Ask), nil
	}
	return spec.NormalizePrice(tick.Bid), nil
}

// orphanAge returns how long exactly one leg has been fully filled while the
// other is not, and whether that condition currently holds.
func orphanAge(t domain.Trade, now time.Time) (time.Duration, bool) {
	longDone, shortDone := t.LongLeg.IsComplete(), t.ShortLeg.IsComplete()
	if longDone == shortDone {
		return 0, false
	}
	var filledAt *time.Time
	if longDone {
		filledAt = t.LongLeg.FilledAt
	} else {
		filledAt = t.ShortLeg.FilledAt
	}
	if filledAt == nil {
		return 0, false
	}
	return now.Sub(*filledAt), true
}

// fillGap returns the time between the two legs' completion.
func fillGap(t *domain.Trade) time.Duration {
	if t.LongLeg.FilledAt == nil || t.ShortLeg.FilledAt == nil {
		return 0
	}
	gap := t.LongLeg.FilledAt.Sub(*t.ShortLeg.FilledAt)
	if gap < 0 {
		gap = -gap
	}
	return gap
}

// clientID builds the idempotency key for one order attempt. Stable per
// attempt so an unknown outcome can be resolved by re-query.
func clientID(t domain.Trade, side domain.LegSide, phase string, attempt int) string {
	return fmt.Sprintf("%s-%s-%s-%d", t.ID, side, phase, attempt)
}
