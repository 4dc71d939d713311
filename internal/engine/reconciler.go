package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// Reconciler periodically compares what the engine believes each hedged trade
// holds against what the venues actually report. A single mismatched cycle is
// noise (a fill in flight, a laggy venue snapshot); the same trade drifting
// two cycles in a row is treated as real and forced into recovery.
type Reconciler struct {
	params Params
	reg    *Registry
	venues VenueSource
	ctrl   *Controller
	rec    Recorder
	clock  domain.Clock
	logger *slog.Logger

	mu    sync.Mutex
	drift map[uuid.UUID]int
}

// NewReconciler wires a reconciliation loop.
func NewReconciler(params Params, reg *Registry, venues VenueSource, ctrl *Controller, rec Recorder, clock domain.Clock, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		params: params,
		reg:    reg,
		venues: venues,
		ctrl:   ctrl,
		rec:    rec,
		clock:  clock,
		logger: logger.With(slog.String("component", "reconciler")),
		drift:  make(map[uuid.UUID]int),
	}
}

// Run executes reconciliation cycles until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler started", slog.Duration("interval", r.params.ReconcileInterval))
	defer r.logger.Info("reconciler stopped")

	ticker := r.clock.NewTicker(r.params.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r.Cycle(ctx)
		}
	}
}

// Cycle reconciles every hedged trade once. Exported so tests and the deep
// guard loop can drive it without the ticker.
func (r *Reconciler) Cycle(ctx context.Context) {
	for _, m := range r.reg.Active() {
		t := m.Snapshot()
		if t.State != domain.StateActiveHedged {
			// Trades mid-open or mid-close are being actively driven by the
			// controller; reconciling them would race its own verification.
			continue
		}
		r.reconcileTrade(ctx, m, t)
	}
}

// reconcileTrade checks one trade's two venues and updates its drift count.
func (r *Reconciler) reconcileTrade(ctx context.Context, m *Machine, t domain.Trade) {
	mismatch, detail, err := r.compare(ctx, t)
	if err != nil {
		r.logger.Warn("reconcile query failed",
			slog.String("trade_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if !mismatch {
		r.resetDrift(m, t.ID)
		return
	}

	count := r.bumpDrift(t.ID)
	r.logger.Warn("position drift detected",
		slog.String("trade_id", t.ID.String()),
		slog.String("detail", detail),
		slog.Int("consecutive", count),
	)

	if count == 1 {
		r.rec.Incident(domain.Incident{
			TradeID:    t.ID,
			Type:       domain.IncidentReconDrift,
			Severity:   domain.SeverityS1,
			Symbol:     t.Symbol,
			Message:    detail,
			DetectedAt: r.clock.Now(),
			Action:     "observe",
		})
		return
	}
	if count < r.params.DriftEscalation {
		return
	}

	err = r.ctrl.RecoverOrphan(ctx, t.ID, domain.Incident{
		TradeID:    t.ID,
		Type:       domain.IncidentReconDrift,
		Severity:   domain.SeverityS2,
		Symbol:     t.Symbol,
		Message:    fmt.Sprintf("drift persisted %d cycles: %s", count, detail),
		Measured:   decimal.NewFromInt(int64(count)),
		Threshold:  decimal.NewFromInt(int64(r.params.DriftEscalation)),
		DetectedAt: r.clock.Now(),
		Action:     "force_recovery",
	})
	switch {
	case err == nil:
		r.resetDrift(m, t.ID)
	case errors.Is(err, domain.ErrLockHeld):
		// The controller is already working the trade; it will converge or
		// escalate on its own. Keep the count for the next cycle.
		r.logger.Info("recovery deferred, trade busy", slog.String("trade_id", t.ID.String()))
	default:
		r.logger.Error("forced recovery failed",
			slog.String("trade_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// compare queries both venues and reports whether the believed and actual
// positions diverge beyond tolerance.
func (r *Reconciler) compare(ctx context.Context, t domain.Trade) (bool, string, error) {
	type check struct {
		venue    string
		believed decimal.Decimal // signed
	}
	checks := []check{
		{t.LongVenue, t.LongLeg.FilledQty},
		{t.ShortVenue, t.ShortLeg.FilledQty.Neg()},
	}

	for _, ch := range checks {
		adapter, err := r.venues.Adapter(ch.venue)
		if err != nil {
			return false, "", err
		}
		pos, err := adapter.GetPosition(ctx, t.Symbol)
		if err != nil {
			return false, "", fmt.Errorf("%s: %w", ch.venue, err)
		}
		if diff := pos.Quantity.Sub(ch.believed).Abs(); diff.GreaterThan(r.params.ReconcileTolerance) {
			return true, fmt.Sprintf("%s: believed %s, venue reports %s",
				ch.venue, ch.believed, pos.Quantity), nil
		}
	}
	return false, "", nil
}

func (r *Reconciler) bumpDrift(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drift[id]++
	return r.drift[id]
}

func (r *Reconciler) resetDrift(m *Machine, id uuid.UUID) {
	r.mu.Lock()
	had := r.drift[id] > 0
	delete(r.drift, id)
	r.mu.Unlock()

	now := r.clock.Now()
	m.Lock()
	m.Trade().ReconciledAt = &now
	m.Unlock()
	if had {
		r.logger.Info("drift cleared", slog.String("trade_id", id.String()))
	}
}
