package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

func TestOpenChasesLaggingLegThenRecoversOrphan(t *testing.T) {
	env := newTestEnv(t)
	env.slowBeta(time.Hour)

	m, err := env.ctrl.Open(context.Background(), env.opportunity())
	if !errors.Is(err, domain.ErrOrphaned) {
		t.Fatalf("err=%v want ErrOrphaned", err)
	}

	snap := m.Snapshot()
	if snap.State != domain.StateClosed {
		t.Fatalf("state=%s want %s", snap.State, domain.StateClosed)
	}
	// One chase per interval until the orphan budget expires: 150ms spacing
	// against a 500ms budget allows exactly the full attempt allowance.
	if got := snap.ShortLeg.ChaseCount; got != DefaultParams().MaxChaseAttempts {
		t.Fatalf("short chase count=%d want %d", got, DefaultParams().MaxChaseAttempts)
	}

	var sawPartial, sawRecovery bool
	for _, ch := range snap.StateHistory {
		switch ch.To {
		case domain.StateOpenPartial:
			sawPartial = true
		case domain.StateOrphanRecovery:
			sawRecovery = true
		}
	}
	if !sawPartial || !sawRecovery {
		t.Fatalf("history partial=%v recovery=%v, want both", sawPartial, sawRecovery)
	}

	if _, ok := env.rec.findIncident(domain.IncidentChaseExhaust); ok {
		t.Fatal("market escalation fired before the orphan budget")
	}
	if _, ok := env.rec.findIncident(domain.IncidentOrphan); !ok {
		t.Fatal("orphan incident not recorded")
	}

	// Recovery must have flattened the filled long leg.
	if got := venueQty(t, env.alpha, testSymbol); !got.IsZero() {
		t.Fatalf("alpha residue %s after recovery", got)
	}
	if got := venueQty(t, env.beta, testSymbol); !got.IsZero() {
		t.Fatalf("beta residue %s after recovery", got)
	}

	active, aerr := env.cools.Active(context.Background(), "cooldown:orphan:"+testSymbol)
	if aerr != nil || !active {
		t.Fatalf("orphan cooldown active=%v err=%v, want active", active, aerr)
	}
}

func TestOpenOrphanBudgetBoundsSingleLegExposure(t *testing.T) {
	env := newTestEnv(t)
	env.slowBeta(time.Hour)

	// Chasing pushed out of reach: the orphan budget alone must bound the
	// one-legged exposure.
	params := DefaultParams()
	params.ChaseInterval = time.Minute
	ctrl := NewController(params, env.reg, env.mgr, env.health, env.locks, env.cools, env.rec, env.clock, testLogger())

	m, err := ctrl.Open(context.Background(), env.opportunity())
	if !errors.Is(err, domain.ErrOrphaned) {
		t.Fatalf("err=%v want ErrOrphaned", err)
	}

	snap := m.Snapshot()
	if snap.State != domain.StateClosed {
		t.Fatalf("state=%s want %s", snap.State, domain.StateClosed)
	}
	if snap.ShortLeg.ChaseCount != 0 {
		t.Fatalf("chase count=%d want 0 with chasing out of reach", snap.ShortLeg.ChaseCount)
	}

	orphan, ok := env.rec.findIncident(domain.IncidentOrphan)
	if !ok {
		t.Fatal("orphan incident not recorded")
	}
	if !orphan.Threshold.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("threshold=%s want 500", orphan.Threshold)
	}
	if !orphan.Measured.GreaterThan(orphan.Threshold) {
		t.Fatalf("measured=%s not over threshold %s", orphan.Measured, orphan.Threshold)
	}

	if got := venueQty(t, env.alpha, testSymbol); !got.IsZero() {
		t.Fatalf("alpha residue %s after recovery", got)
	}
}

func TestUnknownPlacementResolvedByRequery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.reg.Create(env.opportunity())
	trade := m.Snapshot()

	req := domain.OrderRequest{
		Venue:    "beta",
		Symbol:   testSymbol,
		Side:     domain.OrderSideSell,
		Quantity: decimal.NewFromFloat(0.02),
		Price:    decimal.NewFromInt(60002),
		ClientID: clientID(trade, domain.SideShort, "open", 0),
	}
	// The venue accepted the order but the response never arrived.
	accepted, err := env.beta.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	env.beta.FailNext("place", errors.New("response lost"))

	ref, state, err := env.ctrl.placeResolved(ctx, env.beta, m, req)
	if err != nil {
		t.Fatalf("placeResolved: %v", err)
	}
	if ref.OrderID != accepted.OrderID {
		t.Fatalf("order id=%s want %s, a duplicate was submitted", ref.OrderID, accepted.OrderID)
	}
	if state == nil {
		t.Fatal("resolved placement returned no order state")
	}
}

func TestUnknownPlacementNeverSeenByVenueFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.reg.Create(env.opportunity())
	trade := m.Snapshot()

	req := domain.OrderRequest{
		Venue:    "beta",
		Symbol:   testSymbol,
		Side:     domain.OrderSideSell,
		Quantity: decimal.NewFromFloat(0.02),
		Price:    decimal.NewFromInt(60002),
		ClientID: clientID(trade, domain.SideShort, "open", 0),
	}
	placeErr := errors.New("dial timeout")
	env.beta.FailNext("place", placeErr)

	if _, _, err := env.ctrl.placeResolved(ctx, env.beta, m, req); !errors.Is(err, placeErr) {
		t.Fatalf("err=%v want the placement error", err)
	}
	if _, err := env.beta.GetOrder(ctx, domain.OrderRef{Venue: "beta", ClientID: req.ClientID}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("order err=%v want ErrNotFound", err)
	}
}

func TestChaseDeferredWhenPostCancelQueryFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.reg.Create(env.opportunity())
	trade := m.Snapshot()

	// A short order resting above the bid, submitted the way the open would.
	ref, err := env.beta.PlaceOrder(ctx, domain.OrderRequest{
		Venue:    "beta",
		Symbol:   testSymbol,
		Side:     domain.OrderSideSell,
		Quantity: decimal.NewFromFloat(0.02),
		Price:    decimal.NewFromInt(60002),
		ClientID: clientID(trade, domain.SideShort, "open", 0),
	})
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	past := env.clock.Now().Add(-time.Second)
	m.Lock()
	l := m.Trade().Leg(domain.SideShort)
	l.OrderID = ref.OrderID
	l.Status = domain.LegPending
	l.SubmittedAt = &past
	m.Unlock()

	// The cancel lands but the follow-up fill query does not.
	env.beta.FailNext("order", errors.New("gateway timeout"))
	env.ctrl.maybeChase(ctx, m, domain.SideShort)

	leg := m.Snapshot().ShortLeg
	if leg.ChaseCount != 0 {
		t.Fatalf("chase count=%d want 0 after deferred chase", leg.ChaseCount)
	}
	if leg.OrderID != ref.OrderID {
		t.Fatalf("order id=%s want %s, leg re-placed without fresh fill state", leg.OrderID, ref.OrderID)
	}
	replacementID := clientID(trade, domain.SideShort, "open", 1)
	if _, err := env.beta.GetOrder(ctx, domain.OrderRef{Venue: "beta", ClientID: replacementID}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("replacement order err=%v want ErrNotFound", err)
	}

	// Next poll, with the query healthy again, the chase proceeds.
	env.ctrl.maybeChase(ctx, m, domain.SideShort)
	if got := m.Snapshot().ShortLeg.ChaseCount; got != 1 {
		t.Fatalf("chase count=%d want 1 once the refresh succeeds", got)
	}
}
