package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

func newTestReconciler(env *testEnv) *Reconciler {
	return NewReconciler(DefaultParams(), env.reg, env.mgr, env.ctrl, env.rec, env.clock, testLogger())
}

// ghostFill changes a venue's real position behind the engine's back.
func ghostFill(t *testing.T, env *testEnv, qty float64) {
	t.Helper()
	_, err := env.alpha.PlaceOrder(context.Background(), domain.OrderRequest{
		Venue:    "alpha",
		Symbol:   testSymbol,
		Side:     domain.OrderSideBuy,
		Quantity: decimal.NewFromFloat(qty),
		ClientID: "ghost-fill",
	})
	if err != nil {
		t.Fatalf("ghost fill: %v", err)
	}
}

func TestReconcilerCleanCycleConfirms(t *testing.T) {
	env := newTestEnv(t)
	m := env.openHedged(t)
	r := newTestReconciler(env)

	r.Cycle(context.Background())

	snap := m.Snapshot()
	if snap.State != domain.StateActiveHedged {
		t.Fatalf("state=%s after clean cycle", snap.State)
	}
	if snap.ReconciledAt == nil {
		t.Fatal("clean cycle did not stamp ReconciledAt")
	}
	if n := len(env.rec.incidentTypes()); n != 0 {
		t.Fatalf("clean cycle recorded %d incidents", n)
	}
}

func TestReconcilerSingleDriftObservesOnly(t *testing.T) {
	env := newTestEnv(t)
	m := env.openHedged(t)
	r := newTestReconciler(env)
	ghostFill(t, env, 0.01)

	r.Cycle(context.Background())

	if got := m.State(); got != domain.StateActiveHedged {
		t.Fatalf("state=%s, first drift must not touch the trade", got)
	}
	types := env.rec.incidentTypes()
	if len(types) != 1 || types[0] != domain.IncidentReconDrift {
		t.Fatalf("incidents=%v want one reconciliation drift", types)
	}
}

func TestReconcilerConsecutiveDriftForcesRecovery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.openHedged(t)
	r := newTestReconciler(env)
	ghostFill(t, env, 0.01)

	r.Cycle(ctx)
	r.Cycle(ctx)

	snap := m.Snapshot()
	if snap.State != domain.StateClosed {
		t.Fatalf("state=%s want %s after second drift", snap.State, domain.StateClosed)
	}
	if got := venueQty(t, env.alpha, testSymbol); !got.IsZero() {
		t.Fatalf("alpha residue %s after forced recovery", got)
	}
	if got := venueQty(t, env.beta, testSymbol); !got.IsZero() {
		t.Fatalf("beta residue %s after forced recovery", got)
	}

	drifts := 0
	for _, typ := range env.rec.incidentTypes() {
		if typ == domain.IncidentReconDrift {
			drifts++
		}
	}
	if drifts != 2 {
		t.Fatalf("drift incidents=%d want 2 (observe, then escalate)", drifts)
	}

	active, err := env.cools.Active(ctx, "cooldown:orphan:"+testSymbol)
	if err != nil || !active {
		t.Fatalf("orphan cooldown active=%v err=%v, want active", active, err)
	}
}

func TestReconcilerDriftClearsBetweenCycles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.openHedged(t)
	r := newTestReconciler(env)
	ghostFill(t, env, 0.01)

	r.Cycle(ctx)

	// The ghost exposure disappears before the next cycle.
	_, err := env.alpha.PlaceOrder(ctx, domain.OrderRequest{
		Venue:    "alpha",
		Symbol:   testSymbol,
		Side:     domain.OrderSideSell,
		Quantity: decimal.NewFromFloat(0.01),
		ClientID: "ghost-unwind",
	})
	if err != nil {
		t.Fatalf("ghost unwind: %v", err)
	}

	r.Cycle(ctx)
	r.Cycle(ctx)

	if got := m.State(); got != domain.StateActiveHedged {
		t.Fatalf("state=%s, cleared drift must not escalate", got)
	}
}

func TestReconcilerSkipsTradesMidClose(t *testing.T) {
	env := newTestEnv(t)
	m := env.openHedged(t)
	r := newTestReconciler(env)

	m.Lock()
	if err := m.Transition(domain.StatePendingClose, "operator close"); err != nil {
		m.Unlock()
		t.Fatalf("transition: %v", err)
	}
	m.Unlock()
	ghostFill(t, env, 0.01)

	r.Cycle(context.Background())
	if n := len(env.rec.incidentTypes()); n != 0 {
		t.Fatalf("reconciler touched a trade mid-close: %d incidents", n)
	}
}
