package engine

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

func newTestMachine(t *testing.T) (*Machine, *memRecorder, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	rec := &memRecorder{}
	opp := domain.Opportunity{
		Symbol:     testSymbol,
		LongVenue:  "alpha",
		ShortVenue: "beta",
		Quantity:   decimal.NewFromFloat(0.02),
	}
	trade := domain.NewTrade(opp, clock.Now())
	return NewMachine(trade, clock, rec, testLogger()), rec, clock
}

func step(t *testing.T, m *Machine, to domain.TradeState) {
	t.Helper()
	m.Lock()
	err := m.Transition(to, "test")
	m.Unlock()
	if err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
}

func TestMachineFullLifecycle(t *testing.T) {
	m, rec, _ := newTestMachine(t)

	states := []domain.TradeState{
		domain.StateValidating,
		domain.StatePreFlight,
		domain.StatePendingOpen,
		domain.StateOpenPartial,
		domain.StateActiveHedged,
		domain.StatePendingClose,
		domain.StateReconciliation,
		domain.StateClosed,
	}
	for _, s := range states {
		step(t, m, s)
	}

	snap := m.Snapshot()
	if snap.State != domain.StateClosed {
		t.Fatalf("state=%s want %s", snap.State, domain.StateClosed)
	}
	if snap.ValidatedAt == nil {
		t.Fatal("ValidatedAt not set on PRE_FLIGHT")
	}
	if snap.OpenedAt == nil {
		t.Fatal("OpenedAt not set on ACTIVE_HEDGED")
	}
	if snap.ClosedAt == nil {
		t.Fatal("ClosedAt not set on CLOSED")
	}
	if got := len(snap.StateHistory); got != len(states) {
		t.Fatalf("history length=%d want %d", got, len(states))
	}
	if !rec.hasAudit("state_transition") {
		t.Fatal("no state_transition audit recorded")
	}
}

func TestMachineRejectsIllegalTransition(t *testing.T) {
	m, _, _ := newTestMachine(t)

	m.Lock()
	err := m.Transition(domain.StateActiveHedged, "skip ahead")
	m.Unlock()
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("err=%v want ErrInvalidTransition", err)
	}
	if got := m.State(); got != domain.StateIdle {
		t.Fatalf("state changed to %s after rejected transition", got)
	}
}

func TestMachineTerminalStateRejectsEverything(t *testing.T) {
	m, _, _ := newTestMachine(t)
	step(t, m, domain.StateValidating)
	step(t, m, domain.StateFailed)

	m.Lock()
	err := m.Transition(domain.StateValidating, "resurrect")
	forceErr := m.ForceTransition(domain.StateOrphanRecovery, "resurrect harder")
	m.Unlock()

	if !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("transition err=%v want ErrTerminalState", err)
	}
	if !errors.Is(forceErr, domain.ErrTerminalState) {
		t.Fatalf("force err=%v want ErrTerminalState", forceErr)
	}
}

func TestMachineForceTransitionBypassesTable(t *testing.T) {
	m, _, _ := newTestMachine(t)
	step(t, m, domain.StateValidating)
	step(t, m, domain.StatePreFlight)
	step(t, m, domain.StatePendingOpen)
	step(t, m, domain.StateActiveHedged)

	// ACTIVE_HEDGED -> FAILED is not in the table.
	if CanTransition(domain.StateActiveHedged, domain.StateFailed) {
		t.Fatal("table unexpectedly allows ACTIVE_HEDGED -> FAILED")
	}
	m.Lock()
	err := m.ForceTransition(domain.StateFailed, "unverified exposure")
	m.Unlock()
	if err != nil {
		t.Fatalf("force transition: %v", err)
	}

	snap := m.Snapshot()
	last := snap.StateHistory[len(snap.StateHistory)-1]
	if !last.Forced {
		t.Fatal("forced transition not flagged in history")
	}
	if snap.ClosedAt == nil {
		t.Fatal("ClosedAt not set on forced FAILED")
	}
}

func TestMachineForceTransitionSameStateIsNoop(t *testing.T) {
	m, _, _ := newTestMachine(t)
	step(t, m, domain.StateValidating)
	before := len(m.Snapshot().StateHistory)

	m.Lock()
	err := m.ForceTransition(domain.StateValidating, "no move")
	m.Unlock()
	if err != nil {
		t.Fatalf("force to same state: %v", err)
	}
	if after := len(m.Snapshot().StateHistory); after != before {
		t.Fatalf("history grew from %d to %d on a no-op", before, after)
	}
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to domain.TradeState
		want     bool
	}{
		{domain.StateIdle, domain.StateValidating, true},
		{domain.StateIdle, domain.StatePendingOpen, false},
		{domain.StateValidating, domain.StateFailed, true},
		{domain.StatePendingOpen, domain.StateActiveHedged, true},
		{domain.StatePendingOpen, domain.StateOrphanRecovery, true},
		{domain.StateActiveHedged, domain.StatePendingClose, true},
		{domain.StateActiveHedged, domain.StateClosed, false},
		{domain.StateReconciliation, domain.StatePendingClose, true},
		{domain.StateReconciliation, domain.StateClosed, true},
		{domain.StateOrphanRecovery, domain.StateClosed, true},
		{domain.StateEmergencyClose, domain.StateFailed, true},
		{domain.StateClosed, domain.StateValidating, false},
		{domain.StateFailed, domain.StateIdle, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s)=%v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestMachineSnapshotIsIsolated(t *testing.T) {
	m, _, _ := newTestMachine(t)
	step(t, m, domain.StateValidating)

	snap := m.Snapshot()
	snap.LongLeg.FilledQty = decimal.NewFromInt(99)
	snap.StateHistory[0].Reason = "mutated"
	snap.Opportunity.Symbol = "ETHUSDT"

	orig := m.Snapshot()
	if !orig.LongLeg.FilledQty.IsZero() {
		t.Fatal("snapshot mutation leaked into the trade's legs")
	}
	if orig.StateHistory[0].Reason != "test" {
		t.Fatal("snapshot mutation leaked into the trade's history")
	}
	if orig.Opportunity.Symbol != testSymbol {
		t.Fatal("snapshot mutation leaked into the trade's opportunity")
	}
}
