package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

func newTestRegistry() (*Registry, *fakeClock) {
	clock := newFakeClock()
	return NewRegistry(clock, &memRecorder{}, testLogger()), clock
}

func TestRegistryCreateAndGet(t *testing.T) {
	reg, clock := newTestRegistry()
	opp := domain.Opportunity{
		ID:       uuid.New(),
		Symbol:   testSymbol,
		Quantity: decimal.NewFromFloat(0.02),
		Deadline: clock.Now().Add(time.Minute),
	}

	m := reg.Create(opp)
	if got := m.State(); got != domain.StateIdle {
		t.Fatalf("new trade state=%s want %s", got, domain.StateIdle)
	}
	got, ok := reg.Get(m.ID())
	if !ok || got != m {
		t.Fatal("created machine not retrievable by id")
	}
	if n := reg.CountActive(); n != 1 {
		t.Fatalf("active=%d want 1", n)
	}
}

func TestRegistryAdoptKeepsState(t *testing.T) {
	reg, clock := newTestRegistry()
	trade := domain.Trade{
		ID:        uuid.New(),
		Symbol:    testSymbol,
		State:     domain.StateActiveHedged,
		CreatedAt: clock.Now(),
	}

	m := reg.Adopt(trade)
	if got := m.State(); got != domain.StateActiveHedged {
		t.Fatalf("adopted state=%s want %s", got, domain.StateActiveHedged)
	}
	if _, ok := reg.Get(trade.ID); !ok {
		t.Fatal("adopted trade not registered")
	}
}

func TestRegistryActiveExcludesTerminal(t *testing.T) {
	reg, _ := newTestRegistry()
	live := reg.Create(domain.Opportunity{ID: uuid.New(), Symbol: testSymbol})
	dead := reg.Create(domain.Opportunity{ID: uuid.New(), Symbol: testSymbol})
	step(t, dead, domain.StateValidating)
	step(t, dead, domain.StateFailed)

	active := reg.Active()
	if len(active) != 1 || active[0].ID() != live.ID() {
		t.Fatalf("active=%d machines, want only the live one", len(active))
	}
	if n := len(reg.All()); n != 2 {
		t.Fatalf("all=%d want 2", n)
	}
}

func TestRegistrySweepRemovesAgedTerminal(t *testing.T) {
	reg, clock := newTestRegistry()
	live := reg.Create(domain.Opportunity{ID: uuid.New(), Symbol: testSymbol})
	dead := reg.Create(domain.Opportunity{ID: uuid.New(), Symbol: testSymbol})
	step(t, dead, domain.StateValidating)
	step(t, dead, domain.StateFailed)

	if removed := reg.Sweep(time.Hour); removed != 0 {
		t.Fatalf("sweep removed %d fresh trades", removed)
	}

	clock.Advance(2 * time.Hour)
	if removed := reg.Sweep(time.Hour); removed != 1 {
		t.Fatalf("sweep removed %d want 1", removed)
	}
	if _, ok := reg.Get(dead.ID()); ok {
		t.Fatal("terminal trade survived the sweep")
	}
	if _, ok := reg.Get(live.ID()); !ok {
		t.Fatal("live trade was swept")
	}
}
