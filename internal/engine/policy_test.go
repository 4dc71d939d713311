package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

func hedgedRisk(notional int64) domain.TradeRisk {
	return domain.TradeRisk{
		TradeID:     uuid.New(),
		Symbol:      testSymbol,
		State:       domain.StateActiveHedged,
		NotionalUSD: decimal.NewFromInt(notional),
	}
}

func TestPolicyQuietSnapshot(t *testing.T) {
	p := NewPanicPolicy(DefaultParams())
	snap := domain.RiskSnapshot{
		MarginUsage: decimal.NewFromFloat(0.10),
		Trades:      []domain.TradeRisk{hedgedRisk(1000)},
	}
	if got := p.Evaluate(snap); len(got) != 0 {
		t.Fatalf("quiet snapshot produced %d decisions: %+v", len(got), got)
	}
}

func TestPolicyOrphanOverBudget(t *testing.T) {
	p := NewPanicPolicy(DefaultParams())
	tr := hedgedRisk(1000)
	tr.State = domain.StateOpenPartial
	tr.OrphanAge = 600 * time.Millisecond

	out := p.Evaluate(domain.RiskSnapshot{Trades: []domain.TradeRisk{tr}})
	if len(out) != 1 {
		t.Fatalf("decisions=%d want 1", len(out))
	}
	d := out[0]
	if d.Trigger != domain.TriggerOrphanAge || d.Action != domain.ActionEmergencyClose {
		t.Fatalf("got trigger=%s action=%s", d.Trigger, d.Action)
	}
	if d.Trade != tr.TradeID {
		t.Fatal("decision targets the wrong trade")
	}
	if d.Cooldown != 2*time.Hour {
		t.Fatalf("cooldown=%s want 2h", d.Cooldown)
	}
}

func TestPolicyOrphanWithinBudget(t *testing.T) {
	p := NewPanicPolicy(DefaultParams())
	tr := hedgedRisk(1000)
	tr.OrphanAge = 400 * time.Millisecond

	if out := p.Evaluate(domain.RiskSnapshot{Trades: []domain.TradeRisk{tr}}); len(out) != 0 {
		t.Fatalf("orphan under budget fired %d decisions", len(out))
	}
}

func TestPolicyMarginSoftLimitReduces(t *testing.T) {
	p := NewPanicPolicy(DefaultParams())
	small, big := hedgedRisk(1000), hedgedRisk(5000)
	snap := domain.RiskSnapshot{
		MarginUsage: decimal.NewFromFloat(0.35),
		Trades:      []domain.TradeRisk{small, big},
	}

	out := p.Evaluate(snap)
	if len(out) != 1 {
		t.Fatalf("decisions=%d want 1", len(out))
	}
	d := out[0]
	if d.Trigger != domain.TriggerMarginUsage || d.Action != domain.ActionReduce {
		t.Fatalf("got trigger=%s action=%s", d.Trigger, d.Action)
	}
	if d.Trade != big.TradeID {
		t.Fatal("reduce did not target the largest trade")
	}
}

func TestPolicyMarginHardLimitEmergencyCloses(t *testing.T) {
	p := NewPanicPolicy(DefaultParams())
	snap := domain.RiskSnapshot{
		MarginUsage: decimal.NewFromFloat(0.45),
		Trades:      []domain.TradeRisk{hedgedRisk(1000)},
	}

	out := p.Evaluate(snap)
	if len(out) != 1 {
		t.Fatalf("decisions=%d want 1", len(out))
	}
	if out[0].Trigger != domain.TriggerMarginHard || out[0].Action != domain.ActionEmergencyClose {
		t.Fatalf("got trigger=%s action=%s", out[0].Trigger, out[0].Action)
	}
}

func TestPolicyMarginIgnoredWithoutHedgedTrades(t *testing.T) {
	p := NewPanicPolicy(DefaultParams())
	tr := hedgedRisk(1000)
	tr.State = domain.StatePendingClose
	snap := domain.RiskSnapshot{
		MarginUsage: decimal.NewFromFloat(0.45),
		Trades:      []domain.TradeRisk{tr},
	}

	if out := p.Evaluate(snap); len(out) != 0 {
		t.Fatalf("margin fired %d decisions with nothing reducible", len(out))
	}
}

func TestPolicyDeltaBreachReduces(t *testing.T) {
	p := NewPanicPolicy(DefaultParams())
	tr := hedgedRisk(1000)
	tr.DeltaPct = decimal.NewFromInt(6)

	out := p.Evaluate(domain.RiskSnapshot{Trades: []domain.TradeRisk{tr}})
	if len(out) != 1 {
		t.Fatalf("decisions=%d want 1", len(out))
	}
	d := out[0]
	if d.Trigger != domain.TriggerDeltaBreach || d.Action != domain.ActionReduce {
		t.Fatalf("got trigger=%s action=%s", d.Trigger, d.Action)
	}
	if d.Cooldown != time.Hour {
		t.Fatalf("cooldown=%s want 1h", d.Cooldown)
	}
}

func TestPolicyDeltaIgnoredOutsideActiveHedged(t *testing.T) {
	p := NewPanicPolicy(DefaultParams())
	tr := hedgedRisk(1000)
	tr.State = domain.StatePendingClose
	tr.DeltaPct = decimal.NewFromInt(50) // expected while unwinding

	if out := p.Evaluate(domain.RiskSnapshot{Trades: []domain.TradeRisk{tr}}); len(out) != 0 {
		t.Fatalf("delta fired %d decisions on an unwinding trade", len(out))
	}
}

func TestPolicySuppressible(t *testing.T) {
	p := NewPanicPolicy(DefaultParams())
	if !p.Suppressible(domain.PanicDecision{Action: domain.ActionReduce}) {
		t.Fatal("reduce must be suppressible by cooldown")
	}
	if p.Suppressible(domain.PanicDecision{Action: domain.ActionEmergencyClose}) {
		t.Fatal("emergency close must never be suppressed")
	}
}

func TestCooldownKeysByTrigger(t *testing.T) {
	tr := domain.TradeRisk{Symbol: testSymbol, LongVenue: "alpha", ShortVenue: "beta"}
	cases := []struct {
		trigger domain.PanicTrigger
		want    []string
	}{
		{domain.TriggerOrphanAge, []string{"cooldown:orphan:" + testSymbol}},
		{domain.TriggerDeltaBreach, []string{"cooldown:delta:" + testSymbol}},
		{domain.TriggerMarginUsage, []string{"cooldown:margin:alpha", "cooldown:margin:beta"}},
		{domain.TriggerMarginHard, []string{"cooldown:margin:alpha", "cooldown:margin:beta"}},
	}
	for _, tc := range cases {
		d := domain.PanicDecision{Trigger: tc.trigger}
		got := CooldownKeys(d, tr)
		if len(got) != len(tc.want) {
			t.Errorf("CooldownKeys(%s)=%v want %v", tc.trigger, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("CooldownKeys(%s)[%d]=%q want %q", tc.trigger, i, got[i], tc.want[i])
			}
		}
	}
}
