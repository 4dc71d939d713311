// Package engine implements the trade lifecycle core: the per-trade state
// machine, the execution controller that drives paired orders across two
// venues, the reconciliation loop that corrects the engine's beliefs against
// real exchange state, and the risk guard with its panic policy.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// validTransitions is the legal-transition table. Recovery states are
// additionally reachable from any active state via ForceTransition, which is
// reserved for the reconciler and the risk guard.
var validTransitions = map[domain.TradeState][]domain.TradeState{
	domain.StateIdle:       {domain.StateValidating},
	domain.StateValidating: {domain.StatePreFlight, domain.StateFailed},
	domain.StatePreFlight:  {domain.StatePendingOpen, domain.StateFailed},
	domain.StatePendingOpen: {
		domain.StateOpenPartial, domain.StateActiveHedged,
		domain.StateOrphanRecovery, domain.StateEmergencyClose, domain.StateFailed,
	},
	domain.StateOpenPartial: {
		domain.StateActiveHedged,
		domain.StateOrphanRecovery, domain.StateEmergencyClose, domain.StateFailed,
	},
	domain.StateActiveHedged: {
		domain.StatePendingClose,
		domain.StateOrphanRecovery, domain.StateEmergencyClose,
	},
	domain.StatePendingClose: {
		domain.StateReconciliation,
		domain.StateOrphanRecovery, domain.StateEmergencyClose, domain.StateFailed,
	},
	domain.StateReconciliation: {
		// Close mismatches loop back to PENDING_CLOSE rather than declaring done.
		domain.StateClosed, domain.StatePendingClose,
		domain.StateEmergencyClose, domain.StateFailed,
	},
	domain.StateOrphanRecovery: {
		domain.StateReconciliation, domain.StateClosed,
		domain.StateEmergencyClose, domain.StateFailed,
	},
	domain.StateEmergencyClose: {domain.StateClosed, domain.StateFailed},
	domain.StateClosed:         {},
	domain.StateFailed:         {},
}

// CanTransition reports whether from -> to is in the legal-transition table.
func CanTransition(from, to domain.TradeState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine owns one trade's lifecycle. All trade mutation, whether by the
// controller, the reconciler, or the risk guard, happens while holding the machine's
// lock, which linearizes normal transitions against forced recovery ones.
type Machine struct {
	mu    sync.Mutex
	trade *domain.Trade

	clock  domain.Clock
	rec    Recorder
	logger *slog.Logger
}

// NewMachine wraps a trade in a state machine.
func NewMachine(trade *domain.Trade, clock domain.Clock, rec Recorder, logger *slog.Logger) *Machine {
	return &Machine{
		trade:  trade,
		clock:  clock,
		rec:    rec,
		logger: logger.With(slog.String("trade_id", trade.ID.String()), slog.String("symbol", trade.Symbol)),
	}
}

// Lock acquires the trade's exclusive execution lock.
func (m *Machine) Lock() { m.mu.Lock() }

// Unlock releases the trade's exclusive execution lock.
func (m *Machine) Unlock() { m.mu.Unlock() }

// ID returns the trade id. Immutable, safe without the lock.
func (m *Machine) ID() uuid.UUID { return m.trade.ID }

// Trade returns the underlying trade. Callers must hold the lock for any
// read of mutable fields and for all writes.
func (m *Machine) Trade() *domain.Trade { return m.trade }

// Snapshot returns a copy of the trade taken under the lock, for readers
// (guard, reconciler, API) that must not hold the lock while doing I/O.
func (m *Machine) Snapshot() domain.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *m.trade
	t.StateHistory = append([]domain.StateChange(nil), m.trade.StateHistory...)
	if m.trade.Opportunity != nil {
		opp := *m.trade.Opportunity
		t.Opportunity = &opp
	}
	return t
}

// State returns the current state under the lock.
func (m *Machine) State() domain.TradeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trade.State
}

// Transition moves the trade to a new state, enforcing the legal-transition
// table. The caller must hold the lock. Terminal states reject all moves.
func (m *Machine) Transition(to domain.TradeState, reason string) error {
	from := m.trade.State
	if from.IsTerminal() {
		return fmt.Errorf("engine: %w: %s", domain.ErrTerminalState, from)
	}
	if !CanTransition(from, to) {
		m.logger.Error("illegal state transition attempted",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("reason", reason),
		)
		return fmt.Errorf("engine: %w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	m.apply(to, reason, false)
	return nil
}

// ForceTransition moves the trade without consulting the table. Only the
// recovery paths (reconciler drift escalation, guard panic actions) use it,
// and only into recovery or terminal states. Terminal states still reject.
func (m *Machine) ForceTransition(to domain.TradeState, reason string) error {
	from := m.trade.State
	if from.IsTerminal() {
		return fmt.Errorf("engine: %w: %s", domain.ErrTerminalState, from)
	}
	if from == to {
		return nil
	}
	m.logger.Warn("forced state transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)
	m.apply(to, reason, true)
	return nil
}

func (m *Machine) apply(to domain.TradeState, reason string, forced bool) {
	now := m.clock.Now()
	from := m.trade.State
	inState := now.Sub(m.trade.StateEnteredAt())

	m.trade.RecordTransition(to, reason, forced, now)
	switch to {
	case domain.StatePreFlight:
		t := now
		m.trade.ValidatedAt = &t
	case domain.StateActiveHedged:
		if m.trade.OpenedAt == nil {
			t := now
			m.trade.OpenedAt = &t
		}
	case domain.StateClosed, domain.StateFailed:
		t := now
		m.trade.ClosedAt = &t
	}

	m.logger.Info("state transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int64("time_in_state_ms", inState.Milliseconds()),
		slog.String("reason", reason),
	)

	id := m.trade.ID
	m.rec.Audit("state_transition", &id, map[string]any{
		"from":   string(from),
		"to":     string(to),
		"reason": reason,
		"forced": forced,
	})
	m.rec.TradeChanged(*m.trade)
}

// StateAge returns time spent in the current state. Caller must hold the lock.
func (m *Machine) StateAge() time.Duration {
	return m.clock.Now().Sub(m.trade.StateEnteredAt())
}
