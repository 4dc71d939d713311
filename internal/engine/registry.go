package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// Registry owns every live state machine. It replaces ambient global bot
// state with an explicit map guarded by its own lock; trades themselves are
// independent units of concurrency with their own per-trade locks.
type Registry struct {
	mu       sync.RWMutex
	machines map[uuid.UUID]*Machine

	clock  domain.Clock
	rec    Recorder
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(clock domain.Clock, rec Recorder, logger *slog.Logger) *Registry {
	return &Registry{
		machines: make(map[uuid.UUID]*Machine),
		clock:    clock,
		rec:      rec,
		logger:   logger.With(slog.String("component", "registry")),
	}
}

// Create builds a trade from an accepted opportunity and registers its
// state machine.
func (r *Registry) Create(opp domain.Opportunity) *Machine {
	trade := domain.NewTrade(opp, r.clock.Now())
	m := NewMachine(trade, r.clock, r.rec, r.logger)

	r.mu.Lock()
	r.machines[trade.ID] = m
	r.mu.Unlock()

	r.logger.Info("trade created",
		slog.String("trade_id", trade.ID.String()),
		slog.String("opportunity_id", opp.ID.String()),
		slog.String("symbol", opp.Symbol),
	)
	return m
}

// Adopt registers a machine for a trade loaded from persistence, used on
// startup to reclaim exposure that survived a crash. The caller decides what
// to do with it next, typically forced recovery.
func (r *Registry) Adopt(t domain.Trade) *Machine {
	m := NewMachine(&t, r.clock, r.rec, r.logger)

	r.mu.Lock()
	r.machines[t.ID] = m
	r.mu.Unlock()

	r.logger.Warn("trade adopted from persistence",
		slog.String("trade_id", t.ID.String()),
		slog.String("state", string(t.State)),
		slog.String("symbol", t.Symbol),
	)
	return m
}

// Get returns the machine for a trade id.
func (r *Registry) Get(id uuid.UUID) (*Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[id]
	return m, ok
}

// Active returns all machines whose trade is in a non-terminal state.
func (r *Registry) Active() []*Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		if !m.State().IsTerminal() {
			out = append(out, m)
		}
	}
	return out
}

// All returns every registered machine, terminal ones included.
func (r *Registry) All() []*Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m)
	}
	return out
}

// CountActive returns the number of non-terminal trades.
func (r *Registry) CountActive() int {
	return len(r.Active())
}

// Sweep removes terminal trades older than maxAge and returns how many were
// archived out of the registry. Persistence happened on transition; this
// only trims the in-memory map.
func (r *Registry) Sweep(maxAge time.Duration) int {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, m := range r.machines {
		t := m.Snapshot()
		if t.State.IsTerminal() && t.ClosedAt != nil && now.Sub(*t.ClosedAt) > maxAge {
			delete(r.machines, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("swept completed trades", slog.Int("removed", removed))
	}
	return removed
}
