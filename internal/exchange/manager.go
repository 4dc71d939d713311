// Package exchange holds the venue adapter registry and the simulated venue
// used by paper mode and the engine tests. Live venue adapters implement
// domain.Adapter and register themselves with the Manager; everything above
// this package is venue-agnostic.
package exchange

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// Manager is the venue registry the engine resolves adapters through.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]domain.Adapter
	logger   *slog.Logger
}

// NewManager creates an empty registry.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		adapters: make(map[string]domain.Adapter),
		logger:   logger.With(slog.String("component", "exchange_manager")),
	}
}

// Register adds a venue adapter. Registering the same name twice replaces
// the previous adapter.
func (m *Manager) Register(a domain.Adapter) {
	m.mu.Lock()
	m.adapters[a.Name()] = a
	m.mu.Unlock()
	m.logger.Info("venue registered", slog.String("venue", a.Name()))
}

// Adapter resolves a venue by name.
func (m *Manager) Adapter(venue string) (domain.Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[venue]
	if !ok {
		return nil, fmt.Errorf("exchange: %q: %w", venue, domain.ErrVenueUnknown)
	}
	return a, nil
}

// Venues returns the registered venue names, sorted for stable iteration.
func (m *Manager) Venues() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
