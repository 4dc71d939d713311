// Package health tracks market data stream quality per venue and gates
// trading on it. The feed layer reports every tick, sequence gap, and
// disconnect; the scanner and the validation stage ask whether a venue pair
// is currently safe to trade.
package health

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// Status is a venue's aggregate stream condition.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Config holds the freshness thresholds.
type Config struct {
	// FreshBudget is the max tick age considered fresh.
	FreshBudget time.Duration
	// OfflineAfter is the tick age at which a stream counts as offline.
	OfflineAfter time.Duration
	// MaxGapsPerMin degrades a stream that skips too many sequence numbers.
	MaxGapsPerMin int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FreshBudget:   3 * time.Second,
		OfflineAfter:  15 * time.Second,
		MaxGapsPerMin: 30,
	}
}

type streamState struct {
	lastAt   time.Time
	lastSeq  int64
	gaps     int
	gapsAt   time.Time // start of the current gap-counting window
	ticks    int64
}

// Monitor implements domain.HealthChecker over feed observations.
type Monitor struct {
	cfg    Config
	clock  domain.Clock
	logger *slog.Logger

	mu          sync.RWMutex
	streams     map[string]*streamState
	disconnects map[string]int
	connected   map[string]bool
}

// NewMonitor creates a Monitor with the given thresholds.
func NewMonitor(cfg Config, clock domain.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:         cfg,
		clock:       clock,
		logger:      logger.With(slog.String("component", "health")),
		streams:     make(map[string]*streamState),
		disconnects: make(map[string]int),
		connected:   make(map[string]bool),
	}
}

func streamKey(venue, symbol string) string { return venue + "|" + symbol }

// Observe records one ticker from a venue stream.
func (m *Monitor) Observe(t domain.Ticker) {
	now := m.clock.Now()
	key := streamKey(t.Venue, t.Symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[key]
	if !ok {
		s = &streamState{gapsAt: now}
		m.streams[key] = s
	}
	if t.Sequence > 0 && s.lastSeq > 0 && t.Sequence > s.lastSeq+1 {
		s.gaps++
		if s.gaps == m.cfg.MaxGapsPerMin {
			m.logger.Warn("stream gap budget reached",
				slog.String("venue", t.Venue),
				slog.String("symbol", t.Symbol),
				slog.Int("gaps", s.gaps),
			)
		}
	}
	if now.Sub(s.gapsAt) > time.Minute {
		s.gaps = 0
		s.gapsAt = now
	}
	s.lastSeq = t.Sequence
	s.lastAt = now
	s.ticks++
}

// MarkConnected records a (re)established stream connection.
func (m *Monitor) MarkConnected(venue string) {
	m.mu.Lock()
	m.connected[venue] = true
	m.mu.Unlock()
	m.logger.Info("venue stream connected", slog.String("venue", venue))
}

// MarkDisconnect records a dropped stream connection.
func (m *Monitor) MarkDisconnect(venue string) {
	m.mu.Lock()
	m.connected[venue] = false
	m.disconnects[venue]++
	n := m.disconnects[venue]
	m.mu.Unlock()
	m.logger.Warn("venue stream disconnected",
		slog.String("venue", venue),
		slog.Int("total_disconnects", n),
	)
}

// IsFresh reports whether the venue's data for symbol is within the fresh
// budget, along with the observed age in milliseconds.
func (m *Monitor) IsFresh(venue, symbol string) (bool, int64) {
	m.mu.RLock()
	s, ok := m.streams[streamKey(venue, symbol)]
	m.mu.RUnlock()
	if !ok {
		return false, -1
	}
	age := m.clock.Now().Sub(s.lastAt)
	return age <= m.cfg.FreshBudget, age.Milliseconds()
}

// VenueStatus aggregates a venue's condition across its streams.
func (m *Monitor) VenueStatus(venue string) Status {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	if conn, seen := m.connected[venue]; seen && !conn {
		return StatusOffline
	}

	worst := StatusHealthy
	found := false
	prefix := venue + "|"
	for key, s := range m.streams {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		found = true
		age := now.Sub(s.lastAt)
		switch {
		case age > m.cfg.OfflineAfter:
			return StatusOffline
		case age > m.cfg.FreshBudget || s.gaps >= m.cfg.MaxGapsPerMin:
			worst = StatusDegraded
		}
	}
	if !found {
		return StatusOffline
	}
	return worst
}

// CanTrade reports whether both venues are healthy enough to open a pair.
// Degraded is enough to refuse: a stale leg price on either side breaks the
// worst-case edge math.
func (m *Monitor) CanTrade(longVenue, shortVenue string) (bool, string) {
	for _, venue := range []string{longVenue, shortVenue} {
		if st := m.VenueStatus(venue); st != StatusHealthy {
			return false, fmt.Sprintf("%s is %s", venue, st)
		}
	}
	return true, ""
}

// StreamInfo is one stream's stats for the status API.
type StreamInfo struct {
	Venue       string `json:"venue"`
	Symbol      string `json:"symbol"`
	AgeMs       int64  `json:"age_ms"`
	Gaps        int    `json:"gaps"`
	Ticks       int64  `json:"ticks"`
	Disconnects int    `json:"disconnects"`
	Status      Status `json:"status"`
}

// Snapshot returns per-stream stats.
func (m *Monitor) Snapshot() []StreamInfo {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]StreamInfo, 0, len(m.streams))
	for key, s := range m.streams {
		venue, symbol := splitKey(key)
		age := now.Sub(s.lastAt)
		st := StatusHealthy
		switch {
		case age > m.cfg.OfflineAfter:
			st = StatusOffline
		case age > m.cfg.FreshBudget || s.gaps >= m.cfg.MaxGapsPerMin:
			st = StatusDegraded
		}
		out = append(out, StreamInfo{
			Venue:       venue,
			Symbol:      symbol,
			AgeMs:       age.Milliseconds(),
			Gaps:        s.gaps,
			Ticks:       s.ticks,
			Disconnects: m.disconnects[venue],
			Status:      st,
		})
	}
	return out
}

func splitKey(key string) (venue, symbol string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
