package health

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

const testSymbol = "BTCUSDT"

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *manualClock) NewTicker(d time.Duration) domain.ClockTicker {
	return &tickerStub{t: time.NewTicker(d)}
}

type tickerStub struct{ t *time.Ticker }

func (s *tickerStub) C() <-chan time.Time { return s.t.C }
func (s *tickerStub) Stop()               { s.t.Stop() }

func newTestMonitor() (*Monitor, *manualClock) {
	clock := newManualClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMonitor(DefaultConfig(), clock, logger), clock
}

func tick(venue string, seq int64) domain.Ticker {
	return domain.Ticker{Venue: venue, Symbol: testSymbol, Sequence: seq}
}

func TestIsFreshUnknownStream(t *testing.T) {
	m, _ := newTestMonitor()
	fresh, age := m.IsFresh("alpha", testSymbol)
	if fresh || age != -1 {
		t.Fatalf("fresh=%v age=%d want false,-1 for unseen stream", fresh, age)
	}
}

func TestIsFreshWithinBudget(t *testing.T) {
	m, clock := newTestMonitor()
	m.Observe(tick("alpha", 1))

	clock.Advance(2 * time.Second)
	fresh, age := m.IsFresh("alpha", testSymbol)
	if !fresh {
		t.Fatalf("fresh=false at age %dms with a 3s budget", age)
	}

	clock.Advance(2 * time.Second)
	if fresh, _ := m.IsFresh("alpha", testSymbol); fresh {
		t.Fatal("fresh=true past the budget")
	}
}

func TestVenueStatusLifecycle(t *testing.T) {
	m, clock := newTestMonitor()
	if got := m.VenueStatus("alpha"); got != StatusOffline {
		t.Fatalf("status=%s for unseen venue, want offline", got)
	}

	m.Observe(tick("alpha", 1))
	if got := m.VenueStatus("alpha"); got != StatusHealthy {
		t.Fatalf("status=%s after fresh tick, want healthy", got)
	}

	clock.Advance(5 * time.Second)
	if got := m.VenueStatus("alpha"); got != StatusDegraded {
		t.Fatalf("status=%s past the fresh budget, want degraded", got)
	}

	clock.Advance(20 * time.Second)
	if got := m.VenueStatus("alpha"); got != StatusOffline {
		t.Fatalf("status=%s past the offline threshold, want offline", got)
	}
}

func TestVenueStatusDisconnectOverrides(t *testing.T) {
	m, _ := newTestMonitor()
	m.Observe(tick("alpha", 1))
	m.MarkDisconnect("alpha")
	if got := m.VenueStatus("alpha"); got != StatusOffline {
		t.Fatalf("status=%s after disconnect, want offline", got)
	}

	m.MarkConnected("alpha")
	m.Observe(tick("alpha", 2))
	if got := m.VenueStatus("alpha"); got != StatusHealthy {
		t.Fatalf("status=%s after reconnect, want healthy", got)
	}
}

func TestSequenceGapsDegrade(t *testing.T) {
	m, _ := newTestMonitor()
	cfg := DefaultConfig()

	seq := int64(1)
	m.Observe(tick("alpha", seq))
	for i := 0; i < cfg.MaxGapsPerMin; i++ {
		seq += 2 // every observation skips one sequence number
		m.Observe(tick("alpha", seq))
	}

	if got := m.VenueStatus("alpha"); got != StatusDegraded {
		t.Fatalf("status=%s after %d gaps, want degraded", got, cfg.MaxGapsPerMin)
	}
}

func TestGapWindowResets(t *testing.T) {
	m, clock := newTestMonitor()
	cfg := DefaultConfig()

	seq := int64(1)
	m.Observe(tick("alpha", seq))
	for i := 0; i < cfg.MaxGapsPerMin; i++ {
		seq += 2
		m.Observe(tick("alpha", seq))
	}

	// A new window clears the gap count on the next observation.
	clock.Advance(2 * time.Minute)
	seq++
	m.Observe(tick("alpha", seq))
	if got := m.VenueStatus("alpha"); got != StatusHealthy {
		t.Fatalf("status=%s after window reset, want healthy", got)
	}
}

func TestCanTradeRequiresBothHealthy(t *testing.T) {
	m, clock := newTestMonitor()
	m.Observe(tick("alpha", 1))
	m.Observe(tick("beta", 1))

	if ok, why := m.CanTrade("alpha", "beta"); !ok {
		t.Fatalf("CanTrade=false (%s) with both venues fresh", why)
	}

	clock.Advance(5 * time.Second)
	m.Observe(tick("alpha", 2)) // only alpha recovers
	ok, why := m.CanTrade("alpha", "beta")
	if ok {
		t.Fatal("CanTrade=true with one degraded venue")
	}
	if why == "" {
		t.Fatal("refusal carries no reason")
	}
}

func TestSnapshotReportsStreams(t *testing.T) {
	m, _ := newTestMonitor()
	m.Observe(tick("alpha", 1))
	m.Observe(tick("alpha", 2))
	m.MarkDisconnect("alpha")
	m.MarkConnected("alpha")

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("streams=%d want 1", len(snap))
	}
	s := snap[0]
	if s.Venue != "alpha" || s.Symbol != testSymbol {
		t.Fatalf("stream identity %s/%s", s.Venue, s.Symbol)
	}
	if s.Ticks != 2 {
		t.Fatalf("ticks=%d want 2", s.Ticks)
	}
	if s.Disconnects != 1 {
		t.Fatalf("disconnects=%d want 1", s.Disconnects)
	}
}
