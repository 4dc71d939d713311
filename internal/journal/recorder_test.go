package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

type stubClock struct{ now time.Time }

func (c stubClock) Now() time.Time { return c.now }

func (c stubClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (c stubClock) NewTicker(d time.Duration) domain.ClockTicker { return nil }

type fakeTradeStore struct {
	created []domain.Trade
	updated []domain.Trade
	known   map[uuid.UUID]bool
}

func (s *fakeTradeStore) Create(ctx context.Context, t domain.Trade) error {
	s.created = append(s.created, t)
	s.known[t.ID] = true
	return nil
}

func (s *fakeTradeStore) Update(ctx context.Context, t domain.Trade) error {
	if !s.known[t.ID] {
		return domain.ErrNotFound
	}
	s.updated = append(s.updated, t)
	return nil
}

func (s *fakeTradeStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Trade, error) {
	return domain.Trade{}, domain.ErrNotFound
}

func (s *fakeTradeStore) ListActive(ctx context.Context) ([]domain.Trade, error) { return nil, nil }

func (s *fakeTradeStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

func (s *fakeTradeStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	return nil, nil
}

func (s *fakeTradeStore) SumPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakeIncidentStore struct {
	created []domain.Incident
	err     error
}

func (s *fakeIncidentStore) Create(ctx context.Context, inc domain.Incident) error {
	if s.err != nil {
		return s.err
	}
	s.created = append(s.created, inc)
	return nil
}

func (s *fakeIncidentStore) ListByTrade(ctx context.Context, id uuid.UUID) ([]domain.Incident, error) {
	return nil, nil
}

func (s *fakeIncidentStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Incident, error) {
	return nil, nil
}

func (s *fakeIncidentStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Incident, error) {
	return nil, nil
}

type fakeAuditStore struct {
	events []string
}

func (s *fakeAuditStore) Log(ctx context.Context, event string, tradeID *uuid.UUID, detail map[string]any) error {
	s.events = append(s.events, event)
	return nil
}

func (s *fakeAuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeAlerter struct {
	critical []string
	info     []string
}

func (a *fakeAlerter) Critical(ctx context.Context, title, message string) {
	a.critical = append(a.critical, title)
}

func (a *fakeAlerter) Info(ctx context.Context, title, message string) {
	a.info = append(a.info, title)
}

func newTestRecorder() (*Recorder, *fakeTradeStore, *fakeIncidentStore, *fakeAuditStore, *fakeAlerter) {
	trades := &fakeTradeStore{known: map[uuid.UUID]bool{}}
	incidents := &fakeIncidentStore{}
	audits := &fakeAuditStore{}
	alert := &fakeAlerter{}
	clock := stubClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRecorder(trades, incidents, audits, alert, clock, logger), trades, incidents, audits, alert
}

// drain runs the worker against an already-cancelled context so the shutdown
// flush processes everything enqueued so far.
func drain(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

func TestRecorderAuditReachesStore(t *testing.T) {
	r, _, _, audits, _ := newTestRecorder()
	id := uuid.New()

	r.Audit("state_transition", &id, map[string]any{"from": "idle", "to": "validating"})
	r.Audit("order_intent", &id, nil)
	drain(t, r)

	if len(audits.events) != 2 {
		t.Fatalf("events=%v want 2 entries", audits.events)
	}
	if audits.events[0] != "state_transition" || audits.events[1] != "order_intent" {
		t.Fatalf("events=%v, order not preserved", audits.events)
	}
}

func TestRecorderIncidentFillsDefaultsAndAlerts(t *testing.T) {
	r, _, incidents, _, alert := newTestRecorder()

	r.Incident(domain.Incident{
		TradeID:  uuid.New(),
		Type:     domain.IncidentOrphan,
		Severity: domain.SeverityS2,
		Message:  "leg unfilled past budget",
	})
	drain(t, r)

	if len(incidents.created) != 1 {
		t.Fatalf("incidents=%d want 1", len(incidents.created))
	}
	inc := incidents.created[0]
	if inc.ID == uuid.Nil {
		t.Fatal("incident id not assigned")
	}
	if inc.DetectedAt.IsZero() {
		t.Fatal("detected_at not stamped")
	}
	if len(alert.critical) != 1 || alert.critical[0] != string(domain.IncidentOrphan) {
		t.Fatalf("critical alerts=%v want one orphan alert", alert.critical)
	}
}

func TestRecorderS1IncidentDoesNotAlert(t *testing.T) {
	r, _, incidents, _, alert := newTestRecorder()

	r.Incident(domain.Incident{
		TradeID:  uuid.New(),
		Type:     domain.IncidentReconDrift,
		Severity: domain.SeverityS1,
		Message:  "position drift observed",
	})
	drain(t, r)

	if len(incidents.created) != 1 {
		t.Fatalf("incidents=%d want 1", len(incidents.created))
	}
	if len(alert.critical) != 0 {
		t.Fatalf("critical alerts=%v, recoverable incidents must not page", alert.critical)
	}
}

func TestRecorderTradeUpsert(t *testing.T) {
	r, trades, _, _, _ := newTestRecorder()
	tr := domain.Trade{ID: uuid.New(), State: domain.StateValidating}

	r.TradeChanged(tr) // unknown id: falls back to create
	tr.State = domain.StateActiveHedged
	r.TradeChanged(tr) // known id: updates
	drain(t, r)

	if len(trades.created) != 1 {
		t.Fatalf("creates=%d want 1", len(trades.created))
	}
	if len(trades.updated) != 1 {
		t.Fatalf("updates=%d want 1", len(trades.updated))
	}
	if trades.updated[0].State != domain.StateActiveHedged {
		t.Fatalf("updated state=%s", trades.updated[0].State)
	}
}

func TestRecorderSubscribersNotified(t *testing.T) {
	r, _, _, _, _ := newTestRecorder()

	var gotTrades []domain.Trade
	var gotIncidents []domain.Incident
	r.SubscribeTrades(func(t domain.Trade) { gotTrades = append(gotTrades, t) })
	r.SubscribeIncidents(func(i domain.Incident) { gotIncidents = append(gotIncidents, i) })

	r.TradeChanged(domain.Trade{ID: uuid.New()})
	r.Incident(domain.Incident{TradeID: uuid.New(), Type: domain.IncidentDeltaBreach, Severity: domain.SeverityS1})
	drain(t, r)

	if len(gotTrades) != 1 {
		t.Fatalf("trade callbacks=%d want 1", len(gotTrades))
	}
	if len(gotIncidents) != 1 {
		t.Fatalf("incident callbacks=%d want 1", len(gotIncidents))
	}
}
