// Package journal implements the engine's recorder: the single funnel
// through which trade snapshots, incidents, and audit events reach storage,
// alerting, metrics, and live subscribers. Everything here is asynchronous;
// a state transition must never wait on Postgres or Telegram.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// Alerter pushes human-facing notifications. Implemented by notify.Notifier.
type Alerter interface {
	Critical(ctx context.Context, title, message string)
	Info(ctx context.Context, title, message string)
}

const queueDepth = 1024

type job func(ctx context.Context)

// Recorder fans engine events out to the stores and subscribers through a
// bounded queue drained by a single worker. When the queue is full events
// are dropped with a log line; the venues, not the journal, are the source
// of truth for positions.
type Recorder struct {
	trades    domain.TradeStore
	incidents domain.IncidentStore
	audits    domain.AuditStore
	alert     Alerter
	clock     domain.Clock
	logger    *slog.Logger

	mu         sync.RWMutex
	onTrade    []func(domain.Trade)
	onIncident []func(domain.Incident)

	queue chan job
}

// NewRecorder wires a recorder. alert may be nil.
func NewRecorder(
	trades domain.TradeStore,
	incidents domain.IncidentStore,
	audits domain.AuditStore,
	alert Alerter,
	clock domain.Clock,
	logger *slog.Logger,
) *Recorder {
	return &Recorder{
		trades:    trades,
		incidents: incidents,
		audits:    audits,
		alert:     alert,
		clock:     clock,
		logger:    logger.With(slog.String("component", "journal")),
		queue:     make(chan job, queueDepth),
	}
}

// SubscribeTrades registers a callback invoked on the worker goroutine for
// every trade snapshot. Used by the websocket hub and the metrics collector.
func (r *Recorder) SubscribeTrades(fn func(domain.Trade)) {
	r.mu.Lock()
	r.onTrade = append(r.onTrade, fn)
	r.mu.Unlock()
}

// SubscribeIncidents registers a callback invoked for every incident.
func (r *Recorder) SubscribeIncidents(fn func(domain.Incident)) {
	r.mu.Lock()
	r.onIncident = append(r.onIncident, fn)
	r.mu.Unlock()
}

// Run drains the queue until the context is cancelled, then flushes whatever
// is already enqueued with a short grace period.
func (r *Recorder) Run(ctx context.Context) error {
	r.logger.Info("journal started")
	defer r.logger.Info("journal stopped")

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return ctx.Err()
		case j := <-r.queue:
			j(ctx)
		}
	}
}

func (r *Recorder) flush() {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case j := <-r.queue:
			j(flushCtx)
		default:
			return
		}
	}
}

func (r *Recorder) enqueue(name string, j job) {
	select {
	case r.queue <- j:
	default:
		r.logger.Error("journal queue full, event dropped", slog.String("event", name))
	}
}

// Audit journals an event asynchronously.
func (r *Recorder) Audit(event string, tradeID *uuid.UUID, detail map[string]any) {
	r.enqueue("audit:"+event, func(ctx context.Context) {
		if err := r.audits.Log(ctx, event, tradeID, detail); err != nil {
			r.logger.Error("audit write failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	})
}

// Incident persists the incident, alerts on severe ones, and notifies
// subscribers.
func (r *Recorder) Incident(inc domain.Incident) {
	if inc.ID == uuid.Nil {
		inc.ID = uuid.New()
	}
	if inc.DetectedAt.IsZero() {
		inc.DetectedAt = r.clock.Now()
	}
	r.enqueue("incident", func(ctx context.Context) {
		if err := r.incidents.Create(ctx, inc); err != nil {
			r.logger.Error("incident write failed",
				slog.String("type", string(inc.Type)),
				slog.String("error", err.Error()),
			)
		}
		r.mu.RLock()
		subs := r.onIncident
		r.mu.RUnlock()
		for _, fn := range subs {
			fn(inc)
		}
		if r.alert != nil && inc.Severity != domain.SeverityS1 {
			r.alert.Critical(ctx, string(inc.Type), inc.Message)
		}
	})
}

// TradeChanged upserts the trade snapshot and notifies subscribers. The
// first snapshot for an id inserts, later ones update.
func (r *Recorder) TradeChanged(t domain.Trade) {
	r.enqueue("trade", func(ctx context.Context) {
		err := r.trades.Update(ctx, t)
		if errors.Is(err, domain.ErrNotFound) {
			err = r.trades.Create(ctx, t)
		}
		if err != nil {
			r.logger.Error("trade write failed",
				slog.String("trade_id", t.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		r.mu.RLock()
		subs := r.onTrade
		r.mu.RUnlock()
		for _, fn := range subs {
			fn(t)
		}
	})
}
