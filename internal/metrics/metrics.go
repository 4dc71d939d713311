// Package metrics exposes the engine's operational counters and gauges in
// Prometheus exposition format. All collectors live on a private registry so
// tests can build isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Shmuel18/Arbitrage/internal/domain"
)

// Metrics holds all engine collectors. Feed it trade snapshots and incidents
// through the journal subscriptions and risk snapshots from the guard.
type Metrics struct {
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	tradesClosed *prometheus.CounterVec
	incidents    *prometheus.CounterVec
	orphanMs     prometheus.Histogram
	realizedPnL  prometheus.Gauge
	marginUsage  *prometheus.GaugeVec
	activeTrades prometheus.Gauge
	orphanCount  prometheus.Gauge

	// seen tracks which state each trade was last observed in so snapshot
	// replays do not double-count transitions.
	seen map[string]domain.TradeState
	pnl  float64
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		seen:     make(map[string]domain.TradeState),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_state_transitions_total",
				Help: "Trade state transitions by destination state",
			},
			[]string{"state"},
		),
		tradesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_trades_total",
				Help: "Trades that reached a terminal state, by outcome",
			},
			[]string{"result"},
		),
		incidents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arb_incidents_total",
				Help: "Incidents recorded, by type and severity",
			},
			[]string{"type", "severity"},
		),
		orphanMs: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "arb_orphan_duration_ms",
				Help:    "Worst single-leg exposure per closed trade in milliseconds",
				Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
			},
		),
		realizedPnL: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_realized_pnl_usd",
				Help: "Cumulative realized PnL of closed trades since start",
			},
		),
		marginUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "arb_margin_usage",
				Help: "Margin usage per venue, 0..1",
			},
			[]string{"venue"},
		),
		activeTrades: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_active_trades",
				Help: "Trades currently in a non-terminal state",
			},
		),
		orphanCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "arb_orphan_legs",
				Help: "Trades currently holding single-leg exposure",
			},
		),
	}

	m.registry.MustRegister(
		m.transitions, m.tradesClosed, m.incidents,
		m.orphanMs, m.realizedPnL,
		m.marginUsage, m.activeTrades, m.orphanCount,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTrade processes one trade snapshot. Wire it up with
// Recorder.SubscribeTrades; the journal worker calls it serially, so no
// locking is needed here.
func (m *Metrics) ObserveTrade(t domain.Trade) {
	id := t.ID.String()
	if m.seen[id] == t.State {
		return
	}
	m.seen[id] = t.State
	m.transitions.WithLabelValues(string(t.State)).Inc()

	if !t.State.IsTerminal() {
		return
	}
	delete(m.seen, id)
	m.tradesClosed.WithLabelValues(string(t.State)).Inc()
	m.orphanMs.Observe(float64(t.MaxOrphanMs))
	if t.State == domain.StateClosed {
		pnl, _ := t.RealizedPnLUSD.Float64()
		m.pnl += pnl
		m.realizedPnL.Set(m.pnl)
	}
}

// ObserveIncident counts one incident. Wire with Recorder.SubscribeIncidents.
func (m *Metrics) ObserveIncident(inc domain.Incident) {
	m.incidents.WithLabelValues(string(inc.Type), string(inc.Severity)).Inc()
}

// ObserveRisk publishes the guard's latest snapshot.
func (m *Metrics) ObserveRisk(snap domain.RiskSnapshot) {
	for venue, usage := range snap.MarginByVenue {
		v, _ := usage.Float64()
		m.marginUsage.WithLabelValues(venue).Set(v)
	}
	m.activeTrades.Set(float64(snap.ActiveTrades))
	m.orphanCount.Set(float64(snap.OrphanCount))
}
