package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Shmuel18/Arbitrage/internal/config"
	"github.com/Shmuel18/Arbitrage/internal/domain"
	"github.com/Shmuel18/Arbitrage/internal/engine"
	"github.com/Shmuel18/Arbitrage/internal/exchange"
	"github.com/Shmuel18/Arbitrage/internal/feed"
	"github.com/Shmuel18/Arbitrage/internal/health"
	"github.com/Shmuel18/Arbitrage/internal/journal"
	"github.com/Shmuel18/Arbitrage/internal/metrics"
	"github.com/Shmuel18/Arbitrage/internal/scanner"
	"github.com/Shmuel18/Arbitrage/internal/server"
	"github.com/Shmuel18/Arbitrage/internal/server/handler"
	"github.com/Shmuel18/Arbitrage/internal/server/ws"
)

// stack bundles the engine components every mode assembles from the wired
// infrastructure.
type stack struct {
	clock    domain.Clock
	recorder *journal.Recorder
	metrics  *metrics.Metrics
	hub      *ws.Hub
	monitor  *health.Monitor
	venues   *exchange.Manager
	registry *engine.Registry
	ctrl     *engine.Controller
	recon    *engine.Reconciler
	guard    *engine.Guard
	scan     *scanner.Scanner
	params   engine.Params
}

// buildParams maps configuration onto the engine tunables, starting from the
// production defaults so fields without a config knob keep sane values.
func buildParams(cfg *config.Config) engine.Params {
	p := engine.DefaultParams()

	ms := func(n int64) time.Duration { return time.Duration(n) * time.Millisecond }

	p.OrphanBudget = ms(cfg.Risk.MaxOrphanTimeMs)
	p.ChaseInterval = ms(cfg.Execution.ChaseIntervalMs)
	p.MaxChaseAttempts = cfg.Execution.MaxChaseAttempts
	p.FillEpsilon = ms(cfg.Execution.FillEpsilonMs)

	p.MaxOpenTime = ms(cfg.Execution.MaxOpenTimeMs)
	p.OrderTimeout = ms(cfg.Execution.OrderTimeoutMs)
	p.CancelTimeout = ms(cfg.Execution.CancelTimeoutMs)
	p.PollInterval = ms(cfg.Execution.PollIntervalMs)
	p.CloseRetries = cfg.Execution.CloseRetries

	p.Leverage = cfg.Risk.Leverage
	p.MaxMarginUsage = decimal.NewFromFloat(cfg.Risk.MaxMarginUsage)
	p.HardMargin = decimal.NewFromFloat(cfg.Risk.HardMarginUsage)
	p.MaxSpreadBps = decimal.NewFromFloat(cfg.Risk.MaxSpreadBps)

	p.ReconcileInterval = cfg.Risk.ReconcileInterval.Duration
	p.ReconcileTolerance = decimal.NewFromFloat(cfg.Risk.ReconcileTolerance)
	p.DriftEscalation = cfg.Risk.DriftEscalation
	p.GuardInterval = cfg.Risk.GuardInterval.Duration
	p.DeepInterval = cfg.Risk.DeepInterval.Duration
	p.DeltaThresholdPct = decimal.NewFromFloat(cfg.Risk.DeltaThresholdPct)

	p.OrphanCooldown = cfg.Risk.CooldownAfterOrphan.Duration
	p.MarginCooldown = cfg.Risk.CooldownAfterMargin.Duration
	p.DeltaCooldown = cfg.Risk.CooldownAfterDelta.Duration

	p.ConcurrentTrades = cfg.Trading.MaxConcurrent

	return p
}

// buildStack assembles the engine over the wired infrastructure. Nothing is
// started here; each mode decides which goroutines to run.
func (a *App) buildStack(deps *Dependencies) *stack {
	clock := domain.RealClock()
	logger := a.logger

	recorder := journal.NewRecorder(
		deps.TradeStore, deps.IncidentStore, deps.AuditStore,
		deps.Notifier, clock, logger,
	)

	mets := metrics.New()
	hub := ws.NewHub(ws.Config{Mode: a.cfg.Mode, StartedAt: clock.Now()}, logger)
	recorder.SubscribeTrades(mets.ObserveTrade)
	recorder.SubscribeTrades(hub.BroadcastTrade)
	recorder.SubscribeIncidents(mets.ObserveIncident)
	recorder.SubscribeIncidents(hub.BroadcastIncident)

	monitor := health.NewMonitor(health.Config{
		FreshBudget:   a.cfg.Health.FreshBudget.Duration,
		OfflineAfter:  a.cfg.Health.OfflineAfter.Duration,
		MaxGapsPerMin: a.cfg.Health.MaxGapsPerMin,
	}, clock, logger)

	manager := exchange.NewManager(logger)
	registry := engine.NewRegistry(clock, recorder, logger)
	params := buildParams(a.cfg)

	ctrl := engine.NewController(params, registry, manager, monitor,
		deps.LockManager, deps.CooldownStore, recorder, clock, logger)
	recon := engine.NewReconciler(params, registry, manager, ctrl, recorder, clock, logger)
	guard := engine.NewGuard(params, registry, manager, ctrl,
		deps.CooldownStore, deps.SnapshotStore, recorder, clock, logger)

	scan := scanner.New(scanner.Config{
		Symbols:        a.cfg.Trading.Symbols,
		Interval:       a.cfg.Trading.ScanInterval.Duration,
		SizeUSD:        decimal.NewFromFloat(a.cfg.Trading.SizeUSD),
		OpportunityTTL: a.cfg.Trading.OpportunityTTL.Duration,
		MaxSlippageBps: decimal.NewFromFloat(a.cfg.Trading.MaxSlippageBps),
		EmitGap:        a.cfg.Trading.EmitGap.Duration,
		Calculator: scanner.Calculator{
			SlippageBps: decimal.NewFromFloat(a.cfg.Trading.SlippageBps),
			BufferBps:   decimal.NewFromFloat(a.cfg.Trading.BufferBps),
			MinNetBps:   decimal.NewFromFloat(a.cfg.Trading.MinNetEdgeBps),
		},
	}, manager, deps.PriceCache, monitor, clock, logger)

	return &stack{
		clock:    clock,
		recorder: recorder,
		metrics:  mets,
		hub:      hub,
		monitor:  monitor,
		venues:   manager,
		registry: registry,
		ctrl:     ctrl,
		recon:    recon,
		guard:    guard,
		scan:     scan,
		params:   params,
	}
}

// ---------------------------------------------------------------------------
// Modes
// ---------------------------------------------------------------------------

// runPaper runs the full engine against simulated venues driven by a
// synthetic market. Everything downstream of the feed is the production path.
func (a *App) runPaper(ctx context.Context, deps *Dependencies) error {
	st := a.buildStack(deps)
	venues := a.registerPaperVenues(st)
	pf := feed.NewPaperFeed(a.paperFeedConfig(venues), venues,
		deps.PriceCache, st.monitor, st.clock, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.recorder.Run(gctx) })
	g.Go(func() error { return st.hub.Run(gctx) })
	g.Go(func() error { return pf.Run(gctx) })
	a.startEngine(gctx, g, st)
	a.startServer(gctx, g, deps, st)
	a.startArchive(gctx, g, deps, st)

	if err := a.adoptActive(gctx, st, deps.TradeStore); err != nil {
		return err
	}

	a.logger.Info("paper mode started",
		slog.Int("venues", len(venues)),
		slog.Any("symbols", a.cfg.Trading.Symbols),
	)
	return g.Wait()
}

// runTrade is the live-money mode. The engine is venue-agnostic; it refuses
// to start until an order-execution adapter exists for every configured
// exchange.
func (a *App) runTrade(ctx context.Context, deps *Dependencies) error {
	if len(a.cfg.Exchanges) == 0 {
		return errors.New("app: trade mode requires at least two configured exchanges")
	}
	for name := range a.cfg.Exchanges {
		return fmt.Errorf("app: no live execution adapter for venue %q; use paper or monitor mode", name)
	}
	return nil
}

// runMonitor streams live market data, prices opportunities, and serves the
// API, but never executes. Venue shells carry the instrument specs the
// scanner needs; the controller is paused so nothing can place an order.
func (a *App) runMonitor(ctx context.Context, deps *Dependencies) error {
	st := a.buildStack(deps)
	st.ctrl.Pause("monitor mode")
	a.registerPaperVenues(st)

	feeds, err := a.buildLiveFeeds(deps, st)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.recorder.Run(gctx) })
	g.Go(func() error { return st.hub.Run(gctx) })
	for _, f := range feeds {
		g.Go(func() error { return f.Run(gctx) })
	}
	g.Go(func() error { return st.scan.Run(gctx) })
	g.Go(func() error { return a.drainOpportunities(gctx, st) })
	g.Go(func() error { return a.pollRisk(gctx, st) })
	a.startServer(gctx, g, deps, st)

	a.logger.Info("monitor mode started", slog.Int("venues", len(feeds)))
	return g.Wait()
}

// runServer serves the API and archive loop over existing data without any
// market connectivity.
func (a *App) runServer(ctx context.Context, deps *Dependencies) error {
	if !a.cfg.Server.Enabled {
		return errors.New("app: server mode requires server.enabled = true")
	}

	st := a.buildStack(deps)
	st.ctrl.Pause("server mode")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.recorder.Run(gctx) })
	g.Go(func() error { return st.hub.Run(gctx) })
	a.startServer(gctx, g, deps, st)
	a.startArchive(gctx, g, deps, st)

	a.logger.Info("server mode started", slog.Int("port", a.cfg.Server.Port))
	return g.Wait()
}

// ---------------------------------------------------------------------------
// Shared assembly helpers
// ---------------------------------------------------------------------------

// startEngine launches the trading loops: scanner, opportunity consumer,
// reconciler, risk guard, and the risk broadcast ticker.
func (a *App) startEngine(ctx context.Context, g *errgroup.Group, st *stack) {
	g.Go(func() error { return st.scan.Run(ctx) })
	g.Go(func() error { return st.recon.Run(ctx) })
	g.Go(func() error { return st.guard.Run(ctx) })
	g.Go(func() error { return a.consumeOpportunities(ctx, st) })
	g.Go(func() error { return a.pollRisk(ctx, st) })
}

// consumeOpportunities feeds scanner output into the controller. Each open
// attempt runs on its own goroutine; the controller's semaphore bounds
// concurrency and rejection is the common case.
func (a *App) consumeOpportunities(ctx context.Context, st *stack) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp, ok := <-st.scan.C():
			if !ok {
				return nil
			}
			go func(opp domain.Opportunity) {
				_, err := st.ctrl.Open(ctx, opp)
				switch {
				case err == nil:
				case errors.Is(err, domain.ErrOrphaned):
					a.logger.Warn("open ended in orphan recovery",
						slog.String("symbol", opp.Symbol),
						slog.String("error", err.Error()),
					)
				default:
					a.logger.Debug("opportunity rejected",
						slog.String("symbol", opp.Symbol),
						slog.String("error", err.Error()),
					)
				}
			}(opp)
		}
	}
}

// drainOpportunities logs what the engine would have traded. Monitor mode
// only.
func (a *App) drainOpportunities(ctx context.Context, st *stack) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp, ok := <-st.scan.C():
			if !ok {
				return nil
			}
			a.logger.Info("opportunity observed",
				slog.String("symbol", opp.Symbol),
				slog.String("long", opp.LongVenue),
				slog.String("short", opp.ShortVenue),
				slog.String("net_bps", opp.ExpectedNetBps.StringFixed(2)),
			)
		}
	}
}

// pollRisk pushes the guard's latest snapshot to metrics and the websocket
// hub on the guard cadence.
func (a *App) pollRisk(ctx context.Context, st *stack) error {
	ticker := st.clock.NewTicker(st.params.GuardInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			snap := st.guard.Last()
			st.metrics.ObserveRisk(snap)
			st.hub.BroadcastRisk(snap)
		}
	}
}

// startServer wires the HTTP API when enabled and registers its shutdown.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, st *stack) {
	if !a.cfg.Server.Enabled {
		return
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": deps.Postgres,
			"redis":    deps.Redis,
		}),
		Status:    handler.NewStatusHandler(a.cfg.Mode, st.clock.Now(), st.ctrl, st.registry, st.monitor),
		Trades:    handler.NewTradeHandler(deps.TradeStore, deps.IncidentStore, st.registry, a.logger),
		Incidents: handler.NewIncidentHandler(deps.IncidentStore, a.logger),
		Risk:      handler.NewRiskHandler(st.guard, deps.SnapshotStore, st.venues, a.logger),
		Control:   handler.NewControlHandler(st.ctrl, a.logger),
	}

	var metricsHandler http.Handler
	if a.cfg.Server.Metrics {
		metricsHandler = st.metrics.Handler()
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, st.hub, metricsHandler, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startArchive runs the cold-storage export loop when an archiver is wired.
func (a *App) startArchive(ctx context.Context, g *errgroup.Group, deps *Dependencies, st *stack) {
	if deps.Archiver == nil {
		return
	}

	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	interval := a.cfg.Archive.Interval.Duration

	g.Go(func() error {
		a.logger.Info("archive loop started",
			slog.Duration("interval", interval),
			slog.Int("retention_days", a.cfg.Archive.RetentionDays),
		)
		ticker := st.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C():
				cutoff := st.clock.Now().Add(-retention)
				objects, err := deps.Archiver.ArchiveBefore(ctx, cutoff)
				if err != nil {
					a.logger.Error("archive run failed", slog.String("error", err.Error()))
					continue
				}
				if len(objects) > 0 {
					a.logger.Info("archive run complete", slog.Int("objects", len(objects)))
				}
			}
		}
	})
}

// adoptActive reclaims trades that were mid-flight when the previous process
// died. Every adopted trade goes straight into forced recovery: the venues,
// not the database, decide what exposure actually remains.
func (a *App) adoptActive(ctx context.Context, st *stack, trades domain.TradeStore) error {
	active, err := trades.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("app: list active trades: %w", err)
	}

	for _, t := range active {
		st.registry.Adopt(t)
		inc := domain.Incident{
			ID:         uuid.New(),
			TradeID:    t.ID,
			Type:       domain.IncidentOrphan,
			Severity:   domain.SeverityS2,
			Symbol:     t.Symbol,
			Message:    "non-terminal trade found at startup",
			DetectedAt: st.clock.Now(),
			Action:     "orphan_recovery",
		}
		id := t.ID
		go func() {
			if err := st.ctrl.RecoverOrphan(ctx, id, inc); err != nil {
				a.logger.Error("startup recovery failed",
					slog.String("trade_id", id.String()),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	if len(active) > 0 {
		a.logger.Warn("adopted trades from previous run", slog.Int("count", len(active)))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Venue construction
// ---------------------------------------------------------------------------

// registerPaperVenues builds one simulated venue per configured exchange,
// falling back to a default pair so paper mode works out of the box, and
// registers them with the manager.
func (a *App) registerPaperVenues(st *stack) []*exchange.PaperAdapter {
	names := make([]string, 0, len(a.cfg.Exchanges))
	for name := range a.cfg.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) < 2 {
		names = []string{"binance", "bybit"}
	}

	venues := make([]*exchange.PaperAdapter, 0, len(names))
	for _, name := range names {
		pcfg := exchange.DefaultPaperConfig(name)
		pcfg.Leverage = a.cfg.Risk.Leverage
		makerBps := decimal.NewFromInt(1)
		if ex, ok := a.cfg.Exchanges[name]; ok {
			if ex.TakerFeeBps > 0 {
				pcfg.TakerFeeBps = decimal.NewFromFloat(ex.TakerFeeBps)
			}
			if ex.MakerFeeBps > 0 {
				makerBps = decimal.NewFromFloat(ex.MakerFeeBps)
			}
		}

		ad := exchange.NewPaperAdapter(pcfg, st.clock, a.logger)
		for _, symbol := range a.cfg.Trading.Symbols {
			ad.SetSpec(domain.InstrumentSpec{
				Venue:          name,
				Symbol:         symbol,
				TickSize:       decimal.New(1, -1),
				StepSize:       decimal.New(1, -3),
				MinNotionalUSD: decimal.NewFromInt(10),
				MaxLeverage:    20,
				TakerFeeBps:    pcfg.TakerFeeBps,
				MakerFeeBps:    makerBps,
			})
		}
		st.venues.Register(ad)
		venues = append(venues, ad)
	}
	return venues
}

// paperFeedConfig extends the default synthetic market to every traded
// symbol and gives alternating venues opposite funding biases so a
// persistent edge exists for the scanner to find.
func (a *App) paperFeedConfig(venues []*exchange.PaperAdapter) feed.PaperFeedConfig {
	fcfg := feed.DefaultPaperFeedConfig()
	fcfg.Interval = a.cfg.Trading.ScanInterval.Duration / 2
	if fcfg.Interval <= 0 {
		fcfg.Interval = 250 * time.Millisecond
	}

	for _, symbol := range a.cfg.Trading.Symbols {
		if _, ok := fcfg.BasePrices[symbol]; !ok {
			fcfg.BasePrices[symbol] = decimal.NewFromInt(1000)
		}
	}
	for i, v := range venues {
		bias := decimal.NewFromFloat(0.0002)
		if i%2 == 0 {
			bias = bias.Neg()
		}
		fcfg.FundingBias[v.Name()] = bias
	}
	return fcfg
}

// buildLiveFeeds creates a websocket market data feed per configured
// exchange.
func (a *App) buildLiveFeeds(deps *Dependencies, st *stack) ([]*feed.WSFeed, error) {
	if len(a.cfg.Exchanges) == 0 {
		return nil, errors.New("app: monitor mode requires configured exchanges")
	}

	feeds := make([]*feed.WSFeed, 0, len(a.cfg.Exchanges))
	for name, ex := range a.cfg.Exchanges {
		if ex.WsURL == "" {
			return nil, fmt.Errorf("app: exchange %q: ws_url is required", name)
		}
		feeds = append(feeds, feed.NewWSFeed(name, ex.WsURL, a.cfg.Trading.Symbols,
			deps.PriceCache, st.monitor, a.logger))
	}
	return feeds, nil
}
