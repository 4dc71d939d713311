// Package app provides the top-level application lifecycle. It wires
// configuration into infrastructure (stores, caches, blob storage, alerting),
// assembles the trading engine, and starts the goroutines for the configured
// operating mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Shmuel18/Arbitrage/internal/config"
)

// App is the root application object.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Run wires all dependencies, starts the goroutines for the configured mode,
// and blocks until the context is cancelled or a component fails. Cleanup
// runs on return in reverse wiring order.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)
	a.logger.DebugContext(ctx, "active configuration",
		slog.Any("config", config.RedactedConfig(a.cfg)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	defer cleanup()

	deps.Notifier.Info(ctx, "engine starting", "mode: "+a.cfg.Mode)
	defer deps.Notifier.Info(context.Background(), "engine stopped", "mode: "+a.cfg.Mode)

	switch strings.ToLower(a.cfg.Mode) {
	case "trade":
		err = a.runTrade(ctx, deps)
	case "paper":
		err = a.runPaper(ctx, deps)
	case "monitor":
		err = a.runMonitor(ctx, deps)
	case "server":
		err = a.runServer(ctx, deps)
	default:
		err = fmt.Errorf("app: unknown mode %q", a.cfg.Mode)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.logger.Info("application stopped")
	return nil
}
