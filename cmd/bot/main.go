// Command bot runs the perpetual-futures market maker: loads configuration,
// wires the exchange adapter into the Strategy Engine, and runs until a
// shutdown signal, at which point it flattens inventory and exits.
//
// Architecture:
//
//	engine/engine.go     — state machine + loop body: adaptive -> AS model -> reconciler -> risk
//	adaptive/controller.go — rolling volatility, depth, and intensity signals
//	quote/model.go        — Avellaneda-Stoikov reservation price and half-spread
//	reconcile/reconcile.go — diffs the desired quote against live orders
//	inventory/sidemode.go — single-sided quoting hysteresis
//	risk/manager.go       — drawdown/volatility/failure circuit breaker
//	flatten/flatten.go    — retry-driven taker close-out on stop/halt
//	exchange/{rest,fake}.go — live REST adapter and an in-memory fake for tests
//	monitoring/monitoring.go — Prometheus diagnostics, summary, and series
//	events/{bus,alerts}.go — outbound event stream and alert dedupe
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"perp-mm/internal/config"
	"perp-mm/internal/engine"
	"perp-mm/internal/exchange"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newLogHandler(cfg.Logging))

	var adapter exchange.Adapter
	if cfg.DryRun {
		logger.Warn("dry-run mode: no real orders will be placed, using the in-memory fake adapter")
		adapter = exchange.NewFakeAdapter()
	} else {
		adapter = exchange.NewRestAdapter(cfg.Venue, logger)
	}

	eng := engine.New(cfg, adapter, logger)

	logForwarder(eng, logger)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("market maker started",
		"symbol", cfg.Runtime.Symbol,
		"goal", cfg.Goal,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop(sig.String())
	logger.Info("shutdown complete")
}

// logForwarder drains the engine's event bus onto the structured logger for
// the lifetime of the process. A dashboard or alert sink would subscribe the
// same way.
func logForwarder(eng *engine.Engine, logger *slog.Logger) {
	_, ch := eng.Bus().Subscribe()
	go func() {
		for evt := range ch {
			logger.Debug("engine event", "type", evt.Type, "payload", evt.Payload)
		}
	}()
}

func newLogHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
