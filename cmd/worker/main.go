// Leverage Worker — an automated KRX equities trading worker driving a
// single brokerage REST+WebSocket API.
//
// Architecture:
//
//	main.go                — entry point: flags, logger, engine, SIGINT handling
//	engine/                — lifecycle controller: wires every subsystem, strategy host, EOD liquidation
//	scheduler/             — per-symbol cadence dispatch inside trading hours
//	broker/                — REST gateway (auth, retry taxonomy, rate limit) + realtime WebSocket stream
//	order/                 — order lifecycle: duplicate suppression, deposit check, chase-buy, sell-fallback, fill attribution
//	position/              — cost-basis tracking with single-flighted broker re-sync
//	scalper/               — per-symbol limit-order micro state machine driven by the tick stream
//	exitmon/               — tick-driven TP/SL/holding-time exits for scheduler strategies
//	strategy/              — strategy contract, registry, indicators, built-ins
//	storage/               — SQLite stores: minute/daily candles, orders, positions, audit trail
//	session/               — crash detection, heartbeat, emergency-stop sentinel
//	notify/                — Slack webhook notifications
//	status/                — local health/status/metrics HTTP server
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"leverage-worker/internal/config"
	"leverage-worker/internal/engine"
	"leverage-worker/pkg/types"
)

func main() {
	var (
		modeFlag = flag.String("mode", "paper", "broker environment: paper or live")
		cfgPath  = flag.String("config", "configs/trading_config.yaml", "path to trading config")
		debug    = flag.Bool("debug", false, "force debug logging")
	)
	flag.Parse()

	mode := types.Mode(*modeFlag)
	if mode != types.ModePaper && mode != types.ModeLive {
		fmt.Fprintf(os.Stderr, "invalid --mode %q: must be paper or live\n", *modeFlag)
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	cfg.Mode = mode

	logger := newLogger(cfg.Logging, *debug)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	if mode == types.ModeLive {
		logger.Warn("LIVE MODE — real orders will be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-eng.Stopped():
		logger.Warn("engine halted itself, shutting down")
	}

	eng.Stop()
}

func newLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := parseLogLevel(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
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
