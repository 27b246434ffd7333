// Package main — cmd/gaimoded/main.go
//
// gaimoded entrypoint.
//
// Startup sequence:
//  1. Flag parsing (--forked, --config, --log-level, --log-format, --version).
//  2. If not --forked and not already daemonized: re-exec detached, exit.
//  3. Load and validate config (a missing file falls back to defaults; a
//     malformed or invalid one falls back to defaults and is logged).
//  4. Initialise structured logger (zap).
//  5. Open the episode ledger (BoltDB); a failure is logged, not fatal.
//  6. Prune stale ledger entries.
//  7. Start Prometheus metrics server, if configured.
//  8. Build the Optimizer and its command channel.
//  9. Start the optimizer tick loop.
// 10. Start the command socket listener.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (stops the listener and metrics server).
//  2. Stop the optimizer tick loop, which runs one final full revert.
//  3. Close the ledger.
//  4. Flush the logger.
//  5. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/commmrade/gaimode/internal/config"
	"github.com/commmrade/gaimode/internal/ledger"
	"github.com/commmrade/gaimode/internal/listener"
	"github.com/commmrade/gaimode/internal/observability"
	"github.com/commmrade/gaimode/internal/optimizer"
	"github.com/commmrade/gaimode/internal/service"
)

func main() {
	configPath := flag.String("config", "", "Path to settings.toml (default: ~/.config/gaimode/settings.toml)")
	logLevel := flag.String("log-level", "", "Override the configured log level")
	logFormat := flag.String("log-format", "", "Override the configured log format (json|console)")
	forked := flag.Bool("forked", false, "Internal flag: set on the re-exec'd daemon process")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("gaimoded %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	if !*forked {
		if err := service.Daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: daemonize failed: %v\n", err)
			os.Exit(1)
		}
		return // unreachable: Daemonize calls os.Exit(0) on success
	}

	path := *configPath
	if path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(1)
		}
		path = p
	}

	// Load returns Defaults() alongside any error; the error is logged
	// once the logger exists and the daemon keeps running on defaults.
	cfg, cfgErr := config.Load(path)
	if *logLevel != "" {
		cfg.Observability.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.Observability.LogFormat = *logFormat
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if cfgErr != nil {
		log.Warn("config load failed — using defaults", zap.String("config", path), zap.Error(cfgErr))
	}

	log.Info("gaimoded starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", path),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var led *ledger.DB
	led, err = ledger.Open(cfg.Ledger.DBPath, cfg.Ledger.RetentionDays)
	if err != nil {
		log.Warn("episode ledger unavailable — continuing without audit trail",
			zap.String("path", cfg.Ledger.DBPath), zap.Error(err))
		led = nil
	} else {
		defer led.Close() //nolint:errcheck
		if n, err := led.PruneOld(); err != nil {
			log.Warn("ledger pruning failed", zap.Error(err))
		} else if n > 0 {
			log.Info("pruned stale ledger entries", zap.Int("deleted", n))
		}
	}

	metrics := observability.NewMetrics()
	if cfg.Observability.MetricsAddr != "" {
		go func() {
			if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))
	}

	var episodeLedger optimizer.EpisodeLedger
	if led != nil {
		episodeLedger = led
	}
	opt := optimizer.New(cfg, log, metrics, episodeLedger)

	commands := make(chan optimizer.Command, 64)
	stop := make(chan struct{})
	optimizerDone := make(chan struct{})
	go func() {
		service.RunOptimizerLoop(opt, commands, stop)
		close(optimizerDone)
	}()

	sockPath := service.SocketPath()
	lst := listener.New(sockPath, commands, log)
	listenerDone := make(chan struct{})
	go func() {
		if err := lst.ListenAndServe(ctx); err != nil {
			log.Error("listener error", zap.Error(err))
		}
		close(listenerDone)
	}()
	log.Info("command socket listening", zap.String("path", sockPath))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	close(stop)

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-optimizerDone:
	case <-shutdownTimer.C:
		log.Warn("optimizer shutdown timed out")
	}
	<-listenerDone

	log.Info("gaimoded shutdown complete")
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
