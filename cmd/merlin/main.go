// Merlin scores card transactions with rules and an anomaly model.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/merlin/internal/anomaly"
	"github.com/opensource-finance/merlin/internal/api"
	"github.com/opensource-finance/merlin/internal/baseline"
	"github.com/opensource-finance/merlin/internal/bus"
	"github.com/opensource-finance/merlin/internal/config"
	"github.com/opensource-finance/merlin/internal/decision"
	"github.com/opensource-finance/merlin/internal/domain"
	"github.com/opensource-finance/merlin/internal/evaluator"
	"github.com/opensource-finance/merlin/internal/features"
	"github.com/opensource-finance/merlin/internal/ingest"
	"github.com/opensource-finance/merlin/internal/ledger"
	"github.com/opensource-finance/merlin/internal/refresh"
	"github.com/opensource-finance/merlin/internal/rules"
	"github.com/opensource-finance/merlin/internal/training"
	"github.com/opensource-finance/merlin/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting merlin",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"ledger", cfg.Ledger.Driver,
		"eventbus", cfg.EventBus.Type,
		"mirror", cfg.Mirror.Enabled,
		"model_path", cfg.Model.Path,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("merlin stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("merlin shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	// Ledger
	ledgerImpl, err := ledger.New(ctx, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("failed to initialize ledger: %w", err)
	}
	defer ledgerImpl.Close()
	slog.Info("ledger initialized", "driver", cfg.Ledger.Driver)

	// Baseline cache, optionally warmed from Redis
	cache := baseline.NewCache(cfg.Rules.LocationWindow)

	var mirrorWriter refresh.MirrorWriter
	if cfg.Mirror.Enabled {
		mirror, err := baseline.NewMirror(cfg.Mirror)
		if err != nil {
			return fmt.Errorf("failed to initialize baseline mirror: %w", err)
		}
		defer mirror.Close()

		n, err := cache.Warm(ctx, mirror)
		if err != nil {
			slog.Warn("failed to warm baseline cache", "error", err)
		} else {
			slog.Info("baseline cache warmed", "users", n)
		}
		mirrorWriter = mirror
	}

	// Anomaly model
	scorer := anomaly.NewScorer(features.Fingerprint(), features.Dim())
	if err := training.LoadOrTrain(ctx, scorer, ledgerImpl, cfg.Model, cfg.Rules.LocationWindow); err != nil {
		return fmt.Errorf("failed to load anomaly model: %w", err)
	}

	// Evaluation pipeline
	engine, err := rules.NewEngine(cfg.Rules)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	eval := evaluator.New(cache, engine, scorer, decision.NewCombiner(cfg.Decision))

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	svc := ingest.NewService(eval, ledgerImpl, busImpl)

	var ingestWorker *worker.Worker
	if cfg.AsyncWorker {
		ingestWorker = worker.NewWorker(busImpl, svc)
		if err := ingestWorker.Start(worker.Config{}); err != nil {
			return fmt.Errorf("failed to start ingest worker: %w", err)
		}
	}

	// Baseline refresh
	scheduler := refresh.NewScheduler(ledgerImpl, cache, mirrorWriter, cfg.Refresh)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start refresh scheduler: %w", err)
	}

	// HTTP
	srv := api.NewServer(cfg.Server, api.NewHandler(svc, ledgerImpl, busImpl, scorer, Version))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("merlin is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model", scorer.Available(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if ingestWorker != nil {
		if err := ingestWorker.Stop(); err != nil {
			slog.Error("failed to stop ingest worker", "error", err)
		}
	}
	scheduler.Stop()

	return serveErr
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
