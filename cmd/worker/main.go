// Command worker is the process entry point that wires the worker
// loop, queue engine, store access, and the health/metrics server
// together: build a cancellable context, construct components
// explicitly (no package-level singletons), start background
// goroutines, and drain on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gorax/flowqueue/internal/config"
	"github.com/gorax/flowqueue/internal/errortracking"
	"github.com/gorax/flowqueue/internal/errs"
	"github.com/gorax/flowqueue/internal/events"
	"github.com/gorax/flowqueue/internal/health"
	"github.com/gorax/flowqueue/internal/metrics"
	"github.com/gorax/flowqueue/internal/queue"
	"github.com/gorax/flowqueue/internal/store"
	"github.com/gorax/flowqueue/internal/worker"
)

func main() {
	logger := events.NewLogger(os.Stderr, slog.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(errs.ExitCode(err))
	}

	tracker, err := errortracking.Initialize(errortracking.Config{
		Enabled:     os.Getenv("SENTRY_DSN") != "",
		DSN:         os.Getenv("SENTRY_DSN"),
		Environment: getEnvOr("ENVIRONMENT", "development"),
		SampleRate:  1.0,
	})
	if err != nil {
		logger.Error("failed to initialize error tracking", "error", err)
		os.Exit(1)
	}
	defer tracker.Close()

	m := metrics.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := m.Register(registry); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	access, err := store.Open(ctx, cfg.QueueStorePool(), cfg.SourceStorePool(), cfg.QueryTimeout, m, logger)
	if err != nil {
		logger.Error("failed to open store connections", "error", err)
		tracker.CaptureFatal(err)
		os.Exit(errs.ExitCode(err))
	}
	defer access.Close()

	engine, err := queue.New(access.QueueDB(), cfg.QueryTimeout)
	if err != nil {
		logger.Error("queue engine does not support this store", "error", err)
		tracker.CaptureFatal(err)
		os.Exit(errs.ExitCode(err))
	}

	sink := events.NewSink(logger)
	engine.SetEvents(sink)

	thresholds := health.DefaultThresholds()
	composer := health.NewComposer(access, engine, thresholds, cfg.OrphanTimeout)

	loop := worker.New(engine, handlerFor(cfg.FlowName, access, logger), cfg, m, sink, logger)
	loop.OnOutcome(composer.RecordOutcome)

	dbCollector := metrics.NewDBStatsCollector(m, access.QueueDB().DB, string(store.QueueStore), logger)
	go dbCollector.Start(ctx, 15*time.Second)
	defer dbCollector.Stop()

	if sourceDB := access.SourceDB(); sourceDB != nil {
		sourceCollector := metrics.NewDBStatsCollector(m, sourceDB.DB, string(store.SourceStore), logger)
		go sourceCollector.Start(ctx, 15*time.Second)
		defer sourceCollector.Stop()
	}

	healthServer := health.NewServer(getEnvOr("HEALTH_ADDR", ":8080"), composer, registry, logger)
	go func() {
		if err := healthServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		healthServer.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("worker loop starting", "flow", cfg.FlowName, "instance_id", loop.InstanceID())
		if err := loop.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("worker loop exited with error", "error", err)
			tracker.CaptureError(ctx, err, errortracking.Tags{Flow: cfg.FlowName, InstanceID: loop.InstanceID()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received, draining in-flight records", "grace", cfg.ShutdownGrace)
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer drainCancel()
	loop.Shutdown(drainCtx)
	cancel()

	logger.Info("worker stopped")
}

func getEnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
