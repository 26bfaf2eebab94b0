package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mithla/internal/app"
	"mithla/internal/config"
	"mithla/internal/logging"
)

// Worker runs the reconciliation sweeper and the expiry eviction on their
// schedules, and sweeps on demand when a student.deleted event arrives.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	for _, w := range cfg.Warnings() {
		logger.Warn("configuration", zap.String("warning", w))
	}
	if cfg.StoreBackend == config.BackendMemory {
		logger.Fatal("worker needs shared stores; with STORE_BACKEND=memory the api runs the sweeper itself")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.App, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	backends, err := app.Open(startCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer backends.Close()

	services := app.Build(backends, cfg, logger, prometheus.DefaultRegisterer)

	stopBackground, err := services.StartBackground(ctx, cfg, backends.Queue, logger.Named("worker"))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("sweep", cfg.SweepSchedule),
		zap.String("evict", cfg.EvictionSchedule),
		zap.String("metrics", metricsSrv.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received")

	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("worker stopped")
	return nil
}
