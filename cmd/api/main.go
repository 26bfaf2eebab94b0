package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mithla/internal/app"
	"mithla/internal/config"
	"mithla/internal/handler"
	"mithla/internal/httpmiddleware"
	"mithla/internal/logging"
)

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
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
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

	// Memory stores live in this process, so the sweeper has to as well.
	if cfg.StoreBackend == config.BackendMemory {
		stopBackground, err := services.StartBackground(ctx, cfg, backends.Queue, logger.Named("worker"))
		if err != nil {
			return err
		}
		defer stopBackground()
		logger.Info("in-process sweeper started", zap.String("schedule", cfg.SweepSchedule))
	}

	var limiter httpmiddleware.Limiter = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitBackend == config.BackendRedis {
		limiter = httpmiddleware.NewRedisWindow(backends.Redis.Client, cfg.RateLimitPerMin)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger.Named("http"), "/healthz", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		checks := backends.Healthy(c.Request.Context())
		status := http.StatusOK
		for _, ok := range checks {
			if !ok {
				status = http.StatusServiceUnavailable
			}
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
	})

	h := handler.New(handler.Deps{
		Coordinator: services.Coordinator,
		Reports:     services.Reports,
		Students:    services.Students,
		Feeds:       services.Feeds,
		Sweeps:      services.Sweeper,
		Tokens: handler.TokenConfig{
			SigningKey: cfg.JWTSigningKey,
			Issuer:     cfg.JWTIssuer,
			TTL:        cfg.AccessTTL,
		},
		Timeout: cfg.RequestTimeout,
		Log:     logger.Named("http"),
	})
	h.Register(r, httpmiddleware.Middleware(limiter, logger.Named("ratelimit")))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}
