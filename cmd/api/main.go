package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/medspa-calendar/internal/api/router"
	"github.com/wolfman30/medspa-calendar/internal/app/bootstrap"
	appconfig "github.com/wolfman30/medspa-calendar/internal/config"
	"github.com/wolfman30/medspa-calendar/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/medspa-calendar/internal/http/middleware"
	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Default().Warn("failed to load .env", "error", err)
	}

	cfg := appconfig.Load()
	logger := logging.NewForEnv(cfg.Env, cfg.LogLevel)
	logger.Info("starting medspa calendar API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"memory_store", cfg.UseMemoryStore,
		"google_sync", cfg.GoogleEnabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsHandler, registry := setupMetrics()
	rt, err := bootstrap.Build(ctx, cfg, logger, registry)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	// In-memory jobs are only visible to this process, so deliver them here.
	if cfg.UseMemoryStore {
		if d := rt.Deliverer(); d != nil {
			go d.Start(ctx)
		}
	}

	var limiter *httpmiddleware.RateLimiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = httpmiddleware.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
		go limiter.Run(ctx)
	}

	calendarHandler := handlers.NewCalendarHandler(rt.Availability, rt.Booking, syncer(rt), exchanger(rt), logger)
	r := router.New(&router.Config{
		Logger:             logger,
		Calendar:           calendarHandler,
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        limiter,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
}

// setupMetrics registers process collectors on a private registry and
// returns the /metrics handler for it.
func setupMetrics() (http.Handler, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}), registry
}

// syncer and exchanger keep a disabled sync engine a nil interface rather
// than a typed nil.
func syncer(rt *bootstrap.Runtime) handlers.CalendarSyncer {
	if rt.Sync == nil {
		return nil
	}
	return rt.Sync
}

func exchanger(rt *bootstrap.Runtime) handlers.CodeExchanger {
	if rt.OAuth == nil {
		return nil
	}
	return rt.OAuth
}
