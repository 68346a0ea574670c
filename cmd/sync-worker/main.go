package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/medspa-calendar/internal/app/bootstrap"
	appconfig "github.com/wolfman30/medspa-calendar/internal/config"
	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Default().Warn("failed to load .env", "error", err)
	}

	cfg := appconfig.Load()
	logger := logging.NewForEnv(cfg.Env, cfg.LogLevel)

	if cfg.UseMemoryStore {
		logger.Error("sync worker requires DATABASE_URL; the in-memory store runs delivery inside the API")
		os.Exit(1)
	}
	if !cfg.GoogleEnabled() {
		logger.Error("sync worker requires GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	rt, err := bootstrap.Build(ctx, cfg, logger, registry)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("starting calendar sync worker",
		"sync_interval", cfg.SyncInterval.String(),
		"outbox_interval", cfg.OutboxInterval.String(),
	)

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		rt.Deliverer().Start,
		rt.Scheduler().Start,
		rt.RefreshWorker().Start,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	<-ctx.Done()
	logger.Info("sync worker shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	wg.Wait()
	logger.Info("sync worker stopped")
}
