package calsync

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

// Scheduler periodically runs Sync for every syncable provider.
type Scheduler struct {
	engine   *Engine
	store    calendar.ProviderStore
	logger   *logging.Logger
	interval time.Duration
}

func NewScheduler(engine *Engine, store calendar.ProviderStore, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		engine:   engine,
		store:    store,
		logger:   logger,
		interval: 15 * time.Minute,
	}
}

func (s *Scheduler) WithInterval(interval time.Duration) *Scheduler {
	if interval > 0 {
		s.interval = interval
	}
	return s
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce syncs each provider in turn and returns how many succeeded.
// Providers already syncing elsewhere are skipped.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	providers, err := s.store.ListSyncable(ctx)
	if err != nil {
		s.logger.Error("failed to list syncable providers", "error", err)
		return 0
	}
	synced := 0
	for _, p := range providers {
		if ctx.Err() != nil {
			return synced
		}
		_, err := s.engine.Sync(ctx, p.ID)
		switch {
		case err == nil:
			synced++
		case errors.Is(err, ErrSyncInProgress):
			s.logger.Debug("sync already running", "provider_id", p.ID)
		case errors.Is(err, calendar.ErrProviderRateLimited):
			s.logger.Warn("provider rate limited, deferring", "provider_id", p.ID)
		default:
			s.logger.Error("scheduled sync failed", "provider_id", p.ID, "error", err)
		}
	}
	return synced
}
