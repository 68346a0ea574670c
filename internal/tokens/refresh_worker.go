package tokens

import (
	"context"
	"time"

	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

// RefreshWorker periodically refreshes provider access tokens before they expire.
type RefreshWorker struct {
	manager       *Manager
	store         Store
	logger        *logging.Logger
	interval      time.Duration
	refreshBefore time.Duration
}

func NewRefreshWorker(manager *Manager, store Store, logger *logging.Logger) *RefreshWorker {
	if logger == nil {
		logger = logging.Default()
	}
	return &RefreshWorker{
		manager:       manager,
		store:         store,
		logger:        logger,
		interval:      10 * time.Minute,
		refreshBefore: 15 * time.Minute,
	}
}

// WithInterval sets the check interval.
func (w *RefreshWorker) WithInterval(interval time.Duration) *RefreshWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithRefreshBefore sets how long before expiry to refresh.
func (w *RefreshWorker) WithRefreshBefore(d time.Duration) *RefreshWorker {
	if d > 0 {
		w.refreshBefore = d
	}
	return w
}

// Start blocks until ctx is cancelled.
func (w *RefreshWorker) Start(ctx context.Context) {
	w.logger.Info("starting calendar token refresh worker",
		"interval", w.interval.String(),
		"refresh_before", w.refreshBefore.String(),
	)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("token refresh worker shutting down")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce refreshes every provider expiring within the window and returns
// how many succeeded.
func (w *RefreshWorker) RunOnce(ctx context.Context) int {
	providers, err := w.store.ListExpiring(ctx, w.manager.now().Add(w.refreshBefore))
	if err != nil {
		w.logger.Error("failed to list expiring providers", "error", err)
		return 0
	}
	if len(providers) == 0 {
		w.logger.Debug("no provider tokens need refresh")
		return 0
	}
	refreshed := 0
	for i := range providers {
		p := providers[i]
		if err := w.manager.Refresh(ctx, &p); err != nil {
			w.logger.Error("failed to refresh provider token", "provider_id", p.ID, "owner_id", p.OwnerID, "error", err)
			continue
		}
		refreshed++
	}
	w.logger.Info("refreshed provider tokens", "count", refreshed, "candidates", len(providers))
	return refreshed
}
