// Package bootstrap assembles the calendar engine's components from config
// so the API and worker binaries share one wiring.
package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/medspa-calendar/internal/availability"
	"github.com/wolfman30/medspa-calendar/internal/booking"
	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/internal/calendar/memory"
	"github.com/wolfman30/medspa-calendar/internal/calendar/postgres"
	"github.com/wolfman30/medspa-calendar/internal/calsync"
	appconfig "github.com/wolfman30/medspa-calendar/internal/config"
	"github.com/wolfman30/medspa-calendar/internal/events"
	"github.com/wolfman30/medspa-calendar/internal/gcal"
	"github.com/wolfman30/medspa-calendar/internal/observability/metrics"
	"github.com/wolfman30/medspa-calendar/internal/tokens"
	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

// Runtime holds every wired component. Sync, Tokens and OAuth are nil when
// Google Calendar is not configured.
type Runtime struct {
	Config  *appconfig.Config
	Logger  *logging.Logger
	Metrics *metrics.CalendarMetrics

	Pool  *pgxpool.Pool
	Redis *redis.Client
	Store calendar.Store
	Queue events.Queue

	Availability *availability.Engine
	Booking      *booking.Orchestrator
	Tokens       *tokens.Manager
	OAuth        *tokens.OAuthRefresher
	Sync         *calsync.Engine
}

// Build connects to Postgres (or the in-memory store) and Redis and wires
// the engines. reg may be nil to skip metric registration.
func Build(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, reg prometheus.Registerer) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap: invalid config: %w", err)
	}

	rt := &Runtime{Config: cfg, Logger: logger}
	if reg != nil {
		rt.Metrics = metrics.NewCalendarMetrics(reg)
	}

	if cfg.UseMemoryStore {
		logger.Warn("using in-memory calendar store; data is lost on restart")
		rt.Store = memory.New()
		rt.Queue = events.NewMemoryQueue()
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
		}
		rt.Pool = pool
		rt.Store = postgres.New(pool)
		rt.Queue = events.NewOutboxStore(pool)
	}
	publisher := events.NewPublisher(rt.Queue)
	rt.Redis = BuildRedisClient(ctx, cfg, logger, true)

	availOpts := availability.Options{StrictTimezones: cfg.StrictTimezones}

	if cfg.GoogleEnabled() {
		if err := rt.buildSync(cfg, logger, publisher); err != nil {
			rt.Close()
			return nil, err
		}
		if cfg.LiveFreeBusy {
			availOpts.Busy = calsync.NewFreeBusySource(rt.Store, rt.gcalFactory())
		}
	} else {
		logger.Info("google calendar not configured; external sync disabled")
	}

	rt.Availability = availability.NewEngine(rt.Store, logger, availOpts)
	rt.Booking = booking.NewOrchestrator(rt.Store, rt.Availability, publisher, booking.Templates{
		Title:       cfg.BookingTitleTemplate,
		Description: cfg.BookingDescriptionTemplate,
	}, logger).WithMetrics(rt.Metrics)
	return rt, nil
}

func (rt *Runtime) buildSync(cfg *appconfig.Config, logger *logging.Logger, publisher *events.Publisher) error {
	key, err := tokens.ParseKey(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("bootstrap: token key: %w", err)
	}
	cipher, err := tokens.NewCipher(key)
	if err != nil {
		return fmt.Errorf("bootstrap: token cipher: %w", err)
	}
	rt.OAuth = tokens.NewOAuthRefresher(tokens.GoogleConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL), nil)
	rt.Tokens = tokens.NewManager(cipher, rt.OAuth, rt.Store, logger).WithExpiryBuffer(cfg.TokenExpiryBuffer)

	var locker calsync.Locker
	if rt.Redis != nil {
		locker = calsync.NewRedisLocker(rt.Redis)
	} else {
		logger.Warn("redis unavailable; sync locks are process-local")
		locker = calsync.NewLocalLocker()
	}

	day := 24 * time.Hour
	rt.Sync = calsync.NewEngine(rt.Store, rt.gcalFactory(), rt.Tokens, locker, logger, calsync.Config{
		Lookback:  time.Duration(cfg.SyncLookbackDays) * day,
		Lookahead: time.Duration(cfg.SyncLookaheadDays) * day,
		LockTTL:   cfg.SyncLockTTL,
	}).WithJobs(publisher).WithMetrics(rt.Metrics)
	return nil
}

func (rt *Runtime) gcalFactory() *gcal.Factory {
	return gcal.NewFactory(rt.Tokens, nil)
}

// Deliverer drains the job queue into the sync engine. It returns nil when
// sync is disabled.
func (rt *Runtime) Deliverer() *events.Deliverer {
	if rt.Sync == nil {
		return nil
	}
	cfg := rt.Config
	return events.NewDeliverer(rt.Queue, calsync.NewJobHandler(rt.Sync), rt.Logger).
		WithInterval(cfg.OutboxInterval).
		WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithMaxAttempts(cfg.OutboxMaxAttempts).
		WithBaseBackoff(cfg.OutboxBaseBackoff).
		WithMetrics(rt.Metrics)
}

// Scheduler runs periodic incremental syncs, or nil when sync is disabled.
func (rt *Runtime) Scheduler() *calsync.Scheduler {
	if rt.Sync == nil {
		return nil
	}
	return calsync.NewScheduler(rt.Sync, rt.Store, rt.Logger).WithInterval(rt.Config.SyncInterval)
}

// RefreshWorker proactively refreshes expiring tokens, or nil when sync is
// disabled.
func (rt *Runtime) RefreshWorker() *tokens.RefreshWorker {
	if rt.Tokens == nil {
		return nil
	}
	return tokens.NewRefreshWorker(rt.Tokens, rt.Store, rt.Logger).
		WithInterval(rt.Config.TokenRefreshInterval).
		WithRefreshBefore(2 * rt.Config.TokenRefreshInterval)
}

// Close releases the database pool and Redis client.
func (rt *Runtime) Close() {
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			rt.Logger.Warn("close redis", "error", err)
		}
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}
