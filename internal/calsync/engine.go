// Package calsync reconciles the internal event store with external
// calendars: full and incremental inbound sync, outward push, and the OAuth
// connect/disconnect lifecycle.
package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/internal/gcal"
	"github.com/wolfman30/medspa-calendar/internal/observability/metrics"
	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

var tracer = otel.Tracer("medspa.internal.calsync")

// Mode is the kind of inbound sync that ran.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Store is the persistence the sync engine needs.
type Store interface {
	calendar.EventStore
	calendar.ProviderStore
}

// Connector builds an external calendar client for a provider.
type Connector interface {
	ForProvider(ctx context.Context, p *calendar.Provider) (gcal.API, error)
}

// TokenEncrypter seals OAuth tokens before they are stored.
type TokenEncrypter interface {
	EncryptToken(plaintext string) (string, error)
}

// FullSyncEnqueuer schedules a background full sync.
type FullSyncEnqueuer interface {
	EnqueueFullSync(ctx context.Context, tenantID string, providerID uuid.UUID) error
}

// Result summarises one inbound sync.
type Result struct {
	Mode      Mode
	Upserted  int
	Created   int
	Cancelled int
	Skipped   int
	SyncToken string
}

// Config holds the sync window and lock TTL.
type Config struct {
	Lookback  time.Duration
	Lookahead time.Duration
	LockTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Lookback <= 0 {
		c.Lookback = 30 * 24 * time.Hour
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 90 * 24 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
	return c
}

// Engine performs inbound and outbound calendar sync.
type Engine struct {
	store   Store
	clients Connector
	tokens  TokenEncrypter
	jobs    FullSyncEnqueuer
	locker  Locker
	logger  *logging.Logger
	metrics *metrics.CalendarMetrics
	cfg     Config
	now     func() time.Time
}

func NewEngine(store Store, clients Connector, tokens TokenEncrypter, locker Locker, logger *logging.Logger, cfg Config) *Engine {
	if store == nil || clients == nil {
		panic("calsync: store and connector required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Engine{
		store:   store,
		clients: clients,
		tokens:  tokens,
		locker:  locker,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// WithJobs sets where Connect enqueues its initial full sync.
func (e *Engine) WithJobs(jobs FullSyncEnqueuer) *Engine {
	e.jobs = jobs
	return e
}

func (e *Engine) WithMetrics(m *metrics.CalendarMetrics) *Engine {
	e.metrics = m
	return e
}

// Sync runs an incremental sync when a cursor is stored, otherwise a full
// sync. A rejected cursor falls back to a full sync.
func (e *Engine) Sync(ctx context.Context, providerID uuid.UUID) (Result, error) {
	return e.withProvider(ctx, providerID, func(ctx context.Context, p *calendar.Provider, client gcal.API) (Result, error) {
		if p.SyncToken == "" {
			return e.fullSync(ctx, p, client)
		}
		res, err := e.incrementalSync(ctx, p, client)
		if errors.Is(err, calendar.ErrSyncCursorInvalid) {
			e.logger.Info("sync cursor rejected, running full sync", "provider_id", p.ID)
			return e.fullSync(ctx, p, client)
		}
		return res, err
	})
}

// FullSync refetches the whole window regardless of the stored cursor.
func (e *Engine) FullSync(ctx context.Context, providerID uuid.UUID) (Result, error) {
	return e.withProvider(ctx, providerID, func(ctx context.Context, p *calendar.Provider, client gcal.API) (Result, error) {
		return e.fullSync(ctx, p, client)
	})
}

// IncrementalSync resumes from the stored cursor, falling back to a full
// sync when there is none or it was rejected.
func (e *Engine) IncrementalSync(ctx context.Context, providerID uuid.UUID) (Result, error) {
	return e.Sync(ctx, providerID)
}

func (e *Engine) withProvider(ctx context.Context, providerID uuid.UUID, run func(context.Context, *calendar.Provider, gcal.API) (Result, error)) (Result, error) {
	release, err := e.locker.Acquire(ctx, providerID.String(), e.cfg.LockTTL)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("failed to release sync lock", "provider_id", providerID, "error", err)
		}
	}()

	p, err := e.store.GetProvider(ctx, providerID)
	if err != nil {
		return Result{}, err
	}
	if !p.Syncable() {
		e.logger.Debug("provider not syncable, skipping", "provider_id", p.ID, "status", p.Status)
		return Result{}, nil
	}
	client, err := e.clients.ForProvider(ctx, &p)
	if err != nil {
		return Result{}, e.recordFailure(ctx, &p, err)
	}
	res, err := run(ctx, &p, client)
	if err != nil {
		e.metrics.ObserveSyncRun(string(res.Mode), "error")
		return res, e.recordFailure(ctx, &p, err)
	}
	e.metrics.ObserveSyncRun(string(res.Mode), "success")
	e.metrics.AddSyncEvents("upserted", res.Upserted)
	e.metrics.AddSyncEvents("cancelled", res.Cancelled)
	e.metrics.AddSyncEvents("skipped", res.Skipped)
	return res, nil
}

func (e *Engine) fullSync(ctx context.Context, p *calendar.Provider, client gcal.API) (Result, error) {
	ctx, span := tracer.Start(ctx, "calsync.full_sync", trace.WithAttributes(attribute.String("provider_id", p.ID.String())))
	defer span.End()

	now := e.now()
	res := Result{Mode: ModeFull}
	q := gcal.ListQuery{CalendarID: p.CalendarID, TimeMin: now.Add(-e.cfg.Lookback), TimeMax: now.Add(e.cfg.Lookahead)}
	cursor, err := e.drain(ctx, p, client, q, &res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "full sync failed")
		return res, err
	}
	return e.commit(ctx, span, p, cursor, res)
}

func (e *Engine) incrementalSync(ctx context.Context, p *calendar.Provider, client gcal.API) (Result, error) {
	ctx, span := tracer.Start(ctx, "calsync.incremental_sync", trace.WithAttributes(attribute.String("provider_id", p.ID.String())))
	defer span.End()

	res := Result{Mode: ModeIncremental}
	cursor, err := e.drain(ctx, p, client, gcal.ListQuery{CalendarID: p.CalendarID, SyncToken: p.SyncToken}, &res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "incremental sync failed")
		return res, err
	}
	return e.commit(ctx, span, p, cursor, res)
}

// drain pages through the listing, applying every event, and returns the
// cursor from the final page. Nothing is committed on error.
func (e *Engine) drain(ctx context.Context, p *calendar.Provider, client gcal.API, q gcal.ListQuery, res *Result) (string, error) {
	for {
		page, err := client.ListEvents(ctx, q)
		if err != nil {
			return "", err
		}
		for _, ev := range page.Events {
			if err := e.apply(ctx, p, ev, res); err != nil {
				return "", err
			}
		}
		if page.NextPageToken == "" {
			return page.NextSyncToken, nil
		}
		q.PageToken = page.NextPageToken
	}
}

func (e *Engine) commit(ctx context.Context, span trace.Span, p *calendar.Provider, cursor string, res Result) (Result, error) {
	if cursor == "" {
		e.logger.Warn("sync finished without a cursor", "provider_id", p.ID, "mode", res.Mode)
		cursor = p.SyncToken
	}
	syncedAt := e.now().UTC()
	if err := e.store.UpdateSyncState(ctx, p.ID, cursor, syncedAt); err != nil {
		span.RecordError(err)
		return res, err
	}
	p.SyncToken = cursor
	p.LastSyncAt = syncedAt
	p.Status = calendar.ProviderActive
	res.SyncToken = cursor
	span.SetAttributes(
		attribute.Int("sync.upserted", res.Upserted),
		attribute.Int("sync.cancelled", res.Cancelled),
		attribute.Int("sync.skipped", res.Skipped),
	)
	e.logger.Info("calendar sync complete",
		"provider_id", p.ID,
		"mode", res.Mode,
		"upserted", res.Upserted,
		"created", res.Created,
		"cancelled", res.Cancelled,
		"skipped", res.Skipped,
	)
	return res, nil
}

// apply reconciles one remote event into the store, keyed by
// (provider_id, external_event_id).
func (e *Engine) apply(ctx context.Context, p *calendar.Provider, ev gcal.Event, res *Result) error {
	if ev.ID == "" {
		res.Skipped++
		return nil
	}
	if ev.Cancelled() {
		found, err := e.store.CancelExternalEvent(ctx, p.ID, ev.ID)
		if err != nil {
			return err
		}
		if found {
			res.Cancelled++
		} else {
			res.Skipped++
			e.logger.Debug("cancelled event not known locally", "provider_id", p.ID, "external_event_id", ev.ID)
		}
		return nil
	}
	if ev.Start.IsZero() || !ev.Start.Before(ev.End) {
		res.Skipped++
		e.logger.Debug("skipping external event without a positive duration", "provider_id", p.ID, "external_event_id", ev.ID)
		return nil
	}
	if err := e.adoptPushed(ctx, p, ev); err != nil {
		return err
	}

	created, err := e.store.UpsertExternalEvent(ctx, calendar.Event{
		TenantID:           p.TenantID,
		OwnerID:            p.OwnerID,
		ProviderID:         p.ID,
		ExternalCalendarID: p.CalendarID,
		ExternalEventID:    ev.ID,
		Title:              ev.Summary,
		Description:        ev.Description,
		Location:           ev.Location,
		StartTime:          ev.Start,
		EndTime:            ev.End,
		Timezone:           ev.Timezone,
		AllDay:             ev.AllDay,
		Status:             ev.LocalStatus(),
		BookedBy:           calendar.BookedByExternal,
		Attendees:          ev.Attendees,
		SyncSource:         syncSource(p.Kind),
	})
	if errors.Is(err, calendar.ErrSlotNoLongerAvailable) {
		res.Skipped++
		e.logger.Warn("external change collides with an internal booking", "provider_id", p.ID, "external_event_id", ev.ID)
		return nil
	}
	if err != nil {
		return err
	}
	res.Upserted++
	if created {
		res.Created++
	}
	return nil
}

// adoptPushed links a remote event that carries our local id back to its
// row when the push never recorded the external reference.
func (e *Engine) adoptPushed(ctx context.Context, p *calendar.Provider, ev gcal.Event) error {
	if ev.LocalEventID == "" {
		return nil
	}
	localID, err := uuid.Parse(ev.LocalEventID)
	if err != nil {
		return nil
	}
	local, err := e.store.GetEvent(ctx, localID)
	if errors.Is(err, calendar.ErrEventNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if local.ExternalEventID != "" || local.OwnerID != p.OwnerID {
		return nil
	}
	return e.store.SetExternalRef(ctx, local.ID, p.ID, p.CalendarID, ev.ID)
}

// recordFailure marks the provider errored (expired when unauthorized)
// without touching its cursor. Rate limiting leaves the status alone.
func (e *Engine) recordFailure(ctx context.Context, p *calendar.Provider, cause error) error {
	status := calendar.ProviderError
	switch {
	case errors.Is(cause, calendar.ErrProviderRateLimited):
		e.logger.Warn("provider rate limited, will retry", "provider_id", p.ID, "error", cause)
		return cause
	case errors.Is(cause, calendar.ErrProviderUnauthorized):
		if !p.Connected() {
			// the token manager already recorded the transition
			e.logger.Error("calendar sync unauthorized", "provider_id", p.ID, "status", p.Status, "error", cause)
			return fmt.Errorf("calsync: provider %s: %w", p.ID, cause)
		}
		status = calendar.ProviderExpired
	}
	e.logger.Error("calendar sync failed", "provider_id", p.ID, "owner_id", p.OwnerID, "status", status, "error", cause)
	if err := e.store.UpdateStatus(ctx, p.ID, status, truncate(cause.Error(), 500)); err != nil {
		e.logger.Error("failed to record provider status", "provider_id", p.ID, "error", err)
	}
	p.Status = status
	return fmt.Errorf("calsync: provider %s: %w", p.ID, cause)
}

func syncSource(kind calendar.ProviderKind) calendar.SyncSource {
	if kind == calendar.KindOutlook {
		return calendar.SourceOutlook
	}
	return calendar.SourceGoogle
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
