package calsync

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/internal/gcal"
)

// PushEvent writes an internal event to the owner's external calendar. An
// event that already carries an external id is updated; otherwise it is
// created and the returned id is stored on the local row so later syncs
// resolve to the same row. Owners without a connected provider are skipped.
func (e *Engine) PushEvent(ctx context.Context, eventID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "calsync.push_event", trace.WithAttributes(attribute.String("event_id", eventID.String())))
	defer span.End()

	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if ev.SyncSource != calendar.SourceInternal {
		return nil
	}
	if ev.Status == calendar.StatusCancelled {
		return e.pushCancellation(ctx, span, ev)
	}
	p, err := e.providerFor(ctx, ev)
	if err != nil || p == nil {
		return err
	}
	client, err := e.clients.ForProvider(ctx, p)
	if err != nil {
		return e.recordFailure(ctx, p, err)
	}

	remote := gcal.FromLocal(ev)
	if ev.ExternalEventID != "" && ev.ProviderID == p.ID {
		_, err = client.UpdateEvent(ctx, calendarFor(ev, p), remote)
		if err == nil {
			e.logger.Debug("pushed event update", "event_id", ev.ID, "external_event_id", ev.ExternalEventID)
			return nil
		}
		if !errors.Is(err, gcal.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "update failed")
			return e.recordFailure(ctx, p, err)
		}
		e.logger.Info("external event gone, recreating", "event_id", ev.ID, "external_event_id", ev.ExternalEventID)
	}

	remote.ID = ""
	created, err := client.InsertEvent(ctx, p.CalendarID, remote)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return e.recordFailure(ctx, p, err)
	}
	if err := e.store.SetExternalRef(ctx, ev.ID, p.ID, p.CalendarID, created.ID); err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("external_event_id", created.ID))
	e.logger.Info("pushed event to external calendar", "event_id", ev.ID, "provider_id", p.ID, "external_event_id", created.ID)
	return nil
}

// PushCancellation deletes the external counterpart of a cancelled event.
// A counterpart that is already gone counts as done.
func (e *Engine) PushCancellation(ctx context.Context, eventID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "calsync.push_cancellation", trace.WithAttributes(attribute.String("event_id", eventID.String())))
	defer span.End()

	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	return e.pushCancellation(ctx, span, ev)
}

func (e *Engine) pushCancellation(ctx context.Context, span trace.Span, ev calendar.Event) error {
	if ev.ExternalEventID == "" || ev.ProviderID == uuid.Nil {
		return nil
	}
	p, err := e.providerFor(ctx, ev)
	if err != nil || p == nil {
		return err
	}
	client, err := e.clients.ForProvider(ctx, p)
	if err != nil {
		return e.recordFailure(ctx, p, err)
	}
	err = client.DeleteEvent(ctx, calendarFor(ev, p), ev.ExternalEventID)
	if errors.Is(err, gcal.ErrNotFound) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return e.recordFailure(ctx, p, err)
	}
	e.logger.Info("cancelled external event", "event_id", ev.ID, "external_event_id", ev.ExternalEventID)
	return nil
}

// providerFor returns the provider an event syncs through, or nil when the
// owner has no connected provider.
func (e *Engine) providerFor(ctx context.Context, ev calendar.Event) (*calendar.Provider, error) {
	var (
		p   calendar.Provider
		err error
	)
	if ev.ProviderID != uuid.Nil {
		p, err = e.store.GetProvider(ctx, ev.ProviderID)
	} else {
		p, err = e.store.ConnectedProviderForOwner(ctx, ev.OwnerID)
	}
	if errors.Is(err, calendar.ErrProviderNotFound) {
		e.logger.Debug("no connected provider, skipping push", "event_id", ev.ID, "owner_id", ev.OwnerID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !p.Connected() {
		e.logger.Debug("provider disconnected, skipping push", "event_id", ev.ID, "provider_id", p.ID, "status", p.Status)
		return nil, nil
	}
	return &p, nil
}

func calendarFor(ev calendar.Event, p *calendar.Provider) string {
	if ev.ExternalCalendarID != "" {
		return ev.ExternalCalendarID
	}
	return p.CalendarID
}
