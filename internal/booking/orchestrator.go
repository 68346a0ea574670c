// Package booking assigns appointment requests to staff, re-validates the
// slot and persists the resulting calendar event.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/internal/observability/metrics"
	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

var tracer = otel.Tracer("medspa.internal.booking")

// Store is the persistence the orchestrator needs.
type Store interface {
	calendar.DirectoryStore
	calendar.RoundRobin
	CountEventsStarting(ctx context.Context, ownerID string, from, to time.Time) (int, error)
	CheckSlotAvailability(ctx context.Context, ownerID string, start, end time.Time) (bool, error)
	InsertEvent(ctx context.Context, event *calendar.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (calendar.Event, error)
	UpdateEventStatus(ctx context.Context, id uuid.UUID, status calendar.EventStatus) error
	ConnectedProviderForOwner(ctx context.Context, ownerID string) (calendar.Provider, error)
}

// Availability answers whether an owner can take an interval, and if not,
// whether the schedule or an existing event is in the way.
type Availability interface {
	Check(ctx context.Context, c calendar.SlotCheck) (calendar.SlotVerdict, error)
}

// SyncEnqueuer schedules outward propagation of bookings.
type SyncEnqueuer interface {
	EnqueuePush(ctx context.Context, tenantID string, eventID uuid.UUID) error
	EnqueueCancel(ctx context.Context, tenantID string, eventID uuid.UUID) error
}

// Orchestrator creates and cancels bookings.
type Orchestrator struct {
	store        Store
	availability Availability
	sync         SyncEnqueuer
	templates    Templates
	logger       *logging.Logger
	metrics      *metrics.CalendarMetrics
	now          func() time.Time
}

func NewOrchestrator(store Store, availability Availability, sync SyncEnqueuer, templates Templates, logger *logging.Logger) *Orchestrator {
	if store == nil || availability == nil {
		panic("booking: store and availability required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Orchestrator{
		store:        store,
		availability: availability,
		sync:         sync,
		templates:    templates.withDefaults(),
		logger:       logger,
		now:          time.Now,
	}
}

func (o *Orchestrator) WithMetrics(m *metrics.CalendarMetrics) *Orchestrator {
	o.metrics = m
	return o
}

// CreateBooking never returns an error: every failure is folded into a
// Result with a speakable message. No event is written unless the final
// availability check passes.
func (o *Orchestrator) CreateBooking(ctx context.Context, req Request) Result {
	started := o.now()
	ctx, span := tracer.Start(ctx, "booking.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("medspa.tenant_id", req.TenantID),
		attribute.String("medspa.agent_id", req.AgentID),
		attribute.String("medspa.call_id", req.CallID),
	)

	res, strategy := o.create(ctx, req)
	outcome := "success"
	if !res.Success {
		outcome = outcomeFor(res.Reason)
		span.RecordError(res.Reason)
		span.SetStatus(codes.Error, outcome)
		o.logger.Warn("booking failed",
			"tenant_id", req.TenantID,
			"agent_id", req.AgentID,
			"owner_id", req.OwnerID,
			"call_id", req.CallID,
			"start_time", req.StartTime,
			"outcome", outcome,
			"error", res.Reason,
		)
	} else {
		span.SetAttributes(attribute.String("medspa.owner_id", res.OwnerID), attribute.String("medspa.booking_id", res.BookingID.String()))
	}
	o.metrics.ObserveBooking(string(strategy), outcome, o.now().Sub(started).Seconds())
	return res
}

func (o *Orchestrator) create(ctx context.Context, req Request) (Result, calendar.Strategy) {
	if err := req.validate(); err != nil {
		return Result{Error: "Invalid booking request: " + err.Error(), Reason: fmt.Errorf("booking: %w", err)}, ""
	}
	start := req.StartTime
	end := start.Add(req.duration())

	ownerID, strategy, err := o.selectOwner(ctx, req, start, end)
	if err != nil {
		return failure(err), strategy
	}

	// last check before the write; the store's exclusion constraint backs it
	free, err := o.store.CheckSlotAvailability(ctx, ownerID, start, end)
	if err != nil {
		return failure(fmt.Errorf("%w: check slot: %w", calendar.ErrPersistence, err)), strategy
	}
	if !free {
		return failure(calendar.ErrSlotNoLongerAvailable), strategy
	}

	code, err := ConfirmationCode()
	if err != nil {
		return failure(fmt.Errorf("%w: %w", calendar.ErrPersistence, err)), strategy
	}
	bookedBy := req.BookedBy
	if bookedBy == "" {
		bookedBy = calendar.BookedByVoiceAgent
	}
	metadata := map[string]string{"confirmation_code": code}
	if req.Notes != "" {
		metadata["notes"] = req.Notes
	}
	if req.CallID != "" {
		metadata["call_id"] = req.CallID
	}
	if req.AgentID != "" {
		metadata["agent_id"] = req.AgentID
	}
	tmpl := o.templatesFor(ctx, req)
	event := calendar.Event{
		TenantID:    req.TenantID,
		OwnerID:     ownerID,
		Title:       Render(tmpl.Title, req.Attendee, req.Notes),
		Description: Render(tmpl.Description, req.Attendee, req.Notes),
		StartTime:   start,
		EndTime:     end,
		Timezone:    req.Timezone,
		Status:      calendar.StatusConfirmed,
		BookedBy:    bookedBy,
		Attendees:   []calendar.Attendee{req.Attendee},
		SyncSource:  calendar.SourceInternal,
		Metadata:    metadata,
	}
	if err := o.store.InsertEvent(ctx, &event); err != nil {
		if !errors.Is(err, calendar.ErrSlotNoLongerAvailable) && !errors.Is(err, calendar.ErrPersistence) {
			err = fmt.Errorf("%w: %w", calendar.ErrPersistence, err)
		}
		return failure(err), strategy
	}

	o.enqueuePush(ctx, event)

	owner, err := o.store.GetOwner(ctx, ownerID)
	if err != nil {
		o.logger.Warn("booking: owner lookup failed", "owner_id", ownerID, "error", err)
	}
	o.logger.Info("booking created",
		"tenant_id", event.TenantID,
		"booking_id", event.ID,
		"owner_id", ownerID,
		"strategy", strategy,
		"start_time", start,
	)
	return Result{
		Success:          true,
		BookingID:        event.ID,
		OwnerID:          ownerID,
		OwnerName:        owner.Name,
		StartTime:        start,
		EndTime:          end,
		ConfirmationCode: code,
	}, strategy
}

// templatesFor layers the agent's own templates over the configured ones.
func (o *Orchestrator) templatesFor(ctx context.Context, req Request) Templates {
	t := o.templates
	if req.AgentID == "" {
		return t
	}
	agent, err := o.store.GetAgent(ctx, req.AgentID)
	if err != nil || agent.TenantID != req.TenantID {
		return t
	}
	if strings.TrimSpace(agent.TitleTemplate) != "" {
		t.Title = agent.TitleTemplate
	}
	if strings.TrimSpace(agent.DescriptionTemplate) != "" {
		t.Description = agent.DescriptionTemplate
	}
	return t
}

// enqueuePush schedules the outward sync when the owner has a connected
// calendar. Failures are logged; the booking stands.
func (o *Orchestrator) enqueuePush(ctx context.Context, event calendar.Event) {
	if o.sync == nil {
		return
	}
	if _, err := o.store.ConnectedProviderForOwner(ctx, event.OwnerID); err != nil {
		if !errors.Is(err, calendar.ErrProviderNotFound) {
			o.logger.Warn("booking: provider lookup failed", "owner_id", event.OwnerID, "error", err)
		}
		return
	}
	if err := o.sync.EnqueuePush(ctx, event.TenantID, event.ID); err != nil {
		o.logger.Error("booking: failed to enqueue calendar push", "booking_id", event.ID, "error", err)
	}
}

// CancelBooking marks the event cancelled and schedules removal from the
// external calendar. Cancelling twice is a no-op.
func (o *Orchestrator) CancelBooking(ctx context.Context, eventID uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "booking.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("medspa.booking_id", eventID.String()))

	event, err := o.store.GetEvent(ctx, eventID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if event.Status == calendar.StatusCancelled {
		return nil
	}
	if err := o.store.UpdateEventStatus(ctx, eventID, calendar.StatusCancelled); err != nil {
		span.RecordError(err)
		return err
	}
	o.logger.Info("booking cancelled", "tenant_id", event.TenantID, "booking_id", eventID, "owner_id", event.OwnerID)

	if o.sync == nil || event.SyncSource != calendar.SourceInternal {
		return nil
	}
	// a push may still be in flight, so enqueue whenever a calendar is involved
	if event.ExternalEventID == "" {
		if _, err := o.store.ConnectedProviderForOwner(ctx, event.OwnerID); err != nil {
			return nil
		}
	}
	if err := o.sync.EnqueueCancel(ctx, event.TenantID, eventID); err != nil {
		o.logger.Error("booking: failed to enqueue calendar cancel", "booking_id", eventID, "error", err)
	}
	return nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, calendar.ErrNoAssignableUser):
		return "no_assignable_user"
	case errors.Is(err, calendar.ErrNoAvailableUser):
		return "no_available_user"
	case errors.Is(err, calendar.ErrSlotNoLongerAvailable):
		return "slot_taken"
	case errors.Is(err, calendar.ErrPersistence):
		return "persistence_error"
	default:
		return "invalid_request"
	}
}
