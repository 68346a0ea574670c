package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Job types.
const (
	JobPushEvent   = "calendar.push_event"
	JobCancelEvent = "calendar.cancel_event"
	JobFullSync    = "calendar.full_sync"
)

// EventPayload references a local calendar event.
type EventPayload struct {
	EventID uuid.UUID `json:"event_id"`
}

// ProviderPayload references a calendar provider.
type ProviderPayload struct {
	ProviderID uuid.UUID `json:"provider_id"`
}

// Publisher enqueues calendar sync jobs.
type Publisher struct {
	queue Queue
}

func NewPublisher(queue Queue) *Publisher {
	if queue == nil {
		panic("events: queue required")
	}
	return &Publisher{queue: queue}
}

func (p *Publisher) EnqueuePush(ctx context.Context, tenantID string, eventID uuid.UUID) error {
	return p.enqueue(ctx, tenantID, JobPushEvent, EventPayload{EventID: eventID})
}

func (p *Publisher) EnqueueCancel(ctx context.Context, tenantID string, eventID uuid.UUID) error {
	return p.enqueue(ctx, tenantID, JobCancelEvent, EventPayload{EventID: eventID})
}

func (p *Publisher) EnqueueFullSync(ctx context.Context, tenantID string, providerID uuid.UUID) error {
	return p.enqueue(ctx, tenantID, JobFullSync, ProviderPayload{ProviderID: providerID})
}

func (p *Publisher) enqueue(ctx context.Context, tenantID, jobType string, payload any) error {
	if _, err := p.queue.Insert(ctx, tenantID, jobType, payload); err != nil {
		return fmt.Errorf("events: enqueue %s: %w", jobType, err)
	}
	return nil
}

// DecodeEventPayload parses an event job payload.
func DecodeEventPayload(job Job) (EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, Permanent(fmt.Errorf("events: decode %s payload: %w", job.Type, err))
	}
	if p.EventID == uuid.Nil {
		return p, Permanent(fmt.Errorf("events: %s payload missing event_id", job.Type))
	}
	return p, nil
}

// DecodeProviderPayload parses a provider job payload.
func DecodeProviderPayload(job Job) (ProviderPayload, error) {
	var p ProviderPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, Permanent(fmt.Errorf("events: decode %s payload: %w", job.Type, err))
	}
	if p.ProviderID == uuid.Nil {
		return p, Permanent(fmt.Errorf("events: %s payload missing provider_id", job.Type))
	}
	return p, nil
}
