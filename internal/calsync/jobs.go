package calsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/internal/events"
)

// JobHandler delivers calendar outbox jobs through the sync engine.
type JobHandler struct {
	engine *Engine
}

func NewJobHandler(engine *Engine) *JobHandler {
	if engine == nil {
		panic("calsync: engine required")
	}
	return &JobHandler{engine: engine}
}

// Handle implements events.DeliveryHandler. Jobs referencing rows that no
// longer exist fail permanently; everything else is retried.
func (h *JobHandler) Handle(ctx context.Context, job events.Job) error {
	var err error
	switch job.Type {
	case events.JobPushEvent:
		p, derr := events.DecodeEventPayload(job)
		if derr != nil {
			return derr
		}
		err = h.engine.PushEvent(ctx, p.EventID)
	case events.JobCancelEvent:
		p, derr := events.DecodeEventPayload(job)
		if derr != nil {
			return derr
		}
		err = h.engine.PushCancellation(ctx, p.EventID)
	case events.JobFullSync:
		p, derr := events.DecodeProviderPayload(job)
		if derr != nil {
			return derr
		}
		_, err = h.engine.FullSync(ctx, p.ProviderID)
	default:
		return events.Permanent(fmt.Errorf("calsync: unknown job type %q", job.Type))
	}
	if errors.Is(err, calendar.ErrEventNotFound) || errors.Is(err, calendar.ErrProviderNotFound) {
		return events.Permanent(err)
	}
	return err
}
