package calsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/internal/events"
)

func jobFor(t *testing.T, jobType string, payload any) events.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return events.Job{ID: uuid.New(), TenantID: "tenant-1", Type: jobType, Payload: raw, Attempts: 1}
}

func TestJobHandlerDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := NewJobHandler(f.engine)
	local := f.book(t, "owner-1", 15)

	require.NoError(t, h.Handle(ctx, jobFor(t, events.JobPushEvent, events.EventPayload{EventID: local.ID})))
	assert.Equal(t, 1, f.api.inserts)

	f.api.put(remoteEvent("e1", 9))
	require.NoError(t, h.Handle(ctx, jobFor(t, events.JobFullSync, events.ProviderPayload{ProviderID: f.provider.ID})))
	assert.Len(t, f.store.Events(), 2)

	require.NoError(t, f.store.UpdateEventStatus(ctx, local.ID, calendar.StatusCancelled))
	require.NoError(t, h.Handle(ctx, jobFor(t, events.JobCancelEvent, events.EventPayload{EventID: local.ID})))
	assert.Equal(t, 1, f.api.deletes)
}

func TestJobHandlerPermanentFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h := NewJobHandler(f.engine)

	tests := []struct {
		name string
		job  events.Job
	}{
		{"unknown type", jobFor(t, "calendar.unknown", events.EventPayload{EventID: uuid.New()})},
		{"missing event", jobFor(t, events.JobPushEvent, events.EventPayload{EventID: uuid.New()})},
		{"missing provider", jobFor(t, events.JobFullSync, events.ProviderPayload{ProviderID: uuid.New()})},
		{"bad payload", events.Job{Type: events.JobPushEvent, Payload: json.RawMessage(`{`)}},
		{"empty payload", jobFor(t, events.JobCancelEvent, map[string]string{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Handle(ctx, tt.job)
			require.Error(t, err)
			assert.True(t, events.IsPermanent(err))
		})
	}
}

func TestJobHandlerRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	h := NewJobHandler(f.engine)
	f.api.listErr = assert.AnError

	err := h.Handle(context.Background(), jobFor(t, events.JobFullSync, events.ProviderPayload{ProviderID: f.provider.ID}))
	require.Error(t, err)
	assert.False(t, events.IsPermanent(err))
}

func TestJobHandlerThroughDeliverer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := events.NewMemoryQueue()
	pub := events.NewPublisher(queue)
	local := f.book(t, "owner-1", 15)
	require.NoError(t, pub.EnqueuePush(ctx, "tenant-1", local.ID))

	d := events.NewDeliverer(queue, NewJobHandler(f.engine), nil)
	assert.Equal(t, 1, d.RunOnce(ctx))
	assert.Equal(t, "g001", f.event(t, local.ID).ExternalEventID)
	assert.Empty(t, queue.Pending(events.JobPushEvent))
}

func TestSchedulerRunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locker := NewLocalLocker()
	f.engine.locker = locker

	other := connectedProvider("owner-2")
	require.NoError(t, f.store.SaveProvider(ctx, &other))
	f.api.put(remoteEvent("e1", 9))

	s := NewScheduler(f.engine, f.store, nil)
	assert.Equal(t, 2, s.RunOnce(ctx))

	release, err := locker.Acquire(ctx, other.ID.String(), time.Minute)
	require.NoError(t, err)
	defer func() { _ = release(ctx) }()
	assert.Equal(t, 1, s.RunOnce(ctx))
}

func TestFreeBusySource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	busy := calendar.Period{
		Start: time.Date(2025, 12, 9, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 12, 9, 11, 0, 0, 0, time.UTC),
	}
	f.api.busy = []calendar.Period{busy}
	src := NewFreeBusySource(f.store, &fakeConnector{api: f.api})

	day := time.Date(2025, 12, 9, 0, 0, 0, 0, time.UTC)
	got, err := src.Busy(ctx, "owner-1", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []calendar.Period{busy}, got)

	got, err = src.Busy(ctx, "owner-2", day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}
