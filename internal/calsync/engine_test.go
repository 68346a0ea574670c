package calsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/internal/calendar/memory"
	"github.com/wolfman30/medspa-calendar/internal/gcal"
)

var testNow = time.Date(2025, 12, 8, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine   *Engine
	store    *memory.Store
	api      *fakeCalendar
	provider calendar.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	api := newFakeCalendar()
	p := connectedProvider("owner-1")
	require.NoError(t, store.SaveProvider(context.Background(), &p))
	engine := NewEngine(store, &fakeConnector{api: api}, prefixEncrypter{}, nil, nil, Config{})
	engine.now = func() time.Time { return testNow }
	return &fixture{engine: engine, store: store, api: api, provider: p}
}

func connectedProvider(owner string) calendar.Provider {
	return calendar.Provider{
		TenantID:              "tenant-1",
		OwnerID:               owner,
		Kind:                  calendar.KindGoogle,
		AccessTokenEncrypted:  "enc:access",
		RefreshTokenEncrypted: "enc:refresh",
		TokenExpiry:           testNow.Add(time.Hour),
		CalendarID:            "primary",
		Status:                calendar.ProviderActive,
		SyncEnabled:           true,
	}
}

func remoteEvent(id string, hour int) gcal.Event {
	start := time.Date(2025, 12, 9, hour, 0, 0, 0, time.UTC)
	return gcal.Event{
		ID:      id,
		Summary: "Busy " + id,
		Start:   start,
		End:     start.Add(time.Hour),
	}
}

func (f *fixture) byExternal(t *testing.T, externalID string) calendar.Event {
	t.Helper()
	for _, ev := range f.store.Events() {
		if ev.ExternalEventID == externalID {
			return ev
		}
	}
	t.Fatalf("no local event for external id %s", externalID)
	return calendar.Event{}
}

func (f *fixture) reloadProvider(t *testing.T) calendar.Provider {
	t.Helper()
	p, err := f.store.GetProvider(context.Background(), f.provider.ID)
	require.NoError(t, err)
	return p
}

func TestFullSyncIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.put(remoteEvent("e1", 9))
	f.api.put(remoteEvent("e2", 10))
	f.api.put(remoteEvent("e3", 11))

	res, err := f.engine.FullSync(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)
	assert.Equal(t, 3, res.Upserted)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, "v3", res.SyncToken)

	res, err = f.engine.FullSync(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Upserted)
	assert.Equal(t, 0, res.Created)

	events := f.store.Events()
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, calendar.SourceGoogle, ev.SyncSource)
		assert.Equal(t, calendar.BookedByExternal, ev.BookedBy)
		assert.Equal(t, "owner-1", ev.OwnerID)
		assert.Equal(t, f.provider.ID, ev.ProviderID)
	}

	// two pages per run
	require.Len(t, f.api.queries, 4)
	assert.Equal(t, "", f.api.queries[0].PageToken)
	assert.Equal(t, "2", f.api.queries[1].PageToken)
	assert.False(t, f.api.queries[0].TimeMin.IsZero())

	p := f.reloadProvider(t)
	assert.Equal(t, "v3", p.SyncToken)
	assert.True(t, p.LastSyncAt.Equal(testNow))
}

func TestSyncAppliesIncrementalChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.put(remoteEvent("e1", 9))
	f.api.put(remoteEvent("e2", 10))
	f.api.put(remoteEvent("e3", 11))
	_, err := f.engine.Sync(ctx, f.provider.ID)
	require.NoError(t, err)

	f.api.put(remoteEvent("e1", 14))
	require.NoError(t, f.api.DeleteEvent(ctx, "primary", "e2"))

	res, err := f.engine.Sync(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Equal(t, 1, res.Upserted)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Cancelled)
	assert.Equal(t, "v5", res.SyncToken)
	assert.Equal(t, "v3", f.api.queries[len(f.api.queries)-1].SyncToken)

	assert.Equal(t, 14, f.byExternal(t, "e1").StartTime.Hour())
	assert.Equal(t, calendar.StatusCancelled, f.byExternal(t, "e2").Status)
	assert.Equal(t, calendar.StatusConfirmed, f.byExternal(t, "e3").Status)
	assert.Equal(t, "v5", f.reloadProvider(t).SyncToken)
}

func TestSyncIgnoresUnknownCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.Sync(ctx, f.provider.ID)
	require.NoError(t, err)

	f.api.put(gcal.Event{ID: "never-seen", Status: "cancelled"})

	res, err := f.engine.Sync(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Cancelled)
	assert.Empty(t, f.store.Events())
}

func TestSyncSkipsEventsWithoutDuration(t *testing.T) {
	f := newFixture(t)
	ev := remoteEvent("zero", 9)
	ev.End = ev.Start
	f.api.put(ev)

	res, err := f.engine.Sync(context.Background(), f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, f.store.Events())
}

func TestSyncFallsBackToFullOnInvalidCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.put(remoteEvent("e1", 9))
	_, err := f.engine.Sync(ctx, f.provider.ID)
	require.NoError(t, err)

	f.api.cursorErr = fmt.Errorf("gcal: list events: %w", calendar.ErrSyncCursorInvalid)
	f.api.put(remoteEvent("e2", 10))

	res, err := f.engine.Sync(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, res.Mode)
	assert.Equal(t, 2, res.Upserted)
	assert.Equal(t, 1, res.Created)

	n := len(f.api.queries)
	assert.Equal(t, "v1", f.api.queries[n-2].SyncToken)
	assert.Equal(t, "", f.api.queries[n-1].SyncToken)
	p := f.reloadProvider(t)
	assert.Equal(t, "v2", p.SyncToken)
	assert.Equal(t, calendar.ProviderActive, p.Status)
}

func TestSyncFailureKeepsCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.put(remoteEvent("e1", 9))
	_, err := f.engine.Sync(ctx, f.provider.ID)
	require.NoError(t, err)

	f.api.listErr = errors.New("backend unavailable")
	_, err = f.engine.Sync(ctx, f.provider.ID)
	require.Error(t, err)

	p := f.reloadProvider(t)
	assert.Equal(t, calendar.ProviderError, p.Status)
	assert.Equal(t, "v1", p.SyncToken)
	assert.Contains(t, p.LastError, "backend unavailable")

	syncable, err := f.store.ListSyncable(ctx)
	require.NoError(t, err)
	assert.Len(t, syncable, 1)

	f.api.listErr = nil
	res, err := f.engine.Sync(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	p = f.reloadProvider(t)
	assert.Equal(t, calendar.ProviderActive, p.Status)
	assert.Empty(t, p.LastError)
}

func TestSyncUnauthorizedExpiresProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.api.put(remoteEvent("e1", 9))
	_, err := f.engine.Sync(ctx, f.provider.ID)
	require.NoError(t, err)

	f.api.listErr = fmt.Errorf("gcal: list events: %w", calendar.ErrProviderUnauthorized)
	_, err = f.engine.Sync(ctx, f.provider.ID)
	require.ErrorIs(t, err, calendar.ErrProviderUnauthorized)

	p := f.reloadProvider(t)
	assert.Equal(t, calendar.ProviderExpired, p.Status)
	assert.Equal(t, "v1", p.SyncToken)

	_, err = f.store.ConnectedProviderForOwner(ctx, "owner-1")
	assert.ErrorIs(t, err, calendar.ErrProviderNotFound)

	// expired providers are skipped until reconnected
	res, err := f.engine.Sync(ctx, f.provider.ID)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestSyncRateLimitedLeavesStatus(t *testing.T) {
	f := newFixture(t)
	f.api.listErr = fmt.Errorf("gcal: list events: %w", calendar.ErrProviderRateLimited)

	_, err := f.engine.Sync(context.Background(), f.provider.ID)
	require.ErrorIs(t, err, calendar.ErrProviderRateLimited)
	assert.Equal(t, calendar.ProviderActive, f.reloadProvider(t).Status)
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locker := NewLocalLocker()
	f.engine.locker = locker

	release, err := locker.Acquire(ctx, f.provider.ID.String(), time.Minute)
	require.NoError(t, err)

	_, err = f.engine.Sync(ctx, f.provider.ID)
	require.ErrorIs(t, err, ErrSyncInProgress)
	assert.Empty(t, f.api.queries)

	require.NoError(t, release(ctx))
	_, err = f.engine.Sync(ctx, f.provider.ID)
	require.NoError(t, err)
}

func TestSyncUnknownProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Sync(context.Background(), uuid.New())
	assert.ErrorIs(t, err, calendar.ErrProviderNotFound)
}
