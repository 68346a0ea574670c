package calsync

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/internal/gcal"
)

// fakeCalendar is an in-memory Google calendar that versions every change
// so sync tokens behave like the real API.
type fakeCalendar struct {
	mu        sync.Mutex
	events    map[string]gcal.Event
	changed   map[string]int
	version   int
	nextID    int
	pageSize  int
	listErr   error
	cursorErr error
	queries   []gcal.ListQuery
	inserts   int
	updates   int
	deletes   int
	calendars []gcal.CalendarEntry
	busy      []calendar.Period
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{
		events:   make(map[string]gcal.Event),
		changed:  make(map[string]int),
		pageSize: 2,
	}
}

func (f *fakeCalendar) put(ev gcal.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putLocked(ev)
}

func (f *fakeCalendar) putLocked(ev gcal.Event) {
	if ev.Status == "" {
		ev.Status = "confirmed"
	}
	f.version++
	f.events[ev.ID] = ev
	f.changed[ev.ID] = f.version
}

func (f *fakeCalendar) get(id string) (gcal.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[id]
	return ev, ok
}

func (f *fakeCalendar) ListEvents(_ context.Context, q gcal.ListQuery) (gcal.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.listErr != nil {
		return gcal.Page{}, f.listErr
	}
	since := 0
	if q.SyncToken != "" {
		if f.cursorErr != nil {
			return gcal.Page{}, f.cursorErr
		}
		if _, err := fmt.Sscanf(q.SyncToken, "v%d", &since); err != nil {
			return gcal.Page{}, fmt.Errorf("gcal: list events: %w", calendar.ErrSyncCursorInvalid)
		}
	}
	ids := make([]string, 0, len(f.events))
	for id := range f.events {
		if f.changed[id] > since {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	offset := 0
	if q.PageToken != "" {
		offset, _ = strconv.Atoi(q.PageToken)
	}
	end := offset + f.pageSize
	if end > len(ids) {
		end = len(ids)
	}
	page := gcal.Page{}
	for _, id := range ids[offset:end] {
		page.Events = append(page.Events, f.events[id])
	}
	if end < len(ids) {
		page.NextPageToken = strconv.Itoa(end)
	} else {
		page.NextSyncToken = fmt.Sprintf("v%d", f.version)
	}
	return page, nil
}

func (f *fakeCalendar) InsertEvent(_ context.Context, _ string, ev gcal.Event) (gcal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	f.nextID++
	ev.ID = fmt.Sprintf("g%03d", f.nextID)
	f.putLocked(ev)
	return f.events[ev.ID], nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, _ string, ev gcal.Event) (gcal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.events[ev.ID]
	if !ok || existing.Cancelled() {
		return gcal.Event{}, fmt.Errorf("gcal: update event: %w", gcal.ErrNotFound)
	}
	f.updates++
	f.putLocked(ev)
	return f.events[ev.ID], nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.events[id]
	if !ok || existing.Cancelled() {
		return fmt.Errorf("gcal: delete event: %w", gcal.ErrNotFound)
	}
	f.deletes++
	f.putLocked(gcal.Event{ID: id, Status: "cancelled"})
	return nil
}

func (f *fakeCalendar) ListCalendars(context.Context) ([]gcal.CalendarEntry, error) {
	return f.calendars, nil
}

func (f *fakeCalendar) FreeBusy(_ context.Context, _ string, from, to time.Time) ([]calendar.Period, error) {
	window := calendar.Period{Start: from, End: to}
	var out []calendar.Period
	for _, b := range f.busy {
		if b.Overlaps(window) {
			out = append(out, b)
		}
	}
	return out, nil
}

type fakeConnector struct {
	api *fakeCalendar
	err error
}

func (c *fakeConnector) ForProvider(context.Context, *calendar.Provider) (gcal.API, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.api, nil
}

type prefixEncrypter struct{}

func (prefixEncrypter) EncryptToken(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return "enc:" + plaintext, nil
}

type recordingEnqueuer struct {
	mu        sync.Mutex
	providers []uuid.UUID
}

func (r *recordingEnqueuer) EnqueueFullSync(_ context.Context, _ string, providerID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, providerID)
	return nil
}
