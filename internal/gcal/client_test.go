package gcal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
)

type staticTokens struct{}

func (staticTokens) TokenSource(context.Context, *calendar.Provider) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-access", TokenType: "Bearer"})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) API {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-access", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	f := NewFactory(staticTokens{}, srv.Client(), option.WithEndpoint(srv.URL+"/"))
	client, err := f.ForProvider(context.Background(), &calendar.Provider{Kind: calendar.KindGoogle})
	require.NoError(t, err)
	return client
}

func writeGoogleError(w http.ResponseWriter, code int, reason string) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": reason,
			"errors":  []map[string]string{{"domain": "calendar", "reason": reason, "message": reason}},
		},
	})
}

func TestListEventsBySyncToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/calendars/primary/events"))
		q := r.URL.Query()
		assert.Equal(t, "cursor-1", q.Get("syncToken"))
		assert.Equal(t, "true", q.Get("showDeleted"))
		assert.Empty(t, q.Get("timeMin"))
		_, _ = w.Write([]byte(`{
			"timeZone": "America/New_York",
			"nextSyncToken": "cursor-2",
			"items": [
				{"id": "g-1", "status": "confirmed", "summary": "Botox consult",
				 "start": {"dateTime": "2025-12-08T10:00:00-05:00"},
				 "end": {"dateTime": "2025-12-08T10:30:00-05:00"},
				 "attendees": [{"email": "pat@example.com", "displayName": "Pat", "responseStatus": "accepted"}],
				 "extendedProperties": {"private": {"medspa_event_id": "local-1"}}},
				{"id": "g-2", "status": "cancelled"},
				{"id": "g-3", "status": "confirmed", "start": {"date": "2025-12-09"}, "end": {"date": "2025-12-10"}}
			]
		}`))
	})

	page, err := client.ListEvents(context.Background(), ListQuery{SyncToken: "cursor-1"})
	require.NoError(t, err)
	assert.Equal(t, "cursor-2", page.NextSyncToken)
	require.Len(t, page.Events, 3)

	first := page.Events[0]
	assert.Equal(t, "local-1", first.LocalEventID)
	assert.Equal(t, 30*time.Minute, first.End.Sub(first.Start))
	assert.Equal(t, "America/New_York", first.Timezone)
	assert.Equal(t, []calendar.Attendee{{Name: "Pat", Email: "pat@example.com", Status: "accepted"}}, first.Attendees)

	assert.True(t, page.Events[1].Cancelled())
	assert.True(t, page.Events[1].Start.IsZero())

	allDay := page.Events[2]
	assert.True(t, allDay.AllDay)
	assert.Equal(t, 24*time.Hour, allDay.End.Sub(allDay.Start))
}

func TestListEventsWindowAndPaging(t *testing.T) {
	from := time.Date(2025, 11, 8, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, from.Format(time.RFC3339), q.Get("timeMin"))
		assert.Equal(t, to.Format(time.RFC3339), q.Get("timeMax"))
		assert.Equal(t, "page-2", q.Get("pageToken"))
		_, _ = w.Write([]byte(`{"items": [], "nextPageToken": "page-3"}`))
	})

	page, err := client.ListEvents(context.Background(), ListQuery{CalendarID: "primary", TimeMin: from, TimeMax: to, PageToken: "page-2"})
	require.NoError(t, err)
	assert.Equal(t, "page-3", page.NextPageToken)
	assert.Empty(t, page.NextSyncToken)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		code   int
		reason string
		want   error
	}{
		{"gone cursor", http.StatusGone, "fullSyncRequired", calendar.ErrSyncCursorInvalid},
		{"unauthorized", http.StatusUnauthorized, "authError", calendar.ErrProviderUnauthorized},
		{"rate limited 403", http.StatusForbidden, "rateLimitExceeded", calendar.ErrProviderRateLimited},
		{"rate limited 429", http.StatusTooManyRequests, "rateLimitExceeded", calendar.ErrProviderRateLimited},
		{"missing calendar", http.StatusNotFound, "notFound", ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeGoogleError(w, tc.code, tc.reason)
			})
			_, err := client.ListEvents(context.Background(), ListQuery{SyncToken: "stale"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestForbiddenWithoutRateLimitIsNotRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeGoogleError(w, http.StatusForbidden, "forbiddenForNonOrganizer")
	})
	_, err := client.ListEvents(context.Background(), ListQuery{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, calendar.ErrProviderRateLimited)
}

func TestInsertEventSendsLocalReference(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Consult - Pat", body["summary"])
		props := body["extendedProperties"].(map[string]any)["private"].(map[string]any)
		assert.Equal(t, "local-1", props[LocalEventKey])
		attendees := body["attendees"].([]any)
		assert.Len(t, attendees, 1, "attendees without email are dropped")
		_, _ = w.Write([]byte(`{"id": "g-new", "status": "confirmed",
			"start": {"dateTime": "2025-12-08T15:00:00Z"}, "end": {"dateTime": "2025-12-08T15:30:00Z"}}`))
	})

	start := time.Date(2025, 12, 8, 15, 0, 0, 0, time.UTC)
	created, err := client.InsertEvent(context.Background(), "", Event{
		Summary:      "Consult - Pat",
		Start:        start,
		End:          start.Add(30 * time.Minute),
		Timezone:     "UTC",
		LocalEventID: "local-1",
		Attendees:    []calendar.Attendee{{Name: "Pat", Email: "pat@example.com"}, {Name: "Phone only", Phone: "+15550100"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "g-new", created.ID)
}

func TestDeleteEventAlreadyGone(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		writeGoogleError(w, http.StatusGone, "deleted")
	})
	err := client.DeleteEvent(context.Background(), "primary", "g-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, calendar.ErrSyncCursorInvalid)
}

func TestListCalendarsAndFreeBusy(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/users/me/calendarList"):
			_, _ = w.Write([]byte(`{"items": [
				{"id": "team@example.com", "summary": "Team"},
				{"id": "owner@example.com", "summary": "Owner", "primary": true, "timeZone": "America/New_York", "accessRole": "owner"}
			]}`))
		case strings.HasSuffix(r.URL.Path, "/freeBusy"):
			_, _ = w.Write([]byte(`{"calendars": {"owner@example.com": {"busy": [
				{"start": "2025-12-08T15:00:00Z", "end": "2025-12-08T16:00:00Z"}
			]}}}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	cals, err := client.ListCalendars(context.Background())
	require.NoError(t, err)
	require.Len(t, cals, 2)
	assert.True(t, cals[1].Primary)
	assert.Equal(t, "America/New_York", cals[1].TimeZone)

	from := time.Date(2025, 12, 8, 0, 0, 0, 0, time.UTC)
	busy, err := client.FreeBusy(context.Background(), "owner@example.com", from, from.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, time.Hour, busy[0].End.Sub(busy[0].Start))
}

func TestForProviderRejectsOtherKinds(t *testing.T) {
	f := NewFactory(staticTokens{}, nil)
	_, err := f.ForProvider(context.Background(), &calendar.Provider{Kind: calendar.KindOutlook})
	assert.Error(t, err)
}
