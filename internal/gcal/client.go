// Package gcal is a typed façade over Google Calendar v3: event CRUD,
// incremental listing, calendar listing and free/busy. Each client is bound
// to one provider and refreshes its access token before every call.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gcalendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
)

const pageSize = 250

// ErrNotFound means the remote event or calendar no longer exists.
var ErrNotFound = errors.New("gcal: not found")

// ListQuery selects events either by window (full sync) or by sync token.
type ListQuery struct {
	CalendarID string
	SyncToken  string
	PageToken  string
	TimeMin    time.Time
	TimeMax    time.Time
}

// Page is one page of events. NextSyncToken is set on the last page only.
type Page struct {
	Events        []Event
	NextPageToken string
	NextSyncToken string
}

// CalendarEntry is one calendar on the connected account.
type CalendarEntry struct {
	ID         string
	Summary    string
	Primary    bool
	TimeZone   string
	AccessRole string
}

// API is what the sync engine needs from an external calendar.
type API interface {
	ListEvents(ctx context.Context, q ListQuery) (Page, error)
	InsertEvent(ctx context.Context, calendarID string, ev Event) (Event, error)
	UpdateEvent(ctx context.Context, calendarID string, ev Event) (Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	ListCalendars(ctx context.Context) ([]CalendarEntry, error)
	FreeBusy(ctx context.Context, calendarID string, from, to time.Time) ([]calendar.Period, error)
}

// TokenSourcer yields a refreshing token source for a provider.
type TokenSourcer interface {
	TokenSource(ctx context.Context, p *calendar.Provider) oauth2.TokenSource
}

// Factory builds per-provider clients.
type Factory struct {
	tokens     TokenSourcer
	httpClient *http.Client
	opts       []option.ClientOption
}

// NewFactory wires the token manager. httpClient, when set, is the base
// transport under the oauth2 layer; opts are passed to calendar.NewService.
func NewFactory(tokens TokenSourcer, httpClient *http.Client, opts ...option.ClientOption) *Factory {
	if tokens == nil {
		panic("gcal: token sourcer required")
	}
	return &Factory{tokens: tokens, httpClient: httpClient, opts: opts}
}

// ForProvider returns a client authorised as p.
func (f *Factory) ForProvider(ctx context.Context, p *calendar.Provider) (API, error) {
	if p.Kind != "" && p.Kind != calendar.KindGoogle {
		return nil, fmt.Errorf("gcal: unsupported provider kind %q", p.Kind)
	}
	base := ctx
	if f.httpClient != nil {
		base = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}
	hc := oauth2.NewClient(base, f.tokens.TokenSource(ctx, p))
	opts := append([]option.ClientOption{option.WithHTTPClient(hc)}, f.opts...)
	svc, err := gcalendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcal: create calendar service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// Client is a Google Calendar client bound to one account.
type Client struct {
	svc *gcalendar.Service
}

var _ API = (*Client)(nil)

func (c *Client) ListEvents(ctx context.Context, q ListQuery) (Page, error) {
	call := c.svc.Events.List(calendarOrPrimary(q.CalendarID)).
		ShowDeleted(true).
		SingleEvents(true).
		MaxResults(pageSize)
	if q.SyncToken != "" {
		call = call.SyncToken(q.SyncToken)
	} else {
		if !q.TimeMin.IsZero() {
			call = call.TimeMin(q.TimeMin.Format(time.RFC3339))
		}
		if !q.TimeMax.IsZero() {
			call = call.TimeMax(q.TimeMax.Format(time.RFC3339))
		}
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return Page{}, classify("list events", err)
	}
	page := Page{NextPageToken: resp.NextPageToken, NextSyncToken: resp.NextSyncToken}
	for _, item := range resp.Items {
		ev, err := fromAPI(item, resp.TimeZone)
		if err != nil {
			return Page{}, fmt.Errorf("gcal: event %s: %w", item.Id, err)
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

func (c *Client) InsertEvent(ctx context.Context, calendarID string, ev Event) (Event, error) {
	created, err := c.svc.Events.Insert(calendarOrPrimary(calendarID), toAPI(ev)).Context(ctx).Do()
	if err != nil {
		return Event{}, classify("insert event", err)
	}
	return fromAPI(created, ev.Timezone)
}

func (c *Client) UpdateEvent(ctx context.Context, calendarID string, ev Event) (Event, error) {
	if ev.ID == "" {
		return Event{}, errors.New("gcal: update requires event id")
	}
	updated, err := c.svc.Events.Update(calendarOrPrimary(calendarID), ev.ID, toAPI(ev)).Context(ctx).Do()
	if err != nil {
		return Event{}, classify("update event", err)
	}
	return fromAPI(updated, ev.Timezone)
}

// DeleteEvent removes the remote event. An already-deleted event yields ErrNotFound.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.svc.Events.Delete(calendarOrPrimary(calendarID), eventID).Context(ctx).Do()
	if err == nil {
		return nil
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) && gErr.Code == http.StatusGone {
		return fmt.Errorf("gcal: delete event: %w: %w", ErrNotFound, err)
	}
	return classify("delete event", err)
}

func (c *Client) ListCalendars(ctx context.Context) ([]CalendarEntry, error) {
	var out []CalendarEntry
	pageToken := ""
	for {
		call := c.svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classify("list calendars", err)
		}
		for _, item := range resp.Items {
			out = append(out, CalendarEntry{
				ID:         item.Id,
				Summary:    item.Summary,
				Primary:    item.Primary,
				TimeZone:   item.TimeZone,
				AccessRole: item.AccessRole,
			})
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *Client) FreeBusy(ctx context.Context, calendarID string, from, to time.Time) ([]calendar.Period, error) {
	id := calendarOrPrimary(calendarID)
	resp, err := c.svc.Freebusy.Query(&gcalendar.FreeBusyRequest{
		TimeMin: from.Format(time.RFC3339),
		TimeMax: to.Format(time.RFC3339),
		Items:   []*gcalendar.FreeBusyRequestItem{{Id: id}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify("free/busy", err)
	}
	cal, ok := resp.Calendars[id]
	if !ok {
		return nil, nil
	}
	if len(cal.Errors) > 0 {
		return nil, fmt.Errorf("gcal: free/busy %s: %s", id, cal.Errors[0].Reason)
	}
	out := make([]calendar.Period, 0, len(cal.Busy))
	for _, b := range cal.Busy {
		start, err := time.Parse(time.RFC3339, b.Start)
		if err != nil {
			return nil, fmt.Errorf("gcal: free/busy start %q: %w", b.Start, err)
		}
		end, err := time.Parse(time.RFC3339, b.End)
		if err != nil {
			return nil, fmt.Errorf("gcal: free/busy end %q: %w", b.End, err)
		}
		out = append(out, calendar.Period{Start: start, End: end})
	}
	return out, nil
}

func calendarOrPrimary(id string) string {
	if id == "" {
		return "primary"
	}
	return id
}
