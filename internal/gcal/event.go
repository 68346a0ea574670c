package gcal

import (
	"fmt"
	"time"

	gcalendar "google.golang.org/api/calendar/v3"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
)

// LocalEventKey is the private extended property carrying the local event id.
const LocalEventKey = "medspa_event_id"

// Event is the provider-neutral view of a Google event. Cancelled events
// returned by incremental sync may carry only ID and Status.
type Event struct {
	ID           string
	Status       string
	Summary      string
	Description  string
	Location     string
	Start        time.Time
	End          time.Time
	AllDay       bool
	Timezone     string
	Attendees    []calendar.Attendee
	LocalEventID string
	Updated      time.Time
}

// Cancelled reports whether Google marked the event deleted.
func (e Event) Cancelled() bool { return e.Status == "cancelled" }

// FromLocal converts an internal event for push.
func FromLocal(ev calendar.Event) Event {
	status := "confirmed"
	switch ev.Status {
	case calendar.StatusTentative:
		status = "tentative"
	case calendar.StatusCancelled:
		status = "cancelled"
	}
	return Event{
		ID:           ev.ExternalEventID,
		Status:       status,
		Summary:      ev.Title,
		Description:  ev.Description,
		Location:     ev.Location,
		Start:        ev.StartTime,
		End:          ev.EndTime,
		AllDay:       ev.AllDay,
		Timezone:     ev.Timezone,
		Attendees:    ev.Attendees,
		LocalEventID: ev.ID.String(),
	}
}

// LocalStatus maps the Google status onto the internal enum.
func (e Event) LocalStatus() calendar.EventStatus {
	switch e.Status {
	case "cancelled":
		return calendar.StatusCancelled
	case "tentative":
		return calendar.StatusTentative
	default:
		return calendar.StatusConfirmed
	}
}

func toAPI(ev Event) *gcalendar.Event {
	out := &gcalendar.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      ev.Status,
		Start:       toDateTime(ev.Start, ev.AllDay, ev.Timezone),
		End:         toDateTime(ev.End, ev.AllDay, ev.Timezone),
	}
	for _, a := range ev.Attendees {
		// Google rejects attendees without an email address
		if a.Email == "" {
			continue
		}
		out.Attendees = append(out.Attendees, &gcalendar.EventAttendee{
			Email:          a.Email,
			DisplayName:    a.Name,
			ResponseStatus: a.Status,
		})
	}
	if ev.LocalEventID != "" {
		out.ExtendedProperties = &gcalendar.EventExtendedProperties{
			Private: map[string]string{LocalEventKey: ev.LocalEventID},
		}
	}
	return out
}

func toDateTime(t time.Time, allDay bool, tz string) *gcalendar.EventDateTime {
	if allDay {
		return &gcalendar.EventDateTime{Date: t.Format(calendar.DateLayout), TimeZone: tz}
	}
	return &gcalendar.EventDateTime{DateTime: t.Format(time.RFC3339), TimeZone: tz}
}

func fromAPI(item *gcalendar.Event, fallbackTZ string) (Event, error) {
	ev := Event{
		ID:          item.Id,
		Status:      item.Status,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
	}
	if item.Updated != "" {
		if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			ev.Updated = t
		}
	}
	if item.ExtendedProperties != nil {
		ev.LocalEventID = item.ExtendedProperties.Private[LocalEventKey]
	}
	for _, a := range item.Attendees {
		if a == nil {
			continue
		}
		ev.Attendees = append(ev.Attendees, calendar.Attendee{Name: a.DisplayName, Email: a.Email, Status: a.ResponseStatus})
	}
	if item.Start == nil || item.End == nil {
		if ev.Cancelled() {
			return ev, nil
		}
		return Event{}, fmt.Errorf("missing start or end")
	}
	var err error
	if ev.Start, ev.AllDay, ev.Timezone, err = parseDateTime(item.Start, fallbackTZ); err != nil {
		return Event{}, err
	}
	if ev.End, _, _, err = parseDateTime(item.End, fallbackTZ); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func parseDateTime(dt *gcalendar.EventDateTime, fallbackTZ string) (time.Time, bool, string, error) {
	tz := dt.TimeZone
	if tz == "" {
		tz = fallbackTZ
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, false, "", fmt.Errorf("parse dateTime %q: %w", dt.DateTime, err)
		}
		return t, false, tz, nil
	}
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(calendar.DateLayout, dt.Date, loc)
	if err != nil {
		return time.Time{}, false, "", fmt.Errorf("parse date %q: %w", dt.Date, err)
	}
	return t, true, tz, nil
}
