// Package calendar holds the scheduling domain model shared by the availability,
// booking and sync engines, along with the store ports they depend on.
package calendar

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	clockLayout = "15:04"
	// DateLayout is the calendar-date format used for overrides and slot queries.
	DateLayout = "2006-01-02"
)

// Weekday is the closed set of schedule keys.
type Weekday string

const (
	Monday    Weekday = "monday"
	Tuesday   Weekday = "tuesday"
	Wednesday Weekday = "wednesday"
	Thursday  Weekday = "thursday"
	Friday    Weekday = "friday"
	Saturday  Weekday = "saturday"
	Sunday    Weekday = "sunday"
)

// WeekdayOf maps a time.Weekday onto the schedule key.
func WeekdayOf(d time.Weekday) Weekday {
	switch d {
	case time.Monday:
		return Monday
	case time.Tuesday:
		return Tuesday
	case time.Wednesday:
		return Wednesday
	case time.Thursday:
		return Thursday
	case time.Friday:
		return Friday
	case time.Saturday:
		return Saturday
	default:
		return Sunday
	}
}

// Interval is a wall-clock window such as {"start":"09:00","end":"12:00"}.
type Interval struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Bounds resolves the interval on the given calendar date in loc.
func (iv Interval) Bounds(date time.Time, loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.Parse(clockLayout, strings.TrimSpace(iv.Start))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("calendar: parse interval start %q: %w", iv.Start, err)
	}
	end, err := time.Parse(clockLayout, strings.TrimSpace(iv.End))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("calendar: parse interval end %q: %w", iv.End, err)
	}
	y, m, d := date.Date()
	from := time.Date(y, m, d, start.Hour(), start.Minute(), 0, 0, loc)
	to := time.Date(y, m, d, end.Hour(), end.Minute(), 0, 0, loc)
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s-%s", ErrInvalidInterval, iv.Start, iv.End)
	}
	return from, to, nil
}

// Schedule is the weekly template. A nil or empty day means closed.
type Schedule struct {
	Monday    []Interval `json:"monday,omitempty"`
	Tuesday   []Interval `json:"tuesday,omitempty"`
	Wednesday []Interval `json:"wednesday,omitempty"`
	Thursday  []Interval `json:"thursday,omitempty"`
	Friday    []Interval `json:"friday,omitempty"`
	Saturday  []Interval `json:"saturday,omitempty"`
	Sunday    []Interval `json:"sunday,omitempty"`
}

// For returns the intervals configured for the given weekday.
func (s Schedule) For(day Weekday) []Interval {
	switch day {
	case Monday:
		return s.Monday
	case Tuesday:
		return s.Tuesday
	case Wednesday:
		return s.Wednesday
	case Thursday:
		return s.Thursday
	case Friday:
		return s.Friday
	case Saturday:
		return s.Saturday
	case Sunday:
		return s.Sunday
	}
	return nil
}

// Validate checks every interval parses and is non-empty.
func (s Schedule) Validate() error {
	ref := time.Date(2000, 1, 3, 0, 0, 0, 0, time.UTC)
	for _, day := range []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday} {
		for _, iv := range s.For(day) {
			if _, _, err := iv.Bounds(ref, time.UTC); err != nil {
				return fmt.Errorf("%s: %w", day, err)
			}
		}
	}
	return nil
}

// DecodeSchedule parses a stored schedule, rejecting weekday keys outside the enum.
func DecodeSchedule(data []byte) (Schedule, error) {
	var s Schedule
	if len(data) == 0 {
		return s, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return Schedule{}, fmt.Errorf("calendar: decode schedule: %w", err)
	}
	return s, nil
}

// DateOverride disables (or re-states) a specific calendar date.
type DateOverride struct {
	Date      string `json:"date"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Rule is an owner's availability rule. Durations are in minutes.
type Rule struct {
	ID               uuid.UUID
	OwnerID          string
	TenantID         string
	Name             string
	Schedule         Schedule
	Timezone         string
	DateOverrides    []DateOverride
	SlotDuration     int
	BufferBefore     int
	BufferAfter      int
	MinBookingNotice int
	MaxBookingNotice int
	IsDefault        bool
	Active           bool
	CreatedAt        time.Time
}

// Override returns the override matching date (YYYY-MM-DD), if any.
func (r Rule) Override(date string) (DateOverride, bool) {
	for _, o := range r.DateOverrides {
		if o.Date == date {
			return o, true
		}
	}
	return DateOverride{}, false
}

// BufferBeforeDuration returns the pre-event buffer.
func (r Rule) BufferBeforeDuration() time.Duration {
	return time.Duration(r.BufferBefore) * time.Minute
}

// BufferAfterDuration returns the post-event buffer.
func (r Rule) BufferAfterDuration() time.Duration {
	return time.Duration(r.BufferAfter) * time.Minute
}

// TimeSlot is a derived bookable interval with exclusive end.
type TimeSlot struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	OwnerID   string    `json:"owner_id"`
	OwnerName string    `json:"owner_name,omitempty"`
}

// Period is an absolute half-open interval.
type Period struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals intersect. Touching
// boundaries do not overlap.
func (p Period) Overlaps(o Period) bool {
	return p.Start.Before(o.End) && o.Start.Before(p.End)
}

// SlotCheck asks whether an owner can take [Start, End). Timezone, when
// set, replaces the rule's zone for reading schedule wall-clock times.
type SlotCheck struct {
	OwnerID  string
	Start    time.Time
	End      time.Time
	Timezone string
}

// SlotVerdict is the answer to a SlotCheck.
type SlotVerdict int

const (
	// SlotFree means the owner can take the slot.
	SlotFree SlotVerdict = iota
	// SlotClosed means the slot is outside the owner's schedule, overrides
	// or booking-notice window.
	SlotClosed
	// SlotTaken means the slot fits the schedule but collides with an
	// existing event or external busy time.
	SlotTaken
)

// Owner is a bookable staff member.
type Owner struct {
	ID       string
	TenantID string
	Name     string
}

type EventStatus string

const (
	StatusTentative EventStatus = "tentative"
	StatusConfirmed EventStatus = "confirmed"
	StatusCancelled EventStatus = "cancelled"
)

type BookedBy string

const (
	BookedByVoiceAgent BookedBy = "voice_agent"
	BookedByUser       BookedBy = "user"
	BookedByExternal   BookedBy = "external"
)

type SyncSource string

const (
	SourceInternal SyncSource = "internal"
	SourceGoogle   SyncSource = "google"
	SourceOutlook  SyncSource = "outlook"
)

// Attendee is a participant on an event.
type Attendee struct {
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
	Status string `json:"status,omitempty"`
}

// Event is a persisted calendar entry.
type Event struct {
	ID                 uuid.UUID
	TenantID           string
	OwnerID            string
	ProviderID         uuid.UUID
	ExternalCalendarID string
	ExternalEventID    string
	Title              string
	Description        string
	Location           string
	StartTime          time.Time
	EndTime            time.Time
	Timezone           string
	AllDay             bool
	Status             EventStatus
	BookedBy           BookedBy
	Attendees          []Attendee
	SyncSource         SyncSource
	Metadata           map[string]string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Validate enforces start < end.
func (e Event) Validate() error {
	if !e.StartTime.Before(e.EndTime) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidInterval, e.StartTime.Format(time.RFC3339), e.EndTime.Format(time.RFC3339))
	}
	return nil
}

// Blocking reports whether the event occupies its owner's time.
func (e Event) Blocking() bool {
	return e.Status != StatusCancelled
}

// Period returns the event's interval.
func (e Event) Period() Period {
	return Period{Start: e.StartTime, End: e.EndTime}
}

type ProviderKind string

const (
	KindGoogle  ProviderKind = "google"
	KindOutlook ProviderKind = "outlook"
)

type ProviderStatus string

const (
	ProviderActive   ProviderStatus = "active"
	ProviderInactive ProviderStatus = "inactive"
	ProviderError    ProviderStatus = "error"
	ProviderExpired  ProviderStatus = "expired"
)

// Provider links one owner to one external calendar account. Tokens are
// stored encrypted.
type Provider struct {
	ID                    uuid.UUID
	TenantID              string
	OwnerID               string
	Kind                  ProviderKind
	AccountEmail          string
	AccessTokenEncrypted  string
	RefreshTokenEncrypted string
	TokenExpiry           time.Time
	CalendarID            string
	SyncToken             string
	Status                ProviderStatus
	SyncEnabled           bool
	LastSyncAt            time.Time
	LastError             string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Connected reports whether the provider still holds usable consent. An
// errored provider stays connected so the next sync can recover it.
func (p Provider) Connected() bool {
	return p.Status == ProviderActive || p.Status == ProviderError
}

// Syncable reports whether the provider should take part in sync.
func (p Provider) Syncable() bool {
	return p.SyncEnabled && p.Connected()
}

// Strategy selects an owner among an agent's configured staff.
type Strategy string

const (
	StrategySpecificUser Strategy = "specific_user"
	StrategyPriority     Strategy = "priority"
	StrategyLeastBusy    Strategy = "least_busy"
	StrategyRoundRobin   Strategy = "round_robin"
)

// AgentOwner is one staff member configured on a voice agent.
type AgentOwner struct {
	OwnerID  string
	Priority int
}

// AgentConfig is the per-agent distribution configuration.
type AgentConfig struct {
	AgentID             string
	TenantID            string
	Strategy            Strategy
	Owners              []AgentOwner
	TitleTemplate       string
	DescriptionTemplate string
}

// OwnerIDs returns the configured owners in enumeration order.
func (a AgentConfig) OwnerIDs() []string {
	ids := make([]string, 0, len(a.Owners))
	for _, o := range a.Owners {
		ids = append(ids, o.OwnerID)
	}
	return ids
}
