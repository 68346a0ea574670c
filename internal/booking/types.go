package booking

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
)

// DefaultDuration is used when a request does not name a length.
const DefaultDuration = 30

// Request asks for one appointment. OwnerID pins the booking to a staff
// member; otherwise AgentID selects the owner set and strategy.
type Request struct {
	TenantID  string
	AgentID   string
	OwnerID   string
	CallID    string
	StartTime time.Time
	// Duration is in minutes.
	Duration int
	Attendee calendar.Attendee
	Notes    string
	Timezone string
	BookedBy calendar.BookedBy
}

func (r Request) duration() time.Duration {
	if r.Duration <= 0 {
		return DefaultDuration * time.Minute
	}
	return time.Duration(r.Duration) * time.Minute
}

func (r Request) validate() error {
	switch {
	case r.TenantID == "":
		return errors.New("tenant is required")
	case r.StartTime.IsZero():
		return errors.New("start time is required")
	case r.Attendee.Name == "":
		return errors.New("attendee name is required")
	}
	return nil
}

// Result is the outcome handed back to the caller. Failures carry a message
// safe to read out to a patient; Reason keeps the underlying error.
type Result struct {
	Success          bool      `json:"success"`
	BookingID        uuid.UUID `json:"booking_id,omitzero"`
	OwnerID          string    `json:"owner_id,omitempty"`
	OwnerName        string    `json:"owner_name,omitempty"`
	StartTime        time.Time `json:"start_time,omitzero"`
	EndTime          time.Time `json:"end_time,omitzero"`
	ConfirmationCode string    `json:"confirmation_code,omitempty"`
	Error            string    `json:"error,omitempty"`
	Reason           error     `json:"-"`
}

const (
	msgNoAssignable = "No staff member is set up to take this booking"
	msgNoAvailable  = "No one was available at that time"
	msgSlotTaken    = "Time slot is no longer available"
	msgPersistence  = "We couldn't save the booking right now, please try again"
	msgBadTimezone  = "Invalid booking request: unknown timezone"
	msgBadInterval  = "Invalid booking request: the appointment has no length"
)

func failure(err error) Result {
	msg := msgPersistence
	switch {
	case errors.Is(err, calendar.ErrNoAssignableUser):
		msg = msgNoAssignable
	case errors.Is(err, calendar.ErrNoAvailableUser):
		msg = msgNoAvailable
	case errors.Is(err, calendar.ErrSlotNoLongerAvailable):
		msg = msgSlotTaken
	case errors.Is(err, calendar.ErrInvalidTimezone):
		msg = msgBadTimezone
	case errors.Is(err, calendar.ErrInvalidInterval):
		msg = msgBadInterval
	}
	return Result{Error: msg, Reason: err}
}
