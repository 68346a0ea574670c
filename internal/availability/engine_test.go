package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/internal/calendar/memory"
)

const testTZ = "America/New_York"

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(testTZ)
	require.NoError(t, err)
	return loc
}

// 2025-12-08 is a Monday.
func mondayAt(t *testing.T, hour, minute int) time.Time {
	return time.Date(2025, 12, 8, hour, minute, 0, 0, newYork(t))
}

func mondayRule(owner string) calendar.Rule {
	return calendar.Rule{
		OwnerID:          owner,
		TenantID:         "tenant-1",
		Name:             "Default",
		Schedule:         calendar.Schedule{Monday: []calendar.Interval{{Start: "09:00", End: "12:00"}}},
		Timezone:         testTZ,
		SlotDuration:     30,
		MinBookingNotice: 60,
		IsDefault:        true,
		Active:           true,
	}
}

func newTestEngine(t *testing.T, store *memory.Store, opts Options) *Engine {
	t.Helper()
	if opts.Now == nil {
		now := mondayAt(t, 8, 0)
		opts.Now = func() time.Time { return now }
	}
	return NewEngine(store, nil, opts)
}

func starts(slots []calendar.TimeSlot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Start.Format("15:04"))
	}
	return out
}

func book(t *testing.T, store *memory.Store, owner string, start time.Time, d time.Duration) {
	t.Helper()
	err := store.InsertEvent(context.Background(), &calendar.Event{
		TenantID:  "tenant-1",
		OwnerID:   owner,
		StartTime: start,
		EndTime:   start.Add(d),
		Status:    calendar.StatusConfirmed,
		BookedBy:  calendar.BookedByUser,
	})
	require.NoError(t, err)
}

func TestComputeSlotsOpenMorning(t *testing.T) {
	store := memory.New()
	store.PutRule(mondayRule("a"))
	engine := newTestEngine(t, store, Options{})

	slots, err := engine.ComputeSlots(context.Background(), SlotQuery{OwnerID: "a", Date: "2025-12-08"})
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"}, starts(slots))
	for _, s := range slots {
		assert.Equal(t, 30*time.Minute, s.End.Sub(s.Start))
		assert.Equal(t, "a", s.OwnerID)
	}
}

func TestComputeSlotsBufferedConflicts(t *testing.T) {
	store := memory.New()
	rule := mondayRule("a")
	rule.BufferBefore = 15
	rule.BufferAfter = 15
	store.PutRule(rule)
	book(t, store, "a", mondayAt(t, 10, 0), 30*time.Minute)
	engine := newTestEngine(t, store, Options{})

	slots, err := engine.ComputeSlots(context.Background(), SlotQuery{OwnerID: "a", Date: "2025-12-08"})
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "11:00", "11:30"}, starts(slots))
}

func TestComputeSlotsTouchingEventIsNotConflict(t *testing.T) {
	store := memory.New()
	store.PutRule(mondayRule("a"))
	book(t, store, "a", mondayAt(t, 10, 0), 30*time.Minute)
	engine := newTestEngine(t, store, Options{})

	slots, err := engine.ComputeSlots(context.Background(), SlotQuery{OwnerID: "a", Date: "2025-12-08"})
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "09:30", "10:30", "11:00", "11:30"}, starts(slots))
}

func TestComputeSlotsIgnoresCancelledEvents(t *testing.T) {
	store := memory.New()
	store.PutRule(mondayRule("a"))
	book(t, store, "a", mondayAt(t, 9, 0), 3*time.Hour)
	events := store.Events()
	require.NoError(t, store.UpdateEventStatus(context.Background(), events[0].ID, calendar.StatusCancelled))
	engine := newTestEngine(t, store, Options{})

	slots, err := engine.ComputeSlots(context.Background(), SlotQuery{OwnerID: "a", Date: "2025-12-08"})
	require.NoError(t, err)
	assert.Len(t, slots, 6)
}

func TestComputeSlotsOverrideWins(t *testing.T) {
	store := memory.New()
	rule := mondayRule("a")
	rule.DateOverrides = []calendar.DateOverride{{Date: "2025-12-08", Available: false, Reason: "Training"}}
	store.PutRule(rule)
	engine := newTestEngine(t, store, Options{})

	slots, err := engine.ComputeSlots(context.Background(), SlotQuery{OwnerID: "a", Date: "2025-12-08"})
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestComputeSlotsDropsPartialTrailingSlot(t *testing.T) {
	store := memory.New()
	store.PutRule(mondayRule("a"))
	engine := newTestEngine(t, store, Options{})

	slots, err := engine.ComputeSlots(context.Background(), SlotQuery{OwnerID: "a", Date: "2025-12-08", Duration: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "09:50", "10:40"}, starts(slots))
	last := slots[len(slots)-1]
	assert.False(t, last.End.After(mondayAt(t, 12, 0)))
}

func TestComputeSlotsBookingNotice(t *testing.T) {
	store := memory.New()
	rule := mondayRule("a")
	rule.MaxBookingNotice = 150
	store.PutRule(rule)
	now := mondayAt(t, 8, 45)
	engine := newTestEngine(t, store, Options{Now: func() time.Time { return now }})

	slots, err := engine.ComputeSlots(context.Background(), SlotQuery{OwnerID: "a", Date: "2025-12-08"})
	require.NoError(t, err)
	// earliest 09:45, latest 11:15
	assert.Equal(t, []string{"10:00", "10:30", "11:00"}, starts(slots))
}

func TestComputeSlotsClosedDayAndMissingRule(t *testing.T) {
	store := memory.New()
	store.PutRule(mondayRule("a"))
	engine := newTestEngine(t, store, Options{})

	slots, err := engine.ComputeSlots(context.Background(), SlotQuery{OwnerID: "a", Date: "2025-12-09"})
	require.NoError(t, err)
	assert.Empty(t, slots)

	slots, err = engine.ComputeSlots(context.Background(), SlotQuery{OwnerID: "nobody", Date: "2025-12-08"})
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestComputeSlotsTimezoneModes(t *testing.T) {
	store := memory.New()
	rule := mondayRule("a")
	rule.Timezone = "Mars/Olympus_Mons"
	rule.MinBookingNotice = 0
	store.PutRule(rule)
	now := time.Date(2025, 12, 8, 0, 0, 0, 0, time.UTC)

	lenient := newTestEngine(t, store, Options{Now: func() time.Time { return now }})
	slots, err := lenient.ComputeSlots(context.Background(), SlotQuery{OwnerID: "a", Date: "2025-12-08"})
	require.NoError(t, err)
	require.Len(t, slots, 6)
	assert.Equal(t, time.Date(2025, 12, 8, 9, 0, 0, 0, time.UTC), slots[0].Start)

	strict := newTestEngine(t, store, Options{StrictTimezones: true, Now: func() time.Time { return now }})
	_, err = strict.ComputeSlots(context.Background(), SlotQuery{OwnerID: "a", Date: "2025-12-08"})
	assert.ErrorIs(t, err, calendar.ErrInvalidTimezone)
}

type stubBusy struct {
	periods []calendar.Period
	err     error
}

func (s stubBusy) Busy(context.Context, string, time.Time, time.Time) ([]calendar.Period, error) {
	return s.periods, s.err
}

func TestComputeSlotsMergesExternalBusy(t *testing.T) {
	store := memory.New()
	store.PutRule(mondayRule("a"))
	busy := stubBusy{periods: []calendar.Period{{Start: mondayAt(t, 11, 0), End: mondayAt(t, 12, 0)}}}
	engine := newTestEngine(t, store, Options{Busy: busy})

	slots, err := engine.ComputeSlots(context.Background(), SlotQuery{OwnerID: "a", Date: "2025-12-08"})
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "09:30", "10:00", "10:30"}, starts(slots))

	failing := newTestEngine(t, store, Options{Busy: stubBusy{err: errors.New("google down")}})
	slots, err = failing.ComputeSlots(context.Background(), SlotQuery{OwnerID: "a", Date: "2025-12-08"})
	require.NoError(t, err)
	assert.Len(t, slots, 6)
}

func TestComputeTeamSlotsUnionsAndSorts(t *testing.T) {
	store := memory.New()
	store.PutOwner(calendar.Owner{ID: "a", TenantID: "tenant-1", Name: "Alice"})
	store.PutOwner(calendar.Owner{ID: "b", TenantID: "tenant-1", Name: "Bea"})
	store.PutRule(mondayRule("a"))
	ruleB := mondayRule("b")
	ruleB.Schedule.Monday = []calendar.Interval{{Start: "10:00", End: "11:00"}}
	store.PutRule(ruleB)
	engine := newTestEngine(t, store, Options{})

	slots, err := engine.ComputeTeamSlots(context.Background(), TeamQuery{TenantID: "tenant-1", Date: "2025-12-08"})
	require.NoError(t, err)
	require.Len(t, slots, 8)
	for i := 1; i < len(slots); i++ {
		assert.False(t, slots[i].Start.Before(slots[i-1].Start))
	}
	assert.Equal(t, "Alice", slots[2].OwnerName)
	assert.Equal(t, "Bea", slots[3].OwnerName)
	assert.Equal(t, "b", slots[3].OwnerID)

	store.PutAgent(calendar.AgentConfig{AgentID: "agent-1", TenantID: "tenant-1", Owners: []calendar.AgentOwner{{OwnerID: "b"}}})
	slots, err = engine.ComputeTeamSlots(context.Background(), TeamQuery{TenantID: "tenant-1", AgentID: "agent-1", Date: "2025-12-08"})
	require.NoError(t, err)
	assert.Len(t, slots, 2)

	_, err = engine.ComputeTeamSlots(context.Background(), TeamQuery{TenantID: "tenant-2", AgentID: "agent-1", Date: "2025-12-08"})
	require.ErrorIs(t, err, calendar.ErrAgentNotFound)
}

func TestCheck(t *testing.T) {
	store := memory.New()
	rule := mondayRule("a")
	rule.BufferAfter = 15
	store.PutRule(rule)
	book(t, store, "a", mondayAt(t, 10, 0), 30*time.Minute)
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()

	cases := []struct {
		name  string
		owner string
		start time.Time
		want  calendar.SlotVerdict
	}{
		{"free morning slot", "a", mondayAt(t, 9, 0), calendar.SlotFree},
		{"overlaps booking", "a", mondayAt(t, 10, 15), calendar.SlotTaken},
		{"buffer runs into booking", "a", mondayAt(t, 9, 30), calendar.SlotTaken},
		{"touching booking end", "a", mondayAt(t, 10, 30), calendar.SlotFree},
		{"outside schedule", "a", mondayAt(t, 12, 0), calendar.SlotClosed},
		{"too soon", "a", mondayAt(t, 8, 30), calendar.SlotClosed},
		{"owner without rule", "nobody", mondayAt(t, 9, 0), calendar.SlotClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.Check(ctx, calendar.SlotCheck{OwnerID: tc.owner, Start: tc.start, End: tc.start.Add(30 * time.Minute)})
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := engine.Check(ctx, calendar.SlotCheck{OwnerID: "a", Start: mondayAt(t, 9, 0), End: mondayAt(t, 9, 0)})
	assert.ErrorIs(t, err, calendar.ErrInvalidInterval)
}

func TestCheckAcceptsEveryListedSlotUnderTimezoneOverride(t *testing.T) {
	store := memory.New()
	store.PutRule(mondayRule("a"))
	engine := newTestEngine(t, store, Options{})
	ctx := context.Background()
	const la = "America/Los_Angeles"

	slots, err := engine.ComputeSlots(ctx, SlotQuery{OwnerID: "a", Date: "2025-12-08", Timezone: la})
	require.NoError(t, err)
	require.NotEmpty(t, slots)
	assert.Equal(t, "11:30", slots[len(slots)-1].Start.In(mustLoad(t, la)).Format("15:04"))

	for _, s := range slots {
		got, err := engine.Check(ctx, calendar.SlotCheck{OwnerID: "a", Start: s.Start, End: s.End, Timezone: la})
		require.NoError(t, err)
		assert.Equal(t, calendar.SlotFree, got, "slot %s", s.Start)
	}

	// 11:30 in Los Angeles is 14:30 in New York, past the rule's own hours
	last := slots[len(slots)-1]
	got, err := engine.Check(ctx, calendar.SlotCheck{OwnerID: "a", Start: last.Start, End: last.End})
	require.NoError(t, err)
	assert.Equal(t, calendar.SlotClosed, got)
}

func TestCheckStrictTimezone(t *testing.T) {
	store := memory.New()
	store.PutRule(mondayRule("a"))
	engine := newTestEngine(t, store, Options{StrictTimezones: true})

	_, err := engine.Check(context.Background(), calendar.SlotCheck{
		OwnerID:  "a",
		Start:    mondayAt(t, 9, 0),
		End:      mondayAt(t, 9, 30),
		Timezone: "Mars/Olympus_Mons",
	})
	assert.ErrorIs(t, err, calendar.ErrInvalidTimezone)
}

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}
