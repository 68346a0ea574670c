// Package availability derives bookable time slots from an owner's weekly
// schedule, date overrides, booking-notice window, buffers and existing events.
package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

const defaultSlotMinutes = 30

// Store is the persistence the engine reads from.
type Store interface {
	calendar.RuleStore
	calendar.DirectoryStore
	BlockingEvents(ctx context.Context, ownerID string, from, to time.Time) ([]calendar.Event, error)
}

// BusySource reports externally busy periods (e.g. a connected Google
// calendar's free/busy) that should also block slots.
type BusySource interface {
	Busy(ctx context.Context, ownerID string, from, to time.Time) ([]calendar.Period, error)
}

// Options tunes engine behaviour.
type Options struct {
	// StrictTimezones rejects unknown IANA names instead of falling back to UTC.
	StrictTimezones bool
	Now             func() time.Time
	Busy            BusySource
}

// Engine computes availability. It holds no mutable state.
type Engine struct {
	store  Store
	logger *logging.Logger
	strict bool
	now    func() time.Time
	busy   BusySource
}

// NewEngine wires the engine to its store.
func NewEngine(store Store, logger *logging.Logger, opts Options) *Engine {
	if store == nil {
		panic("availability: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, logger: logger, strict: opts.StrictTimezones, now: now, busy: opts.Busy}
}

// SlotQuery asks for one owner's slots on a calendar date.
type SlotQuery struct {
	OwnerID string
	// Date is YYYY-MM-DD, interpreted in Timezone (or the rule's timezone).
	Date string
	// Duration in minutes; zero uses the rule's slot duration.
	Duration int
	Timezone string
}

// TeamQuery asks for slots across several owners. Owners are taken from
// OwnerIDs, else the agent's configured owners, else every tenant owner with
// an active rule.
type TeamQuery struct {
	TenantID string
	AgentID  string
	OwnerIDs []string
	Date     string
	Duration int
	Timezone string
}

// ComputeSlots returns the owner's free slots on the date, ordered by start.
// An owner without an active rule has no slots.
func (e *Engine) ComputeSlots(ctx context.Context, q SlotQuery) ([]calendar.TimeSlot, error) {
	rule, err := e.activeRule(ctx, q.OwnerID)
	if errors.Is(err, calendar.ErrRuleNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tz := q.Timezone
	if tz == "" {
		tz = rule.Timezone
	}
	loc, err := e.location(tz)
	if err != nil {
		return nil, err
	}
	day, err := time.ParseInLocation(calendar.DateLayout, strings.TrimSpace(q.Date), loc)
	if err != nil {
		return nil, fmt.Errorf("availability: parse date %q: %w", q.Date, err)
	}
	if o, ok := rule.Override(day.Format(calendar.DateLayout)); ok && !o.Available {
		return nil, nil
	}
	intervals := rule.Schedule.For(calendar.WeekdayOf(day.Weekday()))
	if len(intervals) == 0 {
		return nil, nil
	}

	minutes := q.Duration
	if minutes <= 0 {
		minutes = rule.SlotDuration
	}
	if minutes <= 0 {
		minutes = defaultSlotMinutes
	}
	step := time.Duration(minutes) * time.Minute

	var candidates []calendar.TimeSlot
	for _, iv := range intervals {
		from, to, err := iv.Bounds(day, loc)
		if err != nil {
			return nil, fmt.Errorf("availability: rule %s: %w", rule.ID, err)
		}
		for start := from; !start.Add(step).After(to); start = start.Add(step) {
			if !e.withinNotice(rule, start) {
				continue
			}
			candidates = append(candidates, calendar.TimeSlot{Start: start, End: start.Add(step), OwnerID: q.OwnerID})
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	first, last := candidates[0].Start, candidates[0].End
	for _, s := range candidates[1:] {
		if s.Start.Before(first) {
			first = s.Start
		}
		if s.End.After(last) {
			last = s.End
		}
	}
	busy, err := e.busyPeriods(ctx, q.OwnerID, first.Add(-rule.BufferBeforeDuration()), last.Add(rule.BufferAfterDuration()))
	if err != nil {
		return nil, err
	}

	slots := candidates[:0]
	for _, s := range candidates {
		if !conflicts(rule, s.Start, s.End, busy) {
			slots = append(slots, s)
		}
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	return slots, nil
}

// ComputeTeamSlots unions each candidate owner's slots, attaches display
// names and sorts ascending by start.
func (e *Engine) ComputeTeamSlots(ctx context.Context, q TeamQuery) ([]calendar.TimeSlot, error) {
	owners, err := e.teamOwners(ctx, q)
	if err != nil {
		return nil, err
	}
	var out []calendar.TimeSlot
	for _, ownerID := range owners {
		slots, err := e.ComputeSlots(ctx, SlotQuery{OwnerID: ownerID, Date: q.Date, Duration: q.Duration, Timezone: q.Timezone})
		if err != nil {
			return nil, fmt.Errorf("availability: owner %s: %w", ownerID, err)
		}
		if len(slots) == 0 {
			continue
		}
		name := e.ownerName(ctx, ownerID)
		for i := range slots {
			slots[i].OwnerName = name
		}
		out = append(out, slots...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Check tells whether [c.Start, c.End) lies inside the owner's schedule,
// respects overrides and booking notice, and clears every buffered conflict.
// The schedule is read in c.Timezone when set, as ComputeSlots does, so any
// slot it lists passes Check.
func (e *Engine) Check(ctx context.Context, c calendar.SlotCheck) (calendar.SlotVerdict, error) {
	start, end := c.Start, c.End
	if !start.Before(end) {
		return calendar.SlotClosed, calendar.ErrInvalidInterval
	}
	rule, err := e.activeRule(ctx, c.OwnerID)
	if errors.Is(err, calendar.ErrRuleNotFound) {
		return calendar.SlotClosed, nil
	}
	if err != nil {
		return calendar.SlotClosed, err
	}
	tz := c.Timezone
	if tz == "" {
		tz = rule.Timezone
	}
	loc, err := e.location(tz)
	if err != nil {
		return calendar.SlotClosed, err
	}
	local := start.In(loc)
	if o, ok := rule.Override(local.Format(calendar.DateLayout)); ok && !o.Available {
		return calendar.SlotClosed, nil
	}
	if !e.withinNotice(rule, start) {
		return calendar.SlotClosed, nil
	}
	inside := false
	for _, iv := range rule.Schedule.For(calendar.WeekdayOf(local.Weekday())) {
		from, to, err := iv.Bounds(local, loc)
		if err != nil {
			return calendar.SlotClosed, fmt.Errorf("availability: rule %s: %w", rule.ID, err)
		}
		if !start.Before(from) && !end.After(to) {
			inside = true
			break
		}
	}
	if !inside {
		return calendar.SlotClosed, nil
	}
	busy, err := e.busyPeriods(ctx, c.OwnerID, start.Add(-rule.BufferBeforeDuration()), end.Add(rule.BufferAfterDuration()))
	if err != nil {
		return calendar.SlotClosed, err
	}
	if conflicts(rule, start, end, busy) {
		return calendar.SlotTaken, nil
	}
	return calendar.SlotFree, nil
}

func (e *Engine) activeRule(ctx context.Context, ownerID string) (calendar.Rule, error) {
	rules, err := e.store.ActiveRules(ctx, ownerID)
	if err != nil {
		return calendar.Rule{}, fmt.Errorf("availability: load rules: %w", err)
	}
	if len(rules) == 0 {
		return calendar.Rule{}, calendar.ErrRuleNotFound
	}
	return rules[0], nil
}

// location resolves an IANA zone. Empty means UTC.
func (e *Engine) location(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err == nil {
		return loc, nil
	}
	if e.strict {
		return nil, fmt.Errorf("%w: %q", calendar.ErrInvalidTimezone, tz)
	}
	e.logger.Warn("availability: unknown timezone, using UTC", "timezone", tz, "error", err)
	return time.UTC, nil
}

func (e *Engine) withinNotice(rule calendar.Rule, start time.Time) bool {
	now := e.now()
	if start.Before(now.Add(time.Duration(rule.MinBookingNotice) * time.Minute)) {
		return false
	}
	if rule.MaxBookingNotice > 0 && start.After(now.Add(time.Duration(rule.MaxBookingNotice)*time.Minute)) {
		return false
	}
	return true
}

// busyPeriods collects blocking events plus any external busy time in [from, to).
// External free/busy failures are logged and ignored.
func (e *Engine) busyPeriods(ctx context.Context, ownerID string, from, to time.Time) ([]calendar.Period, error) {
	events, err := e.store.BlockingEvents(ctx, ownerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("availability: load events: %w", err)
	}
	periods := make([]calendar.Period, 0, len(events))
	for _, ev := range events {
		if ev.Blocking() {
			periods = append(periods, ev.Period())
		}
	}
	if e.busy != nil {
		extra, err := e.busy.Busy(ctx, ownerID, from, to)
		if err != nil {
			e.logger.Warn("availability: external free/busy unavailable", "owner_id", ownerID, "error", err)
		} else {
			periods = append(periods, extra...)
		}
	}
	return periods, nil
}

// conflicts applies the rule's buffers to [start, end) and tests half-open
// overlap against every busy period.
func conflicts(rule calendar.Rule, start, end time.Time, busy []calendar.Period) bool {
	buffered := calendar.Period{Start: start.Add(-rule.BufferBeforeDuration()), End: end.Add(rule.BufferAfterDuration())}
	for _, p := range busy {
		if buffered.Overlaps(p) {
			return true
		}
	}
	return false
}

func (e *Engine) teamOwners(ctx context.Context, q TeamQuery) ([]string, error) {
	if len(q.OwnerIDs) > 0 {
		return q.OwnerIDs, nil
	}
	if q.AgentID != "" {
		agent, err := e.store.GetAgent(ctx, q.AgentID)
		if err != nil {
			return nil, fmt.Errorf("availability: load agent: %w", err)
		}
		if q.TenantID != "" && agent.TenantID != q.TenantID {
			return nil, fmt.Errorf("availability: load agent: %w", calendar.ErrAgentNotFound)
		}
		return agent.OwnerIDs(), nil
	}
	if q.TenantID == "" {
		return nil, nil
	}
	owners, err := e.store.OwnersWithActiveRules(ctx, q.TenantID)
	if err != nil {
		return nil, fmt.Errorf("availability: list owners: %w", err)
	}
	return owners, nil
}

func (e *Engine) ownerName(ctx context.Context, ownerID string) string {
	owner, err := e.store.GetOwner(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, calendar.ErrOwnerNotFound) {
			e.logger.Warn("availability: owner lookup failed", "owner_id", ownerID, "error", err)
		}
		return ""
	}
	return owner.Name
}
