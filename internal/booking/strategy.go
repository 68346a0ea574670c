package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
)

const leastBusyWindow = 7 * 24 * time.Hour

// selectOwner resolves who takes the booking. An explicit owner bypasses
// the agent's strategy.
func (o *Orchestrator) selectOwner(ctx context.Context, req Request, start, end time.Time) (string, calendar.Strategy, error) {
	if req.OwnerID != "" {
		owner, err := o.store.GetOwner(ctx, req.OwnerID)
		if errors.Is(err, calendar.ErrOwnerNotFound) || (err == nil && owner.TenantID != req.TenantID) {
			return "", "", calendar.ErrNoAssignableUser
		}
		if err != nil {
			return "", "", fmt.Errorf("%w: %w", calendar.ErrPersistence, err)
		}
		verdict, err := o.check(ctx, req.OwnerID, req.Timezone, start, end)
		if err != nil {
			return "", "", err
		}
		switch verdict {
		case calendar.SlotTaken:
			return "", "", calendar.ErrSlotNoLongerAvailable
		case calendar.SlotClosed:
			return "", "", calendar.ErrNoAvailableUser
		}
		return req.OwnerID, "", nil
	}

	if req.AgentID == "" {
		return "", "", calendar.ErrNoAssignableUser
	}
	agent, err := o.store.GetAgent(ctx, req.AgentID)
	if errors.Is(err, calendar.ErrAgentNotFound) || (err == nil && agent.TenantID != req.TenantID) {
		return "", "", calendar.ErrNoAssignableUser
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", calendar.ErrPersistence, err)
	}
	if len(agent.Owners) == 0 {
		return "", agent.Strategy, calendar.ErrNoAssignableUser
	}

	strategy := agent.Strategy
	if strategy == "" {
		strategy = calendar.StrategyRoundRobin
	}
	var ownerID string
	switch strategy {
	case calendar.StrategySpecificUser:
		ownerID, err = o.firstFree(ctx, agent.OwnerIDs()[:1], req.Timezone, start, end)
	case calendar.StrategyPriority:
		ownerID, err = o.firstFree(ctx, byPriority(agent.Owners), req.Timezone, start, end)
	case calendar.StrategyLeastBusy:
		ownerID, err = o.leastBusy(ctx, agent.OwnerIDs(), req.Timezone, start, end)
	default:
		strategy = calendar.StrategyRoundRobin
		ownerID, err = o.roundRobin(ctx, agent, req.Timezone, start, end)
	}
	if err != nil {
		return "", strategy, err
	}
	if ownerID == "" {
		return "", strategy, calendar.ErrNoAvailableUser
	}
	return ownerID, strategy, nil
}

func (o *Orchestrator) firstFree(ctx context.Context, owners []string, tz string, start, end time.Time) (string, error) {
	for _, id := range owners {
		free, err := o.available(ctx, id, tz, start, end)
		if err != nil {
			return "", err
		}
		if free {
			return id, nil
		}
	}
	return "", nil
}

// leastBusy picks the free owner with the fewest events starting in the
// coming week. Ties go to the earlier owner.
func (o *Orchestrator) leastBusy(ctx context.Context, owners []string, tz string, start, end time.Time) (string, error) {
	now := o.now()
	best, bestCount := "", -1
	for _, id := range owners {
		free, err := o.available(ctx, id, tz, start, end)
		if err != nil {
			return "", err
		}
		if !free {
			continue
		}
		n, err := o.store.CountEventsStarting(ctx, id, now, now.Add(leastBusyWindow))
		if err != nil {
			return "", fmt.Errorf("%w: count events: %w", calendar.ErrPersistence, err)
		}
		if bestCount < 0 || n < bestCount {
			best, bestCount = id, n
		}
	}
	return best, nil
}

// roundRobin narrows the agent's owners to those whose schedule admits the
// slot, then lets the store advance the shared counter and pick atomically.
func (o *Orchestrator) roundRobin(ctx context.Context, agent calendar.AgentConfig, tz string, start, end time.Time) (string, error) {
	var candidates []string
	for _, id := range agent.OwnerIDs() {
		free, err := o.available(ctx, id, tz, start, end)
		if err != nil {
			return "", err
		}
		if free {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	ownerID, err := o.store.NextRoundRobinOwner(ctx, agent.TenantID, agent.AgentID, candidates, start, end)
	if err != nil {
		return "", fmt.Errorf("%w: round robin: %w", calendar.ErrPersistence, err)
	}
	return ownerID, nil
}

func (o *Orchestrator) available(ctx context.Context, ownerID, tz string, start, end time.Time) (bool, error) {
	verdict, err := o.check(ctx, ownerID, tz, start, end)
	return verdict == calendar.SlotFree, err
}

// check asks the availability engine about one owner. Bad input from the
// request keeps its own error; anything else is a store failure.
func (o *Orchestrator) check(ctx context.Context, ownerID, tz string, start, end time.Time) (calendar.SlotVerdict, error) {
	verdict, err := o.availability.Check(ctx, calendar.SlotCheck{OwnerID: ownerID, Start: start, End: end, Timezone: tz})
	switch {
	case err == nil:
		return verdict, nil
	case errors.Is(err, calendar.ErrInvalidTimezone), errors.Is(err, calendar.ErrInvalidInterval):
		return calendar.SlotClosed, fmt.Errorf("booking: %w", err)
	default:
		return calendar.SlotClosed, fmt.Errorf("%w: availability for %s: %w", calendar.ErrPersistence, ownerID, err)
	}
}

func byPriority(owners []calendar.AgentOwner) []string {
	sorted := append([]calendar.AgentOwner(nil), owners...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	ids := make([]string, 0, len(sorted))
	for _, ow := range sorted {
		ids = append(ids, ow.OwnerID)
	}
	return ids
}
