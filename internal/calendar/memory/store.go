// Package memory is an in-process calendar.Store used for local development
// and tests. It enforces the same no-overlap guarantee as the Postgres
// exclusion constraint by checking under a single mutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
)

// Store is a mutex-guarded calendar.Store.
type Store struct {
	mu         sync.Mutex
	rules      map[string][]calendar.Rule
	owners     map[string]calendar.Owner
	agents     map[string]calendar.AgentConfig
	events     map[uuid.UUID]calendar.Event
	providers  map[uuid.UUID]calendar.Provider
	roundRobin map[string]int64
	now        func() time.Time
}

var _ calendar.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		rules:      make(map[string][]calendar.Rule),
		owners:     make(map[string]calendar.Owner),
		agents:     make(map[string]calendar.AgentConfig),
		events:     make(map[uuid.UUID]calendar.Event),
		providers:  make(map[uuid.UUID]calendar.Provider),
		roundRobin: make(map[string]int64),
		now:        time.Now,
	}
}

// PutOwner registers a staff member.
func (s *Store) PutOwner(o calendar.Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[o.ID] = o
}

// PutRule stores a rule. A default rule clears the flag on the owner's other rules.
func (s *Store) PutRule(r calendar.Rule) calendar.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	existing := s.rules[r.OwnerID]
	if r.IsDefault {
		for i := range existing {
			existing[i].IsDefault = false
		}
	}
	s.rules[r.OwnerID] = append(existing, r)
	return r
}

// PutAgent stores an agent configuration.
func (s *Store) PutAgent(a calendar.AgentConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.AgentID] = a
}

// Events returns a snapshot of every stored event ordered by start time.
func (s *Store) Events() []calendar.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calendar.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, cloneEvent(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (s *Store) ActiveRules(_ context.Context, ownerID string) ([]calendar.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calendar.Rule
	for _, r := range s.rules[ownerID] {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) OwnersWithActiveRules(_ context.Context, tenantID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for ownerID, rules := range s.rules {
		for _, r := range rules {
			if r.Active && r.TenantID == tenantID {
				out = append(out, ownerID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetOwner(_ context.Context, ownerID string) (calendar.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.owners[ownerID]
	if !ok {
		return calendar.Owner{}, calendar.ErrOwnerNotFound
	}
	return o, nil
}

func (s *Store) GetAgent(_ context.Context, agentID string) (calendar.AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return calendar.AgentConfig{}, calendar.ErrAgentNotFound
	}
	return a, nil
}

func (s *Store) BlockingEvents(_ context.Context, ownerID string, from, to time.Time) ([]calendar.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := calendar.Period{Start: from, End: to}
	var out []calendar.Event
	for _, e := range s.events {
		if e.OwnerID == ownerID && e.Blocking() && e.Period().Overlaps(window) {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *Store) CountEventsStarting(_ context.Context, ownerID string, from, to time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.OwnerID != ownerID || !e.Blocking() {
			continue
		}
		if !e.StartTime.Before(from) && e.StartTime.Before(to) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CheckSlotAvailability(_ context.Context, ownerID string, start, end time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slotFreeLocked(ownerID, calendar.Period{Start: start, End: end}, uuid.Nil), nil
}

// slotFreeLocked mirrors the exclusion constraint: only internal, non-cancelled
// bookings collide.
func (s *Store) slotFreeLocked(ownerID string, p calendar.Period, skip uuid.UUID) bool {
	for id, e := range s.events {
		if id == skip || e.OwnerID != ownerID || !e.Blocking() || e.SyncSource != calendar.SourceInternal {
			continue
		}
		if e.Period().Overlaps(p) {
			return false
		}
	}
	return true
}

func (s *Store) InsertEvent(_ context.Context, event *calendar.Event) error {
	if event == nil {
		return fmt.Errorf("memory: nil event")
	}
	if err := event.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.SyncSource == "" {
		event.SyncSource = calendar.SourceInternal
	}
	if event.Blocking() && event.SyncSource == calendar.SourceInternal &&
		!s.slotFreeLocked(event.OwnerID, event.Period(), event.ID) {
		return calendar.ErrSlotNoLongerAvailable
	}
	now := s.now().UTC()
	event.CreatedAt = now
	event.UpdatedAt = now
	s.events[event.ID] = cloneEvent(*event)
	return nil
}

func (s *Store) GetEvent(_ context.Context, id uuid.UUID) (calendar.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return calendar.Event{}, calendar.ErrEventNotFound
	}
	return cloneEvent(e), nil
}

func (s *Store) UpdateEventStatus(_ context.Context, id uuid.UUID, status calendar.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return calendar.ErrEventNotFound
	}
	e.Status = status
	e.UpdatedAt = s.now().UTC()
	s.events[id] = e
	return nil
}

func (s *Store) SetExternalRef(_ context.Context, id uuid.UUID, providerID uuid.UUID, calendarID, externalEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return calendar.ErrEventNotFound
	}
	e.ProviderID = providerID
	e.ExternalCalendarID = calendarID
	e.ExternalEventID = externalEventID
	e.UpdatedAt = s.now().UTC()
	s.events[id] = e
	return nil
}

func (s *Store) UpsertExternalEvent(_ context.Context, event calendar.Event) (bool, error) {
	if event.ProviderID == uuid.Nil || event.ExternalEventID == "" {
		return false, fmt.Errorf("memory: upsert requires provider and external id")
	}
	if err := event.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for id, existing := range s.events {
		if existing.ProviderID != event.ProviderID || existing.ExternalEventID != event.ExternalEventID {
			continue
		}
		existing.ExternalCalendarID = event.ExternalCalendarID
		existing.Title = event.Title
		existing.Description = event.Description
		existing.Location = event.Location
		existing.StartTime = event.StartTime
		existing.EndTime = event.EndTime
		existing.Timezone = event.Timezone
		existing.AllDay = event.AllDay
		existing.Status = event.Status
		existing.Attendees = append([]calendar.Attendee(nil), event.Attendees...)
		existing.UpdatedAt = now
		s.events[id] = existing
		return false, nil
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	event.CreatedAt = now
	event.UpdatedAt = now
	s.events[event.ID] = cloneEvent(event)
	return true, nil
}

func (s *Store) CancelExternalEvent(_ context.Context, providerID uuid.UUID, externalEventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.events {
		if e.ProviderID == providerID && e.ExternalEventID == externalEventID {
			if e.Status == calendar.StatusCancelled {
				return true, nil
			}
			e.Status = calendar.StatusCancelled
			e.UpdatedAt = s.now().UTC()
			s.events[id] = e
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetProvider(_ context.Context, id uuid.UUID) (calendar.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return calendar.Provider{}, calendar.ErrProviderNotFound
	}
	return p, nil
}

func (s *Store) ConnectedProviderForOwner(_ context.Context, ownerID string) (calendar.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.providers {
		if p.OwnerID == ownerID && p.Connected() {
			return p, nil
		}
	}
	return calendar.Provider{}, calendar.ErrProviderNotFound
}

func (s *Store) SaveProvider(_ context.Context, p *calendar.Provider) error {
	if p == nil {
		return fmt.Errorf("memory: nil provider")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for id, existing := range s.providers {
		if existing.OwnerID == p.OwnerID && existing.Kind == p.Kind {
			p.ID = id
			if p.RefreshTokenEncrypted == "" {
				p.RefreshTokenEncrypted = existing.RefreshTokenEncrypted
			}
			p.CreatedAt = existing.CreatedAt
			p.UpdatedAt = now
			s.providers[id] = *p
			return nil
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	s.providers[p.ID] = *p
	return nil
}

func (s *Store) updateProvider(id uuid.UUID, fn func(*calendar.Provider)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return calendar.ErrProviderNotFound
	}
	fn(&p)
	p.UpdatedAt = s.now().UTC()
	s.providers[id] = p
	return nil
}

func (s *Store) UpdateTokens(_ context.Context, id uuid.UUID, accessEncrypted, refreshEncrypted string, expiry time.Time) error {
	return s.updateProvider(id, func(p *calendar.Provider) {
		p.AccessTokenEncrypted = accessEncrypted
		if refreshEncrypted != "" {
			p.RefreshTokenEncrypted = refreshEncrypted
		}
		p.TokenExpiry = expiry
		p.Status = calendar.ProviderActive
		p.LastError = ""
	})
}

func (s *Store) UpdateSyncState(_ context.Context, id uuid.UUID, syncToken string, syncedAt time.Time) error {
	return s.updateProvider(id, func(p *calendar.Provider) {
		p.SyncToken = syncToken
		p.LastSyncAt = syncedAt
		p.Status = calendar.ProviderActive
		p.LastError = ""
	})
}

func (s *Store) UpdateStatus(_ context.Context, id uuid.UUID, status calendar.ProviderStatus, lastError string) error {
	return s.updateProvider(id, func(p *calendar.Provider) {
		p.Status = status
		p.LastError = lastError
	})
}

func (s *Store) ClearCredentials(_ context.Context, id uuid.UUID) error {
	return s.updateProvider(id, func(p *calendar.Provider) {
		p.AccessTokenEncrypted = ""
		p.RefreshTokenEncrypted = ""
		p.SyncToken = ""
		p.Status = calendar.ProviderInactive
		p.SyncEnabled = false
	})
}

func (s *Store) ListSyncable(_ context.Context) ([]calendar.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calendar.Provider
	for _, p := range s.providers {
		if p.Syncable() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListExpiring(_ context.Context, before time.Time) ([]calendar.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calendar.Provider
	for _, p := range s.providers {
		if p.Status == calendar.ProviderActive && p.RefreshTokenEncrypted != "" && p.TokenExpiry.Before(before) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenExpiry.Before(out[j].TokenExpiry) })
	return out, nil
}

func (s *Store) NextRoundRobinOwner(_ context.Context, tenantID, agentID string, candidates []string, start, end time.Time) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantID + ":" + agentID
	s.roundRobin[key]++
	offset := int((s.roundRobin[key] - 1) % int64(len(candidates)))
	slot := calendar.Period{Start: start, End: end}
	for i := 0; i < len(candidates); i++ {
		ownerID := candidates[(offset+i)%len(candidates)]
		if s.slotFreeLocked(ownerID, slot, uuid.Nil) {
			return ownerID, nil
		}
	}
	return "", nil
}

func cloneEvent(e calendar.Event) calendar.Event {
	e.Attendees = append([]calendar.Attendee(nil), e.Attendees...)
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}
