package calendar

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RuleStore reads availability rules.
type RuleStore interface {
	// ActiveRules returns the owner's active rules, default first then newest first.
	ActiveRules(ctx context.Context, ownerID string) ([]Rule, error)
	// OwnersWithActiveRules lists owners in the tenant that have at least one active rule.
	OwnersWithActiveRules(ctx context.Context, tenantID string) ([]string, error)
}

// DirectoryStore resolves staff members and voice-agent configuration.
type DirectoryStore interface {
	GetOwner(ctx context.Context, ownerID string) (Owner, error)
	GetAgent(ctx context.Context, agentID string) (AgentConfig, error)
}

// EventStore persists calendar events.
type EventStore interface {
	// BlockingEvents returns non-cancelled events for owner overlapping [from, to).
	BlockingEvents(ctx context.Context, ownerID string, from, to time.Time) ([]Event, error)
	// CountEventsStarting counts non-cancelled events for owner starting in [from, to).
	CountEventsStarting(ctx context.Context, ownerID string, from, to time.Time) (int, error)
	// CheckSlotAvailability atomically reports whether [start, end) is free of internal bookings.
	CheckSlotAvailability(ctx context.Context, ownerID string, start, end time.Time) (bool, error)
	// InsertEvent writes a new event. Overlapping internal bookings yield ErrSlotNoLongerAvailable.
	InsertEvent(ctx context.Context, event *Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (Event, error)
	UpdateEventStatus(ctx context.Context, id uuid.UUID, status EventStatus) error
	// SetExternalRef records where an internal event was pushed.
	SetExternalRef(ctx context.Context, id uuid.UUID, providerID uuid.UUID, calendarID, externalEventID string) error
	// UpsertExternalEvent inserts or updates by (provider_id, external_event_id).
	UpsertExternalEvent(ctx context.Context, event Event) (created bool, err error)
	// CancelExternalEvent marks the row for (provider_id, external_event_id) cancelled.
	// found is false when no local row exists.
	CancelExternalEvent(ctx context.Context, providerID uuid.UUID, externalEventID string) (found bool, err error)
}

// ProviderStore persists external calendar connections.
type ProviderStore interface {
	GetProvider(ctx context.Context, id uuid.UUID) (Provider, error)
	// ConnectedProviderForOwner returns the owner's provider whose status is active or error.
	ConnectedProviderForOwner(ctx context.Context, ownerID string) (Provider, error)
	// SaveProvider upserts by (owner_id, kind) and sets p.ID to the stored id.
	SaveProvider(ctx context.Context, p *Provider) error
	UpdateTokens(ctx context.Context, id uuid.UUID, accessEncrypted, refreshEncrypted string, expiry time.Time) error
	// UpdateSyncState stores a new cursor after a successful sync and marks the provider active.
	UpdateSyncState(ctx context.Context, id uuid.UUID, syncToken string, syncedAt time.Time) error
	// UpdateStatus changes status without touching the cursor.
	UpdateStatus(ctx context.Context, id uuid.UUID, status ProviderStatus, lastError string) error
	// ClearCredentials drops tokens and cursor and marks the provider inactive.
	ClearCredentials(ctx context.Context, id uuid.UUID) error
	// ListSyncable returns sync-enabled providers that are connected.
	ListSyncable(ctx context.Context) ([]Provider, error)
	// ListExpiring returns active providers whose access token expires before the cutoff.
	ListExpiring(ctx context.Context, before time.Time) ([]Provider, error)
}

// RoundRobin picks the next free owner for an agent. Implementations must
// advance the counter and test availability atomically.
type RoundRobin interface {
	NextRoundRobinOwner(ctx context.Context, tenantID, agentID string, candidates []string, start, end time.Time) (string, error)
}

// Store is the full persistence surface.
type Store interface {
	RuleStore
	DirectoryStore
	EventStore
	ProviderStore
	RoundRobin
}
