// Package postgres is the pgx-backed calendar.Store. Double-booking is
// prevented by the calendar_events_no_double_booking exclusion constraint;
// the availability re-check and round-robin selection are single statements.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
)

const exclusionViolation = "23P01"

// querier is the subset of pgxpool.Pool used by the store.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements calendar.Store on PostgreSQL.
type Store struct {
	db querier
}

var _ calendar.Store = (*Store)(nil)

// New builds a store on a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("postgres: pgx pool required")
	}
	return &Store{db: pool}
}

func newWithQuerier(q querier) *Store {
	if q == nil {
		panic("postgres: querier required")
	}
	return &Store{db: q}
}

func persistenceErr(action string, err error) error {
	return fmt.Errorf("postgres: %s: %w: %w", action, calendar.ErrPersistence, err)
}

const ruleColumns = `id, owner_id, tenant_id, name, schedule, timezone, date_overrides,
	slot_duration, buffer_before, buffer_after, min_booking_notice, max_booking_notice,
	is_default, active, created_at`

func (s *Store) ActiveRules(ctx context.Context, ownerID string) ([]calendar.Rule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE owner_id = $1 AND active
		ORDER BY is_default DESC, created_at DESC
	`, ownerID)
	if err != nil {
		return nil, persistenceErr("query rules", err)
	}
	defer rows.Close()

	var rules []calendar.Rule
	for rows.Next() {
		var (
			r         calendar.Rule
			schedule  []byte
			overrides []byte
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.TenantID, &r.Name, &schedule, &r.Timezone, &overrides,
			&r.SlotDuration, &r.BufferBefore, &r.BufferAfter, &r.MinBookingNotice, &r.MaxBookingNotice,
			&r.IsDefault, &r.Active, &r.CreatedAt); err != nil {
			return nil, persistenceErr("scan rule", err)
		}
		if r.Schedule, err = calendar.DecodeSchedule(schedule); err != nil {
			return nil, err
		}
		if len(overrides) > 0 {
			if err := json.Unmarshal(overrides, &r.DateOverrides); err != nil {
				return nil, fmt.Errorf("postgres: decode date overrides: %w", err)
			}
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate rules", err)
	}
	return rules, nil
}

func (s *Store) OwnersWithActiveRules(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT owner_id FROM availability_rules
		WHERE tenant_id = $1 AND active
		ORDER BY owner_id
	`, tenantID)
	if err != nil {
		return nil, persistenceErr("query owners", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistenceErr("scan owner", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) GetOwner(ctx context.Context, ownerID string) (calendar.Owner, error) {
	var o calendar.Owner
	err := s.db.QueryRow(ctx, `SELECT id, tenant_id, name FROM staff_members WHERE id = $1`, ownerID).
		Scan(&o.ID, &o.TenantID, &o.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.Owner{}, calendar.ErrOwnerNotFound
	}
	if err != nil {
		return calendar.Owner{}, persistenceErr("get owner", err)
	}
	return o, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (calendar.AgentConfig, error) {
	var (
		a        calendar.AgentConfig
		strategy string
	)
	err := s.db.QueryRow(ctx, `
		SELECT agent_id, tenant_id, strategy, title_template, description_template
		FROM agent_configs WHERE agent_id = $1
	`, agentID).Scan(&a.AgentID, &a.TenantID, &strategy, &a.TitleTemplate, &a.DescriptionTemplate)
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.AgentConfig{}, calendar.ErrAgentNotFound
	}
	if err != nil {
		return calendar.AgentConfig{}, persistenceErr("get agent", err)
	}
	a.Strategy = calendar.Strategy(strategy)

	rows, err := s.db.Query(ctx, `
		SELECT owner_id, priority FROM agent_owners
		WHERE agent_id = $1
		ORDER BY position, owner_id
	`, agentID)
	if err != nil {
		return calendar.AgentConfig{}, persistenceErr("query agent owners", err)
	}
	defer rows.Close()
	for rows.Next() {
		var o calendar.AgentOwner
		if err := rows.Scan(&o.OwnerID, &o.Priority); err != nil {
			return calendar.AgentConfig{}, persistenceErr("scan agent owner", err)
		}
		a.Owners = append(a.Owners, o)
	}
	if err := rows.Err(); err != nil {
		return calendar.AgentConfig{}, persistenceErr("iterate agent owners", err)
	}
	return a, nil
}

const eventColumns = `id, tenant_id, owner_id, provider_id, external_calendar_id, external_event_id,
	title, description, location, start_time, end_time, timezone, all_day, status, booked_by,
	attendees, sync_source, metadata, created_at, updated_at`

func scanEvent(row pgx.Row) (calendar.Event, error) {
	var (
		e          calendar.Event
		providerID pgtype.UUID
		calID      pgtype.Text
		extID      pgtype.Text
		status     string
		bookedBy   string
		source     string
		attendees  []byte
		metadata   []byte
	)
	if err := row.Scan(&e.ID, &e.TenantID, &e.OwnerID, &providerID, &calID, &extID,
		&e.Title, &e.Description, &e.Location, &e.StartTime, &e.EndTime, &e.Timezone, &e.AllDay,
		&status, &bookedBy, &attendees, &source, &metadata, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return calendar.Event{}, err
	}
	if providerID.Valid {
		e.ProviderID = uuid.UUID(providerID.Bytes)
	}
	e.ExternalCalendarID = calID.String
	e.ExternalEventID = extID.String
	e.Status = calendar.EventStatus(status)
	e.BookedBy = calendar.BookedBy(bookedBy)
	e.SyncSource = calendar.SyncSource(source)
	if len(attendees) > 0 {
		if err := json.Unmarshal(attendees, &e.Attendees); err != nil {
			return calendar.Event{}, fmt.Errorf("decode attendees: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return calendar.Event{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

func (s *Store) BlockingEvents(ctx context.Context, ownerID string, from, to time.Time) ([]calendar.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM calendar_events
		WHERE owner_id = $1 AND status <> 'cancelled'
		  AND start_time < $3 AND end_time > $2
		ORDER BY start_time
	`, ownerID, from, to)
	if err != nil {
		return nil, persistenceErr("query events", err)
	}
	defer rows.Close()
	var out []calendar.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, persistenceErr("scan event", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate events", err)
	}
	return out, nil
}

func (s *Store) CountEventsStarting(ctx context.Context, ownerID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM calendar_events
		WHERE owner_id = $1 AND status <> 'cancelled'
		  AND start_time >= $2 AND start_time < $3
	`, ownerID, from, to).Scan(&n)
	if err != nil {
		return 0, persistenceErr("count events", err)
	}
	return n, nil
}

func (s *Store) CheckSlotAvailability(ctx context.Context, ownerID string, start, end time.Time) (bool, error) {
	var free bool
	err := s.db.QueryRow(ctx, `
		SELECT NOT EXISTS (
			SELECT 1 FROM calendar_events
			WHERE owner_id = $1 AND status <> 'cancelled' AND sync_source = 'internal'
			  AND tstzrange(start_time, end_time, '[)') && tstzrange($2, $3, '[)')
		)
	`, ownerID, start, end).Scan(&free)
	if err != nil {
		return false, persistenceErr("check slot availability", err)
	}
	return free, nil
}

func nullableUUID(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: [16]byte(id), Valid: true}
}

func nullableText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func nullableTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func encodeJSON(v any, empty string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}

func (s *Store) InsertEvent(ctx context.Context, event *calendar.Event) error {
	if event == nil {
		return errors.New("postgres: nil event")
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.SyncSource == "" {
		event.SyncSource = calendar.SourceInternal
	}
	attendees, err := encodeJSON(event.Attendees, "[]")
	if err != nil {
		return fmt.Errorf("postgres: encode attendees: %w", err)
	}
	metadata, err := encodeJSON(event.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("postgres: encode metadata: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.Exec(ctx, `
		INSERT INTO calendar_events (
			id, tenant_id, owner_id, provider_id, external_calendar_id, external_event_id,
			title, description, location, start_time, end_time, timezone, all_day,
			status, booked_by, attendees, sync_source, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)
	`, event.ID, event.TenantID, event.OwnerID, nullableUUID(event.ProviderID),
		nullableText(event.ExternalCalendarID), nullableText(event.ExternalEventID),
		event.Title, event.Description, event.Location, event.StartTime, event.EndTime, event.Timezone,
		event.AllDay, string(event.Status), string(event.BookedBy), attendees, string(event.SyncSource),
		metadata, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == exclusionViolation {
			return calendar.ErrSlotNoLongerAvailable
		}
		return persistenceErr("insert event", err)
	}
	event.CreatedAt = now
	event.UpdatedAt = now
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (calendar.Event, error) {
	e, err := scanEvent(s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM calendar_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.Event{}, calendar.ErrEventNotFound
	}
	if err != nil {
		return calendar.Event{}, persistenceErr("get event", err)
	}
	return e, nil
}

func (s *Store) UpdateEventStatus(ctx context.Context, id uuid.UUID, status calendar.EventStatus) error {
	ct, err := s.db.Exec(ctx, `UPDATE calendar_events SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return persistenceErr("update event status", err)
	}
	if ct.RowsAffected() == 0 {
		return calendar.ErrEventNotFound
	}
	return nil
}

func (s *Store) SetExternalRef(ctx context.Context, id uuid.UUID, providerID uuid.UUID, calendarID, externalEventID string) error {
	ct, err := s.db.Exec(ctx, `
		UPDATE calendar_events
		SET provider_id = $2, external_calendar_id = $3, external_event_id = $4, updated_at = now()
		WHERE id = $1
	`, id, nullableUUID(providerID), nullableText(calendarID), nullableText(externalEventID))
	if err != nil {
		return persistenceErr("set external ref", err)
	}
	if ct.RowsAffected() == 0 {
		return calendar.ErrEventNotFound
	}
	return nil
}

func (s *Store) UpsertExternalEvent(ctx context.Context, event calendar.Event) (bool, error) {
	if event.ProviderID == uuid.Nil || event.ExternalEventID == "" {
		return false, errors.New("postgres: upsert requires provider and external id")
	}
	if err := event.Validate(); err != nil {
		return false, err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	attendees, err := encodeJSON(event.Attendees, "[]")
	if err != nil {
		return false, fmt.Errorf("postgres: encode attendees: %w", err)
	}
	metadata, err := encodeJSON(event.Metadata, "{}")
	if err != nil {
		return false, fmt.Errorf("postgres: encode metadata: %w", err)
	}
	var inserted bool
	err = s.db.QueryRow(ctx, `
		INSERT INTO calendar_events (
			id, tenant_id, owner_id, provider_id, external_calendar_id, external_event_id,
			title, description, location, start_time, end_time, timezone, all_day,
			status, booked_by, attendees, sync_source, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (provider_id, external_event_id) WHERE external_event_id IS NOT NULL
		DO UPDATE SET
			external_calendar_id = EXCLUDED.external_calendar_id,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			location = EXCLUDED.location,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			timezone = EXCLUDED.timezone,
			all_day = EXCLUDED.all_day,
			status = EXCLUDED.status,
			attendees = EXCLUDED.attendees,
			updated_at = now()
		RETURNING (xmax = 0) AS inserted
	`, event.ID, event.TenantID, event.OwnerID, nullableUUID(event.ProviderID),
		nullableText(event.ExternalCalendarID), event.ExternalEventID,
		event.Title, event.Description, event.Location, event.StartTime, event.EndTime, event.Timezone,
		event.AllDay, string(event.Status), string(event.BookedBy), attendees, string(event.SyncSource), metadata,
	).Scan(&inserted)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == exclusionViolation {
			return false, calendar.ErrSlotNoLongerAvailable
		}
		return false, persistenceErr("upsert external event", err)
	}
	return inserted, nil
}

func (s *Store) CancelExternalEvent(ctx context.Context, providerID uuid.UUID, externalEventID string) (bool, error) {
	var found bool
	err := s.db.QueryRow(ctx, `
		WITH updated AS (
			UPDATE calendar_events SET status = 'cancelled', updated_at = now()
			WHERE provider_id = $1 AND external_event_id = $2
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM updated)
	`, providerID, externalEventID).Scan(&found)
	if err != nil {
		return false, persistenceErr("cancel external event", err)
	}
	return found, nil
}

// NextRoundRobinOwner advances the agent's counter and returns the first
// candidate, rotated by the counter, with no overlapping internal booking.
// Both happen in one statement.
func (s *Store) NextRoundRobinOwner(ctx context.Context, tenantID, agentID string, candidates []string, start, end time.Time) (string, error) {
	if len(candidates) == 0 {
		return "", nil
	}
	var ownerID string
	err := s.db.QueryRow(ctx, `
		WITH tick AS (
			INSERT INTO round_robin_counters (tenant_id, agent_id, counter)
			VALUES ($1, $2, 1)
			ON CONFLICT (tenant_id, agent_id)
			DO UPDATE SET counter = round_robin_counters.counter + 1
			RETURNING counter
		),
		candidate AS (
			SELECT owner_id, ord - 1 AS idx
			FROM unnest($3::text[]) WITH ORDINALITY AS c(owner_id, ord)
		)
		SELECT candidate.owner_id
		FROM candidate, tick
		WHERE NOT EXISTS (
			SELECT 1 FROM calendar_events e
			WHERE e.owner_id = candidate.owner_id
			  AND e.status <> 'cancelled' AND e.sync_source = 'internal'
			  AND tstzrange(e.start_time, e.end_time, '[)') && tstzrange($4, $5, '[)')
		)
		ORDER BY (candidate.idx - (tick.counter - 1) % $6 + $6) % $6
		LIMIT 1
	`, tenantID, agentID, candidates, start, end, len(candidates)).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", persistenceErr("round robin", err)
	}
	return ownerID, nil
}
