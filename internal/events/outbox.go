package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Job is a queued background task.
type Job struct {
	ID        uuid.UUID
	TenantID  string
	Type      string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Queue is the durable job store the Deliverer drains.
type Queue interface {
	Insert(ctx context.Context, tenantID, jobType string, payload any) (uuid.UUID, error)
	// Claim returns up to limit due jobs, bumps their attempt count and hides
	// them until leaseUntil so a crashed worker's jobs come back.
	Claim(ctx context.Context, now, leaseUntil time.Time, limit int32) ([]Job, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error)
	MarkRetry(ctx context.Context, id uuid.UUID, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastErr string) error
}

type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// OutboxStore persists jobs in sync_outbox for reliable delivery.
type OutboxStore struct {
	pool execQuerier
}

var _ Queue = (*OutboxStore)(nil)

func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &OutboxStore{pool: pool}
}

func newOutboxStoreWithExec(exec execQuerier) *OutboxStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &OutboxStore{pool: exec}
}

func (s *OutboxStore) Insert(ctx context.Context, tenantID, jobType string, payload any) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	id := uuid.New()
	query := `
		INSERT INTO sync_outbox (id, tenant_id, type, payload)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.pool.Exec(ctx, query, id, tenantID, jobType, data); err != nil {
		return uuid.Nil, fmt.Errorf("events: insert outbox: %w", err)
	}
	return id, nil
}

func (s *OutboxStore) Claim(ctx context.Context, now, leaseUntil time.Time, limit int32) ([]Job, error) {
	query := `
		UPDATE sync_outbox
		SET attempts = attempts + 1, next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM sync_outbox
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, type, payload, attempts, created_at
	`
	rows, err := s.pool.Query(ctx, query, now, leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("events: claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		var payload []byte
		if err := rows.Scan(&job.ID, &job.TenantID, &job.Type, &payload, &job.Attempts, &job.CreatedAt); err != nil {
			return nil, fmt.Errorf("events: scan outbox: %w", err)
		}
		job.Payload = append([]byte(nil), payload...)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE sync_outbox
		SET status = 'delivered', delivered_at = now(), last_error = ''
		WHERE id = $1 AND status = 'pending'
	`
	ct, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("events: mark delivered: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func (s *OutboxStore) MarkRetry(ctx context.Context, id uuid.UUID, next time.Time, lastErr string) error {
	query := `
		UPDATE sync_outbox
		SET next_attempt_at = $2, last_error = $3
		WHERE id = $1 AND status = 'pending'
	`
	if _, err := s.pool.Exec(ctx, query, id, next, lastErr); err != nil {
		return fmt.Errorf("events: mark retry: %w", err)
	}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, lastErr string) error {
	query := `
		UPDATE sync_outbox
		SET status = 'failed', last_error = $2
		WHERE id = $1 AND status = 'pending'
	`
	if _, err := s.pool.Exec(ctx, query, id, lastErr); err != nil {
		return fmt.Errorf("events: mark failed: %w", err)
	}
	return nil
}
