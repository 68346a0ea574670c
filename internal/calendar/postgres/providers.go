package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
)

const providerColumns = `id, tenant_id, owner_id, kind, account_email, access_token_encrypted,
	refresh_token_encrypted, token_expiry, calendar_id, sync_token, status, sync_enabled,
	last_sync_at, last_error, created_at, updated_at`

func scanProvider(row pgx.Row) (calendar.Provider, error) {
	var (
		p        calendar.Provider
		kind     string
		status   string
		expiry   pgtype.Timestamptz
		lastSync pgtype.Timestamptz
	)
	if err := row.Scan(&p.ID, &p.TenantID, &p.OwnerID, &kind, &p.AccountEmail, &p.AccessTokenEncrypted,
		&p.RefreshTokenEncrypted, &expiry, &p.CalendarID, &p.SyncToken, &status, &p.SyncEnabled,
		&lastSync, &p.LastError, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return calendar.Provider{}, err
	}
	p.Kind = calendar.ProviderKind(kind)
	p.Status = calendar.ProviderStatus(status)
	if expiry.Valid {
		p.TokenExpiry = expiry.Time
	}
	if lastSync.Valid {
		p.LastSyncAt = lastSync.Time
	}
	return p, nil
}

func (s *Store) queryProviders(ctx context.Context, sql string, args ...any) ([]calendar.Provider, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistenceErr("query providers", err)
	}
	defer rows.Close()
	var out []calendar.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, persistenceErr("scan provider", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate providers", err)
	}
	return out, nil
}

func (s *Store) GetProvider(ctx context.Context, id uuid.UUID) (calendar.Provider, error) {
	p, err := scanProvider(s.db.QueryRow(ctx, `SELECT `+providerColumns+` FROM calendar_providers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.Provider{}, calendar.ErrProviderNotFound
	}
	if err != nil {
		return calendar.Provider{}, persistenceErr("get provider", err)
	}
	return p, nil
}

func (s *Store) ConnectedProviderForOwner(ctx context.Context, ownerID string) (calendar.Provider, error) {
	p, err := scanProvider(s.db.QueryRow(ctx, `
		SELECT `+providerColumns+` FROM calendar_providers
		WHERE owner_id = $1 AND status IN ('active', 'error')
		ORDER BY updated_at DESC
		LIMIT 1
	`, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return calendar.Provider{}, calendar.ErrProviderNotFound
	}
	if err != nil {
		return calendar.Provider{}, persistenceErr("active provider", err)
	}
	return p, nil
}

func (s *Store) SaveProvider(ctx context.Context, p *calendar.Provider) error {
	if p == nil {
		return errors.New("postgres: nil provider")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO calendar_providers (
			id, tenant_id, owner_id, kind, account_email, access_token_encrypted,
			refresh_token_encrypted, token_expiry, calendar_id, sync_token, status, sync_enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (owner_id, kind) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			account_email = EXCLUDED.account_email,
			access_token_encrypted = EXCLUDED.access_token_encrypted,
			refresh_token_encrypted = CASE WHEN EXCLUDED.refresh_token_encrypted = ''
				THEN calendar_providers.refresh_token_encrypted
				ELSE EXCLUDED.refresh_token_encrypted END,
			token_expiry = EXCLUDED.token_expiry,
			calendar_id = EXCLUDED.calendar_id,
			sync_token = EXCLUDED.sync_token,
			status = EXCLUDED.status,
			sync_enabled = EXCLUDED.sync_enabled,
			last_error = '',
			updated_at = now()
		RETURNING id, created_at, updated_at
	`, p.ID, p.TenantID, p.OwnerID, string(p.Kind), p.AccountEmail, p.AccessTokenEncrypted,
		p.RefreshTokenEncrypted, nullableTime(p.TokenExpiry), p.CalendarID, p.SyncToken,
		string(p.Status), p.SyncEnabled,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return persistenceErr("save provider", err)
	}
	return nil
}

func (s *Store) execProvider(ctx context.Context, action, sql string, args ...any) error {
	ct, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return persistenceErr(action, err)
	}
	if ct.RowsAffected() == 0 {
		return calendar.ErrProviderNotFound
	}
	return nil
}

func (s *Store) UpdateTokens(ctx context.Context, id uuid.UUID, accessEncrypted, refreshEncrypted string, expiry time.Time) error {
	return s.execProvider(ctx, "update tokens", `
		UPDATE calendar_providers SET
			access_token_encrypted = $2,
			refresh_token_encrypted = CASE WHEN $3::text = '' THEN refresh_token_encrypted ELSE $3::text END,
			token_expiry = $4,
			status = 'active',
			last_error = '',
			updated_at = now()
		WHERE id = $1
	`, id, accessEncrypted, refreshEncrypted, nullableTime(expiry))
}

func (s *Store) UpdateSyncState(ctx context.Context, id uuid.UUID, syncToken string, syncedAt time.Time) error {
	return s.execProvider(ctx, "update sync state", `
		UPDATE calendar_providers SET
			sync_token = $2, last_sync_at = $3, status = 'active', last_error = '', updated_at = now()
		WHERE id = $1
	`, id, syncToken, syncedAt)
}

func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status calendar.ProviderStatus, lastError string) error {
	return s.execProvider(ctx, "update provider status", `
		UPDATE calendar_providers SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1
	`, id, string(status), lastError)
}

func (s *Store) ClearCredentials(ctx context.Context, id uuid.UUID) error {
	return s.execProvider(ctx, "clear credentials", `
		UPDATE calendar_providers SET
			access_token_encrypted = '', refresh_token_encrypted = '', sync_token = '',
			status = 'inactive', sync_enabled = false, updated_at = now()
		WHERE id = $1
	`, id)
}

func (s *Store) ListSyncable(ctx context.Context) ([]calendar.Provider, error) {
	return s.queryProviders(ctx, `
		SELECT `+providerColumns+` FROM calendar_providers
		WHERE sync_enabled AND status IN ('active', 'error')
		ORDER BY created_at
	`)
}

func (s *Store) ListExpiring(ctx context.Context, before time.Time) ([]calendar.Provider, error) {
	return s.queryProviders(ctx, `
		SELECT `+providerColumns+` FROM calendar_providers
		WHERE status = 'active' AND refresh_token_encrypted <> '' AND token_expiry < $1
		ORDER BY token_expiry ASC
	`, before)
}
