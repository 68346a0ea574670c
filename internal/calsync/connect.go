package calsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
)

// ConnectRequest is what the OAuth callback hands over after consent.
type ConnectRequest struct {
	TenantID     string
	OwnerID      string
	AccountEmail string
	Token        *oauth2.Token
}

// Connect stores a Google provider for the owner, resolves its primary
// calendar and enqueues the initial full sync. Only storing the provider
// can fail the call.
func (e *Engine) Connect(ctx context.Context, req ConnectRequest) (calendar.Provider, error) {
	if req.OwnerID == "" || req.TenantID == "" {
		return calendar.Provider{}, errors.New("calsync: owner and tenant required")
	}
	if req.Token == nil || req.Token.AccessToken == "" {
		return calendar.Provider{}, errors.New("calsync: access token required")
	}
	if e.tokens == nil {
		return calendar.Provider{}, errors.New("calsync: token encrypter not configured")
	}
	access, err := e.tokens.EncryptToken(req.Token.AccessToken)
	if err != nil {
		return calendar.Provider{}, err
	}
	refresh, err := e.tokens.EncryptToken(req.Token.RefreshToken)
	if err != nil {
		return calendar.Provider{}, err
	}

	p := calendar.Provider{
		TenantID:              req.TenantID,
		OwnerID:               req.OwnerID,
		Kind:                  calendar.KindGoogle,
		AccountEmail:          req.AccountEmail,
		AccessTokenEncrypted:  access,
		RefreshTokenEncrypted: refresh,
		TokenExpiry:           req.Token.Expiry,
		CalendarID:            "primary",
		Status:                calendar.ProviderActive,
		SyncEnabled:           true,
	}
	if err := e.store.SaveProvider(ctx, &p); err != nil {
		return calendar.Provider{}, fmt.Errorf("calsync: save provider: %w", err)
	}

	e.resolvePrimaryCalendar(ctx, &p)

	if e.jobs != nil {
		if err := e.jobs.EnqueueFullSync(ctx, p.TenantID, p.ID); err != nil {
			e.logger.Error("failed to enqueue initial sync", "provider_id", p.ID, "error", err)
		}
	}
	e.logger.Info("calendar provider connected", "provider_id", p.ID, "owner_id", p.OwnerID, "calendar_id", p.CalendarID)
	return p, nil
}

func (e *Engine) resolvePrimaryCalendar(ctx context.Context, p *calendar.Provider) {
	client, err := e.clients.ForProvider(ctx, p)
	if err != nil {
		e.logger.Warn("calendar client unavailable after connect", "provider_id", p.ID, "error", err)
		return
	}
	cals, err := client.ListCalendars(ctx)
	if err != nil {
		e.logger.Warn("failed to list calendars", "provider_id", p.ID, "error", err)
		return
	}
	for _, c := range cals {
		if !c.Primary {
			continue
		}
		if c.ID == p.CalendarID && p.AccountEmail != "" {
			return
		}
		p.CalendarID = c.ID
		if p.AccountEmail == "" {
			p.AccountEmail = c.ID
		}
		if err := e.store.SaveProvider(ctx, p); err != nil {
			e.logger.Warn("failed to store primary calendar", "provider_id", p.ID, "error", err)
		}
		return
	}
}

// Disconnect drops the provider's credentials and cursor and stops syncing.
// Previously synced events are kept.
func (e *Engine) Disconnect(ctx context.Context, providerID uuid.UUID) error {
	release, err := e.locker.Acquire(ctx, providerID.String(), e.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer func() { _ = release(context.WithoutCancel(ctx)) }()

	if err := e.store.ClearCredentials(ctx, providerID); err != nil {
		return fmt.Errorf("calsync: disconnect: %w", err)
	}
	e.logger.Info("calendar provider disconnected", "provider_id", providerID)
	return nil
}
