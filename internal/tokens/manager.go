package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/wolfman30/medspa-calendar/internal/calendar"
	"github.com/wolfman30/medspa-calendar/pkg/logging"
)

// DefaultExpiryBuffer is how early an access token is treated as expired.
const DefaultExpiryBuffer = 5 * time.Minute

// IsExpired reports whether expiry falls within buffer of now. A zero expiry
// counts as expired.
func IsExpired(expiry, now time.Time, buffer time.Duration) bool {
	if expiry.IsZero() {
		return true
	}
	return !now.Add(buffer).Before(expiry)
}

// Store is the provider persistence the manager writes refreshed tokens to.
type Store interface {
	GetProvider(ctx context.Context, id uuid.UUID) (calendar.Provider, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, accessEncrypted, refreshEncrypted string, expiry time.Time) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status calendar.ProviderStatus, lastError string) error
	ListExpiring(ctx context.Context, before time.Time) ([]calendar.Provider, error)
}

// Refreshed is the outcome of a token refresh.
type Refreshed struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Expiry       time.Time
}

// Manager decrypts, refreshes and persists provider tokens.
type Manager struct {
	cipher    *Cipher
	refresher Refresher
	store     Store
	logger    *logging.Logger
	buffer    time.Duration
	now       func() time.Time

	// one refresh in flight per provider
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewManager(c *Cipher, refresher Refresher, store Store, logger *logging.Logger) *Manager {
	if c == nil {
		panic("tokens: cipher required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		cipher:    c,
		refresher: refresher,
		store:     store,
		logger:    logger,
		buffer:    DefaultExpiryBuffer,
		now:       time.Now,
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

// WithExpiryBuffer overrides the 5 minute default.
func (m *Manager) WithExpiryBuffer(d time.Duration) *Manager {
	if d > 0 {
		m.buffer = d
	}
	return m
}

func (m *Manager) EncryptToken(plaintext string) (string, error) { return m.cipher.Encrypt(plaintext) }

func (m *Manager) DecryptToken(ciphertext string) (string, error) { return m.cipher.Decrypt(ciphertext) }

// IsExpired applies the manager's buffer to the provider's access token.
func (m *Manager) IsExpired(p calendar.Provider) bool {
	return IsExpired(p.TokenExpiry, m.now(), m.buffer)
}

// RefreshToken exchanges a plaintext refresh token for a new access token.
func (m *Manager) RefreshToken(ctx context.Context, refreshToken string) (Refreshed, error) {
	if m.refresher == nil {
		return Refreshed{}, fmt.Errorf("%w: no oauth client configured", calendar.ErrProviderUnauthorized)
	}
	tok, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return Refreshed{}, err
	}
	out := Refreshed{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	if !tok.Expiry.IsZero() {
		out.ExpiresIn = tok.Expiry.Sub(m.now())
	}
	return out, nil
}

// AccessToken returns a usable plaintext access token for p, refreshing and
// persisting first when it is expired. Callers queued behind a refresh for
// the same provider pick up the stored result instead of refreshing again.
func (m *Manager) AccessToken(ctx context.Context, p *calendar.Provider) (string, error) {
	if access, ok := m.usable(*p); ok {
		return access, nil
	}
	lock := m.providerLock(p.ID)
	lock.Lock()
	defer lock.Unlock()

	if m.store != nil {
		current, err := m.store.GetProvider(ctx, p.ID)
		if err == nil {
			if access, ok := m.usable(current); ok {
				adoptTokens(p, current)
				return access, nil
			}
		}
	}
	if err := m.refreshLocked(ctx, p); err != nil {
		return "", err
	}
	return m.cipher.Decrypt(p.AccessTokenEncrypted)
}

func (m *Manager) usable(p calendar.Provider) (string, bool) {
	if m.IsExpired(p) {
		return "", false
	}
	access, err := m.cipher.Decrypt(p.AccessTokenEncrypted)
	return access, err == nil && access != ""
}

func adoptTokens(dst *calendar.Provider, src calendar.Provider) {
	dst.AccessTokenEncrypted = src.AccessTokenEncrypted
	dst.RefreshTokenEncrypted = src.RefreshTokenEncrypted
	dst.TokenExpiry = src.TokenExpiry
	dst.Status = src.Status
	dst.LastError = src.LastError
}

// Refresh obtains a new access token for p and stores it. p is updated in
// place. A rejected grant moves the provider to expired (or error) and returns
// ErrProviderUnauthorized; transport failures are returned unchanged so the
// caller can retry later.
func (m *Manager) Refresh(ctx context.Context, p *calendar.Provider) error {
	lock := m.providerLock(p.ID)
	lock.Lock()
	defer lock.Unlock()
	return m.refreshLocked(ctx, p)
}

// refreshLocked must run under the provider's lock.
func (m *Manager) refreshLocked(ctx context.Context, p *calendar.Provider) error {
	refresh, err := m.cipher.Decrypt(p.RefreshTokenEncrypted)
	if err != nil || refresh == "" {
		if err == nil {
			err = errors.New("no refresh token stored")
		}
		return m.markUnauthorized(ctx, p, calendar.ProviderExpired, err)
	}

	out, err := m.RefreshToken(ctx, refresh)
	if err != nil {
		switch {
		case revoked(err):
			return m.markUnauthorized(ctx, p, calendar.ProviderExpired, err)
		case rejected(err):
			return m.markUnauthorized(ctx, p, calendar.ProviderError, err)
		default:
			m.logger.Warn("token refresh transport failure", "provider_id", p.ID, "error", err)
			return fmt.Errorf("tokens: refresh provider %s: %w", p.ID, err)
		}
	}

	accessEnc, err := m.cipher.Encrypt(out.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := m.cipher.Encrypt(out.RefreshToken)
	if err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.UpdateTokens(ctx, p.ID, accessEnc, refreshEnc, out.Expiry); err != nil {
			return fmt.Errorf("tokens: persist refreshed token: %w", err)
		}
	}
	p.AccessTokenEncrypted = accessEnc
	if refreshEnc != "" {
		p.RefreshTokenEncrypted = refreshEnc
	}
	p.TokenExpiry = out.Expiry
	p.Status = calendar.ProviderActive
	p.LastError = ""
	m.logger.Debug("provider token refreshed", "provider_id", p.ID, "expires_at", out.Expiry)
	return nil
}

func (m *Manager) markUnauthorized(ctx context.Context, p *calendar.Provider, status calendar.ProviderStatus, cause error) error {
	m.logger.Error("provider token refresh rejected", "provider_id", p.ID, "owner_id", p.OwnerID, "status", status, "error", cause)
	if m.store != nil {
		if err := m.store.UpdateStatus(ctx, p.ID, status, cause.Error()); err != nil {
			m.logger.Error("failed to record provider status", "provider_id", p.ID, "error", err)
		}
	}
	p.Status = status
	p.LastError = cause.Error()
	return fmt.Errorf("%w: %w", calendar.ErrProviderUnauthorized, cause)
}

func (m *Manager) providerLock(id uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// TokenSource adapts the manager to oauth2 for one provider. Every Token call
// re-checks expiry and refreshes through the manager.
func (m *Manager) TokenSource(ctx context.Context, p *calendar.Provider) oauth2.TokenSource {
	return &providerTokenSource{ctx: ctx, m: m, p: p}
}

type providerTokenSource struct {
	ctx context.Context
	m   *Manager
	p   *calendar.Provider
}

func (s *providerTokenSource) Token() (*oauth2.Token, error) {
	access, err := s.m.AccessToken(s.ctx, s.p)
	if err != nil {
		return nil, err
	}
	// expire early so oauth2's reuse wrapper asks again inside the buffer
	return &oauth2.Token{AccessToken: access, TokenType: "Bearer", Expiry: s.p.TokenExpiry.Add(-s.m.buffer)}, nil
}
