package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcalendar "google.golang.org/api/calendar/v3"
)

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// GoogleConfig builds the OAuth client config for Google Calendar.
func GoogleConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gcalendar.CalendarScope, "email"},
	}
}

// OAuthRefresher refreshes and exchanges tokens against an oauth2 endpoint.
type OAuthRefresher struct {
	cfg        *oauth2.Config
	httpClient *http.Client
}

func NewOAuthRefresher(cfg *oauth2.Config, httpClient *http.Client) *OAuthRefresher {
	if cfg == nil {
		panic("tokens: oauth2 config required")
	}
	return &OAuthRefresher{cfg: cfg, httpClient: httpClient}
}

func (r *OAuthRefresher) withClient(ctx context.Context) context.Context {
	if r.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("tokens: refresh token missing")
	}
	tok, err := r.cfg.TokenSource(r.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("tokens: refresh: %w", err)
	}
	return tok, nil
}

// Exchange trades an authorization code for tokens during the OAuth callback.
func (r *OAuthRefresher) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := r.cfg.Exchange(r.withClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("tokens: exchange code: %w", err)
	}
	return tok, nil
}

// AuthCodeURL returns the consent URL, requesting offline access so a refresh token is issued.
func (r *OAuthRefresher) AuthCodeURL(state string) string {
	return r.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// revoked reports whether the OAuth server rejected the grant itself.
func revoked(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	return re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client"
}

// rejected reports whether the OAuth server answered with an error, as opposed
// to a transport failure.
func rejected(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re)
}
