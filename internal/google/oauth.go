// Package google handles OAuth2 authentication against the Google APIs.
// Refresh tokens come from the configuration (optionally via the secrets
// resolver); the interactive flow in AuthCodeURL/Exchange exists to mint
// them in the first place.
package google

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

const oobRedirect = "urn:ietf:wg:oauth:2.0:oob"

// Credentials is the OAuth2 application identity.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

func (c Credentials) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  oobRedirect,
		Scopes: []string{
			gmail.GmailModifyScope,
		},
	}
}

// AuthCodeURL returns the URL a user visits to authorize a new account.
func (c Credentials) AuthCodeURL() string {
	return c.config().AuthCodeURL("state", oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a token. The refresh token in
// the result is what belongs in the account configuration.
func (c Credentials) Exchange(ctx context.Context, authCode string) (*oauth2.Token, error) {
	tok, err := c.config().Exchange(ctx, authCode)
	if err != nil {
		return nil, fmt.Errorf("exchange auth code: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("authorization did not return a refresh token; revoke access and re-authorize")
	}
	return tok, nil
}

// HTTPClient returns an authenticated HTTP client for one account's
// refresh token. The access token is minted on first use.
func (c Credentials) HTTPClient(ctx context.Context, refreshToken string) (*http.Client, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token configured")
	}

	ts := c.config().TokenSource(ctx, &oauth2.Token{
		TokenType:    "Bearer",
		RefreshToken: refreshToken,
	})
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("refresh token rejected: %w", err)
	}
	return oauth2.NewClient(ctx, ts), nil
}
