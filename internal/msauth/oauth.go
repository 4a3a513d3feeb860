package msauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

const authorizeURL = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"

// Scopes requested when onboarding a new account through the authorization
// code flow.
var onboardingScopes = []string{
	"offline_access",
	"https://graph.microsoft.com/Mail.Read",
	"https://graph.microsoft.com/Mail.ReadWrite",
	"https://graph.microsoft.com/User.Read",
}

// OAuthHelper builds authorize URLs and exchanges authorization codes for
// tokens when onboarding new accounts.
type OAuthHelper struct {
	cfg *oauth2.Config
}

// NewOAuthHelper creates an onboarding helper for the given application
func NewOAuthHelper(clientID, redirectURI string) *OAuthHelper {
	return &OAuthHelper{
		cfg: &oauth2.Config{
			ClientID:    clientID,
			RedirectURL: redirectURI,
			Scopes:      onboardingScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authorizeURL,
				TokenURL: GraphTokenURL,
			},
		},
	}
}

// AuthorizeURL returns the URL a user visits to grant mailbox access.
func (h *OAuthHelper) AuthorizeURL(state string) string {
	return h.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode trades an authorization code for an access/refresh token pair.
func (h *OAuthHelper) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	tok, err := h.cfg.Exchange(ctx, code)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, &Error{
				StatusCode:  rerr.Response.StatusCode,
				Code:        rerr.ErrorCode,
				Description: rerr.ErrorDescription,
				Transient:   retryStatus[rerr.Response.StatusCode],
			}
		}
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	token := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		token.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	return token, nil
}
