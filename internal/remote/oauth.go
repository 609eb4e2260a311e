package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/membergate/membergate/pkg/apperrors"
	"github.com/membergate/membergate/pkg/httpclient"
)

// OAuthConfig holds the OAuth client registration for the remote service.
type OAuthConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// OAuthClient talks to the remote service's unauthenticated OAuth endpoints.
// It is deliberately separate from Client: token exchange never carries a
// bearer token, and TokenManager depends on this type alone.
type OAuthClient struct {
	cfg  OAuthConfig
	http *httpclient.Client
}

// NewOAuthClient creates an OAuth client sharing the given HTTP client.
func NewOAuthClient(cfg OAuthConfig, http *httpclient.Client) *OAuthClient {
	return &OAuthClient{cfg: cfg, http: http}
}

// AuthorizeURL returns the provider authorize URL the operator is sent to.
func (c *OAuthClient) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("state", state)
	return strings.TrimSuffix(c.cfg.BaseURL, "/") + "/oauth/authorize?" + q.Encode()
}

// Exchange trades an authorization code for a token pair.
func (c *OAuthClient) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("redirect_uri", c.cfg.RedirectURI)

	return c.tokenRequest(ctx, form)
}

// Refresh trades a refresh token for a new token pair. Providers rotate the
// refresh token on every call, which is why callers must coalesce.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	return c.tokenRequest(ctx, form)
}

func (c *OAuthClient) tokenRequest(ctx context.Context, form url.Values) (*TokenResponse, error) {
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/oauth/token"

	resp, err := c.http.Post(ctx, endpoint, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.Network(err)
	}

	if resp.StatusCode != http.StatusOK {
		err := responseError(resp)
		// The token endpoint answers 400/401 for a revoked or reused
		// grant; both mean the credential is beyond repair.
		if errors.Is(err, apperrors.ErrUnauthorized) || errors.Is(err, apperrors.ErrRemoteValidation) {
			return nil, fmt.Errorf("oauth grant rejected: %w", apperrors.ErrUnauthorized)
		}
		return nil, err
	}

	defer func() { _ = resp.Body.Close() }()

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		return nil, fmt.Errorf("token response missing fields")
	}

	return &token, nil
}
