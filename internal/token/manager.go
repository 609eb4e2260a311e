// Package token owns the OAuth2 credential lifecycle for the connected
// account: proactive refresh ahead of expiry, one coalesced refresh across
// concurrent requests, and a refresh attempt on 401 before giving up.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/internal/kvstore"
	"github.com/membergate/membergate/internal/remote"
	"github.com/membergate/membergate/pkg/apperrors"
)

// credentialKey is where the credential blob lives in the KV store.
const credentialKey = "oauth:credential"

// DefaultExpirySkew is subtracted from the recorded expiry so a token about
// to lapse mid-request is refreshed proactively.
const DefaultExpirySkew = 2 * time.Minute

var refreshesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "membergate_token_refreshes_total",
		Help: "OAuth token refresh attempts by outcome",
	},
	[]string{"outcome"},
)

// refresher is the slice of the OAuth client the manager needs.
type refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*remote.TokenResponse, error)
	Exchange(ctx context.Context, code string) (*remote.TokenResponse, error)
}

// Manager implements remote.TokenSource on top of a persisted credential.
type Manager struct {
	oauth  refresher
	store  kvstore.Store
	logger *slog.Logger
	now    func() time.Time
	skew   time.Duration

	mu     sync.Mutex
	cred   domain.Credential
	loaded bool

	flight singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithExpirySkew overrides the proactive refresh window.
func WithExpirySkew(skew time.Duration) Option {
	return func(m *Manager) { m.skew = skew }
}

// NewManager creates a token manager.
func NewManager(oauth refresher, store kvstore.Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		oauth:  oauth,
		store:  store,
		logger: logger,
		now:    time.Now,
		skew:   DefaultExpirySkew,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect exchanges an authorization code and stores the resulting
// credential, completing the operator's OAuth connection.
func (m *Manager) Connect(ctx context.Context, code string) error {
	resp, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	return m.Store(ctx, resp.AccessToken, resp.RefreshToken, m.now().Add(time.Duration(resp.ExpiresIn)*time.Second))
}

// Token returns the current access token, refreshing it first when it is
// within the expiry skew. Concurrent callers that all find the token
// expiring share a single outbound refresh.
func (m *Manager) Token(ctx context.Context) (string, error) {
	cred, err := m.credential(ctx)
	if err != nil {
		return "", err
	}
	if cred.IsZero() {
		return "", apperrors.Unauthorized("no account connection")
	}
	if cred.Fresh(m.now(), m.skew) {
		return cred.AccessToken, nil
	}
	return m.refresh(ctx, cred.AccessToken)
}

// HandleUnauthorized is called by collaborators whose request came back 401
// despite a seemingly fresh token. It performs one coalesced refresh; if the
// refresh grant is rejected too, the credential is cleared entirely and
// ErrNeedsReauthorization is returned so nobody retries with the stale token.
func (m *Manager) HandleUnauthorized(ctx context.Context) (string, error) {
	cred, err := m.credential(ctx)
	if err != nil {
		return "", err
	}
	if cred.IsZero() {
		return "", apperrors.NeedsReauthorization()
	}
	return m.refresh(ctx, cred.AccessToken)
}

// refresh performs one coalesced refresh. staleToken identifies the token the
// caller found unusable: when a concurrent refresh has already replaced it,
// the replacement is returned without another outbound call.
func (m *Manager) refresh(ctx context.Context, staleToken string) (string, error) {
	result, err, _ := m.flight.Do("refresh", func() (any, error) {
		cred, err := m.credential(ctx)
		if err != nil {
			return "", err
		}
		if cred.IsZero() {
			return "", apperrors.NeedsReauthorization()
		}
		// A flight that was already in progress when we joined may have
		// rotated the credential under us.
		if cred.AccessToken != staleToken {
			return cred.AccessToken, nil
		}

		resp, err := m.oauth.Refresh(ctx, cred.RefreshToken)
		if err != nil {
			if errors.Is(err, apperrors.ErrUnauthorized) {
				// Refresh token revoked or already rotated elsewhere.
				refreshesTotal.WithLabelValues("rejected").Inc()
				if clearErr := m.Clear(ctx); clearErr != nil {
					m.logger.ErrorContext(ctx, "failed to clear revoked credential",
						slog.String("error", clearErr.Error()),
					)
				}
				return "", apperrors.NeedsReauthorization()
			}
			refreshesTotal.WithLabelValues("error").Inc()
			return "", fmt.Errorf("refresh access token: %w", err)
		}

		expiresAt := m.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		if err := m.Store(ctx, resp.AccessToken, resp.RefreshToken, expiresAt); err != nil {
			return "", err
		}

		refreshesTotal.WithLabelValues("ok").Inc()
		m.logger.InfoContext(ctx, "access token refreshed",
			slog.Time("expires_at", expiresAt),
		)
		return resp.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Store persists a complete credential. This and Clear are the only mutation
// points.
func (m *Manager) Store(ctx context.Context, accessToken, refreshToken string, expiresAt time.Time) error {
	if accessToken == "" || refreshToken == "" {
		return apperrors.InvalidInput("credential must be complete")
	}

	cred := domain.Credential{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := m.store.Set(ctx, credentialKey, data, 0); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}

	m.mu.Lock()
	m.cred = cred
	m.loaded = true
	m.mu.Unlock()

	return nil
}

// Clear destroys the stored credential. Called on disconnect and when the
// refresh grant is rejected.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.Delete(ctx, credentialKey); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	m.mu.Lock()
	m.cred = domain.Credential{}
	m.loaded = true
	m.mu.Unlock()

	return nil
}

// Connected reports whether a credential is currently stored.
func (m *Manager) Connected(ctx context.Context) bool {
	cred, err := m.credential(ctx)
	return err == nil && !cred.IsZero()
}

// credential returns the in-memory credential, loading it from the KV store
// on first use so a restarted process resumes the existing connection.
func (m *Manager) credential(ctx context.Context) (domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return m.cred, nil
	}

	data, err := m.store.Get(ctx, credentialKey)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			m.cred = domain.Credential{}
			m.loaded = true
			return m.cred, nil
		}
		return domain.Credential{}, fmt.Errorf("load credential: %w", err)
	}

	var cred domain.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return domain.Credential{}, fmt.Errorf("unmarshal credential: %w", err)
	}

	m.cred = cred
	m.loaded = true
	return m.cred, nil
}
