package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/membergate/membergate/internal/kvstore"
	"github.com/membergate/membergate/pkg/apperrors"
	"github.com/membergate/membergate/pkg/httputil"
)

const stateTTL = 10 * time.Minute

// Connection is the slice of the token manager the OAuth endpoints drive.
type Connection interface {
	Connect(ctx context.Context, code string) error
	Clear(ctx context.Context) error
	Connected(ctx context.Context) bool
}

// Authorizer builds the provider authorize URL.
type Authorizer interface {
	AuthorizeURL(state string) string
}

// Invalidator clears mirrored collections on disconnect.
type Invalidator interface {
	InvalidateAll(ctx context.Context)
}

// ConnectionEvents receives the account lifecycle events.
type ConnectionEvents interface {
	AccountDisconnected(ctx context.Context)
}

// OAuthHandler manages the operator's account connection to the remote
// provider.
type OAuthHandler struct {
	connection Connection
	authorizer Authorizer
	cache      Invalidator
	store      kvstore.Store
	events     ConnectionEvents
	logger     *slog.Logger
}

func NewOAuthHandler(connection Connection, authorizer Authorizer, cache Invalidator, store kvstore.Store, events ConnectionEvents, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{
		connection: connection,
		authorizer: authorizer,
		cache:      cache,
		store:      store,
		events:     events,
		logger:     logger,
	}
}

// AuthorizeResponse carries the provider URL the operator's browser must
// visit to grant access.
type AuthorizeResponse struct {
	AuthorizeURL string `json:"authorize_url"`
}

// ConnectionResponse reports the connection state.
type ConnectionResponse struct {
	Connected bool `json:"connected"`
}

// Authorize handles GET /api/v1/oauth/authorize
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	if err := h.store.Set(r.Context(), stateKey(state), []byte("1"), stateTTL); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: AuthorizeResponse{AuthorizeURL: h.authorizer.AuthorizeURL(state)},
	})
}

// Callback handles GET /api/v1/oauth/callback
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		httputil.WriteError(w, r, apperrors.InvalidInput("code and state are required"), h.logger)
		return
	}

	// The state must match one we issued; single-use.
	if _, err := h.store.Get(r.Context(), stateKey(state)); err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			httputil.WriteError(w, r, apperrors.InvalidInput("unknown or expired state"), h.logger)
			return
		}
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	if err := h.store.Delete(r.Context(), stateKey(state)); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to consume oauth state",
			slog.String("error", err.Error()),
		)
	}

	if err := h.connection.Connect(r.Context(), code); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.logger.InfoContext(r.Context(), "account connected")
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: ConnectionResponse{Connected: true},
	})
}

// Disconnect handles DELETE /api/v1/oauth
func (h *OAuthHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.connection.Clear(r.Context()); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	// Cached remote ids are meaningless without a connection.
	h.cache.InvalidateAll(r.Context())
	h.events.AccountDisconnected(r.Context())

	h.logger.InfoContext(r.Context(), "account disconnected")
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: ConnectionResponse{Connected: false},
	})
}

// Status handles GET /api/v1/oauth
func (h *OAuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: ConnectionResponse{Connected: h.connection.Connected(r.Context())},
	})
}

func stateKey(state string) string {
	return "oauth:state:" + state
}
