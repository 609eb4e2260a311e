package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/membergate/membergate/internal/auth"
	"github.com/membergate/membergate/pkg/httputil"
	"github.com/membergate/membergate/pkg/validator"
)

// SessionHandler runs the magic-link session endpoints and owns the session
// cookie. The cookie name is fixed by configuration and must stay stable;
// host-level page caches key their bypass rules on it.
type SessionHandler struct {
	authenticator *auth.Authenticator
	cookieName    string
	cookieSecure  bool
	logger        *slog.Logger
}

func NewSessionHandler(authenticator *auth.Authenticator, cookieName string, cookieSecure bool, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		authenticator: authenticator,
		cookieName:    cookieName,
		cookieSecure:  cookieSecure,
		logger:        logger,
	}
}

// RequestCodeRequest is the JSON request body for requesting a login code.
type RequestCodeRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// RequestCodeResponse carries the opaque challenge reference the client
// must echo back on verify.
type RequestCodeResponse struct {
	Reference string `json:"reference"`
}

// VerifyCodeRequest is the JSON request body for redeeming a login code.
type VerifyCodeRequest struct {
	Reference string `json:"reference" validate:"required,uuid"`
	Code      string `json:"code" validate:"required,len=6,numeric"`
}

// VerifyCodeResponse confirms the established session.
type VerifyCodeResponse struct {
	SubscriberID int64  `json:"subscriber_id"`
	Email        string `json:"email"`
}

// RequestCode handles POST /api/v1/sessions/code
func (h *SessionHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req RequestCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	ref, err := h.authenticator.RequestLogin(r.Context(), req.Email)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, httputil.Response{
		Data: RequestCodeResponse{Reference: ref},
	})
}

// VerifyCode handles POST /api/v1/sessions/verify
func (h *SessionHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	var req VerifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	token, sub, err := h.authenticator.RedeemCode(r.Context(), req.Reference, req.Code)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	http.SetCookie(w, h.sessionCookie(token, h.authenticator.CookieMaxAge()))
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{
		Data: VerifyCodeResponse{SubscriberID: sub.ID, Email: sub.Email},
	})
}

// Destroy handles DELETE /api/v1/sessions
func (h *SessionHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.sessionCookie("", -1))
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     h.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
