package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/internal/gating"
	"github.com/membergate/membergate/internal/repository"
	"github.com/membergate/membergate/pkg/httputil"
)

// GateHandler serves the visitor-facing content endpoint. It is the only
// handler that runs the gating state machine.
type GateHandler struct {
	pieces     repository.PieceRepository
	controller *gating.Controller
	cookieName string
	logger     *slog.Logger
}

func NewGateHandler(pieces repository.PieceRepository, controller *gating.Controller, cookieName string, logger *slog.Logger) *GateHandler {
	return &GateHandler{
		pieces:     pieces,
		controller: controller,
		cookieName: cookieName,
		logger:     logger,
	}
}

// PieceResponse is the authorized payload: the full piece.
type PieceResponse struct {
	Slug        string             `json:"slug"`
	Title       string             `json:"title"`
	Body        string             `json:"body"`
	Entitlement domain.Entitlement `json:"entitlement"`
}

// CTAResponse is the challenged/denied payload: enough to render the
// sign-in or purchase prompt, never the body.
type CTAResponse struct {
	Slug        string              `json:"slug"`
	Title       string              `json:"title"`
	Entitlement domain.Entitlement  `json:"entitlement"`
	Decision    domain.Decision     `json:"decision"`
	Reason      domain.DenialReason `json:"reason"`
}

// GetContent handles GET /content/{slug}
func (h *GateHandler) GetContent(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	piece, err := h.pieces.GetBySlug(r.Context(), slug)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	res := h.controller.Evaluate(r.Context(), gating.Request{
		Piece:     *piece,
		Token:     h.cookieToken(r),
		UserAgent: r.UserAgent(),
	})

	switch res.Decision {
	case domain.DecisionAuthorized:
		httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: PieceResponse{
			Slug:        piece.Slug,
			Title:       piece.Title,
			Body:        piece.Body,
			Entitlement: piece.Entitlement,
		}})
	case domain.DecisionDenied:
		httputil.WriteJSON(w, http.StatusForbidden, httputil.Response{Data: h.cta(piece, res)})
	default:
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.Response{Data: h.cta(piece, res)})
	}
}

func (h *GateHandler) cta(piece *domain.Piece, res gating.Result) CTAResponse {
	return CTAResponse{
		Slug:        piece.Slug,
		Title:       piece.Title,
		Entitlement: piece.Entitlement,
		Decision:    res.Decision,
		Reason:      res.Reason,
	}
}

func (h *GateHandler) cookieToken(r *http.Request) string {
	cookie, err := r.Cookie(h.cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
