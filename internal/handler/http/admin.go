package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/internal/repository"
	"github.com/membergate/membergate/pkg/apperrors"
	"github.com/membergate/membergate/pkg/httputil"
	"github.com/membergate/membergate/pkg/validator"
)

// CollectionReader is the slice of the collection cache the admin surface
// exposes.
type CollectionReader interface {
	Get(ctx context.Context, name domain.Collection) (map[int64]domain.Resource, error)
	Refresh(ctx context.Context, name domain.Collection) error
	LastRefreshedAt(ctx context.Context, name domain.Collection) time.Time
}

// AdminHandler serves the operator-facing endpoints: mirrored collections
// and the content registry.
type AdminHandler struct {
	cache  CollectionReader
	pieces repository.PieceRepository
	logger *slog.Logger
}

func NewAdminHandler(cache CollectionReader, pieces repository.PieceRepository, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		cache:  cache,
		pieces: pieces,
		logger: logger,
	}
}

// CollectionResponse is a mirrored collection with its refresh timestamp.
type CollectionResponse struct {
	Collection      string            `json:"collection"`
	Items           []domain.Resource `json:"items"`
	LastRefreshedAt time.Time         `json:"last_refreshed_at"`
}

// CreatePieceRequest is the JSON request body for creating a piece.
type CreatePieceRequest struct {
	Slug            string `json:"slug" validate:"required,min=1,max=200"`
	Title           string `json:"title" validate:"required,min=1,max=255"`
	Body            string `json:"body"`
	EntitlementKind string `json:"entitlement_kind" validate:"required,oneof=tag product"`
	EntitlementID   int64  `json:"entitlement_id" validate:"required,gt=0"`
}

// UpdatePieceRequest is the JSON request body for updating a piece.
type UpdatePieceRequest struct {
	Slug            *string `json:"slug" validate:"omitempty,min=1,max=200"`
	Title           *string `json:"title" validate:"omitempty,min=1,max=255"`
	Body            *string `json:"body"`
	EntitlementKind *string `json:"entitlement_kind" validate:"omitempty,oneof=tag product"`
	EntitlementID   *int64  `json:"entitlement_id" validate:"omitempty,gt=0"`
}

type pieceListResponse struct {
	Data       []domain.Piece `json:"data"`
	TotalCount int            `json:"total_count"`
	Page       int            `json:"page"`
	PerPage    int            `json:"per_page"`
}

// GetCollection handles GET /api/v1/admin/resources/{collection}
func (h *AdminHandler) GetCollection(w http.ResponseWriter, r *http.Request) {
	name := domain.Collection(chi.URLParam(r, "collection"))
	if !name.Valid() {
		httputil.WriteError(w, r, apperrors.InvalidInput("unknown collection"), h.logger)
		return
	}

	items, err := h.cache.Get(r.Context(), name)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	list := make([]domain.Resource, 0, len(items))
	for _, item := range items {
		list = append(list, item)
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: CollectionResponse{
		Collection:      string(name),
		Items:           list,
		LastRefreshedAt: h.cache.LastRefreshedAt(r.Context(), name),
	}})
}

// RefreshCollection handles POST /api/v1/admin/resources/{collection}/refresh
func (h *AdminHandler) RefreshCollection(w http.ResponseWriter, r *http.Request) {
	name := domain.Collection(chi.URLParam(r, "collection"))
	if !name.Valid() {
		httputil.WriteError(w, r, apperrors.InvalidInput("unknown collection"), h.logger)
		return
	}

	if err := h.cache.Refresh(r.Context(), name); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: CollectionResponse{
		Collection:      string(name),
		LastRefreshedAt: h.cache.LastRefreshedAt(r.Context(), name),
	}})
}

// CreatePiece handles POST /api/v1/admin/pieces
func (h *AdminHandler) CreatePiece(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CreatePieceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	now := time.Now().UTC()
	piece := &domain.Piece{
		ID:    uuid.NewString(),
		Slug:  req.Slug,
		Title: req.Title,
		Body:  req.Body,
		Entitlement: domain.Entitlement{
			Kind: domain.EntitlementKind(req.EntitlementKind),
			ID:   req.EntitlementID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.pieces.Create(r.Context(), piece); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, httputil.Response{Data: piece})
}

// ListPieces handles GET /api/v1/admin/pieces
func (h *AdminHandler) ListPieces(w http.ResponseWriter, r *http.Request) {
	filter := repository.PieceFilter{Page: 1, PerPage: 20}

	if v := r.URL.Query().Get("page"); v != "" {
		if page, err := strconv.Atoi(v); err == nil && page > 0 {
			filter.Page = page
		}
	}
	if v := r.URL.Query().Get("per_page"); v != "" {
		if perPage, err := strconv.Atoi(v); err == nil && perPage > 0 && perPage <= 100 {
			filter.PerPage = perPage
		}
	}
	if kind := r.URL.Query().Get("entitlement_kind"); kind != "" {
		id, err := strconv.ParseInt(r.URL.Query().Get("entitlement_id"), 10, 64)
		if err != nil || !domain.EntitlementKind(kind).Valid() {
			httputil.WriteError(w, r,
				apperrors.InvalidInput("entitlement filter needs a valid kind and numeric id"), h.logger)
			return
		}
		filter.Entitlement = &domain.Entitlement{Kind: domain.EntitlementKind(kind), ID: id}
	}

	pieces, total, err := h.pieces.List(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, pieceListResponse{
		Data:       pieces,
		TotalCount: total,
		Page:       filter.Page,
		PerPage:    filter.PerPage,
	})
}

// GetPiece handles GET /api/v1/admin/pieces/{id}
func (h *AdminHandler) GetPiece(w http.ResponseWriter, r *http.Request) {
	piece, err := h.pieces.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: piece})
}

// UpdatePiece handles PUT /api/v1/admin/pieces/{id}
func (h *AdminHandler) UpdatePiece(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req UpdatePieceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}
	if err := validator.Validate(req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	piece, err := h.pieces.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	if req.Slug != nil {
		piece.Slug = *req.Slug
	}
	if req.Title != nil {
		piece.Title = *req.Title
	}
	if req.Body != nil {
		piece.Body = *req.Body
	}
	if req.EntitlementKind != nil {
		piece.Entitlement.Kind = domain.EntitlementKind(*req.EntitlementKind)
	}
	if req.EntitlementID != nil {
		piece.Entitlement.ID = *req.EntitlementID
	}
	piece.UpdatedAt = time.Now().UTC()

	if err := h.pieces.Update(r.Context(), piece); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: piece})
}

// DeletePiece handles DELETE /api/v1/admin/pieces/{id}
func (h *AdminHandler) DeletePiece(w http.ResponseWriter, r *http.Request) {
	if err := h.pieces.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
