package repository

import (
	"context"

	"github.com/membergate/membergate/internal/domain"
)

// PieceFilter narrows List queries over the content registry.
type PieceFilter struct {
	// Entitlement, when set, restricts the result to pieces gated by exactly
	// this tag or product.
	Entitlement *domain.Entitlement

	Page    int
	PerPage int
}

// PieceRepository defines the interface for content-registry persistence.
type PieceRepository interface {
	// Create inserts a new piece.
	Create(ctx context.Context, p *domain.Piece) error

	// GetByID retrieves a piece by its unique identifier.
	GetByID(ctx context.Context, id string) (*domain.Piece, error)

	// GetBySlug retrieves a piece by its URL slug.
	GetBySlug(ctx context.Context, slug string) (*domain.Piece, error)

	// List returns pieces matching the filter with the total count. The
	// entitlement filter is an indexed lookup, not a scan.
	List(ctx context.Context, filter PieceFilter) ([]domain.Piece, int, error)

	// Update rewrites a piece's mutable fields.
	Update(ctx context.Context, p *domain.Piece) error

	// Delete removes a piece by id.
	Delete(ctx context.Context, id string) error
}
