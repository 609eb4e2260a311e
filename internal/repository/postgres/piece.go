package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/membergate/membergate/internal/domain"
	"github.com/membergate/membergate/internal/repository"
	"github.com/membergate/membergate/pkg/apperrors"
	"github.com/membergate/membergate/pkg/database"
)

// PieceRepository implements repository.PieceRepository using PostgreSQL.
//
// The required entitlement is stored as two dedicated columns,
// (entitlement_kind, entitlement_id), carrying a composite index; listing
// every piece gated by a given tag or product is an indexed lookup.
type PieceRepository struct {
	pool database.DBTX
}

// NewPieceRepository creates a new PostgreSQL-backed piece repository.
func NewPieceRepository(pool database.DBTX) *PieceRepository {
	return &PieceRepository{pool: pool}
}

// Create inserts a new piece into the database.
func (r *PieceRepository) Create(ctx context.Context, p *domain.Piece) error {
	query := `
		INSERT INTO pieces (
			id, slug, title, body, entitlement_kind, entitlement_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		p.ID,
		p.Slug,
		p.Title,
		p.Body,
		p.Entitlement.Kind,
		p.Entitlement.ID,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.InvalidInput(fmt.Sprintf("piece with slug %q already exists", p.Slug))
		}
		return fmt.Errorf("insert piece: %w", err)
	}

	return nil
}

// GetByID retrieves a piece by its ID.
func (r *PieceRepository) GetByID(ctx context.Context, id string) (*domain.Piece, error) {
	query := `
		SELECT id, slug, title, body, entitlement_kind, entitlement_id,
			   created_at, updated_at
		FROM pieces
		WHERE id = $1`

	return r.scanPiece(ctx, query, id)
}

// GetBySlug retrieves a piece by its URL slug.
func (r *PieceRepository) GetBySlug(ctx context.Context, slug string) (*domain.Piece, error) {
	query := `
		SELECT id, slug, title, body, entitlement_kind, entitlement_id,
			   created_at, updated_at
		FROM pieces
		WHERE slug = $1`

	return r.scanPiece(ctx, query, slug)
}

// List returns pieces matching the given filter with the total count.
func (r *PieceRepository) List(ctx context.Context, filter repository.PieceFilter) ([]domain.Piece, int, error) {
	var (
		conditions []string
		args       []any
		argIndex   = 1
	)

	if filter.Entitlement != nil {
		conditions = append(conditions,
			fmt.Sprintf("entitlement_kind = $%d AND entitlement_id = $%d", argIndex, argIndex+1))
		args = append(args, filter.Entitlement.Kind, filter.Entitlement.ID)
		argIndex += 2
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT id, slug, title, body, entitlement_kind, entitlement_id,
			   created_at, updated_at,
			   count(*) OVER() AS total_count
		FROM pieces
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`,
		whereClause, argIndex, argIndex+1,
	)

	limit := filter.PerPage
	if limit <= 0 {
		limit = 20
	}
	offset := 0
	if filter.Page > 1 {
		offset = (filter.Page - 1) * limit
	}

	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list pieces: %w", err)
	}
	defer rows.Close()

	var (
		pieces     []domain.Piece
		totalCount int
	)

	for rows.Next() {
		var p domain.Piece
		if err := rows.Scan(
			&p.ID,
			&p.Slug,
			&p.Title,
			&p.Body,
			&p.Entitlement.Kind,
			&p.Entitlement.ID,
			&p.CreatedAt,
			&p.UpdatedAt,
			&totalCount,
		); err != nil {
			return nil, 0, fmt.Errorf("scan piece row: %w", err)
		}
		pieces = append(pieces, p)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate piece rows: %w", err)
	}

	if pieces == nil {
		pieces = []domain.Piece{}
	}

	return pieces, totalCount, nil
}

// Update rewrites a piece's mutable fields.
func (r *PieceRepository) Update(ctx context.Context, p *domain.Piece) error {
	query := `
		UPDATE pieces
		SET slug = $2, title = $3, body = $4, entitlement_kind = $5,
			entitlement_id = $6, updated_at = $7
		WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query,
		p.ID,
		p.Slug,
		p.Title,
		p.Body,
		p.Entitlement.Kind,
		p.Entitlement.ID,
		p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.InvalidInput(fmt.Sprintf("piece with slug %q already exists", p.Slug))
		}
		return fmt.Errorf("update piece: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("piece", p.ID)
	}

	return nil
}

// Delete removes a piece by id.
func (r *PieceRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM pieces WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete piece: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("piece", id)
	}

	return nil
}

func (r *PieceRepository) scanPiece(ctx context.Context, query string, args ...any) (*domain.Piece, error) {
	var p domain.Piece
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&p.ID,
		&p.Slug,
		&p.Title,
		&p.Body,
		&p.Entitlement.Kind,
		&p.Entitlement.ID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("piece", fmt.Sprint(args[0]))
		}
		return nil, fmt.Errorf("query piece: %w", err)
	}

	return &p, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
