package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/database"
)

// MatrixRepository handles CRUD for authority_matrices. Matrices are never
// updated in place once active; versioning is deactivate-and-create.
type MatrixRepository struct {
	db *database.DB
}

// NewMatrixRepository creates a new MatrixRepository.
func NewMatrixRepository(db *database.DB) *MatrixRepository {
	return &MatrixRepository{db: db}
}

// Create inserts a new authority matrix.
func (r *MatrixRepository) Create(ctx context.Context, m *AuthorityMatrix) error {
	levelsJSON, err := json.Marshal(m.RequiredLevels)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal required levels")
	}

	query := `
		INSERT INTO authority_matrices
		    (authority_type, category, min_amount, max_amount,
		     required_levels, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		m.AuthorityType,
		m.Category,
		m.MinAmount,
		m.MaxAmount,
		levelsJSON,
		m.IsActive,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to create authority matrix")
	}
	return nil
}

// GetByID retrieves a matrix by primary key.
func (r *MatrixRepository) GetByID(ctx context.Context, id string) (*AuthorityMatrix, error) {
	query := `
		SELECT id, authority_type, category, min_amount, max_amount,
		       required_levels, is_active, created_at, updated_at
		FROM authority_matrices
		WHERE id = $1
	`

	m, err := r.scanMatrix(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("authority_matrix", id)
	}
	return m, err
}

// ListActive returns all active matrices for an authority type.
func (r *MatrixRepository) ListActive(ctx context.Context, authorityType string) ([]*AuthorityMatrix, error) {
	query := `
		SELECT id, authority_type, category, min_amount, max_amount,
		       required_levels, is_active, created_at, updated_at
		FROM authority_matrices
		WHERE authority_type = $1
		  AND is_active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, authorityType)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to list authority matrices")
	}
	defer rows.Close()

	var matrices []*AuthorityMatrix
	for rows.Next() {
		m, err := r.scanMatrix(rows)
		if err != nil {
			return nil, err
		}
		matrices = append(matrices, m)
	}
	return matrices, nil
}

// Deactivate retires a matrix. Requests already referencing it keep their
// resolved levels; only new resolutions are affected.
func (r *MatrixRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE authority_matrices
		SET is_active  = FALSE,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("authority_matrix", id)
	}
	return err
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type matrixScanner interface {
	Scan(dest ...any) error
}

func (r *MatrixRepository) scanMatrix(row matrixScanner) (*AuthorityMatrix, error) {
	m := &AuthorityMatrix{}
	var levelsJSON []byte

	err := row.Scan(
		&m.ID,
		&m.AuthorityType,
		&m.Category,
		&m.MinAmount,
		&m.MaxAmount,
		&levelsJSON,
		&m.IsActive,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(levelsJSON, &m.RequiredLevels); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal required levels")
	}
	return m, nil
}
