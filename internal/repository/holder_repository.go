package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/database"
)

// HolderRepository handles CRUD for authority_holders. Holder records mirror
// the HR module's view of who carries which role; the engine only reads them
// during approver resolution.
type HolderRepository struct {
	db *database.DB
}

// NewHolderRepository creates a new HolderRepository.
func NewHolderRepository(db *database.DB) *HolderRepository {
	return &HolderRepository{db: db}
}

// Upsert registers or refreshes a holder keyed by user_ref.
func (r *HolderRepository) Upsert(ctx context.Context, h *AuthorityHolder) error {
	query := `
		INSERT INTO authority_holders
		    (user_ref, role_or_title, department_ref, manager_ref,
		     authority_types, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_ref) DO UPDATE
		SET role_or_title   = EXCLUDED.role_or_title,
		    department_ref  = EXCLUDED.department_ref,
		    manager_ref     = EXCLUDED.manager_ref,
		    authority_types = EXCLUDED.authority_types,
		    is_active       = EXCLUDED.is_active,
		    updated_at      = NOW()
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		h.UserRef,
		h.RoleOrTitle,
		h.DepartmentRef,
		h.ManagerRef,
		h.AuthorityTypes,
		h.IsActive,
	).Scan(&h.ID, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to upsert authority holder")
	}
	return nil
}

// GetByUserRef retrieves a holder by the external user reference.
func (r *HolderRepository) GetByUserRef(ctx context.Context, userRef string) (*AuthorityHolder, error) {
	query := `
		SELECT id, user_ref, role_or_title, department_ref, manager_ref,
		       authority_types, is_active, created_at, updated_at
		FROM authority_holders
		WHERE user_ref = $1
	`

	h, err := r.scanHolder(r.db.QueryRow(ctx, query, userRef))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("authority_holder", userRef)
	}
	return h, err
}

// FindByRole returns active holders carrying a role, optionally narrowed to a
// department. Department-scoped holders are listed before global ones so the
// first match is the most specific.
func (r *HolderRepository) FindByRole(ctx context.Context, roleOrTitle string, departmentRef *string) ([]*AuthorityHolder, error) {
	query := `
		SELECT id, user_ref, role_or_title, department_ref, manager_ref,
		       authority_types, is_active, created_at, updated_at
		FROM authority_holders
		WHERE role_or_title = $1
		  AND is_active = TRUE
		  AND ($2::text IS NULL OR department_ref IS NULL OR department_ref = $2)
		ORDER BY (department_ref = $2) DESC NULLS LAST, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, roleOrTitle, departmentRef)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to find holders by role")
	}
	defer rows.Close()

	var holders []*AuthorityHolder
	for rows.Next() {
		h, err := r.scanHolder(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan authority holder")
		}
		holders = append(holders, h)
	}
	return holders, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type holderScanner interface {
	Scan(dest ...any) error
}

func (r *HolderRepository) scanHolder(row holderScanner) (*AuthorityHolder, error) {
	h := &AuthorityHolder{}
	err := row.Scan(
		&h.ID,
		&h.UserRef,
		&h.RoleOrTitle,
		&h.DepartmentRef,
		&h.ManagerRef,
		&h.AuthorityTypes,
		&h.IsActive,
		&h.CreatedAt,
		&h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}
