package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/database"
)

// TemplateRepository handles CRUD for workflow_templates. Levels and scope are
// stored as JSONB alongside the template row.
type TemplateRepository struct {
	db *database.DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *database.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create inserts a new workflow template.
func (r *TemplateRepository) Create(ctx context.Context, t *WorkflowTemplate) error {
	scopeJSON, err := json.Marshal(t.Scope)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal template scope")
	}
	levelsJSON, err := json.Marshal(t.Levels)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal template levels")
	}

	query := `
		INSERT INTO workflow_templates
		    (name, workflow_type, scope, levels, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		t.Name,
		t.WorkflowType,
		scopeJSON,
		levelsJSON,
		t.IsActive,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to create workflow template")
	}
	return nil
}

// GetByID retrieves a template by primary key.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*WorkflowTemplate, error) {
	query := `
		SELECT id, name, workflow_type, scope, levels, is_active,
		       created_at, updated_at
		FROM workflow_templates
		WHERE id = $1
	`

	t, err := r.scanTemplate(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("workflow_template", id)
	}
	return t, err
}

// ListActive returns all active templates for a workflow type.
func (r *TemplateRepository) ListActive(ctx context.Context, workflowType string) ([]*WorkflowTemplate, error) {
	query := `
		SELECT id, name, workflow_type, scope, levels, is_active,
		       created_at, updated_at
		FROM workflow_templates
		WHERE workflow_type = $1
		  AND is_active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, workflowType)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to list workflow templates")
	}
	defer rows.Close()

	var templates []*WorkflowTemplate
	for rows.Next() {
		t, err := r.scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// Deactivate retires a template. In-flight requests keep their template id and
// finish on the levels they were created with.
func (r *TemplateRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE workflow_templates
		SET is_active  = FALSE,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("workflow_template", id)
	}
	return err
}

// ── scan helper ───────────────────────────────────────────────────────────────

type templateScanner interface {
	Scan(dest ...any) error
}

func (r *TemplateRepository) scanTemplate(row templateScanner) (*WorkflowTemplate, error) {
	t := &WorkflowTemplate{}
	var scopeJSON, levelsJSON []byte

	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.WorkflowType,
		&scopeJSON,
		&levelsJSON,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(scopeJSON, &t.Scope); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal template scope")
	}
	if err := json.Unmarshal(levelsJSON, &t.Levels); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal template levels")
	}
	return t, nil
}
