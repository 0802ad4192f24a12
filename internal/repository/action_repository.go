package repository

import (
	"context"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/database"
)

// ActionRepository reads approval actions. Writes happen only inside a request
// transition, so no insert is exposed here.
type ActionRepository struct {
	db *database.DB
}

// NewActionRepository creates a new ActionRepository.
func NewActionRepository(db *database.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

// ListByRequest returns all actions on a request, oldest first.
func (r *ActionRepository) ListByRequest(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	query := `
		SELECT id, request_id, level_no, actor_ref, decision, comment, acted_at
		FROM approval_actions
		WHERE request_id = $1
		ORDER BY acted_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to list approval actions")
	}
	defer rows.Close()

	var actions []*ApprovalAction
	for rows.Next() {
		a := &ApprovalAction{}
		err := rows.Scan(&a.ID, &a.RequestID, &a.LevelNo, &a.ActorRef, &a.Decision, &a.Comment, &a.ActedAt)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval action")
		}
		actions = append(actions, a)
	}
	return actions, nil
}
