package repository

import (
	"context"
	"time"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/database"
)

// EscalationRepository reads escalation records. Writes happen only inside a
// request transition.
type EscalationRepository struct {
	db *database.DB
}

// NewEscalationRepository creates a new EscalationRepository.
func NewEscalationRepository(db *database.DB) *EscalationRepository {
	return &EscalationRepository{db: db}
}

// ExistsSince reports whether an escalation was already recorded for the
// request's level after the level's SLA clock started. This is the
// per-level idempotence check for the sweep. The comparison is strict: a
// clock-resetting escalation stamps triggered_at equal to the new
// level_entered_at, and belongs to the occupancy it ended, not the one it
// started.
func (r *EscalationRepository) ExistsSince(ctx context.Context, requestID string, levelNo int, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM escalations
			WHERE request_id = $1
			  AND level_no = $2
			  AND triggered_at > $3
		)
	`

	var exists bool
	err := r.db.QueryRow(ctx, query, requestID, levelNo, since).Scan(&exists)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to check escalation history")
	}
	return exists, nil
}

// ListByRequest returns all escalations for a request, oldest first.
func (r *EscalationRepository) ListByRequest(ctx context.Context, requestID string) ([]*Escalation, error) {
	query := `
		SELECT id, request_id, level_no, policy_applied, resulting_actor_ref, triggered_at
		FROM escalations
		WHERE request_id = $1
		ORDER BY triggered_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to list escalations")
	}
	defer rows.Close()

	var escalations []*Escalation
	for rows.Next() {
		e := &Escalation{}
		err := rows.Scan(&e.ID, &e.RequestID, &e.LevelNo, &e.PolicyApplied, &e.ResultingActorRef, &e.TriggeredAt)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan escalation")
		}
		escalations = append(escalations, e)
	}
	return escalations, nil
}
