package repository

import (
	"context"
	"encoding/json"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/database"
)

// AuditRepository reads the append-only audit trail. The table carries a
// delete-prevention trigger; entries are written only inside request
// transitions, which keeps the per-request sequence strictly ordered.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// ListByRequest returns the full trail for a request ordered by
// (occurred_at, seq).
func (r *AuditRepository) ListByRequest(ctx context.Context, requestID string) ([]*AuditLogEntry, error) {
	query := `
		SELECT id, seq, request_id, event_type, actor_ref,
		       before_state, after_state, metadata, occurred_at
		FROM audit_log
		WHERE request_id = $1
		ORDER BY occurred_at ASC, seq ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []*AuditLogEntry
	for rows.Next() {
		e := &AuditLogEntry{}
		var metadataJSON []byte
		err := rows.Scan(
			&e.ID,
			&e.Seq,
			&e.RequestID,
			&e.EventType,
			&e.ActorRef,
			&e.BeforeState,
			&e.AfterState,
			&metadataJSON,
			&e.OccurredAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit entry")
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
