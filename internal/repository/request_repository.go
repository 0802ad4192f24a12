package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/database"
)

// Transition is one guarded state change on an approval request plus the
// append-only rows that must land in the same atomic unit. The update is
// conditioned on (ExpectedStatus, ExpectedLevel); a mismatch fails the whole
// transition with CONFLICT and nothing is written.
type Transition struct {
	RequestID      string
	ExpectedStatus string
	ExpectedLevel  int

	NewStatus   string
	NewLevel    int
	NewActorRef *string

	// ResetLevelClock restarts the SLA timer for the (possibly unchanged)
	// current level.
	ResetLevelClock bool
	LevelEnteredAt  time.Time
	LevelDeadline   time.Time

	// Decided stamps decided_at for terminal transitions.
	Decided   bool
	DecidedAt time.Time

	// Set on resubmission, when template re-matching may change the route.
	NewTemplateID  *string
	NewTotalLevels *int

	Action     *ApprovalAction
	Escalation *Escalation
	Delegation *Delegation
	Audit      *AuditLogEntry
}

// RequestRepository owns approval_requests and the append-only rows written
// alongside each transition.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a request and its first audit entry in one transaction.
// Submit is all-or-nothing: a request is never left half-created.
func (r *RequestRepository) Create(ctx context.Context, req *ApprovalRequest, audit *AuditLogEntry) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_requests
			    (workflow_template_id, requester_ref, entity_type, entity_ref,
			     authority_type, category, department_ref, amount, risk_level,
			     status, current_level, current_actor_ref, total_levels,
			     level_entered_at, level_deadline)
			VALUES ($1, $2, $3, $4,
			        $5, $6, $7, $8, $9,
			        $10, $11, $12, $13,
			        $14, $15)
			RETURNING id, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			req.WorkflowTemplateID,
			req.RequesterRef,
			req.EntityType,
			req.EntityRef,
			req.AuthorityType,
			req.Category,
			req.DepartmentRef,
			req.Amount,
			req.RiskLevel,
			req.Status,
			req.CurrentLevel,
			req.CurrentActorRef,
			req.TotalLevels,
			req.LevelEnteredAt,
			req.LevelDeadline,
		).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to create approval request")
		}

		audit.RequestID = req.ID
		return insertAudit(ctx, tx, audit)
	})
}

// GetByID retrieves a request by primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	req, err := r.scanRequest(r.db.QueryRow(ctx, selectRequest+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_request", id)
	}
	return req, err
}

// ListPendingForActor returns the inbox: pending requests whose current level
// is assigned to the given actor, oldest deadline first.
func (r *RequestRepository) ListPendingForActor(ctx context.Context, actorRef string) ([]*ApprovalRequest, error) {
	query := selectRequest + `
		WHERE status = 'pending'
		  AND current_actor_ref = $1
		ORDER BY level_deadline ASC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, actorRef)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to list pending requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListPendingBreached returns pending requests whose current level has
// exceeded its SLA, oldest breach first. Drives the escalation sweep.
func (r *RequestRepository) ListPendingBreached(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	query := selectRequest + `
		WHERE status = 'pending'
		  AND level_deadline <= $1
		ORDER BY level_deadline ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to list breached requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ApplyTransition performs the guarded update and appends the transition's
// action, escalation, delegation and audit rows in one transaction. Returns
// CONFLICT when (status, current_level) has moved, CLOSED when the request is
// already terminal.
func (r *RequestRepository) ApplyTransition(ctx context.Context, t *Transition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_requests
			SET status            = $4,
			    current_level     = $5,
			    current_actor_ref = $6,
			    level_entered_at  = CASE WHEN $7 THEN $8  ELSE level_entered_at END,
			    level_deadline    = CASE WHEN $7 THEN $9  ELSE level_deadline END,
			    decided_at        = CASE WHEN $10 THEN $11 ELSE decided_at END,
			    workflow_template_id = COALESCE($12, workflow_template_id),
			    total_levels      = COALESCE($13, total_levels),
			    updated_at        = NOW()
			WHERE id = $1
			  AND status = $2
			  AND current_level = $3
		`

		tag, err := tx.Exec(ctx, query,
			t.RequestID,
			t.ExpectedStatus,
			t.ExpectedLevel,
			t.NewStatus,
			t.NewLevel,
			t.NewActorRef,
			t.ResetLevelClock,
			t.LevelEnteredAt,
			t.LevelDeadline,
			t.Decided,
			t.DecidedAt,
			t.NewTemplateID,
			t.NewTotalLevels,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to update approval request")
		}
		if tag.RowsAffected() == 0 {
			return r.classifyGuardFailure(ctx, tx, t)
		}

		if t.Action != nil {
			t.Action.RequestID = t.RequestID
			if err := insertAction(ctx, tx, t.Action); err != nil {
				return err
			}
		}
		if t.Escalation != nil {
			t.Escalation.RequestID = t.RequestID
			if err := insertEscalation(ctx, tx, t.Escalation); err != nil {
				return err
			}
		}
		if t.Delegation != nil {
			if err := insertDelegation(ctx, tx, t.Delegation); err != nil {
				return err
			}
		}

		t.Audit.RequestID = t.RequestID
		return insertAudit(ctx, tx, t.Audit)
	})
}

// classifyGuardFailure distinguishes a vanished row, a closed request and a
// stale level so callers get a precise error kind.
func (r *RequestRepository) classifyGuardFailure(ctx context.Context, tx pgx.Tx, t *Transition) error {
	var status string
	var level int
	err := tx.QueryRow(ctx,
		`SELECT status, current_level FROM approval_requests WHERE id = $1`,
		t.RequestID,
	).Scan(&status, &level)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_request", t.RequestID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to read approval request")
	}

	if IsTerminalStatus(status) {
		return apperrors.Newf(apperrors.ErrCodeClosed,
			"request is closed with status %s", status).ForRequest(t.RequestID, level)
	}
	return apperrors.Newf(apperrors.ErrCodeConflict,
		"stale level: expected %d, request is at %d", t.ExpectedLevel, level).ForRequest(t.RequestID, level)
}

// ── append-only inserts (shared with the transition transaction) ──────────────

func insertAction(ctx context.Context, tx pgx.Tx, a *ApprovalAction) error {
	query := `
		INSERT INTO approval_actions
		    (request_id, level_no, actor_ref, decision, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, acted_at
	`
	err := tx.QueryRow(ctx, query,
		a.RequestID, a.LevelNo, a.ActorRef, a.Decision, a.Comment,
	).Scan(&a.ID, &a.ActedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to record approval action")
	}
	return nil
}

func insertEscalation(ctx context.Context, tx pgx.Tx, e *Escalation) error {
	query := `
		INSERT INTO escalations
		    (request_id, level_no, policy_applied, resulting_actor_ref, triggered_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := tx.QueryRow(ctx, query,
		e.RequestID, e.LevelNo, e.PolicyApplied, e.ResultingActorRef, e.TriggeredAt,
	).Scan(&e.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to record escalation")
	}
	return nil
}

func insertDelegation(ctx context.Context, tx pgx.Tx, d *Delegation) error {
	query := `
		INSERT INTO delegations
		    (delegator_ref, delegate_ref, authority_type, request_id,
		     valid_from, valid_to, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`
	err := tx.QueryRow(ctx, query,
		d.DelegatorRef, d.DelegateRef, d.AuthorityType, d.RequestID,
		d.ValidFrom, d.ValidTo, d.Reason,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to record delegation")
	}
	return nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, e *AuditLogEntry) error {
	var metadataJSON []byte
	if e.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO audit_log
		    (request_id, event_type, actor_ref, before_state, after_state, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, seq, occurred_at
	`
	err := tx.QueryRow(ctx, query,
		e.RequestID, e.EventType, e.ActorRef, e.BeforeState, e.AfterState, metadataJSON,
	).Scan(&e.ID, &e.Seq, &e.OccurredAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to append audit entry")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectRequest = `
	SELECT id, workflow_template_id, requester_ref, entity_type, entity_ref,
	       authority_type, category, department_ref, amount, risk_level,
	       status, current_level, current_actor_ref, total_levels,
	       level_entered_at, level_deadline,
	       created_at, decided_at, updated_at
	FROM approval_requests
`

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	err := row.Scan(
		&req.ID,
		&req.WorkflowTemplateID,
		&req.RequesterRef,
		&req.EntityType,
		&req.EntityRef,
		&req.AuthorityType,
		&req.Category,
		&req.DepartmentRef,
		&req.Amount,
		&req.RiskLevel,
		&req.Status,
		&req.CurrentLevel,
		&req.CurrentActorRef,
		&req.TotalLevels,
		&req.LevelEnteredAt,
		&req.LevelDeadline,
		&req.CreatedAt,
		&req.DecidedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *RequestRepository) scanRows(rows pgx.Rows) ([]*ApprovalRequest, error) {
	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	return requests, nil
}
