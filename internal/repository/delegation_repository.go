package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/database"
)

// DelegationRepository handles delegations. Rows are never deleted: revocation
// stamps revoked_at, and already-recorded approval actions are unaffected.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

// Create inserts a delegation. Any prior active standing delegation for the
// same (delegator, authority_type) is revoked in the same transaction, keeping
// at most one active standing delegation per pair. Request-scoped delegations
// never revoke standing ones.
func (r *DelegationRepository) Create(ctx context.Context, d *Delegation) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if d.RequestID == nil {
			revoke := `
				UPDATE delegations
				SET revoked_at = NOW(),
				    revoked_by = $1
				WHERE delegator_ref = $1
				  AND authority_type = $2
				  AND request_id IS NULL
				  AND revoked_at IS NULL
				  AND valid_to > NOW()
			`
			if _, err := tx.Exec(ctx, revoke, d.DelegatorRef, d.AuthorityType); err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to revoke prior delegation")
			}
		}

		insert := `
			INSERT INTO delegations
			    (delegator_ref, delegate_ref, authority_type, request_id,
			     valid_from, valid_to, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at
		`
		err := tx.QueryRow(ctx, insert,
			d.DelegatorRef,
			d.DelegateRef,
			d.AuthorityType,
			d.RequestID,
			d.ValidFrom,
			d.ValidTo,
			d.Reason,
		).Scan(&d.ID, &d.CreatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to create delegation")
		}
		return nil
	})
}

// Revoke stamps revoked_at on an active delegation. Takes effect for any
// not-yet-created level resolution; in-flight assignments are untouched.
func (r *DelegationRepository) Revoke(ctx context.Context, id, revokedBy string) error {
	query := `
		UPDATE delegations
		SET revoked_at = NOW(),
		    revoked_by = $2
		WHERE id = $1
		  AND revoked_at IS NULL
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, revokedBy).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("delegation", id)
	}
	return err
}

// FindActive returns the active standing delegation for (delegator,
// authority_type) at the given instant, or nil when none exists.
func (r *DelegationRepository) FindActive(ctx context.Context, delegatorRef, authorityType string, at time.Time) (*Delegation, error) {
	query := `
		SELECT id, delegator_ref, delegate_ref, authority_type, request_id,
		       valid_from, valid_to, revoked_at, revoked_by, reason, created_at
		FROM delegations
		WHERE delegator_ref = $1
		  AND authority_type = $2
		  AND request_id IS NULL
		  AND revoked_at IS NULL
		  AND valid_from <= $3
		  AND valid_to > $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	d, err := r.scanDelegation(r.db.QueryRow(ctx, query, delegatorRef, authorityType, at))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// FindActiveForRequest returns the active delegation governing a specific
// request at the given instant, preferring a request-scoped delegation over a
// standing one.
func (r *DelegationRepository) FindActiveForRequest(ctx context.Context, delegatorRef, authorityType, requestID string, at time.Time) (*Delegation, error) {
	query := `
		SELECT id, delegator_ref, delegate_ref, authority_type, request_id,
		       valid_from, valid_to, revoked_at, revoked_by, reason, created_at
		FROM delegations
		WHERE delegator_ref = $1
		  AND authority_type = $2
		  AND (request_id = $3 OR request_id IS NULL)
		  AND revoked_at IS NULL
		  AND valid_from <= $4
		  AND valid_to > $4
		ORDER BY (request_id IS NOT NULL) DESC, created_at DESC
		LIMIT 1
	`

	d, err := r.scanDelegation(r.db.QueryRow(ctx, query, delegatorRef, authorityType, requestID, at))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// FindActiveAsDelegate returns an active delegation, standing or
// request-scoped, where the given user is the delegate for the authority
// type, or nil. Used to refuse delegation chains, both at creation time and
// on a delegate decision.
func (r *DelegationRepository) FindActiveAsDelegate(ctx context.Context, delegateRef, authorityType string, at time.Time) (*Delegation, error) {
	query := `
		SELECT id, delegator_ref, delegate_ref, authority_type, request_id,
		       valid_from, valid_to, revoked_at, revoked_by, reason, created_at
		FROM delegations
		WHERE delegate_ref = $1
		  AND authority_type = $2
		  AND revoked_at IS NULL
		  AND valid_from <= $3
		  AND valid_to > $3
		LIMIT 1
	`

	d, err := r.scanDelegation(r.db.QueryRow(ctx, query, delegateRef, authorityType, at))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListForDelegator returns all delegations created by a user, newest first.
func (r *DelegationRepository) ListForDelegator(ctx context.Context, delegatorRef string) ([]*Delegation, error) {
	query := `
		SELECT id, delegator_ref, delegate_ref, authority_type, request_id,
		       valid_from, valid_to, revoked_at, revoked_by, reason, created_at
		FROM delegations
		WHERE delegator_ref = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, delegatorRef)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "failed to list delegations")
	}
	defer rows.Close()

	var delegations []*Delegation
	for rows.Next() {
		d, err := r.scanDelegation(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan delegation")
		}
		delegations = append(delegations, d)
	}
	return delegations, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type delegationScanner interface {
	Scan(dest ...any) error
}

func (r *DelegationRepository) scanDelegation(row delegationScanner) (*Delegation, error) {
	d := &Delegation{}
	err := row.Scan(
		&d.ID,
		&d.DelegatorRef,
		&d.DelegateRef,
		&d.AuthorityType,
		&d.RequestID,
		&d.ValidFrom,
		&d.ValidTo,
		&d.RevokedAt,
		&d.RevokedBy,
		&d.Reason,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
