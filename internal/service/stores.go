package service

import (
	"context"
	"time"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/repository"
)

// Storage interfaces consumed by the engine. The pgx repositories satisfy
// them in production; tests inject in-memory fixtures.

// RequestStore persists approval requests and their guarded transitions.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest, audit *repository.AuditLogEntry) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	ApplyTransition(ctx context.Context, t *repository.Transition) error
	ListPendingForActor(ctx context.Context, actorRef string) ([]*repository.ApprovalRequest, error)
	ListPendingBreached(ctx context.Context, now time.Time, limit int) ([]*repository.ApprovalRequest, error)
}

// MatrixStore persists authority matrices.
type MatrixStore interface {
	Create(ctx context.Context, m *repository.AuthorityMatrix) error
	GetByID(ctx context.Context, id string) (*repository.AuthorityMatrix, error)
	ListActive(ctx context.Context, authorityType string) ([]*repository.AuthorityMatrix, error)
	Deactivate(ctx context.Context, id string) error
}

// TemplateStore persists workflow templates.
type TemplateStore interface {
	Create(ctx context.Context, t *repository.WorkflowTemplate) error
	GetByID(ctx context.Context, id string) (*repository.WorkflowTemplate, error)
	ListActive(ctx context.Context, workflowType string) ([]*repository.WorkflowTemplate, error)
	Deactivate(ctx context.Context, id string) error
}

// HolderStore persists authority holders.
type HolderStore interface {
	Upsert(ctx context.Context, h *repository.AuthorityHolder) error
	GetByUserRef(ctx context.Context, userRef string) (*repository.AuthorityHolder, error)
	FindByRole(ctx context.Context, roleOrTitle string, departmentRef *string) ([]*repository.AuthorityHolder, error)
}

// DelegationStore persists delegations.
type DelegationStore interface {
	Create(ctx context.Context, d *repository.Delegation) error
	Revoke(ctx context.Context, id, revokedBy string) error
	FindActive(ctx context.Context, delegatorRef, authorityType string, at time.Time) (*repository.Delegation, error)
	FindActiveForRequest(ctx context.Context, delegatorRef, authorityType, requestID string, at time.Time) (*repository.Delegation, error)
	FindActiveAsDelegate(ctx context.Context, delegateRef, authorityType string, at time.Time) (*repository.Delegation, error)
	ListForDelegator(ctx context.Context, delegatorRef string) ([]*repository.Delegation, error)
}

// ActionStore reads the append-only action trail.
type ActionStore interface {
	ListByRequest(ctx context.Context, requestID string) ([]*repository.ApprovalAction, error)
}

// EscalationStore reads the append-only escalation trail.
type EscalationStore interface {
	ExistsSince(ctx context.Context, requestID string, levelNo int, since time.Time) (bool, error)
	ListByRequest(ctx context.Context, requestID string) ([]*repository.Escalation, error)
}

// AuditStore reads the append-only audit trail.
type AuditStore interface {
	ListByRequest(ctx context.Context, requestID string) ([]*repository.AuditLogEntry, error)
}

// Notifier delivers fire-and-forget notifications. Implementations log
// failures; they are never propagated to the caller.
type Notifier interface {
	Notify(ctx context.Context, actorRef, requestID, eventType string)
}

// DecisionEvent is handed to the surrounding business module exactly once per
// terminal transition. RequestID plus Decision is the idempotency key.
type DecisionEvent struct {
	RequestID  string
	EntityType string
	EntityRef  string
	Decision   string
	DecidedAt  time.Time
}

// DecisionHook receives terminal outcomes so the owning module can mutate its
// own record (mark invoice approved, close exit case, and so on).
type DecisionHook interface {
	OnDecision(ctx context.Context, event DecisionEvent)
}

// Lease serializes escalation handling per request across overlapping sweeps.
type Lease interface {
	Acquire(ctx context.Context, requestID string) (bool, error)
	Release(ctx context.Context, requestID string) error
}
