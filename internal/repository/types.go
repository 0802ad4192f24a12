package repository

import "time"

// ── Request lifecycle ─────────────────────────────────────────────────────────

// Approval request statuses.
const (
	StatusDraft             = "draft"
	StatusPending           = "pending"
	StatusApproved          = "approved"
	StatusRejected          = "rejected"
	StatusWithdrawn         = "withdrawn"
	StatusEscalatedTerminal = "escalated_terminal"
)

// IsTerminalStatus reports whether a status permits no further transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusApproved, StatusRejected, StatusWithdrawn, StatusEscalatedTerminal:
		return true
	}
	return false
}

// Approval action decisions.
const (
	DecisionApprove  = "approve"
	DecisionReject   = "reject"
	DecisionDelegate = "delegate"
	DecisionReturn   = "return_for_clarification"
)

// Approver resolution strategies for a workflow level.
const (
	StrategyFixedRole        = "fixed_role"
	StrategyMatrixResolved   = "matrix_resolved"
	StrategyRequesterManager = "requester_manager"
)

// Escalation policies applied on SLA breach.
const (
	PolicyReassignToNextRole = "reassign_to_next_role"
	PolicyAutoApprove        = "auto_approve"
	PolicyAutoReject         = "auto_reject"
	PolicyNotifyOnly         = "notify_only"
)

// SystemEscalationActor identifies actions injected by the escalation scheduler.
const SystemEscalationActor = "system:escalation"

// Audit event types.
const (
	EventSubmitted     = "submitted"
	EventResubmitted   = "resubmitted"
	EventLevelAdvanced = "level_advanced"
	EventApproved      = "approved"
	EventRejected      = "rejected"
	EventWithdrawn     = "withdrawn"
	EventReturned      = "returned_for_clarification"
	EventDelegated     = "delegated"
	EventEscalated     = "escalated"
	EventReassigned    = "reassigned"
)

// ── Configuration entities ────────────────────────────────────────────────────

// AuthorityLevelSpec is one entry in an authority matrix's required_levels
// JSONB array.
type AuthorityLevelSpec struct {
	LevelNo     int    `json:"level_no"`
	RoleOrTitle string `json:"role_or_title"`
	AmountCap   *int64 `json:"amount_cap,omitempty"` // cents; nil = uncapped
}

// AuthorityMatrix maps an (authority_type, category, amount band) to the
// ordered approval levels it requires. Immutable once referenced by an active
// request; versioning is deactivate-and-create.
type AuthorityMatrix struct {
	ID             string
	AuthorityType  string
	Category       string // "*" matches any category
	MinAmount      int64  // cents, inclusive
	MaxAmount      int64  // cents, exclusive
	RequiredLevels []AuthorityLevelSpec
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AuthorityHolder is a person who may satisfy one or more authority roles.
type AuthorityHolder struct {
	ID             string
	UserRef        string
	RoleOrTitle    string
	DepartmentRef  *string
	ManagerRef     *string // user_ref of the holder's manager
	AuthorityTypes []string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Delegation is a time-bounded transfer of authority from delegator to
// delegate. RequestID is set for delegations created by a "delegate" decision,
// which bind to a single request rather than standing for all requests.
type Delegation struct {
	ID            string
	DelegatorRef  string
	DelegateRef   string
	AuthorityType string
	RequestID     *string
	ValidFrom     time.Time // inclusive
	ValidTo       time.Time // exclusive
	RevokedAt     *time.Time
	RevokedBy     *string
	Reason        string
	CreatedAt     time.Time
}

// ActiveAt reports whether the delegation grants authority at the given instant.
func (d *Delegation) ActiveAt(at time.Time) bool {
	return d.RevokedAt == nil && !at.Before(d.ValidFrom) && at.Before(d.ValidTo)
}

// TemplateScope holds the optional predicates a workflow template binds.
// A nil field means "any". Specificity is the count of bound fields.
type TemplateScope struct {
	MinAmount     *int64  `json:"min_amount,omitempty"` // cents, inclusive
	MaxAmount     *int64  `json:"max_amount,omitempty"` // cents, exclusive
	DepartmentRef *string `json:"department_ref,omitempty"`
	RiskLevel     *string `json:"risk_level,omitempty"`
}

// WorkflowLevel is one level in a template. Levels are numbered 1..N with no
// gaps; FixedRole is set only for the fixed_role strategy.
type WorkflowLevel struct {
	LevelNo          int     `json:"level_no"`
	ApproverStrategy string  `json:"approver_strategy"`
	FixedRole        *string `json:"fixed_role,omitempty"`
	SLAHours         int     `json:"sla_hours"`
	EscalationPolicy string  `json:"escalation_policy"`
}

// WorkflowTemplate selects which ordered levels apply to a request context.
type WorkflowTemplate struct {
	ID           string
	Name         string
	WorkflowType string
	Scope        TemplateScope
	Levels       []WorkflowLevel
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Level returns the level with the given number, or nil.
func (t *WorkflowTemplate) Level(levelNo int) *WorkflowLevel {
	for i := range t.Levels {
		if t.Levels[i].LevelNo == levelNo {
			return &t.Levels[i]
		}
	}
	return nil
}

// ── Runtime entities ──────────────────────────────────────────────────────────

// ApprovalRequest is the engine's only mutable shared entity. It is mutated
// exclusively through guarded transitions on (id, status, current_level).
type ApprovalRequest struct {
	ID                 string
	WorkflowTemplateID string
	RequesterRef       string
	EntityType         string
	EntityRef          string
	AuthorityType      string
	Category           string
	DepartmentRef      *string
	Amount             int64 // cents
	RiskLevel          string
	Status             string
	CurrentLevel       int
	CurrentActorRef    *string
	TotalLevels        int
	LevelEnteredAt     time.Time
	LevelDeadline      time.Time // level_entered_at + level SLA; drives the sweep query
	CreatedAt          time.Time
	DecidedAt          *time.Time
	UpdatedAt          time.Time
}

// ApprovalAction is one immutable record of a decision on a level.
type ApprovalAction struct {
	ID        string
	RequestID string
	LevelNo   int
	ActorRef  string
	Decision  string
	Comment   *string
	ActedAt   time.Time
}

// Escalation is one immutable record of a scheduler intervention.
type Escalation struct {
	ID                string
	RequestID         string
	LevelNo           int
	PolicyApplied     string
	ResultingActorRef *string
	TriggeredAt       time.Time
}

// AuditLogEntry is one immutable record in the per-request audit trail.
// Seq is a monotonically increasing insertion sequence; trail ordering is
// (occurred_at, seq).
type AuditLogEntry struct {
	ID          string
	Seq         int64
	RequestID   string
	EventType   string
	ActorRef    *string
	BeforeState string
	AfterState  string
	Metadata    map[string]any
	OccurredAt  time.Time
}
