package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/logger"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/repository"
)

// requestScopedDelegationHorizon bounds the validity window of delegations
// created by a "delegate" decision. Such delegations die with the request in
// practice; the horizon only guards against leaked rows.
const requestScopedDelegationHorizon = 365 * 24 * time.Hour

// bulkActWorkers caps concurrent Act calls inside BulkAct.
const bulkActWorkers = 8

// ApprovalService is the approval state machine. It owns every mutation of an
// ApprovalRequest: submission, level progression, terminal decisions and
// synthetic escalation transitions. All mutations go through guarded
// transitions on (request_id, status, current_level); concurrent actors race
// on the guard and the loser gets a stale-level conflict.
type ApprovalService struct {
	requests    RequestStore
	templates   *TemplateService
	matrices    *MatrixService
	delegations *DelegationService
	holders     HolderStore
	actions     ActionStore
	escalations EscalationStore
	audits      AuditStore
	notifier    Notifier
	decisions   DecisionHook
	resolver    *approverResolver
	log         *logger.Logger
	now         func() time.Time
}

// NewApprovalService creates the state machine service.
func NewApprovalService(
	requests RequestStore,
	templates *TemplateService,
	matrices *MatrixService,
	delegations *DelegationService,
	holders HolderStore,
	actions ActionStore,
	escalations EscalationStore,
	audits AuditStore,
	notifier Notifier,
	decisions DecisionHook,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		requests:    requests,
		templates:   templates,
		matrices:    matrices,
		delegations: delegations,
		holders:     holders,
		actions:     actions,
		escalations: escalations,
		audits:      audits,
		notifier:    notifier,
		decisions:   decisions,
		resolver:    &approverResolver{holders: holders, matrices: matrices},
		log:         log,
		now:         time.Now,
	}
}

// ── Submit ────────────────────────────────────────────────────────────────────

// SubmitInput is the request payload supplied by the surrounding business
// module.
type SubmitInput struct {
	WorkflowType  string
	EntityType    string
	EntityRef     string
	RequesterRef  string
	Category      string
	DepartmentRef *string
	Amount        int64
	RiskLevel     string
}

func (in *SubmitInput) validate() error {
	switch {
	case in.WorkflowType == "":
		return apperrors.InvalidInput("workflow_type", "is required")
	case in.EntityType == "" || in.EntityRef == "":
		return apperrors.InvalidInput("entity_ref", "entity_type and entity_ref are required")
	case in.RequesterRef == "":
		return apperrors.InvalidInput("requester_ref", "is required")
	case in.Amount < 0:
		return apperrors.InvalidInput("amount", "must not be negative")
	}
	return nil
}

// Submit matches a template, resolves the level-1 actor through the authority
// matrix and delegation registry, and persists the request in pending at
// level 1 together with its first audit entry. Any resolution failure aborts
// the whole operation — a request is never left half-created.
func (s *ApprovalService) Submit(ctx context.Context, in SubmitInput) (*repository.ApprovalRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	tmpl, err := s.templates.Select(ctx, RequestContext{
		WorkflowType:  in.WorkflowType,
		Amount:        in.Amount,
		DepartmentRef: in.DepartmentRef,
		RiskLevel:     in.RiskLevel,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	req := &repository.ApprovalRequest{
		WorkflowTemplateID: tmpl.ID,
		RequesterRef:       in.RequesterRef,
		EntityType:         in.EntityType,
		EntityRef:          in.EntityRef,
		AuthorityType:      in.WorkflowType,
		Category:           in.Category,
		DepartmentRef:      in.DepartmentRef,
		Amount:             in.Amount,
		RiskLevel:          in.RiskLevel,
		Status:             repository.StatusPending,
		CurrentLevel:       1,
		TotalLevels:        len(tmpl.Levels),
		LevelEnteredAt:     now,
	}

	level1 := tmpl.Level(1)
	if level1 == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeConfiguration,
			"template %s has no level 1", tmpl.ID)
	}
	req.LevelDeadline = levelDeadline(now, level1)

	base, err := s.resolver.resolveBaseActor(ctx, req, level1)
	if err != nil {
		return nil, err
	}
	actor, err := s.delegations.EffectiveActor(ctx, base, req.AuthorityType, now)
	if err != nil {
		return nil, err
	}
	req.CurrentActorRef = &actor

	audit := &repository.AuditLogEntry{
		EventType:   repository.EventSubmitted,
		ActorRef:    &in.RequesterRef,
		BeforeState: repository.StatusDraft,
		AfterState:  stateString(repository.StatusPending, 1),
		Metadata: map[string]any{
			"template_id":    tmpl.ID,
			"assigned_actor": actor,
			"resolved_from":  base,
		},
	}

	if err := s.requests.Create(ctx, req, audit); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("template_id", tmpl.ID).
		Str("actor", actor).
		Int("total_levels", req.TotalLevels).
		Msg("Approval request submitted")

	s.notify(ctx, actor, req.ID, "approval_required")
	return req, nil
}

// Resubmit re-enters Submit for a request previously returned for
// clarification. The template is re-matched (configuration may have moved on)
// and the level counter resets to 1.
func (s *ApprovalService) Resubmit(ctx context.Context, requestID, requesterRef string) (*repository.ApprovalRequest, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.StatusDraft {
		return nil, apperrors.Newf(apperrors.ErrCodeConflict,
			"request is not in draft (status: %s)", req.Status).ForRequest(req.ID, req.CurrentLevel)
	}
	if req.RequesterRef != requesterRef {
		return nil, apperrors.New(apperrors.ErrCodeUnauthorized,
			"only the requester can resubmit").ForRequest(req.ID, req.CurrentLevel)
	}

	tmpl, err := s.templates.Select(ctx, RequestContext{
		WorkflowType:  req.AuthorityType,
		Amount:        req.Amount,
		DepartmentRef: req.DepartmentRef,
		RiskLevel:     req.RiskLevel,
	})
	if err != nil {
		return nil, err
	}
	level1 := tmpl.Level(1)
	if level1 == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeConfiguration,
			"template %s has no level 1", tmpl.ID)
	}

	now := s.now()
	resubmitted := *req
	resubmitted.WorkflowTemplateID = tmpl.ID
	resubmitted.TotalLevels = len(tmpl.Levels)
	resubmitted.CurrentLevel = 1

	base, err := s.resolver.resolveBaseActor(ctx, &resubmitted, level1)
	if err != nil {
		return nil, err
	}
	actor, err := s.delegations.EffectiveActor(ctx, base, req.AuthorityType, now)
	if err != nil {
		return nil, err
	}

	totalLevels := len(tmpl.Levels)
	t := &repository.Transition{
		RequestID:       req.ID,
		ExpectedStatus:  repository.StatusDraft,
		ExpectedLevel:   req.CurrentLevel,
		NewStatus:       repository.StatusPending,
		NewLevel:        1,
		NewActorRef:     &actor,
		ResetLevelClock: true,
		LevelEnteredAt:  now,
		LevelDeadline:   levelDeadline(now, level1),
		NewTemplateID:   &tmpl.ID,
		NewTotalLevels:  &totalLevels,
		Audit: &repository.AuditLogEntry{
			EventType:   repository.EventResubmitted,
			ActorRef:    &requesterRef,
			BeforeState: repository.StatusDraft,
			AfterState:  stateString(repository.StatusPending, 1),
			Metadata:    map[string]any{"template_id": tmpl.ID, "assigned_actor": actor},
		},
	}
	if err := s.requests.ApplyTransition(ctx, t); err != nil {
		return nil, err
	}

	resubmitted.Status = repository.StatusPending
	resubmitted.CurrentActorRef = &actor
	resubmitted.LevelEnteredAt = now
	resubmitted.LevelDeadline = t.LevelDeadline

	s.notify(ctx, actor, req.ID, "approval_required")
	return &resubmitted, nil
}

// ── Act ───────────────────────────────────────────────────────────────────────

// ActInput is one approver decision on one level.
type ActInput struct {
	RequestID string
	LevelNo   int
	ActorRef  string
	Decision  string
	Comment   *string
	// DelegateTo names the target of a "delegate" decision.
	DelegateTo string
}

// Act validates the actor's standing and applies the decision as a guarded
// transition. A level already advanced by a concurrent actor fails with a
// stale-level conflict; the caller refetches and retries.
func (s *ApprovalService) Act(ctx context.Context, in ActInput) (*repository.ApprovalRequest, error) {
	req, err := s.requests.GetByID(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}

	if repository.IsTerminalStatus(req.Status) {
		return nil, apperrors.Newf(apperrors.ErrCodeClosed,
			"request is closed with status %s", req.Status).ForRequest(req.ID, req.CurrentLevel)
	}
	if req.Status != repository.StatusPending {
		return nil, apperrors.Newf(apperrors.ErrCodeConflict,
			"request is not pending (status: %s)", req.Status).ForRequest(req.ID, req.CurrentLevel)
	}
	if in.LevelNo != req.CurrentLevel {
		return nil, apperrors.Newf(apperrors.ErrCodeConflict,
			"stale level: acted on %d, request is at %d", in.LevelNo, req.CurrentLevel).
			ForRequest(req.ID, req.CurrentLevel)
	}

	// Authority is recomputed at action time, not cached from submission, so
	// a delegation created after assignment still grants access.
	if err := s.assertCanAct(ctx, req, in.ActorRef); err != nil {
		return nil, err
	}

	switch in.Decision {
	case repository.DecisionApprove:
		return s.applyApprove(ctx, req, in)
	case repository.DecisionReject:
		return s.applyReject(ctx, req, in)
	case repository.DecisionDelegate:
		return s.applyDelegate(ctx, req, in)
	case repository.DecisionReturn:
		return s.applyReturn(ctx, req, in)
	default:
		return nil, apperrors.InvalidInput("decision", "unknown decision: "+in.Decision)
	}
}

// assertCanAct checks that the actor is the assigned holder or that holder's
// current effective delegate.
func (s *ApprovalService) assertCanAct(ctx context.Context, req *repository.ApprovalRequest, actorRef string) error {
	if req.CurrentActorRef == nil {
		return apperrors.New(apperrors.ErrCodeConfiguration,
			"request has no assigned actor").ForRequest(req.ID, req.CurrentLevel)
	}
	assigned := *req.CurrentActorRef
	if actorRef == assigned {
		return nil
	}

	effective, err := s.delegations.EffectiveActorForRequest(ctx, assigned, req.AuthorityType, req.ID, s.now())
	if err != nil {
		return err
	}
	if actorRef == effective {
		return nil
	}

	return apperrors.Newf(apperrors.ErrCodeUnauthorized,
		"%s has no standing to act on level %d", actorRef, req.CurrentLevel).
		ForRequest(req.ID, req.CurrentLevel)
}

func (s *ApprovalService) applyApprove(ctx context.Context, req *repository.ApprovalRequest, in ActInput) (*repository.ApprovalRequest, error) {
	now := s.now()
	action := &repository.ApprovalAction{
		LevelNo:  req.CurrentLevel,
		ActorRef: in.ActorRef,
		Decision: repository.DecisionApprove,
		Comment:  in.Comment,
	}

	// Final level: terminal approval.
	if req.CurrentLevel >= req.TotalLevels {
		t := &repository.Transition{
			RequestID:      req.ID,
			ExpectedStatus: repository.StatusPending,
			ExpectedLevel:  req.CurrentLevel,
			NewStatus:      repository.StatusApproved,
			NewLevel:       req.CurrentLevel,
			NewActorRef:    req.CurrentActorRef,
			Decided:        true,
			DecidedAt:      now,
			Action:         action,
			Audit: &repository.AuditLogEntry{
				EventType:   repository.EventApproved,
				ActorRef:    &in.ActorRef,
				BeforeState: stateString(repository.StatusPending, req.CurrentLevel),
				AfterState:  repository.StatusApproved,
			},
		}
		if err := s.requests.ApplyTransition(ctx, t); err != nil {
			return nil, err
		}

		req.Status = repository.StatusApproved
		req.DecidedAt = &now

		s.emitDecision(ctx, req, repository.StatusApproved, now)
		s.notify(ctx, req.RequesterRef, req.ID, "request_approved")
		return req, nil
	}

	// Intermediate level: resolve the next approver and advance.
	tmpl, err := s.templates.GetTemplate(ctx, req.WorkflowTemplateID)
	if err != nil {
		return nil, err
	}
	nextLevel := tmpl.Level(req.CurrentLevel + 1)
	if nextLevel == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeConfiguration,
			"template %s has no level %d", tmpl.ID, req.CurrentLevel+1).
			ForRequest(req.ID, req.CurrentLevel)
	}

	base, err := s.resolver.resolveBaseActor(ctx, req, nextLevel)
	if err != nil {
		return nil, err
	}
	nextActor, err := s.delegations.EffectiveActor(ctx, base, req.AuthorityType, now)
	if err != nil {
		return nil, err
	}

	t := &repository.Transition{
		RequestID:       req.ID,
		ExpectedStatus:  repository.StatusPending,
		ExpectedLevel:   req.CurrentLevel,
		NewStatus:       repository.StatusPending,
		NewLevel:        req.CurrentLevel + 1,
		NewActorRef:     &nextActor,
		ResetLevelClock: true,
		LevelEnteredAt:  now,
		LevelDeadline:   levelDeadline(now, nextLevel),
		Action:          action,
		Audit: &repository.AuditLogEntry{
			EventType:   repository.EventLevelAdvanced,
			ActorRef:    &in.ActorRef,
			BeforeState: stateString(repository.StatusPending, req.CurrentLevel),
			AfterState:  stateString(repository.StatusPending, req.CurrentLevel+1),
			Metadata:    map[string]any{"assigned_actor": nextActor},
		},
	}
	if err := s.requests.ApplyTransition(ctx, t); err != nil {
		return nil, err
	}

	req.CurrentLevel++
	req.CurrentActorRef = &nextActor
	req.LevelEnteredAt = now
	req.LevelDeadline = t.LevelDeadline

	s.notify(ctx, nextActor, req.ID, "approval_required")
	return req, nil
}

func (s *ApprovalService) applyReject(ctx context.Context, req *repository.ApprovalRequest, in ActInput) (*repository.ApprovalRequest, error) {
	now := s.now()
	t := &repository.Transition{
		RequestID:      req.ID,
		ExpectedStatus: repository.StatusPending,
		ExpectedLevel:  req.CurrentLevel,
		NewStatus:      repository.StatusRejected,
		NewLevel:       req.CurrentLevel,
		NewActorRef:    req.CurrentActorRef,
		Decided:        true,
		DecidedAt:      now,
		Action: &repository.ApprovalAction{
			LevelNo:  req.CurrentLevel,
			ActorRef: in.ActorRef,
			Decision: repository.DecisionReject,
			Comment:  in.Comment,
		},
		Audit: &repository.AuditLogEntry{
			EventType:   repository.EventRejected,
			ActorRef:    &in.ActorRef,
			BeforeState: stateString(repository.StatusPending, req.CurrentLevel),
			AfterState:  repository.StatusRejected,
		},
	}
	if err := s.requests.ApplyTransition(ctx, t); err != nil {
		return nil, err
	}

	req.Status = repository.StatusRejected
	req.DecidedAt = &now

	s.emitDecision(ctx, req, repository.StatusRejected, now)
	s.notify(ctx, req.RequesterRef, req.ID, "request_rejected")
	return req, nil
}

func (s *ApprovalService) applyDelegate(ctx context.Context, req *repository.ApprovalRequest, in ActInput) (*repository.ApprovalRequest, error) {
	if in.DelegateTo == "" {
		return nil, apperrors.InvalidInput("delegate_to", "is required for a delegate decision")
	}
	if in.DelegateTo == in.ActorRef {
		return nil, apperrors.InvalidInput("delegate_to", "cannot delegate to oneself")
	}
	if _, err := s.holders.GetByUserRef(ctx, in.DelegateTo); err != nil {
		return nil, err
	}

	now := s.now()

	// An actor covered by a delegation acts on borrowed authority; liability
	// stays one hop deep, so they may not delegate it onward.
	chained, err := s.delegations.ActiveAsDelegate(ctx, in.ActorRef, req.AuthorityType, now)
	if err != nil {
		return nil, err
	}
	if chained != nil {
		return nil, apperrors.Newf(apperrors.ErrCodeConflict,
			"chained delegation refused: %s acts on %s authority delegated by %s",
			in.ActorRef, req.AuthorityType, chained.DelegatorRef).
			ForRequest(req.ID, req.CurrentLevel)
	}

	reason := ""
	if in.Comment != nil {
		reason = *in.Comment
	}

	// The delegation binds to this request's authority type only; it is not a
	// standing delegation and never auto-revokes one.
	delegation := &repository.Delegation{
		DelegatorRef:  in.ActorRef,
		DelegateRef:   in.DelegateTo,
		AuthorityType: req.AuthorityType,
		RequestID:     &req.ID,
		ValidFrom:     now,
		ValidTo:       now.Add(requestScopedDelegationHorizon),
		Reason:        reason,
	}

	t := &repository.Transition{
		RequestID:      req.ID,
		ExpectedStatus: repository.StatusPending,
		ExpectedLevel:  req.CurrentLevel,
		NewStatus:      repository.StatusPending,
		NewLevel:       req.CurrentLevel,
		NewActorRef:    &in.DelegateTo,
		Action: &repository.ApprovalAction{
			LevelNo:  req.CurrentLevel,
			ActorRef: in.ActorRef,
			Decision: repository.DecisionDelegate,
			Comment:  in.Comment,
		},
		Delegation: delegation,
		Audit: &repository.AuditLogEntry{
			EventType:   repository.EventDelegated,
			ActorRef:    &in.ActorRef,
			BeforeState: stateString(repository.StatusPending, req.CurrentLevel),
			AfterState:  stateString(repository.StatusPending, req.CurrentLevel),
			Metadata:    map[string]any{"delegated_to": in.DelegateTo},
		},
	}
	if err := s.requests.ApplyTransition(ctx, t); err != nil {
		return nil, err
	}

	req.CurrentActorRef = &in.DelegateTo

	s.notify(ctx, in.DelegateTo, req.ID, "approval_required")
	return req, nil
}

func (s *ApprovalService) applyReturn(ctx context.Context, req *repository.ApprovalRequest, in ActInput) (*repository.ApprovalRequest, error) {
	t := &repository.Transition{
		RequestID:      req.ID,
		ExpectedStatus: repository.StatusPending,
		ExpectedLevel:  req.CurrentLevel,
		NewStatus:      repository.StatusDraft,
		NewLevel:       req.CurrentLevel,
		NewActorRef:    nil,
		Action: &repository.ApprovalAction{
			LevelNo:  req.CurrentLevel,
			ActorRef: in.ActorRef,
			Decision: repository.DecisionReturn,
			Comment:  in.Comment,
		},
		Audit: &repository.AuditLogEntry{
			EventType:   repository.EventReturned,
			ActorRef:    &in.ActorRef,
			BeforeState: stateString(repository.StatusPending, req.CurrentLevel),
			AfterState:  repository.StatusDraft,
		},
	}
	if err := s.requests.ApplyTransition(ctx, t); err != nil {
		return nil, err
	}

	req.Status = repository.StatusDraft
	req.CurrentActorRef = nil

	s.notify(ctx, req.RequesterRef, req.ID, "returned_for_clarification")
	return req, nil
}

// ── BulkAct ───────────────────────────────────────────────────────────────────

// BulkActResult is the per-request outcome of a bulk action.
type BulkActResult struct {
	RequestID string
	Request   *repository.ApprovalRequest
	Err       error
}

// BulkAct applies the same decision to many requests independently. One
// request's failure never aborts or rolls back the others.
func (s *ApprovalService) BulkAct(ctx context.Context, requestIDs []string, actorRef, decision string, comment *string) []BulkActResult {
	results := make([]BulkActResult, len(requestIDs))

	workers := bulkActWorkers
	if len(requestIDs) < workers {
		workers = len(requestIDs)
	}

	jobs := make(chan int, len(requestIDs))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				id := requestIDs[i]
				var levelNo int
				req, err := s.requests.GetByID(ctx, id)
				if err == nil {
					levelNo = req.CurrentLevel
					req, err = s.Act(ctx, ActInput{
						RequestID: id,
						LevelNo:   levelNo,
						ActorRef:  actorRef,
						Decision:  decision,
						Comment:   comment,
					})
				}
				results[i] = BulkActResult{RequestID: id, Request: req, Err: err}
			}
		}()
	}
	for i := range requestIDs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// ── Withdraw ──────────────────────────────────────────────────────────────────

// Withdraw lets the requester cancel a pending request.
func (s *ApprovalService) Withdraw(ctx context.Context, requestID, actorRef string) (*repository.ApprovalRequest, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if repository.IsTerminalStatus(req.Status) {
		return nil, apperrors.Newf(apperrors.ErrCodeClosed,
			"request is closed with status %s", req.Status).ForRequest(req.ID, req.CurrentLevel)
	}
	if req.RequesterRef != actorRef {
		return nil, apperrors.New(apperrors.ErrCodeUnauthorized,
			"only the requester can withdraw").ForRequest(req.ID, req.CurrentLevel)
	}

	now := s.now()
	t := &repository.Transition{
		RequestID:      req.ID,
		ExpectedStatus: req.Status,
		ExpectedLevel:  req.CurrentLevel,
		NewStatus:      repository.StatusWithdrawn,
		NewLevel:       req.CurrentLevel,
		NewActorRef:    nil,
		Decided:        true,
		DecidedAt:      now,
		Audit: &repository.AuditLogEntry{
			EventType:   repository.EventWithdrawn,
			ActorRef:    &actorRef,
			BeforeState: stateString(req.Status, req.CurrentLevel),
			AfterState:  repository.StatusWithdrawn,
		},
	}
	if err := s.requests.ApplyTransition(ctx, t); err != nil {
		return nil, err
	}

	req.Status = repository.StatusWithdrawn
	req.DecidedAt = &now

	s.emitDecision(ctx, req, repository.StatusWithdrawn, now)
	return req, nil
}

// ── Escalation transitions ────────────────────────────────────────────────────

// EscalateRequest applies the current level's escalation policy as a
// synthetic transition. Called by the escalation scheduler after the SLA
// breach and per-level idempotence checks; the guard on (status, level) still
// protects against racing human actions.
func (s *ApprovalService) EscalateRequest(ctx context.Context, req *repository.ApprovalRequest) (*repository.Escalation, error) {
	if req.Status != repository.StatusPending {
		return nil, apperrors.Newf(apperrors.ErrCodeConflict,
			"request is not pending (status: %s)", req.Status).ForRequest(req.ID, req.CurrentLevel)
	}

	tmpl, err := s.templates.GetTemplate(ctx, req.WorkflowTemplateID)
	if err != nil {
		return nil, err
	}
	level := tmpl.Level(req.CurrentLevel)
	if level == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeConfiguration,
			"template %s has no level %d", tmpl.ID, req.CurrentLevel).ForRequest(req.ID, req.CurrentLevel)
	}

	switch level.EscalationPolicy {
	case repository.PolicyNotifyOnly:
		return s.escalateNotifyOnly(ctx, req)
	case repository.PolicyReassignToNextRole:
		return s.escalateReassign(ctx, req, level)
	case repository.PolicyAutoApprove:
		return s.escalateAutoDecide(ctx, req, tmpl, repository.DecisionApprove)
	case repository.PolicyAutoReject:
		return s.escalateAutoDecide(ctx, req, tmpl, repository.DecisionReject)
	default:
		return nil, apperrors.Newf(apperrors.ErrCodeConfiguration,
			"unknown escalation policy: %s", level.EscalationPolicy).ForRequest(req.ID, req.CurrentLevel)
	}
}

// escalateNotifyOnly records the breach without changing state. The SLA clock
// is not reset, so the same level is not escalated again.
func (s *ApprovalService) escalateNotifyOnly(ctx context.Context, req *repository.ApprovalRequest) (*repository.Escalation, error) {
	escalation := &repository.Escalation{
		LevelNo:       req.CurrentLevel,
		PolicyApplied: repository.PolicyNotifyOnly,
		TriggeredAt:   s.now(),
	}
	systemActor := repository.SystemEscalationActor

	t := &repository.Transition{
		RequestID:      req.ID,
		ExpectedStatus: repository.StatusPending,
		ExpectedLevel:  req.CurrentLevel,
		NewStatus:      repository.StatusPending,
		NewLevel:       req.CurrentLevel,
		NewActorRef:    req.CurrentActorRef,
		Escalation:     escalation,
		Audit: &repository.AuditLogEntry{
			EventType:   repository.EventEscalated,
			ActorRef:    &systemActor,
			BeforeState: stateString(repository.StatusPending, req.CurrentLevel),
			AfterState:  stateString(repository.StatusPending, req.CurrentLevel),
			Metadata:    map[string]any{"policy": repository.PolicyNotifyOnly},
		},
	}
	if err := s.requests.ApplyTransition(ctx, t); err != nil {
		return nil, err
	}

	if req.CurrentActorRef != nil {
		s.notify(ctx, *req.CurrentActorRef, req.ID, "sla_breached")
	}
	s.notify(ctx, req.RequesterRef, req.ID, "sla_breached")
	return escalation, nil
}

// escalateReassign moves the level to the current approver's manager without
// changing the level, restarting the SLA clock. A chain with no manager left
// parks the request terminally.
func (s *ApprovalService) escalateReassign(ctx context.Context, req *repository.ApprovalRequest, level *repository.WorkflowLevel) (*repository.Escalation, error) {
	now := s.now()
	systemActor := repository.SystemEscalationActor

	current := ""
	if req.CurrentActorRef != nil {
		current = *req.CurrentActorRef
	}
	manager, err := s.resolver.managerOf(ctx, current)
	if err != nil {
		return nil, err
	}

	if manager == "" {
		escalation := &repository.Escalation{
			LevelNo:       req.CurrentLevel,
			PolicyApplied: repository.PolicyReassignToNextRole,
			TriggeredAt:   now,
		}
		t := &repository.Transition{
			RequestID:      req.ID,
			ExpectedStatus: repository.StatusPending,
			ExpectedLevel:  req.CurrentLevel,
			NewStatus:      repository.StatusEscalatedTerminal,
			NewLevel:       req.CurrentLevel,
			NewActorRef:    nil,
			Decided:        true,
			DecidedAt:      now,
			Escalation:     escalation,
			Audit: &repository.AuditLogEntry{
				EventType:   repository.EventEscalated,
				ActorRef:    &systemActor,
				BeforeState: stateString(repository.StatusPending, req.CurrentLevel),
				AfterState:  repository.StatusEscalatedTerminal,
				Metadata:    map[string]any{"policy": repository.PolicyReassignToNextRole, "reason": "reassignment chain exhausted"},
			},
		}
		if err := s.requests.ApplyTransition(ctx, t); err != nil {
			return nil, err
		}

		req.Status = repository.StatusEscalatedTerminal
		req.DecidedAt = &now
		s.emitDecision(ctx, req, repository.StatusEscalatedTerminal, now)
		return escalation, nil
	}

	actor, err := s.delegations.EffectiveActor(ctx, manager, req.AuthorityType, now)
	if err != nil {
		return nil, err
	}

	// TriggeredAt matches the reset level_entered_at exactly: the record
	// belongs to the occupancy that breached, and must not suppress
	// escalation of the one starting now.
	escalation := &repository.Escalation{
		LevelNo:           req.CurrentLevel,
		PolicyApplied:     repository.PolicyReassignToNextRole,
		ResultingActorRef: &actor,
		TriggeredAt:       now,
	}
	t := &repository.Transition{
		RequestID:       req.ID,
		ExpectedStatus:  repository.StatusPending,
		ExpectedLevel:   req.CurrentLevel,
		NewStatus:       repository.StatusPending,
		NewLevel:        req.CurrentLevel,
		NewActorRef:     &actor,
		ResetLevelClock: true,
		LevelEnteredAt:  now,
		LevelDeadline:   levelDeadline(now, level),
		Escalation:      escalation,
		Audit: &repository.AuditLogEntry{
			EventType:   repository.EventReassigned,
			ActorRef:    &systemActor,
			BeforeState: stateString(repository.StatusPending, req.CurrentLevel),
			AfterState:  stateString(repository.StatusPending, req.CurrentLevel),
			Metadata:    map[string]any{"policy": repository.PolicyReassignToNextRole, "reassigned_from": current, "reassigned_to": actor},
		},
	}
	if err := s.requests.ApplyTransition(ctx, t); err != nil {
		return nil, err
	}

	req.CurrentActorRef = &actor
	req.LevelEnteredAt = now
	req.LevelDeadline = t.LevelDeadline

	s.notify(ctx, actor, req.ID, "approval_required")
	return escalation, nil
}

// escalateAutoDecide applies the level's auto decision as if a system actor
// had acted: approve advances (or completes) the request, reject closes it.
func (s *ApprovalService) escalateAutoDecide(ctx context.Context, req *repository.ApprovalRequest, tmpl *repository.WorkflowTemplate, decision string) (*repository.Escalation, error) {
	now := s.now()
	systemActor := repository.SystemEscalationActor
	policy := repository.PolicyAutoApprove
	if decision == repository.DecisionReject {
		policy = repository.PolicyAutoReject
	}

	action := &repository.ApprovalAction{
		LevelNo:  req.CurrentLevel,
		ActorRef: systemActor,
		Decision: decision,
	}
	escalation := &repository.Escalation{
		LevelNo:       req.CurrentLevel,
		PolicyApplied: policy,
		TriggeredAt:   now,
	}

	final := decision == repository.DecisionReject || req.CurrentLevel >= req.TotalLevels
	if final {
		newStatus := repository.StatusApproved
		event := repository.EventApproved
		if decision == repository.DecisionReject {
			newStatus = repository.StatusRejected
			event = repository.EventRejected
		}

		t := &repository.Transition{
			RequestID:      req.ID,
			ExpectedStatus: repository.StatusPending,
			ExpectedLevel:  req.CurrentLevel,
			NewStatus:      newStatus,
			NewLevel:       req.CurrentLevel,
			NewActorRef:    req.CurrentActorRef,
			Decided:        true,
			DecidedAt:      now,
			Action:         action,
			Escalation:     escalation,
			Audit: &repository.AuditLogEntry{
				EventType:   event,
				ActorRef:    &systemActor,
				BeforeState: stateString(repository.StatusPending, req.CurrentLevel),
				AfterState:  newStatus,
				Metadata:    map[string]any{"policy": policy},
			},
		}
		if err := s.requests.ApplyTransition(ctx, t); err != nil {
			return nil, err
		}

		req.Status = newStatus
		req.DecidedAt = &now
		s.emitDecision(ctx, req, newStatus, now)
		s.notify(ctx, req.RequesterRef, req.ID, "request_"+newStatus)
		return escalation, nil
	}

	nextLevel := tmpl.Level(req.CurrentLevel + 1)
	if nextLevel == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeConfiguration,
			"template %s has no level %d", tmpl.ID, req.CurrentLevel+1).ForRequest(req.ID, req.CurrentLevel)
	}
	base, err := s.resolver.resolveBaseActor(ctx, req, nextLevel)
	if err != nil {
		return nil, err
	}
	nextActor, err := s.delegations.EffectiveActor(ctx, base, req.AuthorityType, now)
	if err != nil {
		return nil, err
	}
	escalation.ResultingActorRef = &nextActor

	t := &repository.Transition{
		RequestID:       req.ID,
		ExpectedStatus:  repository.StatusPending,
		ExpectedLevel:   req.CurrentLevel,
		NewStatus:       repository.StatusPending,
		NewLevel:        req.CurrentLevel + 1,
		NewActorRef:     &nextActor,
		ResetLevelClock: true,
		LevelEnteredAt:  now,
		LevelDeadline:   levelDeadline(now, nextLevel),
		Action:          action,
		Escalation:      escalation,
		Audit: &repository.AuditLogEntry{
			EventType:   repository.EventEscalated,
			ActorRef:    &systemActor,
			BeforeState: stateString(repository.StatusPending, req.CurrentLevel),
			AfterState:  stateString(repository.StatusPending, req.CurrentLevel+1),
			Metadata:    map[string]any{"policy": policy, "assigned_actor": nextActor},
		},
	}
	if err := s.requests.ApplyTransition(ctx, t); err != nil {
		return nil, err
	}

	req.CurrentLevel++
	req.CurrentActorRef = &nextActor
	req.LevelEnteredAt = now
	req.LevelDeadline = t.LevelDeadline

	s.notify(ctx, nextActor, req.ID, "approval_required")
	return escalation, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns a request by id.
func (s *ApprovalService) GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return s.requests.GetByID(ctx, id)
}

// Inbox returns all pending requests awaiting the given actor.
func (s *ApprovalService) Inbox(ctx context.Context, actorRef string) ([]*repository.ApprovalRequest, error) {
	return s.requests.ListPendingForActor(ctx, actorRef)
}

// RequestHistory is the full immutable trail of a request.
type RequestHistory struct {
	Request     *repository.ApprovalRequest
	Actions     []*repository.ApprovalAction
	Escalations []*repository.Escalation
	Audit       []*repository.AuditLogEntry
}

// History returns the request with its action, escalation and audit trails.
func (s *ApprovalService) History(ctx context.Context, requestID string) (*RequestHistory, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	actions, err := s.actions.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	escalations, err := s.escalations.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	audit, err := s.audits.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &RequestHistory{Request: req, Actions: actions, Escalations: escalations, Audit: audit}, nil
}

// ── Side effects ──────────────────────────────────────────────────────────────

// notify fires a non-fatal notification; failures are the publisher's problem.
func (s *ApprovalService) notify(ctx context.Context, actorRef, requestID, eventType string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, actorRef, requestID, eventType)
}

// emitDecision hands the terminal outcome to the owning business module. The
// transition guard guarantees a single winner per terminal status, so the
// hook fires exactly once per (request, status).
func (s *ApprovalService) emitDecision(ctx context.Context, req *repository.ApprovalRequest, decision string, decidedAt time.Time) {
	if s.decisions == nil {
		return
	}
	s.decisions.OnDecision(ctx, DecisionEvent{
		RequestID:  req.ID,
		EntityType: req.EntityType,
		EntityRef:  req.EntityRef,
		Decision:   decision,
		DecidedAt:  decidedAt,
	})
}

// stateString renders a state for the audit trail, including the level for
// pending states.
func stateString(status string, level int) string {
	if status == repository.StatusPending {
		return fmt.Sprintf("pending_level_%d", level)
	}
	return status
}
