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

// memStore is an in-memory RequestStore plus the append-only trails written by
// transitions. ApplyTransition takes the same guarded-update semantics as the
// SQL repository, under one mutex, so concurrency tests race on a real guard.
type memStore struct {
	mu          sync.Mutex
	requests    map[string]*repository.ApprovalRequest
	actions     []*repository.ApprovalAction
	escalations []*repository.Escalation
	delegations *memDelegations
	audits      []*repository.AuditLogEntry
	nextID      int
	seq         int64
}

func newMemStore(delegations *memDelegations) *memStore {
	return &memStore{
		requests:    make(map[string]*repository.ApprovalRequest),
		delegations: delegations,
	}
}

func (s *memStore) Create(_ context.Context, req *repository.ApprovalRequest, audit *repository.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	req.ID = fmt.Sprintf("req-%d", s.nextID)
	req.CreatedAt = time.Now()
	req.UpdatedAt = req.CreatedAt

	cp := *req
	s.requests[req.ID] = &cp

	audit.RequestID = req.ID
	s.appendAuditLocked(audit)
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, apperrors.NotFound("approval_request", id)
	}
	cp := *req
	return &cp, nil
}

func (s *memStore) ApplyTransition(_ context.Context, t *repository.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[t.RequestID]
	if !ok {
		return apperrors.NotFound("approval_request", t.RequestID)
	}
	if req.Status != t.ExpectedStatus || req.CurrentLevel != t.ExpectedLevel {
		if repository.IsTerminalStatus(req.Status) {
			return apperrors.Newf(apperrors.ErrCodeClosed,
				"request is closed with status %s", req.Status).ForRequest(req.ID, req.CurrentLevel)
		}
		return apperrors.Newf(apperrors.ErrCodeConflict,
			"stale level: expected %d, request is at %d", t.ExpectedLevel, req.CurrentLevel).
			ForRequest(req.ID, req.CurrentLevel)
	}

	req.Status = t.NewStatus
	req.CurrentLevel = t.NewLevel
	req.CurrentActorRef = t.NewActorRef
	if t.ResetLevelClock {
		req.LevelEnteredAt = t.LevelEnteredAt
		req.LevelDeadline = t.LevelDeadline
	}
	if t.Decided {
		decidedAt := t.DecidedAt
		req.DecidedAt = &decidedAt
	}
	if t.NewTemplateID != nil {
		req.WorkflowTemplateID = *t.NewTemplateID
	}
	if t.NewTotalLevels != nil {
		req.TotalLevels = *t.NewTotalLevels
	}
	req.UpdatedAt = time.Now()

	if t.Action != nil {
		t.Action.RequestID = t.RequestID
		t.Action.ID = fmt.Sprintf("act-%d", len(s.actions)+1)
		t.Action.ActedAt = time.Now()
		cp := *t.Action
		s.actions = append(s.actions, &cp)
	}
	if t.Escalation != nil {
		t.Escalation.RequestID = t.RequestID
		t.Escalation.ID = fmt.Sprintf("esc-%d", len(s.escalations)+1)
		if t.Escalation.TriggeredAt.IsZero() {
			t.Escalation.TriggeredAt = time.Now()
		}
		cp := *t.Escalation
		s.escalations = append(s.escalations, &cp)
	}
	if t.Delegation != nil && s.delegations != nil {
		s.delegations.insert(t.Delegation)
	}

	t.Audit.RequestID = t.RequestID
	s.appendAuditLocked(t.Audit)
	return nil
}

func (s *memStore) appendAuditLocked(e *repository.AuditLogEntry) {
	s.seq++
	e.Seq = s.seq
	e.ID = fmt.Sprintf("audit-%d", s.seq)
	e.OccurredAt = time.Now()
	cp := *e
	s.audits = append(s.audits, &cp)
}

func (s *memStore) ListPendingForActor(_ context.Context, actorRef string) ([]*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.ApprovalRequest
	for _, req := range s.requests {
		if req.Status == repository.StatusPending && req.CurrentActorRef != nil && *req.CurrentActorRef == actorRef {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ListPendingBreached(_ context.Context, now time.Time, limit int) ([]*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.ApprovalRequest
	for _, req := range s.requests {
		if req.Status == repository.StatusPending && !req.LevelDeadline.After(now) {
			cp := *req
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// ActionStore / EscalationStore / AuditStore

func (s *memStore) ListByRequest(_ context.Context, requestID string) ([]*repository.ApprovalAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.ApprovalAction
	for _, a := range s.actions {
		if a.RequestID == requestID {
			out = append(out, a)
		}
	}
	return out, nil
}

type memEscalations struct{ store *memStore }

func (s *memEscalations) ExistsSince(_ context.Context, requestID string, levelNo int, since time.Time) (bool, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	for _, e := range s.store.escalations {
		if e.RequestID == requestID && e.LevelNo == levelNo && e.TriggeredAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memEscalations) ListByRequest(_ context.Context, requestID string) ([]*repository.Escalation, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var out []*repository.Escalation
	for _, e := range s.store.escalations {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memAudits struct{ store *memStore }

func (s *memAudits) ListByRequest(_ context.Context, requestID string) ([]*repository.AuditLogEntry, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	var out []*repository.AuditLogEntry
	for _, e := range s.store.audits {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

// memMatrices is an in-memory MatrixStore.
type memMatrices struct {
	mu       sync.Mutex
	matrices []*repository.AuthorityMatrix
	nextID   int
	clock    time.Time
}

func (s *memMatrices) Create(_ context.Context, m *repository.AuthorityMatrix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m.ID = fmt.Sprintf("matrix-%d", s.nextID)
	// Strictly increasing creation times make recency tie-breaks deterministic.
	s.clock = s.clock.Add(time.Second)
	m.CreatedAt = s.clock
	cp := *m
	s.matrices = append(s.matrices, &cp)
	return nil
}

func (s *memMatrices) GetByID(_ context.Context, id string) (*repository.AuthorityMatrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.matrices {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("authority_matrix", id)
}

func (s *memMatrices) ListActive(_ context.Context, authorityType string) ([]*repository.AuthorityMatrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.AuthorityMatrix
	for _, m := range s.matrices {
		if m.AuthorityType == authorityType && m.IsActive {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memMatrices) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.matrices {
		if m.ID == id {
			m.IsActive = false
			return nil
		}
	}
	return apperrors.NotFound("authority_matrix", id)
}

// memTemplates is an in-memory TemplateStore.
type memTemplates struct {
	mu        sync.Mutex
	templates []*repository.WorkflowTemplate
	nextID    int
}

func (s *memTemplates) Create(_ context.Context, t *repository.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	t.ID = fmt.Sprintf("tmpl-%d", s.nextID)
	t.CreatedAt = time.Now()
	cp := *t
	s.templates = append(s.templates, &cp)
	return nil
}

func (s *memTemplates) GetByID(_ context.Context, id string) (*repository.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.templates {
		if t.ID == id {
			cp := *t
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("workflow_template", id)
}

func (s *memTemplates) ListActive(_ context.Context, workflowType string) ([]*repository.WorkflowTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.WorkflowTemplate
	for _, t := range s.templates {
		if t.WorkflowType == workflowType && t.IsActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memTemplates) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.templates {
		if t.ID == id {
			t.IsActive = false
			return nil
		}
	}
	return apperrors.NotFound("workflow_template", id)
}

// memHolders is an in-memory HolderStore. FindByRole prefers a department
// match, like the SQL repository.
type memHolders struct {
	mu      sync.Mutex
	holders []*repository.AuthorityHolder
	nextID  int
}

func (s *memHolders) Upsert(_ context.Context, h *repository.AuthorityHolder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.holders {
		if existing.UserRef == h.UserRef {
			h.ID = existing.ID
			cp := *h
			s.holders[i] = &cp
			return nil
		}
	}
	s.nextID++
	h.ID = fmt.Sprintf("holder-%d", s.nextID)
	cp := *h
	s.holders = append(s.holders, &cp)
	return nil
}

func (s *memHolders) GetByUserRef(_ context.Context, userRef string) (*repository.AuthorityHolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.holders {
		if h.UserRef == userRef {
			cp := *h
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("authority_holder", userRef)
}

func (s *memHolders) FindByRole(_ context.Context, roleOrTitle string, departmentRef *string) ([]*repository.AuthorityHolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched, fallback []*repository.AuthorityHolder
	for _, h := range s.holders {
		if h.RoleOrTitle != roleOrTitle || !h.IsActive {
			continue
		}
		cp := *h
		if departmentRef != nil && h.DepartmentRef != nil && *h.DepartmentRef == *departmentRef {
			matched = append(matched, &cp)
		} else if h.DepartmentRef == nil || departmentRef == nil {
			fallback = append(fallback, &cp)
		}
	}
	return append(matched, fallback...), nil
}

// memDelegations is an in-memory DelegationStore.
type memDelegations struct {
	mu          sync.Mutex
	delegations []*repository.Delegation
	nextID      int
}

func (s *memDelegations) insert(d *repository.Delegation) {
	s.nextID++
	d.ID = fmt.Sprintf("del-%d", s.nextID)
	d.CreatedAt = time.Now()
	cp := *d
	s.delegations = append(s.delegations, &cp)
}

func (s *memDelegations) Create(_ context.Context, d *repository.Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Creating a standing delegation auto-revokes the prior active one for the
	// same (delegator, authority_type).
	if d.RequestID == nil {
		now := time.Now()
		for _, existing := range s.delegations {
			if existing.DelegatorRef == d.DelegatorRef &&
				existing.AuthorityType == d.AuthorityType &&
				existing.RequestID == nil &&
				existing.RevokedAt == nil {
				revokedAt := now
				revokedBy := d.DelegatorRef
				existing.RevokedAt = &revokedAt
				existing.RevokedBy = &revokedBy
			}
		}
	}
	s.insert(d)
	return nil
}

func (s *memDelegations) Revoke(_ context.Context, id, revokedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.delegations {
		if d.ID == id {
			if d.RevokedAt != nil {
				return apperrors.Newf(apperrors.ErrCodeConflict, "delegation %s already revoked", id)
			}
			now := time.Now()
			d.RevokedAt = &now
			d.RevokedBy = &revokedBy
			return nil
		}
	}
	return apperrors.NotFound("delegation", id)
}

func (s *memDelegations) FindActive(_ context.Context, delegatorRef, authorityType string, at time.Time) (*repository.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.delegations {
		if d.DelegatorRef == delegatorRef && d.AuthorityType == authorityType &&
			d.RequestID == nil && d.ActiveAt(at) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memDelegations) FindActiveForRequest(_ context.Context, delegatorRef, authorityType, requestID string, at time.Time) (*repository.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var standing *repository.Delegation
	for _, d := range s.delegations {
		if d.DelegatorRef != delegatorRef || d.AuthorityType != authorityType || !d.ActiveAt(at) {
			continue
		}
		if d.RequestID != nil && *d.RequestID == requestID {
			cp := *d
			return &cp, nil
		}
		if d.RequestID == nil && standing == nil {
			cp := *d
			standing = &cp
		}
	}
	return standing, nil
}

func (s *memDelegations) FindActiveAsDelegate(_ context.Context, delegateRef, authorityType string, at time.Time) (*repository.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Request-scoped delegations count too: a request-scoped delegate holds
	// borrowed authority just as a standing one does.
	for _, d := range s.delegations {
		if d.DelegateRef == delegateRef && d.AuthorityType == authorityType && d.ActiveAt(at) {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memDelegations) ListForDelegator(_ context.Context, delegatorRef string) ([]*repository.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*repository.Delegation
	for _, d := range s.delegations {
		if d.DelegatorRef == delegatorRef {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// recordingNotifier captures notifications.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notifyEvent
}

type notifyEvent struct {
	ActorRef  string
	RequestID string
	EventType string
}

func (n *recordingNotifier) Notify(_ context.Context, actorRef, requestID, eventType string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notifyEvent{ActorRef: actorRef, RequestID: requestID, EventType: eventType})
}

// recordingHook captures terminal decision events.
type recordingHook struct {
	mu     sync.Mutex
	events []DecisionEvent
}

func (h *recordingHook) OnDecision(_ context.Context, event DecisionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

// grantAllLease is a Lease that always grants.
type grantAllLease struct{}

func (grantAllLease) Acquire(context.Context, string) (bool, error) { return true, nil }
func (grantAllLease) Release(context.Context, string) error         { return nil }

// testEngine bundles the full wiring over in-memory stores.
type testEngine struct {
	store       *memStore
	matrices    *memMatrices
	templates   *memTemplates
	holders     *memHolders
	delegations *memDelegations
	notifier    *recordingNotifier
	hook        *recordingHook

	matrixSvc     *MatrixService
	templateSvc   *TemplateService
	delegationSvc *DelegationService
	approvalSvc   *ApprovalService
}

func newTestEngine() *testEngine {
	log := logger.New(logger.Config{Level: "disabled"})

	delegations := &memDelegations{}
	store := newMemStore(delegations)
	matrices := &memMatrices{clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	templates := &memTemplates{}
	holders := &memHolders{}
	notifier := &recordingNotifier{}
	hook := &recordingHook{}

	matrixSvc := NewMatrixService(matrices, log)
	templateSvc := NewTemplateService(templates, log)
	delegationSvc := NewDelegationService(delegations, holders, log)
	approvalSvc := NewApprovalService(
		store, templateSvc, matrixSvc, delegationSvc,
		holders, store, &memEscalations{store: store}, &memAudits{store: store},
		notifier, hook, log,
	)

	return &testEngine{
		store:         store,
		matrices:      matrices,
		templates:     templates,
		holders:       holders,
		delegations:   delegations,
		notifier:      notifier,
		hook:          hook,
		matrixSvc:     matrixSvc,
		templateSvc:   templateSvc,
		delegationSvc: delegationSvc,
		approvalSvc:   approvalSvc,
	}
}

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }
