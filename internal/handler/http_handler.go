package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/logger"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/repository"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/service"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	approvals   *service.ApprovalService
	delegations *service.DelegationService
	matrices    *service.MatrixService
	templates   *service.TemplateService
	holders     service.HolderStore
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	approvals *service.ApprovalService,
	delegations *service.DelegationService,
	matrices *service.MatrixService,
	templates *service.TemplateService,
	holders service.HolderStore,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		approvals:   approvals,
		delegations: delegations,
		matrices:    matrices,
		templates:   templates,
		holders:     holders,
		log:         log,
	}
}

// ── Approval requests ─────────────────────────────────────────────────────────

// SubmitRequest handles approval request submission.
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowType  string  `json:"workflow_type"`
		EntityType    string  `json:"entity_type"`
		EntityRef     string  `json:"entity_ref"`
		RequesterRef  string  `json:"requester_ref"`
		Category      string  `json:"category"`
		DepartmentRef *string `json:"department_ref"`
		Amount        int64   `json:"amount"`
		RiskLevel     string  `json:"risk_level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.approvals.Submit(r.Context(), service.SubmitInput{
		WorkflowType:  req.WorkflowType,
		EntityType:    req.EntityType,
		EntityRef:     req.EntityRef,
		RequesterRef:  req.RequesterRef,
		Category:      req.Category,
		DepartmentRef: req.DepartmentRef,
		Amount:        req.Amount,
		RiskLevel:     req.RiskLevel,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, requestDTO(created))
}

// GetRequest handles get request by id.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	req, err := h.approvals.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requestDTO(req))
}

// Act handles one approver decision.
func (h *HTTPHandler) Act(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID  string  `json:"request_id"`
		LevelNo    int     `json:"level_no"`
		ActorRef   string  `json:"actor_ref"`
		Decision   string  `json:"decision"`
		Comment    *string `json:"comment"`
		DelegateTo string  `json:"delegate_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.approvals.Act(r.Context(), service.ActInput{
		RequestID:  req.RequestID,
		LevelNo:    req.LevelNo,
		ActorRef:   req.ActorRef,
		Decision:   req.Decision,
		Comment:    req.Comment,
		DelegateTo: req.DelegateTo,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requestDTO(updated))
}

// BulkAct applies one decision to many requests; per-request outcomes are
// returned individually.
func (h *HTTPHandler) BulkAct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestIDs []string `json:"request_ids"`
		ActorRef   string   `json:"actor_ref"`
		Decision   string   `json:"decision"`
		Comment    *string  `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.RequestIDs) == 0 {
		http.Error(w, "request_ids must not be empty", http.StatusBadRequest)
		return
	}

	results := h.approvals.BulkAct(r.Context(), req.RequestIDs, req.ActorRef, req.Decision, req.Comment)

	type bulkResult struct {
		RequestID string `json:"request_id"`
		Status    string `json:"status,omitempty"`
		Error     string `json:"error,omitempty"`
		ErrorCode string `json:"error_code,omitempty"`
	}
	out := make([]bulkResult, 0, len(results))
	for _, res := range results {
		br := bulkResult{RequestID: res.RequestID}
		if res.Err != nil {
			br.Error = res.Err.Error()
			br.ErrorCode = string(apperrors.CodeOf(res.Err))
		} else {
			br.Status = res.Request.Status
		}
		out = append(out, br)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

// Withdraw handles requester cancellation.
func (h *HTTPHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
		ActorRef  string `json:"actor_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.approvals.Withdraw(r.Context(), req.RequestID, req.ActorRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requestDTO(updated))
}

// Resubmit re-enters a returned request into the workflow.
func (h *HTTPHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID    string `json:"request_id"`
		RequesterRef string `json:"requester_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.approvals.Resubmit(r.Context(), req.RequestID, req.RequesterRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requestDTO(updated))
}

// Inbox lists pending requests awaiting an actor.
func (h *HTTPHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	actorRef := r.URL.Query().Get("actor_ref")
	if actorRef == "" {
		http.Error(w, "actor_ref is required", http.StatusBadRequest)
		return
	}

	requests, err := h.approvals.Inbox(r.Context(), actorRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]map[string]any, 0, len(requests))
	for _, req := range requests {
		out = append(out, requestDTO(req))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": out, "total": len(out)})
}

// History returns the full trail of a request.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	history, err := h.approvals.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	actions := make([]map[string]any, 0, len(history.Actions))
	for _, a := range history.Actions {
		actions = append(actions, map[string]any{
			"id":        a.ID,
			"level_no":  a.LevelNo,
			"actor_ref": a.ActorRef,
			"decision":  a.Decision,
			"comment":   a.Comment,
			"acted_at":  a.ActedAt.Format(time.RFC3339),
		})
	}
	escalations := make([]map[string]any, 0, len(history.Escalations))
	for _, e := range history.Escalations {
		escalations = append(escalations, map[string]any{
			"id":                  e.ID,
			"level_no":            e.LevelNo,
			"policy_applied":      e.PolicyApplied,
			"resulting_actor_ref": e.ResultingActorRef,
			"triggered_at":        e.TriggeredAt.Format(time.RFC3339),
		})
	}
	audit := make([]map[string]any, 0, len(history.Audit))
	for _, a := range history.Audit {
		audit = append(audit, map[string]any{
			"id":           a.ID,
			"event_type":   a.EventType,
			"actor_ref":    a.ActorRef,
			"before_state": a.BeforeState,
			"after_state":  a.AfterState,
			"metadata":     a.Metadata,
			"occurred_at":  a.OccurredAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"request":     requestDTO(history.Request),
		"actions":     actions,
		"escalations": escalations,
		"audit_log":   audit,
	})
}

// ── Delegations ───────────────────────────────────────────────────────────────

// CreateDelegation registers a standing delegation.
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DelegatorRef  string    `json:"delegator_ref"`
		DelegateRef   string    `json:"delegate_ref"`
		AuthorityType string    `json:"authority_type"`
		ValidFrom     time.Time `json:"valid_from"`
		ValidTo       time.Time `json:"valid_to"`
		Reason        string    `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	d, err := h.delegations.CreateDelegation(r.Context(), service.CreateDelegationInput{
		DelegatorRef:  req.DelegatorRef,
		DelegateRef:   req.DelegateRef,
		AuthorityType: req.AuthorityType,
		ValidFrom:     req.ValidFrom,
		ValidTo:       req.ValidTo,
		Reason:        req.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, delegationDTO(d))
}

// ListDelegations lists delegations created by a user.
func (h *HTTPHandler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	delegatorRef := r.URL.Query().Get("delegator_ref")
	if delegatorRef == "" {
		http.Error(w, "delegator_ref is required", http.StatusBadRequest)
		return
	}

	list, err := h.delegations.ListDelegations(r.Context(), delegatorRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, d := range list {
		out = append(out, delegationDTO(d))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"delegations": out, "total": len(out)})
}

// RevokeDelegation revokes a delegation immediately.
func (h *HTTPHandler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string `json:"id"`
		RevokedBy string `json:"revoked_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.delegations.RevokeDelegation(r.Context(), req.ID, req.RevokedBy); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

// ── Configuration admin ───────────────────────────────────────────────────────

// CreateMatrix registers a new authority matrix version.
func (h *HTTPHandler) CreateMatrix(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AuthorityType  string                          `json:"authority_type"`
		Category       string                          `json:"category"`
		MinAmount      int64                           `json:"min_amount"`
		MaxAmount      int64                           `json:"max_amount"`
		RequiredLevels []repository.AuthorityLevelSpec `json:"required_levels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	m := &repository.AuthorityMatrix{
		AuthorityType:  req.AuthorityType,
		Category:       req.Category,
		MinAmount:      req.MinAmount,
		MaxAmount:      req.MaxAmount,
		RequiredLevels: req.RequiredLevels,
	}
	if err := h.matrices.CreateMatrix(r.Context(), m); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"id": m.ID})
}

// ListMatrices lists active matrices for an authority type.
func (h *HTTPHandler) ListMatrices(w http.ResponseWriter, r *http.Request) {
	authorityType := r.URL.Query().Get("authority_type")
	if authorityType == "" {
		http.Error(w, "authority_type is required", http.StatusBadRequest)
		return
	}

	list, err := h.matrices.ListMatrices(r.Context(), authorityType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, m := range list {
		out = append(out, map[string]any{
			"id":              m.ID,
			"authority_type":  m.AuthorityType,
			"category":        m.Category,
			"min_amount":      m.MinAmount,
			"max_amount":      m.MaxAmount,
			"required_levels": m.RequiredLevels,
			"is_active":       m.IsActive,
			"created_at":      m.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"matrices": out, "total": len(out)})
}

// DeactivateMatrix retires a matrix version.
func (h *HTTPHandler) DeactivateMatrix(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.matrices.DeactivateMatrix(r.Context(), req.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deactivated": true})
}

// CreateTemplate registers a new workflow template.
func (h *HTTPHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string                     `json:"name"`
		WorkflowType string                     `json:"workflow_type"`
		Scope        repository.TemplateScope   `json:"scope"`
		Levels       []repository.WorkflowLevel `json:"levels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	t := &repository.WorkflowTemplate{
		Name:         req.Name,
		WorkflowType: req.WorkflowType,
		Scope:        req.Scope,
		Levels:       req.Levels,
	}
	if err := h.templates.CreateTemplate(r.Context(), t); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"id": t.ID})
}

// ListTemplates lists active templates for a workflow type.
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	workflowType := r.URL.Query().Get("workflow_type")
	if workflowType == "" {
		http.Error(w, "workflow_type is required", http.StatusBadRequest)
		return
	}

	list, err := h.templates.ListTemplates(r.Context(), workflowType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, t := range list {
		out = append(out, map[string]any{
			"id":            t.ID,
			"name":          t.Name,
			"workflow_type": t.WorkflowType,
			"scope":         t.Scope,
			"levels":        t.Levels,
			"is_active":     t.IsActive,
			"created_at":    t.CreatedAt.Format(time.RFC3339),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"templates": out, "total": len(out)})
}

// DeactivateTemplate retires a template.
func (h *HTTPHandler) DeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.templates.DeactivateTemplate(r.Context(), req.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deactivated": true})
}

// UpsertHolder registers or updates an authority holder.
func (h *HTTPHandler) UpsertHolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserRef        string   `json:"user_ref"`
		RoleOrTitle    string   `json:"role_or_title"`
		DepartmentRef  *string  `json:"department_ref"`
		ManagerRef     *string  `json:"manager_ref"`
		AuthorityTypes []string `json:"authority_types"`
		IsActive       *bool    `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserRef == "" || req.RoleOrTitle == "" {
		http.Error(w, "user_ref and role_or_title are required", http.StatusBadRequest)
		return
	}

	holder := &repository.AuthorityHolder{
		UserRef:        req.UserRef,
		RoleOrTitle:    req.RoleOrTitle,
		DepartmentRef:  req.DepartmentRef,
		ManagerRef:     req.ManagerRef,
		AuthorityTypes: req.AuthorityTypes,
		IsActive:       true,
	}
	if req.IsActive != nil {
		holder.IsActive = *req.IsActive
	}
	if err := h.holders.Upsert(r.Context(), holder); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"id": holder.ID})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func requestDTO(req *repository.ApprovalRequest) map[string]any {
	dto := map[string]any{
		"id":               req.ID,
		"template_id":      req.WorkflowTemplateID,
		"requester_ref":    req.RequesterRef,
		"entity_type":      req.EntityType,
		"entity_ref":       req.EntityRef,
		"authority_type":   req.AuthorityType,
		"category":         req.Category,
		"department_ref":   req.DepartmentRef,
		"amount":           req.Amount,
		"risk_level":       req.RiskLevel,
		"status":           req.Status,
		"current_level":    req.CurrentLevel,
		"current_actor":    req.CurrentActorRef,
		"total_levels":     req.TotalLevels,
		"level_entered_at": req.LevelEnteredAt.Format(time.RFC3339),
		"level_deadline":   req.LevelDeadline.Format(time.RFC3339),
		"created_at":       req.CreatedAt.Format(time.RFC3339),
	}
	if req.DecidedAt != nil {
		dto["decided_at"] = req.DecidedAt.Format(time.RFC3339)
	}
	return dto
}

func delegationDTO(d *repository.Delegation) map[string]any {
	dto := map[string]any{
		"id":             d.ID,
		"delegator_ref":  d.DelegatorRef,
		"delegate_ref":   d.DelegateRef,
		"authority_type": d.AuthorityType,
		"request_id":     d.RequestID,
		"valid_from":     d.ValidFrom.Format(time.RFC3339),
		"valid_to":       d.ValidTo.Format(time.RFC3339),
		"reason":         d.Reason,
	}
	if d.RevokedAt != nil {
		dto["revoked_at"] = d.RevokedAt.Format(time.RFC3339)
		dto["revoked_by"] = d.RevokedBy
	}
	return dto
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps engine error codes to HTTP statuses and renders a stable
// error envelope.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)

	var status int
	switch code {
	case apperrors.ErrCodeValidation:
		status = http.StatusBadRequest
	case apperrors.ErrCodeConfiguration:
		status = http.StatusUnprocessableEntity
	case apperrors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	case apperrors.ErrCodeConflict, apperrors.ErrCodeClosed:
		status = http.StatusConflict
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	body := map[string]any{
		"error": err.Error(),
		"code":  string(code),
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.RequestID != "" {
		body["request_id"] = appErr.RequestID
		body["level"] = appErr.Level
	}
	h.writeJSON(w, status, body)
}
