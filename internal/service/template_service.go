package service

import (
	"context"
	"math"
	"sort"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/logger"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/repository"
)

// RequestContext carries the attributes a template's scope predicates are
// evaluated against.
type RequestContext struct {
	WorkflowType  string
	Amount        int64
	DepartmentRef *string
	RiskLevel     string
}

// TemplateService selects the applicable workflow template for a request and
// manages template configuration.
type TemplateService struct {
	templates TemplateStore
	log       *logger.Logger
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(templates TemplateStore, log *logger.Logger) *TemplateService {
	return &TemplateService{templates: templates, log: log}
}

// Select filters active templates whose scope matches the request context.
// Multiple matches resolve by specificity (count of bound predicate fields),
// then by narrowest bound amount band; a tie that survives both is a
// configuration error, and no match means the workflow is not configured —
// callers must never default to an arbitrary template.
func (s *TemplateService) Select(ctx context.Context, rc RequestContext) (*repository.WorkflowTemplate, error) {
	templates, err := s.templates.ListActive(ctx, rc.WorkflowType)
	if err != nil {
		return nil, err
	}

	var candidates []*repository.WorkflowTemplate
	bestScore := -1

	for _, t := range templates {
		score, ok := scopeScore(&t.Scope, rc)
		if !ok {
			continue
		}
		switch {
		case score > bestScore:
			candidates = append(candidates[:0], t)
			bestScore = score
		case score == bestScore:
			candidates = append(candidates, t)
		}
	}

	if len(candidates) == 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeConfiguration,
			"no workflow template configured for type=%s amount=%d", rc.WorkflowType, rc.Amount)
	}
	if len(candidates) > 1 {
		sort.SliceStable(candidates, func(i, j int) bool {
			return bandWidth(&candidates[i].Scope) < bandWidth(&candidates[j].Scope)
		})
		if bandWidth(&candidates[0].Scope) == bandWidth(&candidates[1].Scope) {
			return nil, apperrors.Newf(apperrors.ErrCodeConfiguration,
				"multiple workflow templates match type=%s amount=%d with equal specificity", rc.WorkflowType, rc.Amount)
		}
	}
	return candidates[0], nil
}

// bandWidth orders scopes by amount-band width so nested bands resolve to the
// narrowest. An unbounded edge counts as the widest possible bound, so any
// explicit band beats an open one.
func bandWidth(scope *repository.TemplateScope) int64 {
	lo, hi := int64(0), int64(math.MaxInt64)
	if scope.MinAmount != nil {
		lo = *scope.MinAmount
	}
	if scope.MaxAmount != nil {
		hi = *scope.MaxAmount
	}
	return hi - lo
}

// scopeScore evaluates the scope against the context. Returns the number of
// bound predicate fields and whether every bound predicate holds.
func scopeScore(scope *repository.TemplateScope, rc RequestContext) (int, bool) {
	score := 0

	if scope.MinAmount != nil || scope.MaxAmount != nil {
		if scope.MinAmount != nil && rc.Amount < *scope.MinAmount {
			return 0, false
		}
		if scope.MaxAmount != nil && rc.Amount >= *scope.MaxAmount {
			return 0, false
		}
		score++
	}
	if scope.DepartmentRef != nil {
		if rc.DepartmentRef == nil || *rc.DepartmentRef != *scope.DepartmentRef {
			return 0, false
		}
		score++
	}
	if scope.RiskLevel != nil {
		if rc.RiskLevel != *scope.RiskLevel {
			return 0, false
		}
		score++
	}

	return score, true
}

// CreateTemplate validates and persists a new template.
func (s *TemplateService) CreateTemplate(ctx context.Context, t *repository.WorkflowTemplate) error {
	if t.WorkflowType == "" {
		return apperrors.InvalidInput("workflow_type", "is required")
	}
	if err := validateLevelNumbers(len(t.Levels), func(i int) int { return t.Levels[i].LevelNo }); err != nil {
		return err
	}
	for _, level := range t.Levels {
		switch level.ApproverStrategy {
		case repository.StrategyFixedRole:
			if level.FixedRole == nil || *level.FixedRole == "" {
				return apperrors.InvalidInput("levels", "fixed_role strategy requires a role")
			}
		case repository.StrategyMatrixResolved, repository.StrategyRequesterManager:
		default:
			return apperrors.InvalidInput("levels", "unknown approver strategy: "+level.ApproverStrategy)
		}
		switch level.EscalationPolicy {
		case repository.PolicyReassignToNextRole, repository.PolicyAutoApprove,
			repository.PolicyAutoReject, repository.PolicyNotifyOnly:
		default:
			return apperrors.InvalidInput("levels", "unknown escalation policy: "+level.EscalationPolicy)
		}
		if level.SLAHours <= 0 {
			return apperrors.InvalidInput("levels", "sla_hours must be positive")
		}
	}

	t.IsActive = true
	if err := s.templates.Create(ctx, t); err != nil {
		return err
	}

	s.log.Info().
		Str("template_id", t.ID).
		Str("workflow_type", t.WorkflowType).
		Int("levels", len(t.Levels)).
		Msg("Workflow template created")
	return nil
}

// DeactivateTemplate retires a template.
func (s *TemplateService) DeactivateTemplate(ctx context.Context, id string) error {
	return s.templates.Deactivate(ctx, id)
}

// GetTemplate returns a template by id, active or not. In-flight requests
// resolve against the template they were created with.
func (s *TemplateService) GetTemplate(ctx context.Context, id string) (*repository.WorkflowTemplate, error) {
	return s.templates.GetByID(ctx, id)
}

// ListTemplates returns active templates for a workflow type.
func (s *TemplateService) ListTemplates(ctx context.Context, workflowType string) ([]*repository.WorkflowTemplate, error) {
	return s.templates.ListActive(ctx, workflowType)
}
