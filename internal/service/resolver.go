package service

import (
	"context"
	"time"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/repository"
)

// approverResolver turns a workflow level's approver strategy into a concrete
// holder. Strategies form a closed set dispatched here, instead of branching
// inside the state machine.
type approverResolver struct {
	holders  HolderStore
	matrices *MatrixService
}

// resolveBaseActor returns the holder a level is addressed to, before
// delegation resolution.
func (r *approverResolver) resolveBaseActor(ctx context.Context, req *repository.ApprovalRequest, level *repository.WorkflowLevel) (string, error) {
	switch level.ApproverStrategy {
	case repository.StrategyFixedRole:
		return r.firstHolderWithRole(ctx, *level.FixedRole, req.DepartmentRef, req.ID, level.LevelNo)

	case repository.StrategyMatrixResolved:
		specs, err := r.matrices.Resolve(ctx, req.AuthorityType, req.Category, req.Amount)
		if err != nil {
			return "", err
		}
		for _, spec := range specs {
			if spec.LevelNo == level.LevelNo {
				return r.firstHolderWithRole(ctx, spec.RoleOrTitle, req.DepartmentRef, req.ID, level.LevelNo)
			}
		}
		return "", apperrors.Newf(apperrors.ErrCodeConfiguration,
			"authority matrix for type=%s defines no level %d", req.AuthorityType, level.LevelNo).
			ForRequest(req.ID, level.LevelNo)

	case repository.StrategyRequesterManager:
		return r.climbManagerChain(ctx, req.RequesterRef, level.LevelNo, req.ID)

	default:
		return "", apperrors.Newf(apperrors.ErrCodeConfiguration,
			"unknown approver strategy: %s", level.ApproverStrategy).ForRequest(req.ID, level.LevelNo)
	}
}

// firstHolderWithRole picks the most specific active holder for a role,
// preferring the request's department.
func (r *approverResolver) firstHolderWithRole(ctx context.Context, role string, departmentRef *string, requestID string, levelNo int) (string, error) {
	holders, err := r.holders.FindByRole(ctx, role, departmentRef)
	if err != nil {
		return "", err
	}
	if len(holders) == 0 {
		return "", apperrors.Newf(apperrors.ErrCodeConfiguration,
			"no active holder carries role %q", role).ForRequest(requestID, levelNo)
	}
	return holders[0].UserRef, nil
}

// climbManagerChain walks `hops` manager links up from the requester. Level 1
// is the requester's direct manager, level 2 that manager's manager, and so on.
func (r *approverResolver) climbManagerChain(ctx context.Context, requesterRef string, hops int, requestID string) (string, error) {
	ref := requesterRef
	for i := 0; i < hops; i++ {
		h, err := r.holders.GetByUserRef(ctx, ref)
		if err != nil {
			return "", err
		}
		if h.ManagerRef == nil || *h.ManagerRef == "" {
			return "", apperrors.Newf(apperrors.ErrCodeConfiguration,
				"manager chain ends at %s before level %d", ref, hops).ForRequest(requestID, hops)
		}
		ref = *h.ManagerRef
	}
	return ref, nil
}

// managerOf returns the manager of a holder, used by reassignment escalation.
func (r *approverResolver) managerOf(ctx context.Context, userRef string) (string, error) {
	h, err := r.holders.GetByUserRef(ctx, userRef)
	if err != nil {
		return "", err
	}
	if h.ManagerRef == nil || *h.ManagerRef == "" {
		return "", nil
	}
	return *h.ManagerRef, nil
}

// levelDeadline computes the SLA deadline for a level entered at the given
// instant.
func levelDeadline(enteredAt time.Time, level *repository.WorkflowLevel) time.Time {
	return enteredAt.Add(time.Duration(level.SLAHours) * time.Hour)
}
