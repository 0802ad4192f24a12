package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/repository"
)

// seedExpenseWorkflow configures the standard two-level expense route:
// amounts in [0, 50000) require Manager then Finance Head.
func seedExpenseWorkflow(t *testing.T, e *testEngine) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.matrixSvc.CreateMatrix(ctx, &repository.AuthorityMatrix{
		AuthorityType: "expense",
		Category:      "*",
		MinAmount:     0,
		MaxAmount:     50000,
		RequiredLevels: []repository.AuthorityLevelSpec{
			{LevelNo: 1, RoleOrTitle: "Manager"},
			{LevelNo: 2, RoleOrTitle: "Finance Head"},
		},
	}))

	require.NoError(t, e.templateSvc.CreateTemplate(ctx, &repository.WorkflowTemplate{
		Name:         "expense-default",
		WorkflowType: "expense",
		Levels: []repository.WorkflowLevel{
			{LevelNo: 1, ApproverStrategy: repository.StrategyMatrixResolved,
				SLAHours: 24, EscalationPolicy: repository.PolicyNotifyOnly},
			{LevelNo: 2, ApproverStrategy: repository.StrategyMatrixResolved,
				SLAHours: 48, EscalationPolicy: repository.PolicyNotifyOnly},
		},
	}))

	registerHolder(t, e, "holder-7", "Manager")
	registerHolder(t, e, "fin-1", "Finance Head")
	registerHolder(t, e, "emp-42", "Engineer")
}

func submitExpense(t *testing.T, e *testEngine, amount int64) *repository.ApprovalRequest {
	t.Helper()
	req, err := e.approvalSvc.Submit(context.Background(), SubmitInput{
		WorkflowType: "expense",
		EntityType:   "expense_claim",
		EntityRef:    "claim-1001",
		RequesterRef: "emp-42",
		Category:     "travel",
		Amount:       amount,
	})
	require.NoError(t, err)
	return req
}

func TestSubmit_ResolvesFirstLevel(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)

	req := submitExpense(t, e, 20000)

	assert.Equal(t, repository.StatusPending, req.Status)
	assert.Equal(t, 1, req.CurrentLevel)
	assert.Equal(t, 2, req.TotalLevels)
	require.NotNil(t, req.CurrentActorRef)
	assert.Equal(t, "holder-7", *req.CurrentActorRef)
	assert.Equal(t, req.LevelEnteredAt.Add(24*time.Hour), req.LevelDeadline)

	// The submission lands in the audit trail and notifies the approver.
	audit, err := e.approvalSvc.History(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, audit.Audit, 1)
	assert.Equal(t, repository.EventSubmitted, audit.Audit[0].EventType)
	assert.Equal(t, "pending_level_1", audit.Audit[0].AfterState)

	require.Len(t, e.notifier.events, 1)
	assert.Equal(t, "holder-7", e.notifier.events[0].ActorRef)
	assert.Equal(t, "approval_required", e.notifier.events[0].EventType)
}

func TestSubmit_AppliesStandingDelegation(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)
	registerHolder(t, e, "deputy-1", "Manager")

	now := time.Now()
	_, err := e.delegationSvc.CreateDelegation(context.Background(), CreateDelegationInput{
		DelegatorRef: "holder-7", DelegateRef: "deputy-1", AuthorityType: "expense",
		ValidFrom: now.Add(-time.Hour), ValidTo: now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	req := submitExpense(t, e, 20000)
	require.NotNil(t, req.CurrentActorRef)
	assert.Equal(t, "deputy-1", *req.CurrentActorRef)
}

func TestSubmit_NoConfigurationFailsAtomically(t *testing.T) {
	e := newTestEngine()

	_, err := e.approvalSvc.Submit(context.Background(), SubmitInput{
		WorkflowType: "expense",
		EntityType:   "expense_claim",
		EntityRef:    "claim-1",
		RequesterRef: "emp-42",
		Amount:       100,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConfiguration, apperrors.CodeOf(err))
	assert.Empty(t, e.store.requests)
	assert.Empty(t, e.store.audits)
}

func TestAct_ApproveAdvancesThenCompletes(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)
	ctx := context.Background()

	req := submitExpense(t, e, 20000)

	req, err := e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "holder-7",
		Decision: repository.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, req.Status)
	assert.Equal(t, 2, req.CurrentLevel)
	require.NotNil(t, req.CurrentActorRef)
	assert.Equal(t, "fin-1", *req.CurrentActorRef)
	assert.Zero(t, e.hook.count())

	req, err = e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 2, ActorRef: "fin-1",
		Decision: repository.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, req.Status)
	require.NotNil(t, req.DecidedAt)

	require.Equal(t, 1, e.hook.count())
	assert.Equal(t, repository.StatusApproved, e.hook.events[0].Decision)
	assert.Equal(t, "claim-1001", e.hook.events[0].EntityRef)

	history, err := e.approvalSvc.History(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, history.Actions, 2)
	assert.Equal(t, []string{
		repository.EventSubmitted, repository.EventLevelAdvanced, repository.EventApproved,
	}, []string{history.Audit[0].EventType, history.Audit[1].EventType, history.Audit[2].EventType})
}

func TestAct_RejectIsTerminalAtAnyLevel(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)
	ctx := context.Background()

	req := submitExpense(t, e, 20000)

	req, err := e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "holder-7",
		Decision: repository.DecisionReject, Comment: strPtr("missing receipts"),
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, req.Status)
	require.Equal(t, 1, e.hook.count())
	assert.Equal(t, repository.StatusRejected, e.hook.events[0].Decision)
}

func TestAct_StaleLevelConflicts(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)
	ctx := context.Background()

	req := submitExpense(t, e, 20000)
	_, err := e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "holder-7",
		Decision: repository.DecisionApprove,
	})
	require.NoError(t, err)

	// A decision captured against level 1 arrives after the advance.
	_, err = e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "holder-7",
		Decision: repository.DecisionApprove,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
}

func TestAct_UnauthorizedActor(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)

	req := submitExpense(t, e, 20000)
	_, err := e.approvalSvc.Act(context.Background(), ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "emp-42",
		Decision: repository.DecisionApprove,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))
}

func TestAct_DelegateGainedAfterAssignmentMayAct(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)
	registerHolder(t, e, "deputy-1", "Manager")
	ctx := context.Background()

	req := submitExpense(t, e, 20000)
	require.Equal(t, "holder-7", *req.CurrentActorRef)

	// The delegation is created after the level was assigned; authority is
	// checked at action time, so the deputy may act.
	now := time.Now()
	_, err := e.delegationSvc.CreateDelegation(ctx, CreateDelegationInput{
		DelegatorRef: "holder-7", DelegateRef: "deputy-1", AuthorityType: "expense",
		ValidFrom: now.Add(-time.Minute), ValidTo: now.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	updated, err := e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "deputy-1",
		Decision: repository.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentLevel)
}

func TestAct_ClosedRequestRefusesActions(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)
	ctx := context.Background()

	req := submitExpense(t, e, 20000)
	_, err := e.approvalSvc.Withdraw(ctx, req.ID, "emp-42")
	require.NoError(t, err)

	_, err = e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "holder-7",
		Decision: repository.DecisionApprove,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeClosed, apperrors.CodeOf(err))
}

func TestAct_ConcurrentFinalApprovals_ExactlyOneWins(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	// Single-level route so the race is on the terminal transition.
	require.NoError(t, e.matrixSvc.CreateMatrix(ctx, &repository.AuthorityMatrix{
		AuthorityType: "expense", Category: "*", MinAmount: 0, MaxAmount: 50000,
		RequiredLevels: []repository.AuthorityLevelSpec{{LevelNo: 1, RoleOrTitle: "Manager"}},
	}))
	require.NoError(t, e.templateSvc.CreateTemplate(ctx, &repository.WorkflowTemplate{
		Name: "expense-single", WorkflowType: "expense",
		Levels: []repository.WorkflowLevel{
			{LevelNo: 1, ApproverStrategy: repository.StrategyMatrixResolved,
				SLAHours: 24, EscalationPolicy: repository.PolicyNotifyOnly},
		},
	}))
	registerHolder(t, e, "holder-7", "Manager")
	registerHolder(t, e, "emp-42", "Engineer")

	req := submitExpense(t, e, 20000)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.approvalSvc.Act(ctx, ActInput{
				RequestID: req.ID, LevelNo: 1, ActorRef: "holder-7",
				Decision: repository.DecisionApprove,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			code := apperrors.CodeOf(err)
			assert.Contains(t, []apperrors.Code{apperrors.ErrCodeConflict, apperrors.ErrCodeClosed}, code)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, e.hook.count())

	final, err := e.approvalSvc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, final.Status)
}

func TestAct_DelegateDecisionReassignsLevel(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)
	registerHolder(t, e, "peer-1", "Manager")
	ctx := context.Background()

	req := submitExpense(t, e, 20000)

	req, err := e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "holder-7",
		Decision: repository.DecisionDelegate, DelegateTo: "peer-1",
		Comment: strPtr("conflict of interest"),
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, req.Status)
	assert.Equal(t, 1, req.CurrentLevel)
	assert.Equal(t, "peer-1", *req.CurrentActorRef)

	// The delegate completes the level.
	req, err = e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "peer-1",
		Decision: repository.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, req.CurrentLevel)
}

func TestAct_DelegateCannotDelegateOnward(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)
	registerHolder(t, e, "peer-1", "Manager")
	registerHolder(t, e, "peer-2", "Manager")
	ctx := context.Background()

	req := submitExpense(t, e, 20000)

	req, err := e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "holder-7",
		Decision: repository.DecisionDelegate, DelegateTo: "peer-1",
	})
	require.NoError(t, err)
	require.Equal(t, "peer-1", *req.CurrentActorRef)

	// peer-1 acts on borrowed authority; extending the chain is refused.
	_, err = e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "peer-1",
		Decision: repository.DecisionDelegate, DelegateTo: "peer-2",
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))

	// The level still sits with peer-1, who can decide it.
	req, err = e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "peer-1",
		Decision: repository.DecisionApprove,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, req.CurrentLevel)
}

func TestReturnForClarification_AndResubmit(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)
	ctx := context.Background()

	req := submitExpense(t, e, 20000)

	req, err := e.approvalSvc.Act(ctx, ActInput{
		RequestID: req.ID, LevelNo: 1, ActorRef: "holder-7",
		Decision: repository.DecisionReturn, Comment: strPtr("break down the line items"),
	})
	require.NoError(t, err)
	assert.Equal(t, repository.StatusDraft, req.Status)
	assert.Nil(t, req.CurrentActorRef)
	assert.Zero(t, e.hook.count()) // not a terminal outcome

	// Only the requester resubmits.
	_, err = e.approvalSvc.Resubmit(ctx, req.ID, "holder-7")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))

	req, err = e.approvalSvc.Resubmit(ctx, req.ID, "emp-42")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, req.Status)
	assert.Equal(t, 1, req.CurrentLevel)
	assert.Equal(t, "holder-7", *req.CurrentActorRef)
}

func TestWithdraw_RequesterOnly(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)
	ctx := context.Background()

	req := submitExpense(t, e, 20000)

	_, err := e.approvalSvc.Withdraw(ctx, req.ID, "holder-7")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))

	req, err = e.approvalSvc.Withdraw(ctx, req.ID, "emp-42")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusWithdrawn, req.Status)
	require.Equal(t, 1, e.hook.count())
	assert.Equal(t, repository.StatusWithdrawn, e.hook.events[0].Decision)
}

func TestBulkAct_PartialFailure(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)
	ctx := context.Background()

	first := submitExpense(t, e, 20000)
	second := submitExpense(t, e, 30000)
	withdrawn := submitExpense(t, e, 10000)
	_, err := e.approvalSvc.Withdraw(ctx, withdrawn.ID, "emp-42")
	require.NoError(t, err)

	results := e.approvalSvc.BulkAct(ctx,
		[]string{first.ID, second.ID, withdrawn.ID, "req-missing"},
		"holder-7", repository.DecisionApprove, nil)
	require.Len(t, results, 4)

	byID := make(map[string]BulkActResult, len(results))
	for _, res := range results {
		byID[res.RequestID] = res
	}

	require.NoError(t, byID[first.ID].Err)
	assert.Equal(t, 2, byID[first.ID].Request.CurrentLevel)
	require.NoError(t, byID[second.ID].Err)

	require.Error(t, byID[withdrawn.ID].Err)
	assert.Equal(t, apperrors.ErrCodeClosed, apperrors.CodeOf(byID[withdrawn.ID].Err))
	require.Error(t, byID["req-missing"].Err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(byID["req-missing"].Err))
}

func TestInbox_ListsAssignedPending(t *testing.T) {
	e := newTestEngine()
	seedExpenseWorkflow(t, e)
	ctx := context.Background()

	first := submitExpense(t, e, 20000)
	submitExpense(t, e, 30000)

	inbox, err := e.approvalSvc.Inbox(ctx, "holder-7")
	require.NoError(t, err)
	assert.Len(t, inbox, 2)

	// Advancing one request moves it to the next approver's inbox.
	_, err = e.approvalSvc.Act(ctx, ActInput{
		RequestID: first.ID, LevelNo: 1, ActorRef: "holder-7",
		Decision: repository.DecisionApprove,
	})
	require.NoError(t, err)

	inbox, err = e.approvalSvc.Inbox(ctx, "holder-7")
	require.NoError(t, err)
	assert.Len(t, inbox, 1)

	inbox, err = e.approvalSvc.Inbox(ctx, "fin-1")
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}
