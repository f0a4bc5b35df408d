package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerTwoStepChain(t *testing.T, registry *Registry) {
	require.NoError(t, registry.RegisterChainBuilder("BUDGET_APPROVAL", StaticChain(
		&StepSpec{EligibleActor: UserActor("u-manager"), SlaHours: 24},
		&StepSpec{EligibleActor: RoleActor("FINANCE"), SlaHours: 48},
	)))
}

func createBudgetWorkflow(t *testing.T, env *testEnv) *WorkflowInstance {
	instance, err := env.service.CreateWorkflow(context.Background(), &CreateWorkflowReq{
		WorkflowType:  "BUDGET_APPROVAL",
		ReferenceType: "budget",
		ReferenceID:   "B-2026-001",
		InitiatedBy:   "u-planner",
	})
	require.NoError(t, err)
	return instance
}

func TestEscalationScheduler_SweepOnce(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	require.NotNil(t, metrics)
	env := newTestEnv(t, WithMetrics(metrics))
	registerTwoStepChain(t, env.registry)
	require.NoError(t, env.registry.RegisterEscalationPolicy("", &StaticEscalationPolicy{
		Superiors:       map[string]string{"u-manager": "u-director"},
		RoleEscalations: map[string]string{"FINANCE": "CFO"},
	}))
	escalated, cancel := env.hub.Subscribe(EventFilter{EventTypes: []EventType{EventTypeStepEscalated}})
	defer cancel()

	instance := createBudgetWorkflow(t, env)
	scheduler := NewEscalationScheduler(env.service, nil)

	t.Run("未超时不升级", func(t *testing.T) {
		env.clock.Advance(23 * time.Hour)
		result, err := scheduler.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Scanned)
	})

	t.Run("超时升级到上级", func(t *testing.T) {
		env.clock.Advance(2 * time.Hour)
		result, err := scheduler.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Escalated)

		got, err := env.service.GetWorkflow(ctx, instance.ID)
		require.NoError(t, err)
		step := got.Steps[0]
		assert.Equal(t, WorkflowStepStatusEscalated, step.Status)
		assert.Equal(t, UserActor("u-director"), step.EligibleActor)
		require.NotNil(t, step.EscalatedFrom)
		assert.Equal(t, UserActor("u-manager"), *step.EscalatedFrom)
		assert.Equal(t, SystemActor, step.DecidedBy)
		assert.Equal(t, env.clock.Now().Unix(), step.DecidedAt)
		assert.Equal(t, env.clock.Now().Add(24*time.Hour).Unix(), step.DueAt)
		assert.Equal(t, WorkflowInstanceStatusInProgress, got.Status)
		assert.Equal(t, 1, got.CurrentStep)
		require.NoError(t, env.service.CheckConsistency(ctx, instance.ID))

		require.Len(t, escalated, 1)
		event := <-escalated
		assert.Equal(t, instance.ID, event.WorkflowID)
		assert.Equal(t, 1, event.StepNumber)
		assert.Equal(t, 1.0, counterValue(t, reg, "approval_workflow_escalations_total", "escalated"))
	})

	t.Run("重复扫描不会再次升级", func(t *testing.T) {
		result, err := scheduler.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Scanned)

		env.clock.Advance(30 * time.Hour)
		result, err = scheduler.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Escalated, "escalated step is not escalated again in the same activation")
		assert.Len(t, escalated, 0)
	})

	t.Run("升级后原审批人无权限,新审批人可以审批", func(t *testing.T) {
		_, err := env.service.ProcessDecision(ctx, &ProcessDecisionReq{WorkflowID: instance.ID, StepNumber: 1, ActorID: "u-manager", Action: DecisionActionApprove})
		assert.True(t, errors.Is(err, ErrUnauthorized))

		result, err := env.service.ProcessDecision(ctx, &ProcessDecisionReq{WorkflowID: instance.ID, StepNumber: 1, ActorID: "u-director", Action: DecisionActionApprove})
		require.NoError(t, err)
		assert.Equal(t, DecisionStatusMovedToNext, result.Status)
		assert.Equal(t, "u-director", result.Workflow.Steps[0].DecidedBy)
	})

	t.Run("下一个节点重新计时", func(t *testing.T) {
		env.clock.Advance(49 * time.Hour)
		result, err := scheduler.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Escalated)

		got, err := env.service.GetWorkflow(ctx, instance.ID)
		require.NoError(t, err)
		assert.Equal(t, RoleActor("CFO"), got.Steps[1].EligibleActor)

		final, err := env.service.ProcessDecision(ctx, &ProcessDecisionReq{WorkflowID: instance.ID, StepNumber: 2, ActorID: "u-cfo", Action: DecisionActionApprove})
		require.NoError(t, err)
		assert.Equal(t, DecisionStatusCompleted, final.Status)
		require.NoError(t, env.service.CheckConsistency(ctx, instance.ID))
	})
}

func TestEscalationScheduler_TerminatePolicy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	registerTwoStepChain(t, env.registry)
	require.NoError(t, env.registry.RegisterEscalationPolicy("BUDGET_APPROVAL", &StaticEscalationPolicy{TerminateWhenNoTarget: true}))
	completed, cancel := env.hub.Subscribe(EventFilter{EventTypes: []EventType{EventTypeWorkflowCompleted}})
	defer cancel()

	instance := createBudgetWorkflow(t, env)
	env.clock.Advance(25 * time.Hour)
	result, err := NewEscalationScheduler(env.service, nil).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Terminated)

	got, err := env.service.GetWorkflow(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkflowInstanceStatusRejected, got.Status)
	assert.Equal(t, env.clock.Now().Unix(), got.CompletedAt)
	assert.Equal(t, WorkflowStepStatusRejected, got.Steps[0].Status)
	assert.Equal(t, SystemActor, got.Steps[0].DecidedBy)
	assert.Equal(t, WorkflowStepStatusPending, got.Steps[1].Status)
	assert.Zero(t, got.Steps[1].ActivatedAt)
	require.NoError(t, env.service.CheckConsistency(ctx, instance.ID))
	require.Len(t, completed, 1)
}

func TestEscalationScheduler_IsolatedFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	registerTwoStepChain(t, env.registry)
	require.NoError(t, env.registry.RegisterChainBuilder("OTB_PLAN_APPROVAL", StaticChain(&StepSpec{EligibleActor: RoleActor("MERCH"), SlaHours: 1})))
	// 只有 OTB 有升级策略, BUDGET 升级失败不影响 OTB
	require.NoError(t, env.registry.RegisterEscalationPolicy("OTB_PLAN_APPROVAL", &StaticEscalationPolicy{FallbackRole: "ADMIN"}))

	budget := createBudgetWorkflow(t, env)
	otb, err := env.service.CreateWorkflow(ctx, &CreateWorkflowReq{WorkflowType: "OTB_PLAN_APPROVAL", ReferenceType: "otb_plan", ReferenceID: "OTB-7", InitiatedBy: "u-planner"})
	require.NoError(t, err)

	env.clock.Advance(48 * time.Hour)
	result, err := NewEscalationScheduler(env.service, nil, WithSweepBatchSize(1)).SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Escalated)

	got, err := env.service.GetWorkflow(ctx, budget.ID)
	require.NoError(t, err)
	assert.Equal(t, WorkflowStepStatusPending, got.Steps[0].Status)
	got, err = env.service.GetWorkflow(ctx, otb.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleActor("ADMIN"), got.Steps[0].EligibleActor)

	_, err = env.service.EscalateStep(ctx, budget.ID, 1)
	assert.True(t, errors.Is(err, ErrEscalationPolicyNotFound))
	assert.True(t, IsSeriousError(err))
}

func TestEscalateStep_AfterDecision(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	registerTwoStepChain(t, env.registry)
	require.NoError(t, env.registry.RegisterEscalationPolicy("", &StaticEscalationPolicy{FallbackRole: "ADMIN"}))
	instance := createBudgetWorkflow(t, env)
	env.clock.Advance(25 * time.Hour)

	// sweep 查询之后,升级之前节点被审批
	_, err := env.service.ProcessDecision(ctx, &ProcessDecisionReq{WorkflowID: instance.ID, StepNumber: 1, ActorID: "u-manager", Action: DecisionActionApprove})
	require.NoError(t, err)
	_, err = env.service.EscalateStep(ctx, instance.ID, 1)
	assert.True(t, errors.Is(err, errEscalationNotNeeded))

	_, err = env.service.EscalateStep(ctx, instance.ID, 9)
	assert.True(t, errors.Is(err, ErrWorkflowInstanceNotFound))
}

func TestEscalationScheduler_LockHeld(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	lock := NewLocalWorkflowLock()
	scheduler := NewEscalationScheduler(env.service, lock, WithSweepLock("test-sweep", time.Minute))

	err := lock.NonBlockingSynchronized(ctx, "test-sweep", time.Minute, func(_ context.Context) error {
		result, err := scheduler.SweepOnce(context.Background())
		require.NoError(t, err)
		assert.True(t, result.LockSkipped)
		return nil
	})
	require.NoError(t, err)
}

func TestEscalationScheduler_LockBackendDown(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	env := newTestEnv(t, WithMetrics(NewMetrics(reg)))
	registerTwoStepChain(t, env.registry)
	require.NoError(t, env.registry.RegisterEscalationPolicy("", &StaticEscalationPolicy{FallbackRole: "ADMIN"}))
	instance := createBudgetWorkflow(t, env)
	env.clock.Advance(25 * time.Hour)

	client := newFakeRedis()
	client.setNXErr = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
	scheduler := NewEscalationScheduler(env.service, NewRedisWorkflowLock(client))

	result, err := scheduler.SweepOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockUnavailable))
	assert.False(t, result.LockSkipped)
	assert.Equal(t, 0, result.Escalated)
	assert.Equal(t, 1.0, counterValue(t, reg, "approval_workflow_sweep_runs_total", "failed"))
	assert.Equal(t, 0.0, counterValue(t, reg, "approval_workflow_sweep_runs_total", "lock_skipped"))

	// redis 恢复后下一次扫描正常升级
	client.setNXErr = nil
	result, err = scheduler.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Escalated)
	got, err := env.service.GetWorkflow(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleActor("ADMIN"), got.Steps[0].EligibleActor)
}

func TestEscalationScheduler_StartStop(t *testing.T) {
	env := newTestEnv(t)
	scheduler := NewEscalationScheduler(env.service, nil, WithSweepInterval(time.Hour))
	require.NoError(t, scheduler.Start(context.Background()))
	assert.Error(t, scheduler.Start(context.Background()))
	scheduler.Stop()
	scheduler.Stop()
	require.NoError(t, scheduler.Start(context.Background()))
	scheduler.Stop()
}

func TestStaticEscalationPolicy(t *testing.T) {
	ctx := context.Background()
	policy := &StaticEscalationPolicy{
		Superiors:       map[string]string{"u-buyer": "u-manager"},
		RoleEscalations: map[string]string{"MERCH": "MERCH_DIRECTOR"},
		FallbackRole:    "ADMIN",
	}
	target, err := policy.EscalationTarget(ctx, nil, &WorkflowStep{EligibleActor: UserActor("u-buyer")})
	require.NoError(t, err)
	assert.Equal(t, UserActor("u-manager"), *target)

	target, err = policy.EscalationTarget(ctx, nil, &WorkflowStep{EligibleActor: RoleActor("MERCH")})
	require.NoError(t, err)
	assert.Equal(t, RoleActor("MERCH_DIRECTOR"), *target)

	target, err = policy.EscalationTarget(ctx, nil, &WorkflowStep{EligibleActor: UserActor("u-unknown")})
	require.NoError(t, err)
	assert.Equal(t, RoleActor("ADMIN"), *target)

	// 已经是兜底角色,不能升级到自己
	_, err = policy.EscalationTarget(ctx, nil, &WorkflowStep{EligibleActor: RoleActor("ADMIN")})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrEscalationTerminate))
}
