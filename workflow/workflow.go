package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// 辅助函数：替代 String 和 Bool
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
func Int64(i int64) *int64    { return &i }
func Int(i int) *int          { return &i }

// WorkflowInstance 工作流entity,Steps 按 step_number 升序
type WorkflowInstance struct {
	ID            int64                  `json:"id"`
	WorkflowType  string                 `json:"workflow_type"`
	ReferenceType string                 `json:"reference_type"`
	ReferenceID   string                 `json:"reference_id"`
	Status        WorkflowInstanceStatus `json:"status"`
	CurrentStep   int                    `json:"current_step"`
	InitiatedBy   string                 `json:"initiated_by"`
	Context       *JSONContext           `json:"context"`
	Version       int64                  `json:"version"`
	CreatedAt     int64                  `json:"created_at"`
	UpdatedAt     int64                  `json:"updated_at"`
	CompletedAt   int64                  `json:"completed_at"`
	Steps         []*WorkflowStep        `json:"steps,omitempty"`
}

// WorkflowStep 审批节点entity
type WorkflowStep struct {
	ID                 int64              `json:"id"`
	WorkflowInstanceID int64              `json:"workflow_instance_id"`
	StepNumber         int                `json:"step_number"`
	EligibleActor      EligibleActor      `json:"eligible_actor"`
	EscalatedFrom      *EligibleActor     `json:"escalated_from,omitempty"`
	Status             WorkflowStepStatus `json:"status"`
	SlaHours           int64              `json:"sla_hours"`
	ActivatedAt        int64              `json:"activated_at"`
	DueAt              int64              `json:"due_at"`
	DecidedBy          string             `json:"decided_by"`
	DecidedAt          int64              `json:"decided_at"`
	Comment            string             `json:"comment"`
	Version            int64              `json:"version"`
}

// IsActive 已激活并且还可以审批
func (s *WorkflowStep) IsActive() bool {
	return s.ActivatedAt > 0 && IsOpenWorkflowStepStatus(s.Status)
}

// ActiveStep 当前激活的节点,终止状态的工作流返回 nil
func (w *WorkflowInstance) ActiveStep() *WorkflowStep {
	for _, step := range w.Steps {
		if step.IsActive() {
			return step
		}
	}
	return nil
}

func (w *WorkflowInstance) Step(stepNumber int) *WorkflowStep {
	for _, step := range w.Steps {
		if step.StepNumber == stepNumber {
			return step
		}
	}
	return nil
}

func (w *WorkflowInstance) IsTerminal() bool {
	return IsOverWorkflowInstanceStatus(w.Status)
}

type CreateWorkflowReq struct {
	WorkflowType  string         `json:"workflow_type" validate:"required"`
	ReferenceType string         `json:"reference_type" validate:"required"`
	ReferenceID   string         `json:"reference_id" validate:"required"`
	InitiatedBy   string         `json:"initiated_by" validate:"required"`
	Context       map[string]any `json:"context"` // 上下文,可以为空,审批链构建时使用
}

type ProcessDecisionReq struct {
	WorkflowID int64          `json:"workflow_id" validate:"gt=0"`
	StepNumber int            `json:"step_number" validate:"gt=0"`
	ActorID    string         `json:"actor_id" validate:"required"`
	Action     DecisionAction `json:"action" validate:"oneof=approve reject"`
	Comment    string         `json:"comment"`
}

type DecisionResult struct {
	Status   DecisionStatus    `json:"status"`
	Workflow *WorkflowInstance `json:"workflow"`
}

type CancelWorkflowReq struct {
	WorkflowID int64  `json:"workflow_id" validate:"gt=0"`
	ActorID    string `json:"actor_id" validate:"required"`
	Reason     string `json:"reason"`
}

func dueAt(activatedAt time.Time, slaHours int64) int64 {
	if slaHours <= 0 {
		return 0
	}
	return activatedAt.Add(time.Duration(slaHours) * time.Hour).Unix()
}

func (s *WorkflowServiceImpl) CreateWorkflow(ctx context.Context, req *CreateWorkflowReq) (*WorkflowInstance, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "CreateWorkflow failed, req: %v,err: %v", req, err)
	}
	jsonContext := NewJSONContextFromMap(req.Context)
	specs, err := s.registry.buildChain(ctx, &BuildChainReq{
		WorkflowType:  req.WorkflowType,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		InitiatedBy:   req.InitiatedBy,
		Context:       jsonContext,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "buildChain failed, workflowType: %s, referenceID: %s", req.WorkflowType, req.ReferenceID)
	}

	now := s.now()
	var instance *WorkflowInstance
	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		instancePo, err := s.repo.CreateWorkflowInstance(ctx, &WorkflowInstancePo{
			WorkflowType:  req.WorkflowType,
			ReferenceType: req.ReferenceType,
			ReferenceID:   req.ReferenceID,
			Status:        WorkflowInstanceStatusInProgress,
			CurrentStep:   1,
			InitiatedBy:   req.InitiatedBy,
			Context:       jsonContext.ToBytesWithoutError(),
			CreatedAt:     now.Unix(),
		})
		if err != nil {
			return errors.WithMessagef(err, "CreateWorkflowInstance failed, workflowType: %s", req.WorkflowType)
		}
		stepPos := make([]*WorkflowStepPo, 0, len(specs))
		for i, spec := range specs {
			stepPo := &WorkflowStepPo{
				WorkflowInstanceID: instancePo.ID,
				StepNumber:         i + 1,
				ActorKind:          spec.EligibleActor.Kind,
				ActorValue:         spec.EligibleActor.Value,
				Status:             WorkflowStepStatusPending,
				SlaHours:           spec.SlaHours,
				CreatedAt:          now.Unix(),
			}
			if i == 0 {
				// 第一个节点创建即激活
				stepPo.ActivatedAt = now.Unix()
				stepPo.DueAt = dueAt(now, spec.SlaHours)
			}
			stepPos = append(stepPos, stepPo)
		}
		if err := s.repo.CreateWorkflowSteps(ctx, stepPos); err != nil {
			return errors.WithMessagef(err, "CreateWorkflowSteps failed, workflowInstanceID: %d", instancePo.ID)
		}
		instance = assemblyWorkflowInstance(instancePo, stepPos)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.incCreated(instance.WorkflowType)
	s.publish(ctx, newEvent(EventTypeWorkflowCreated, instance, now.Unix()).withStep(instance.Steps[0]))
	return instance, nil
}

func (s *WorkflowServiceImpl) ProcessDecision(ctx context.Context, req *ProcessDecisionReq) (*DecisionResult, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "ProcessDecision failed, req: %v,err: %v", req, err)
	}
	var (
		result *DecisionResult
		events []*Event
	)
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		instance, err := s.loadWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return err
		}
		if instance.IsTerminal() {
			return errors.WithMessagef(ErrWorkflowTerminal, "workflowID: %d, status: %s", instance.ID, instance.Status)
		}
		active := instance.ActiveStep()
		if active == nil {
			return errors.WithMessagef(ErrWorkflowInconsistent, "no active step, workflowID: %d, status: %s", instance.ID, instance.Status)
		}
		if active.StepNumber != req.StepNumber {
			return errors.WithMessagef(ErrStaleStep, "workflowID: %d, active step: %d, request step: %d", instance.ID, active.StepNumber, req.StepNumber)
		}
		eligible, err := s.guard.IsEligible(ctx, req.ActorID, active.EligibleActor)
		if err != nil {
			return errors.WithMessagef(err, "IsEligible failed, workflowID: %d, actorID: %s", instance.ID, req.ActorID)
		}
		if !eligible {
			return errors.WithMessagef(ErrUnauthorized, "actor %s is not eligible for step %d (%s), workflowID: %d", req.ActorID, active.StepNumber, active.EligibleActor, instance.ID)
		}
		if req.Action == DecisionActionReject && s.requireRejectComment && strings.TrimSpace(req.Comment) == "" {
			return errors.WithMessagef(ErrWorkflowParamInvalid, "comment is required when rejecting, workflowID: %d", instance.ID)
		}

		now := s.now()
		stepStatus := WorkflowStepStatusApproved
		if req.Action == DecisionActionReject {
			stepStatus = WorkflowStepStatusRejected
		}
		if err := s.decideStep(ctx, active, stepStatus, req.ActorID, req.Comment, now); err != nil {
			return err
		}

		next := instance.Step(active.StepNumber + 1)
		switch {
		case req.Action == DecisionActionReject:
			// 后续节点保持未激活,不会再被处理
			if err := s.finishWorkflow(ctx, instance, WorkflowInstanceStatusRejected, now); err != nil {
				return err
			}
			result = &DecisionResult{Status: DecisionStatusRejected, Workflow: instance}
		case next == nil:
			if err := s.finishWorkflow(ctx, instance, WorkflowInstanceStatusApproved, now); err != nil {
				return err
			}
			result = &DecisionResult{Status: DecisionStatusCompleted, Workflow: instance}
		default:
			if err := s.activateStep(ctx, instance, next, now); err != nil {
				return err
			}
			result = &DecisionResult{Status: DecisionStatusMovedToNext, Workflow: instance}
		}
		events = append(events, newEvent(EventTypeStepDecided, instance, now.Unix()).withStep(active))
		if instance.IsTerminal() {
			events = append(events, newEvent(EventTypeWorkflowCompleted, instance, now.Unix()))
		}
		return nil
	})
	if err != nil {
		if IsRetryableError(err) {
			s.metrics.incConflict()
		}
		return nil, err
	}
	s.metrics.incDecision(result.Workflow.WorkflowType, result.Status)
	s.publish(ctx, events...)
	return result, nil
}

func (s *WorkflowServiceImpl) GetWorkflow(ctx context.Context, workflowID int64) (*WorkflowInstance, error) {
	if workflowID <= 0 {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "invalid workflowID: %d", workflowID)
	}
	return s.loadWorkflow(ctx, workflowID)
}

func (s *WorkflowServiceImpl) CancelWorkflow(ctx context.Context, req *CancelWorkflowReq) (*WorkflowInstance, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "CancelWorkflow failed, req: %v,err: %v", req, err)
	}
	var (
		instance *WorkflowInstance
		events   []*Event
	)
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		var err error
		instance, err = s.loadWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return err
		}
		if instance.IsTerminal() {
			return errors.WithMessagef(ErrWorkflowTerminal, "workflowID: %d, status: %s", instance.ID, instance.Status)
		}
		ok, err := s.guard.CanCancel(ctx, req.ActorID, instance)
		if err != nil {
			return errors.WithMessagef(err, "CanCancel failed, workflowID: %d, actorID: %s", instance.ID, req.ActorID)
		}
		if !ok {
			return errors.WithMessagef(ErrUnauthorized, "actor %s can not cancel workflow %d", req.ActorID, instance.ID)
		}
		now := s.now()
		active := instance.ActiveStep()
		if active != nil {
			if err := s.decideStep(ctx, active, WorkflowStepStatusSkipped, req.ActorID, req.Reason, now); err != nil {
				return err
			}
		}
		if err := s.finishWorkflow(ctx, instance, WorkflowInstanceStatusCancelled, now); err != nil {
			return err
		}
		if active != nil {
			events = append(events, newEvent(EventTypeStepDecided, instance, now.Unix()).withStep(active))
		}
		completed := newEvent(EventTypeWorkflowCompleted, instance, now.Unix())
		completed.ActorID = req.ActorID
		completed.Comment = req.Reason
		events = append(events, completed)
		return nil
	})
	if err != nil {
		if IsRetryableError(err) {
			s.metrics.incConflict()
		}
		return nil, err
	}
	s.publish(ctx, events...)
	return instance, nil
}

func (s *WorkflowServiceImpl) QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstance, error) {
	if err := validatorUtil.Struct(params); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "QueryWorkflowInstance failed, params: %v,err: %v", params, err)
	}
	if params.Page == nil {
		params.Page = &Pager{Page: 1, Size: 10}
	}
	instancePos, err := s.repo.QueryWorkflowInstance(ctx, params)
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowInstance failed, params: %v", params)
	}
	ret := make([]*WorkflowInstance, 0, len(instancePos))
	for _, instancePo := range instancePos {
		ret = append(ret, assemblyWorkflowInstance(instancePo, nil))
	}
	return ret, nil
}

func (s *WorkflowServiceImpl) CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error) {
	if err := validatorUtil.Struct(params); err != nil {
		return 0, errors.Wrapf(ErrWorkflowParamInvalid, "CountWorkflowInstance failed, params: %v,err: %v", params, err)
	}
	count, err := s.repo.CountWorkflowInstance(ctx, params)
	if err != nil {
		return 0, errors.WithMessagef(err, "CountWorkflowInstance failed, params: %v", params)
	}
	return count, nil
}

func (s *WorkflowServiceImpl) EscalateStep(ctx context.Context, workflowID int64, stepNumber int) (*WorkflowInstance, error) {
	if workflowID <= 0 || stepNumber <= 0 {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "invalid workflowID: %d, stepNumber: %d", workflowID, stepNumber)
	}
	var (
		instance *WorkflowInstance
		events   []*Event
	)
	err := s.repo.Transaction(ctx, func(ctx context.Context) error {
		var err error
		instance, err = s.loadWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		now := s.now()
		step := instance.Step(stepNumber)
		if step == nil {
			return errors.WithMessagef(ErrWorkflowInstanceNotFound, "step %d not found, workflowID: %d", stepNumber, workflowID)
		}
		// 重新读取后再判断一次,sweep 查询到这里之间节点可能已经被处理
		if instance.IsTerminal() || !step.IsActive() || step.Status != WorkflowStepStatusPending ||
			step.DueAt <= 0 || step.DueAt >= now.Unix() {
			return errors.WithMessagef(errEscalationNotNeeded, "workflowID: %d, step: %d, status: %s, dueAt: %d", workflowID, stepNumber, step.Status, step.DueAt)
		}
		policy := s.registry.GetEscalationPolicy(instance.WorkflowType)
		if policy == nil {
			return errors.WithMessagef(ErrEscalationPolicyNotFound, "workflowType: %s", instance.WorkflowType)
		}
		target, err := policy.EscalationTarget(ctx, instance, step)
		if errors.Is(err, ErrEscalationTerminate) {
			// 升级策略决定直接驳回
			if err := s.decideStep(ctx, step, WorkflowStepStatusRejected, SystemActor, "escalation terminated the workflow", now); err != nil {
				return err
			}
			if err := s.finishWorkflow(ctx, instance, WorkflowInstanceStatusRejected, now); err != nil {
				return err
			}
			events = append(events,
				newEvent(EventTypeStepDecided, instance, now.Unix()).withStep(step),
				newEvent(EventTypeWorkflowCompleted, instance, now.Unix()))
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "EscalationTarget failed, workflowID: %d, step: %d", workflowID, stepNumber)
		}
		if target == nil || validatorUtil.Struct(target) != nil {
			return errors.WithMessagef(ErrWorkflowParamInvalid, "invalid escalation target %v, workflowID: %d, step: %d", target, workflowID, stepNumber)
		}
		if err := s.escalate(ctx, step, *target, now); err != nil {
			return err
		}
		events = append(events, newEvent(EventTypeStepEscalated, instance, now.Unix()).withStep(step))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events...)
	return instance, nil
}

// DeriveCurrentStep 根据节点状态推导 current_step
// 进行中: 激活节点的序号; 通过: 最后一个节点; 驳回/取消: 最后一个被处理的节点
func DeriveCurrentStep(instance *WorkflowInstance) (int, error) {
	if len(instance.Steps) == 0 {
		return 0, errors.WithMessagef(ErrWorkflowInconsistent, "workflow %d has no steps", instance.ID)
	}
	active := make([]*WorkflowStep, 0, 1)
	lastDecided := 0
	for i, step := range instance.Steps {
		if step.StepNumber != i+1 {
			return 0, errors.WithMessagef(ErrWorkflowInconsistent, "workflow %d step numbers are not contiguous", instance.ID)
		}
		if step.IsActive() {
			active = append(active, step)
		}
		if step.DecidedAt > 0 && step.Status != WorkflowStepStatusEscalated {
			lastDecided = step.StepNumber
		}
	}
	switch instance.Status {
	case WorkflowInstanceStatusInProgress, WorkflowInstanceStatusPending:
		if len(active) != 1 {
			return 0, errors.WithMessagef(ErrWorkflowInconsistent, "workflow %d has %d active steps", instance.ID, len(active))
		}
		return active[0].StepNumber, nil
	case WorkflowInstanceStatusApproved:
		if len(active) != 0 {
			return 0, errors.WithMessagef(ErrWorkflowInconsistent, "terminal workflow %d has active steps", instance.ID)
		}
		for _, step := range instance.Steps {
			if step.Status != WorkflowStepStatusApproved {
				return 0, errors.WithMessagef(ErrWorkflowInconsistent, "approved workflow %d has step %d in %s", instance.ID, step.StepNumber, step.Status)
			}
		}
		return len(instance.Steps), nil
	default:
		if len(active) != 0 {
			return 0, errors.WithMessagef(ErrWorkflowInconsistent, "terminal workflow %d has active steps", instance.ID)
		}
		if lastDecided == 0 {
			// 没有任何节点被处理时取消,停留在第一个节点
			return 1, nil
		}
		return lastDecided, nil
	}
}

func (s *WorkflowServiceImpl) CheckConsistency(ctx context.Context, workflowID int64) error {
	instance, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	derived, err := DeriveCurrentStep(instance)
	if err != nil {
		return err
	}
	if derived != instance.CurrentStep {
		return errors.WithMessagef(ErrWorkflowInconsistent, "workflow %d current_step %d, derived %d", instance.ID, instance.CurrentStep, derived)
	}
	return nil
}

func (s *WorkflowServiceImpl) loadWorkflow(ctx context.Context, workflowID int64) (*WorkflowInstance, error) {
	instancePos, err := s.repo.QueryWorkflowInstance(ctx, &QueryWorkflowInstanceParams{
		WorkflowInstanceID: &workflowID,
		Page:               &Pager{Page: 1, Size: 1},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowInstance failed, workflowID: %d", workflowID)
	}
	if len(instancePos) == 0 {
		return nil, errors.WithMessagef(ErrWorkflowInstanceNotFound, "workflowID: %d", workflowID)
	}
	stepPos, err := s.repo.QueryWorkflowStep(ctx, &QueryWorkflowStepParams{
		WorkflowInstanceID: &workflowID,
		Page:               &Pager{IsNoLimit: Bool(true)},
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "QueryWorkflowStep failed, workflowID: %d", workflowID)
	}
	return assemblyWorkflowInstance(instancePos[0], stepPos), nil
}

// decideStep 记录节点的处理结果,乐观锁写入,成功后同步修改内存中的 step
func (s *WorkflowServiceImpl) decideStep(ctx context.Context, step *WorkflowStep, status WorkflowStepStatus, actorID string, comment string, now time.Time) error {
	err := s.repo.UpdateWorkflowStep(ctx, &UpdateWorkflowStepParams{
		Where: &UpdateWorkflowStepWhere{
			ID:       step.ID,
			Version:  step.Version,
			StatusIn: []string{WorkflowStepStatusPending, WorkflowStepStatusEscalated},
		},
		Fields: &UpdateWorkflowStepField{
			Status:    String(status),
			DecidedBy: String(actorID),
			DecidedAt: Int64(now.Unix()),
			Comment:   String(comment),
			UpdatedAt: Int64(now.Unix()),
		},
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateWorkflowStep failed, workflowID: %d, step: %d", step.WorkflowInstanceID, step.StepNumber)
	}
	step.Status = status
	step.DecidedBy = actorID
	step.DecidedAt = now.Unix()
	step.Comment = comment
	step.Version++
	return nil
}

func (s *WorkflowServiceImpl) escalate(ctx context.Context, step *WorkflowStep, target EligibleActor, now time.Time) error {
	from := step.EligibleActor
	newDueAt := dueAt(now, step.SlaHours)
	err := s.repo.UpdateWorkflowStep(ctx, &UpdateWorkflowStepParams{
		Where: &UpdateWorkflowStepWhere{
			ID:       step.ID,
			Version:  step.Version,
			StatusIn: []string{WorkflowStepStatusPending},
		},
		Fields: &UpdateWorkflowStepField{
			Status:        String(WorkflowStepStatusEscalated),
			Actor:         &target,
			EscalatedFrom: &from,
			DueAt:         Int64(newDueAt),
			DecidedBy:     String(SystemActor),
			DecidedAt:     Int64(now.Unix()),
			UpdatedAt:     Int64(now.Unix()),
		},
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateWorkflowStep failed, workflowID: %d, step: %d", step.WorkflowInstanceID, step.StepNumber)
	}
	step.Status = WorkflowStepStatusEscalated
	step.EligibleActor = target
	step.EscalatedFrom = &from
	step.DueAt = newDueAt
	step.DecidedBy = SystemActor
	step.DecidedAt = now.Unix()
	step.Version++
	return nil
}

func (s *WorkflowServiceImpl) activateStep(ctx context.Context, instance *WorkflowInstance, next *WorkflowStep, now time.Time) error {
	nextDueAt := dueAt(now, next.SlaHours)
	err := s.repo.UpdateWorkflowStep(ctx, &UpdateWorkflowStepParams{
		Where: &UpdateWorkflowStepWhere{
			ID:       next.ID,
			Version:  next.Version,
			StatusIn: []string{WorkflowStepStatusPending},
		},
		Fields: &UpdateWorkflowStepField{
			ActivatedAt: Int64(now.Unix()),
			DueAt:       Int64(nextDueAt),
			UpdatedAt:   Int64(now.Unix()),
		},
	})
	if err != nil {
		return errors.WithMessagef(err, "activate step failed, workflowID: %d, step: %d", instance.ID, next.StepNumber)
	}
	next.ActivatedAt = now.Unix()
	next.DueAt = nextDueAt
	next.Version++

	err = s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			ID:       instance.ID,
			Version:  instance.Version,
			StatusIn: []string{WorkflowInstanceStatusInProgress},
		},
		Fields: &UpdateWorkflowInstanceField{
			CurrentStep: Int(next.StepNumber),
			UpdatedAt:   Int64(now.Unix()),
		},
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateWorkflowInstance failed, workflowID: %d", instance.ID)
	}
	instance.CurrentStep = next.StepNumber
	instance.UpdatedAt = now.Unix()
	instance.Version++
	return nil
}

func (s *WorkflowServiceImpl) finishWorkflow(ctx context.Context, instance *WorkflowInstance, status WorkflowInstanceStatus, now time.Time) error {
	err := s.repo.UpdateWorkflowInstance(ctx, &UpdateWorkflowInstanceParams{
		Where: &UpdateWorkflowInstanceWhere{
			ID:       instance.ID,
			Version:  instance.Version,
			StatusIn: []string{WorkflowInstanceStatusPending, WorkflowInstanceStatusInProgress},
		},
		Fields: &UpdateWorkflowInstanceField{
			Status:      String(status),
			CompletedAt: Int64(now.Unix()),
			UpdatedAt:   Int64(now.Unix()),
		},
	})
	if err != nil {
		return errors.WithMessagef(err, "UpdateWorkflowInstance failed, workflowID: %d, status: %s", instance.ID, status)
	}
	instance.Status = status
	instance.CompletedAt = now.Unix()
	instance.UpdatedAt = now.Unix()
	instance.Version++
	return nil
}

// publish 事务提交后调用,失败只记日志
func (s *WorkflowServiceImpl) publish(ctx context.Context, events ...*Event) {
	for _, event := range events {
		if err := s.emitter.Publish(ctx, event); err != nil {
			s.metrics.incPublishFailure(event.Type)
			slog.WarnContext(ctx, fmt.Sprintf("publish event failed, type: %s, workflowID: %d, eventID: %s, err: %v", event.Type, event.WorkflowID, event.EventID, err))
		}
	}
}

func assemblyWorkflowInstance(instancePo *WorkflowInstancePo, stepPos []*WorkflowStepPo) *WorkflowInstance {
	ret := &WorkflowInstance{
		ID:            instancePo.ID,
		WorkflowType:  instancePo.WorkflowType,
		ReferenceType: instancePo.ReferenceType,
		ReferenceID:   instancePo.ReferenceID,
		Status:        instancePo.Status,
		CurrentStep:   instancePo.CurrentStep,
		InitiatedBy:   instancePo.InitiatedBy,
		Context:       NewJSONContext(instancePo.Context),
		Version:       instancePo.Version,
		CreatedAt:     instancePo.CreatedAt,
		UpdatedAt:     instancePo.UpdatedAt,
		CompletedAt:   instancePo.CompletedAt,
	}
	if stepPos == nil {
		return ret
	}
	ret.Steps = make([]*WorkflowStep, 0, len(stepPos))
	for _, stepPo := range stepPos {
		step := &WorkflowStep{
			ID:                 stepPo.ID,
			WorkflowInstanceID: stepPo.WorkflowInstanceID,
			StepNumber:         stepPo.StepNumber,
			EligibleActor:      EligibleActor{Kind: stepPo.ActorKind, Value: stepPo.ActorValue},
			Status:             stepPo.Status,
			SlaHours:           stepPo.SlaHours,
			ActivatedAt:        stepPo.ActivatedAt,
			DueAt:              stepPo.DueAt,
			DecidedBy:          stepPo.DecidedBy,
			DecidedAt:          stepPo.DecidedAt,
			Comment:            stepPo.Comment,
			Version:            stepPo.Version,
		}
		if stepPo.EscalatedFromKind != "" {
			step.EscalatedFrom = &EligibleActor{Kind: stepPo.EscalatedFromKind, Value: stepPo.EscalatedFromValue}
		}
		ret.Steps = append(ret.Steps, step)
	}
	return ret
}
