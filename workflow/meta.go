package workflow

import "github.com/pkg/errors"

var (
	ErrWorkflowParamInvalid     = errors.New("workflow param invalid")
	ErrWorkflowInstanceNotFound = errors.New("workflow instance not found")
	ErrUnknownWorkflowType      = errors.New("unknown workflow type")
	ErrChainBuilderRegistered   = errors.New("chain builder already registered")
	// ErrChainBuildFailed: 审批链构建失败,创建工作流时不会落任何数据
	ErrChainBuildFailed = errors.New("chain build failed")
	// ErrWorkflowTerminal: 工作流已经是终止状态,不允许再修改,不会自动重试
	ErrWorkflowTerminal = errors.New("workflow is terminal")
	// ErrStaleStep: 操作的不是当前激活的节点,调用方需要刷新状态后再操作
	ErrStaleStep = errors.New("stale step")
	// ErrUnauthorized: 操作人没有当前节点的审批权限
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConcurrentModification: 乐观锁冲突,重新读取后可以重试,唯一可以重试的错误
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrWorkflowInconsistent: current_step 和节点状态对不上,需要人工介入
	ErrWorkflowInconsistent = errors.New("workflow state inconsistent")
	// ErrEscalationTerminate: 升级策略返回这个错误时,升级直接驳回整个工作流
	ErrEscalationTerminate = errors.New("escalation terminates workflow")
	// ErrEscalationPolicyNotFound: 工作流类型没有升级策略,也没有默认策略
	ErrEscalationPolicyNotFound = errors.New("escalation policy not found")
	// 升级时节点已经不需要处理(已审批/已升级/未超时),sweep 中计为跳过
	errEscalationNotNeeded = errors.New("escalation not needed")
)

// SystemActor 系统操作人,升级时写入 decided_by
const SystemActor = "system"

type WorkflowInstanceStatus = string

const (
	WorkflowInstanceStatusPending    WorkflowInstanceStatus = "PENDING"
	WorkflowInstanceStatusInProgress WorkflowInstanceStatus = "IN_PROGRESS"
	// 以下三种是终止状态,不允许再修改
	WorkflowInstanceStatusApproved  WorkflowInstanceStatus = "APPROVED"
	WorkflowInstanceStatusRejected  WorkflowInstanceStatus = "REJECTED"
	WorkflowInstanceStatusCancelled WorkflowInstanceStatus = "CANCELLED"
)

func IsOverWorkflowInstanceStatus(status WorkflowInstanceStatus) bool {
	return status == WorkflowInstanceStatusApproved || status == WorkflowInstanceStatusRejected || status == WorkflowInstanceStatusCancelled
}

func GetWorkflowInstanceStatusText(status WorkflowInstanceStatus) string {
	switch status {
	case WorkflowInstanceStatusPending:
		return "待开始"
	case WorkflowInstanceStatusInProgress:
		return "审批中"
	case WorkflowInstanceStatusApproved:
		return "已通过"
	case WorkflowInstanceStatusRejected:
		return "已驳回"
	case WorkflowInstanceStatusCancelled:
		return "已取消"
	}
	return "未知"
}

type WorkflowStepStatus = string

const (
	// 未激活的后续节点也是 PENDING,activated_at 为 0
	WorkflowStepStatusPending   WorkflowStepStatus = "PENDING"
	WorkflowStepStatusApproved  WorkflowStepStatus = "APPROVED"
	WorkflowStepStatusRejected  WorkflowStepStatus = "REJECTED"
	WorkflowStepStatusEscalated WorkflowStepStatus = "ESCALATED"
	// 工作流被取消时,当前激活节点置为 SKIPPED
	WorkflowStepStatusSkipped WorkflowStepStatus = "SKIPPED"
)

// IsOpenWorkflowStepStatus 节点还可以被审批的状态,升级后的节点依然可以审批
func IsOpenWorkflowStepStatus(status WorkflowStepStatus) bool {
	return status == WorkflowStepStatusPending || status == WorkflowStepStatusEscalated
}

func GetWorkflowStepStatusText(status WorkflowStepStatus) string {
	switch status {
	case WorkflowStepStatusPending:
		return "待审批"
	case WorkflowStepStatusApproved:
		return "通过"
	case WorkflowStepStatusRejected:
		return "驳回"
	case WorkflowStepStatusEscalated:
		return "已升级"
	case WorkflowStepStatusSkipped:
		return "跳过"
	}
	return "未知"
}

type DecisionAction = string

const (
	DecisionActionApprove DecisionAction = "approve"
	DecisionActionReject  DecisionAction = "reject"
)

type DecisionStatus = string

const (
	DecisionStatusCompleted   DecisionStatus = "completed"
	DecisionStatusMovedToNext DecisionStatus = "moved_to_next"
	DecisionStatusRejected    DecisionStatus = "rejected"
)

// IsRetryableError 只有乐观锁冲突可以重新读取后重试,其他错误都需要返回给用户
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrConcurrentModification)
}

// IsSeriousError 用于 sweep 中决定打 error 还是 warn 日志
// 严重错误定义：需要人工介入处理
// 1. 工作流数据不一致
// 2. 配置错误,找不到审批链或升级策略
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrWorkflowInconsistent) ||
		errors.Is(causeErr, ErrUnknownWorkflowType) ||
		errors.Is(causeErr, ErrChainBuildFailed) ||
		errors.Is(causeErr, ErrEscalationPolicyNotFound) ||
		errors.Is(causeErr, ErrWorkflowInstanceNotFound) {
		return true
	}
	return false
}
