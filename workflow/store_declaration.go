package workflow

import (
	"context"
)

// WorkflowRepo 工作流存储
// Update* 都是乐观锁写入: Where.Version 不匹配或状态不匹配时返回 ErrConcurrentModification
type WorkflowRepo interface {
	CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error)
	CreateWorkflowSteps(ctx context.Context, steps []*WorkflowStepPo) error
	QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error)
	CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error)
	QueryWorkflowStep(ctx context.Context, param *QueryWorkflowStepParams) ([]*WorkflowStepPo, error)
	UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) error
	UpdateWorkflowStep(ctx context.Context, param *UpdateWorkflowStepParams) error
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
