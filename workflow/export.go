package workflow

import (
	"context"
	"time"
)

type WorkflowService interface {
	/**
	 * @description: 创建工作流,构建审批链并在一个事务中落库,第一个节点立即激活
	 *				 审批链构建失败时不会落任何数据
	 * @param ctx context.Context
	 * @param req *CreateWorkflowReq
	 * @return *WorkflowInstance, error
	 */
	CreateWorkflow(ctx context.Context, req *CreateWorkflowReq) (*WorkflowInstance, error)
	/**
	 * @description: 处理当前节点的审批决定
	 *				 req.StepNumber 必须是当前激活的节点,否则返回 ErrStaleStep
	 *				 并发审批同一个节点只有一个会成功,其他返回 ErrStaleStep 或 ErrConcurrentModification
	 * @param ctx context.Context
	 * @param req *ProcessDecisionReq
	 * @return *DecisionResult, error
	 */
	ProcessDecision(ctx context.Context, req *ProcessDecisionReq) (*DecisionResult, error)
	/**
	 * @description: 查询工作流和按顺序排列的全部节点,只读
	 * @param ctx context.Context
	 * @param workflowID int64
	 * @return *WorkflowInstance, error
	 */
	GetWorkflow(ctx context.Context, workflowID int64) (*WorkflowInstance, error)
	/**
	 * @description: 取消工作流,发起人或者管理员可以取消,当前节点置为 SKIPPED
	 * @param ctx context.Context
	 * @param req *CancelWorkflowReq
	 * @return *WorkflowInstance, error
	 */
	CancelWorkflow(ctx context.Context, req *CancelWorkflowReq) (*WorkflowInstance, error)
	/**
	 * @description: 查询工作流实例列表,不包含节点
	 * @param ctx context.Context
	 * @param params *QueryWorkflowInstanceParams
	 * @return []*WorkflowInstance, error
	 */
	QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstance, error)
	CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error)
	/**
	 * @description: 超时节点升级,只处理已激活且仍为 PENDING 的节点,同一次激活最多升级一次
	 *				 节点已经被处理时返回 errEscalationNotNeeded 包装的错误
	 * @param ctx context.Context
	 * @param workflowID int64
	 * @param stepNumber int
	 * @return *WorkflowInstance, error
	 */
	EscalateStep(ctx context.Context, workflowID int64, stepNumber int) (*WorkflowInstance, error)
	/**
	 * @description: 检查 current_step 和节点状态是否一致,不一致返回 ErrWorkflowInconsistent
	 * @param ctx context.Context
	 * @param workflowID int64
	 * @return error
	 */
	CheckConsistency(ctx context.Context, workflowID int64) error
}

// WorkflowServiceImpl 工作流服务
type WorkflowServiceImpl struct {
	repo     WorkflowRepo
	registry *Registry
	guard    AuthorizationGuard
	emitter  EventEmitter
	metrics  *Metrics
	now      func() time.Time

	requireRejectComment bool
}

type ServiceOption func(s *WorkflowServiceImpl)

// WithRegistry 默认使用包级 registry
func WithRegistry(registry *Registry) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		s.registry = registry
	}
}

func WithGuard(guard AuthorizationGuard) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		s.guard = guard
	}
}

func WithEventEmitter(emitter EventEmitter) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		s.emitter = emitter
	}
}

func WithMetrics(metrics *Metrics) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		s.metrics = metrics
	}
}

// WithNowFunc 测试中替换时钟
func WithNowFunc(now func() time.Time) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		s.now = now
	}
}

// WithRequireRejectComment 驳回时必须填写意见
func WithRequireRejectComment(required bool) ServiceOption {
	return func(s *WorkflowServiceImpl) {
		s.requireRejectComment = required
	}
}

func NewWorkflowService(repo WorkflowRepo, opts ...ServiceOption) *WorkflowServiceImpl {
	s := &WorkflowServiceImpl{
		repo:     repo,
		registry: defaultRegistry,
		emitter:  NoopEventEmitter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = NewAuthorizationGuard(s.registry, "")
	}
	if s.emitter == nil {
		s.emitter = NoopEventEmitter{}
	}
	return s
}

var _ WorkflowService = (*WorkflowServiceImpl)(nil)

// Registry 服务使用的 registry
func (s *WorkflowServiceImpl) Registry() *Registry {
	return s.registry
}
