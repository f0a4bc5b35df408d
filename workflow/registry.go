package workflow

import (
	"sync"

	"github.com/pkg/errors"
)

// Registry 配置期注册的策略: 审批链、升级策略、角色解析、代理人解析
type Registry struct {
	chainBuilders      sync.Map // workflowType -> ChainBuilder
	escalationPolicies sync.Map // workflowType -> EscalationPolicy

	mu                      sync.RWMutex
	defaultEscalationPolicy EscalationPolicy
	roleResolver            RoleResolver
	delegationResolver      DelegationResolver
}

func NewRegistry() *Registry {
	return &Registry{}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry 包级注册函数使用的registry
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func RegisterChainBuilder(workflowType string, builder ChainBuilder) error {
	return defaultRegistry.RegisterChainBuilder(workflowType, builder)
}

func RegisterEscalationPolicy(workflowType string, policy EscalationPolicy) error {
	return defaultRegistry.RegisterEscalationPolicy(workflowType, policy)
}

func RegisterRoleResolver(resolver RoleResolver) {
	defaultRegistry.RegisterRoleResolver(resolver)
}

func RegisterDelegationResolver(resolver DelegationResolver) {
	defaultRegistry.RegisterDelegationResolver(resolver)
}

func (r *Registry) RegisterChainBuilder(workflowType string, builder ChainBuilder) error {
	if workflowType == "" {
		return errors.WithMessage(ErrWorkflowParamInvalid, "workflowType is empty")
	}
	if builder == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "builder is nil")
	}
	if _, loaded := r.chainBuilders.LoadOrStore(workflowType, builder); loaded {
		return errors.WithMessagef(ErrChainBuilderRegistered, "workflowType: %s", workflowType)
	}
	return nil
}

func (r *Registry) GetChainBuilder(workflowType string) (ChainBuilder, error) {
	i, ok := r.chainBuilders.Load(workflowType)
	if !ok {
		return nil, errors.WithMessagef(ErrUnknownWorkflowType, "workflowType: %s", workflowType)
	}
	builder, ok := i.(ChainBuilder)
	if !ok {
		return nil, errors.WithMessagef(ErrUnknownWorkflowType, "workflowType: %s, type error,please check code", workflowType)
	}
	return builder, nil
}

// RegisterEscalationPolicy workflowType 为空时注册为默认策略,重复注册会覆盖
func (r *Registry) RegisterEscalationPolicy(workflowType string, policy EscalationPolicy) error {
	if policy == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "policy is nil")
	}
	if workflowType == "" {
		r.mu.Lock()
		r.defaultEscalationPolicy = policy
		r.mu.Unlock()
		return nil
	}
	r.escalationPolicies.Store(workflowType, policy)
	return nil
}

// GetEscalationPolicy 没有注册时返回 nil
func (r *Registry) GetEscalationPolicy(workflowType string) EscalationPolicy {
	if i, ok := r.escalationPolicies.Load(workflowType); ok {
		if policy, ok := i.(EscalationPolicy); ok {
			return policy
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultEscalationPolicy
}

func (r *Registry) RegisterRoleResolver(resolver RoleResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roleResolver = resolver
}

func (r *Registry) RoleResolver() RoleResolver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roleResolver
}

func (r *Registry) RegisterDelegationResolver(resolver DelegationResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegationResolver = resolver
}

func (r *Registry) DelegationResolver() DelegationResolver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.delegationResolver
}
