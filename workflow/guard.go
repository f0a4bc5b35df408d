package workflow

import (
	"context"
	"slices"

	"github.com/pkg/errors"
)

// RoleResolver 查询用户拥有的角色,组织架构由业务方实现
type RoleResolver interface {
	RolesOf(ctx context.Context, actorID string) ([]string, error)
}

// DelegationResolver 查询 actorID 可以代理审批的用户列表
type DelegationResolver interface {
	DelegatorsOf(ctx context.Context, actorID string) ([]string, error)
}

// AuthorizationGuard 只做判断,不修改任何状态
type AuthorizationGuard interface {
	IsEligible(ctx context.Context, actorID string, eligibleActor EligibleActor) (bool, error)
	CanCancel(ctx context.Context, actorID string, instance *WorkflowInstance) (bool, error)
}

type defaultAuthorizationGuard struct {
	registry  *Registry
	adminRole string
}

// NewAuthorizationGuard 角色和代理人解析器从registry中读取,允许启动后再注册
// adminRole 为空时没有超级审批角色
func NewAuthorizationGuard(registry *Registry, adminRole string) AuthorizationGuard {
	if registry == nil {
		registry = defaultRegistry
	}
	return &defaultAuthorizationGuard{registry: registry, adminRole: adminRole}
}

func (g *defaultAuthorizationGuard) IsEligible(ctx context.Context, actorID string, eligibleActor EligibleActor) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	switch eligibleActor.Kind {
	case ActorKindUser:
		if actorID == eligibleActor.Value {
			return true, nil
		}
		// 指定用户的节点管理员也不能越权,只有本人或者代理人
		return g.isDelegateOf(ctx, actorID, eligibleActor.Value)
	case ActorKindRole:
		roles, err := g.rolesOf(ctx, actorID)
		if err != nil {
			return false, err
		}
		if slices.Contains(roles, eligibleActor.Value) {
			return true, nil
		}
		return g.adminRole != "" && slices.Contains(roles, g.adminRole), nil
	}
	return false, errors.WithMessagef(ErrWorkflowParamInvalid, "unknown actor kind: %s", eligibleActor.Kind)
}

// CanCancel 发起人或者管理员可以取消
func (g *defaultAuthorizationGuard) CanCancel(ctx context.Context, actorID string, instance *WorkflowInstance) (bool, error) {
	if instance == nil || actorID == "" {
		return false, nil
	}
	if instance.InitiatedBy == actorID {
		return true, nil
	}
	return g.isAdmin(ctx, actorID)
}

func (g *defaultAuthorizationGuard) isAdmin(ctx context.Context, actorID string) (bool, error) {
	if g.adminRole == "" {
		return false, nil
	}
	roles, err := g.rolesOf(ctx, actorID)
	if err != nil {
		return false, err
	}
	return slices.Contains(roles, g.adminRole), nil
}

func (g *defaultAuthorizationGuard) rolesOf(ctx context.Context, actorID string) ([]string, error) {
	resolver := g.registry.RoleResolver()
	if resolver == nil {
		return nil, nil
	}
	roles, err := resolver.RolesOf(ctx, actorID)
	if err != nil {
		return nil, errors.WithMessagef(err, "RolesOf failed, actorID: %s", actorID)
	}
	return roles, nil
}

func (g *defaultAuthorizationGuard) isDelegateOf(ctx context.Context, actorID string, userID string) (bool, error) {
	resolver := g.registry.DelegationResolver()
	if resolver == nil {
		return false, nil
	}
	delegators, err := resolver.DelegatorsOf(ctx, actorID)
	if err != nil {
		return false, errors.WithMessagef(err, "DelegatorsOf failed, actorID: %s", actorID)
	}
	return slices.Contains(delegators, userID), nil
}

// StaticRoleResolver 配置文件里的 用户->角色 映射
type StaticRoleResolver map[string][]string

func (r StaticRoleResolver) RolesOf(ctx context.Context, actorID string) ([]string, error) {
	return r[actorID], nil
}

// StaticDelegationResolver 代理人 -> 被代理人列表
type StaticDelegationResolver map[string][]string

func (r StaticDelegationResolver) DelegatorsOf(ctx context.Context, actorID string) ([]string, error) {
	return r[actorID], nil
}
