package workflow

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

type ActorKind = string

const (
	ActorKindUser ActorKind = "user"
	ActorKindRole ActorKind = "role"
)

// EligibleActor 节点的审批人,可能是具体的用户,也可能是一个角色
type EligibleActor struct {
	Kind  ActorKind `json:"kind" validate:"oneof=user role"`
	Value string    `json:"value" validate:"required"`
}

func UserActor(userID string) EligibleActor {
	return EligibleActor{Kind: ActorKindUser, Value: userID}
}

func RoleActor(role string) EligibleActor {
	return EligibleActor{Kind: ActorKindRole, Value: role}
}

func (a EligibleActor) IsZero() bool {
	return a.Kind == "" && a.Value == ""
}

func (a EligibleActor) String() string {
	return fmt.Sprintf("%s:%s", a.Kind, a.Value)
}

// StepSpec 审批链中的一个节点
type StepSpec struct {
	EligibleActor EligibleActor `json:"eligible_actor"`
	SlaHours      int64         `json:"sla_hours" validate:"gte=0"` // 0 表示没有SLA,不会被升级
}

type BuildChainReq struct {
	WorkflowType  string
	ReferenceType string
	ReferenceID   string
	InitiatedBy   string
	Context       *JSONContext
}

// ChainBuilder 审批链构建器,按 workflowType 注册,需要外部实现
// 返回的节点按顺序审批,至少一个节点
type ChainBuilder interface {
	BuildChain(ctx context.Context, req *BuildChainReq) ([]*StepSpec, error)
}

// ChainBuilderFunc 函数适配 ChainBuilder
type ChainBuilderFunc func(ctx context.Context, req *BuildChainReq) ([]*StepSpec, error)

func (f ChainBuilderFunc) BuildChain(ctx context.Context, req *BuildChainReq) ([]*StepSpec, error) {
	return f(ctx, req)
}

// StaticChain 固定审批链,不看业务上下文
func StaticChain(specs ...*StepSpec) ChainBuilder {
	return ChainBuilderFunc(func(ctx context.Context, req *BuildChainReq) ([]*StepSpec, error) {
		ret := make([]*StepSpec, 0, len(specs))
		for _, spec := range specs {
			if spec == nil {
				// 交给 buildChain 统一校验
				ret = append(ret, nil)
				continue
			}
			copied := *spec
			ret = append(ret, &copied)
		}
		return ret, nil
	})
}

func (r *Registry) buildChain(ctx context.Context, req *BuildChainReq) ([]*StepSpec, error) {
	builder, err := r.GetChainBuilder(req.WorkflowType)
	if err != nil {
		return nil, err
	}
	specs, err := builder.BuildChain(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(ErrChainBuildFailed, "workflowType: %s, err: %v", req.WorkflowType, err)
	}
	if len(specs) == 0 {
		return nil, errors.WithMessagef(ErrChainBuildFailed, "empty chain, workflowType: %s", req.WorkflowType)
	}
	for i, spec := range specs {
		if spec == nil {
			return nil, errors.WithMessagef(ErrChainBuildFailed, "nil step, workflowType: %s, index: %d", req.WorkflowType, i)
		}
		if err := validatorUtil.Struct(spec); err != nil {
			return nil, errors.Wrapf(ErrChainBuildFailed, "invalid step, workflowType: %s, index: %d, err: %v", req.WorkflowType, i, err)
		}
	}
	return specs, nil
}
