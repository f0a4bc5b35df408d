package workflow

import (
	"context"

	"github.com/pkg/errors"
)

const (
	defaultAmountKey = "amount"
	defaultSlaHours  = 24
)

// ChainConfig 基于金额阈值的审批链配置
//
//	{
//	    "id": "BUDGET_APPROVAL",
//	    "name": "预算审批",
//	    "amount_key": "amount",
//	    "steps": [
//	        {"id": "manager", "user_key": "manager_id", "sla_hours": 24},
//	        {"id": "finance", "role": "FINANCE", "sla_hours": 48, "min_amount": 100000}
//	    ]
//	}
type ChainConfig struct {
	ID        string             `json:"id" validate:"required"` // 对应 workflowType
	Name      string             `json:"name"`
	AmountKey string             `json:"amount_key"` // 上下文中的金额字段,默认 amount
	Steps     []*ChainStepConfig `json:"steps" validate:"required,min=1,dive,required"`
}

// ChainStepConfig role/user/user_key 三选一
type ChainStepConfig struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Role      string   `json:"role"`
	User      string   `json:"user"`
	UserKey   string   `json:"user_key"` // 从上下文中读取审批人
	SlaHours  *int64   `json:"sla_hours" validate:"omitempty,gte=0"`
	MinAmount *float64 `json:"min_amount"` // 金额 >= min_amount 时才需要这个节点
}

// ThresholdChainBuilder 参考实现,金额越大审批节点越多
type ThresholdChainBuilder struct {
	config *ChainConfig
}

func NewThresholdChainBuilder(config *ChainConfig) (*ThresholdChainBuilder, error) {
	if config == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "config is nil")
	}
	if err := validatorUtil.Struct(config); err != nil {
		return nil, errors.Wrapf(ErrWorkflowParamInvalid, "chain config invalid, id: %s, err: %v", config.ID, err)
	}
	for i, step := range config.Steps {
		set := 0
		for _, v := range []string{step.Role, step.User, step.UserKey} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "chain config %s step %d needs exactly one of role, user, user_key", config.ID, i)
		}
	}
	return &ThresholdChainBuilder{config: config}, nil
}

// LoadChainConfig 构建并注册到默认registry
func LoadChainConfig(config *ChainConfig) error {
	return defaultRegistry.LoadChainConfig(config)
}

func (r *Registry) LoadChainConfig(config *ChainConfig) error {
	builder, err := NewThresholdChainBuilder(config)
	if err != nil {
		return err
	}
	return r.RegisterChainBuilder(config.ID, builder)
}

func (b *ThresholdChainBuilder) BuildChain(ctx context.Context, req *BuildChainReq) ([]*StepSpec, error) {
	jsonContext := req.Context
	if jsonContext == nil {
		jsonContext = NewJSONContext(nil)
	}
	amountKey := b.config.AmountKey
	if amountKey == "" {
		amountKey = defaultAmountKey
	}
	amount, ok := jsonContext.GetFloat64(amountKey)
	if !ok && b.hasThreshold() {
		// 有金额阈值时金额必须是数字,不按0处理
		return nil, errors.Errorf("context key %s missing or not a number, chain: %s", amountKey, b.config.ID)
	}

	ret := make([]*StepSpec, 0, len(b.config.Steps))
	for _, step := range b.config.Steps {
		if step.MinAmount != nil && amount < *step.MinAmount {
			continue
		}
		spec := &StepSpec{SlaHours: defaultSlaHours}
		if step.SlaHours != nil {
			spec.SlaHours = *step.SlaHours
		}
		switch {
		case step.Role != "":
			spec.EligibleActor = RoleActor(step.Role)
		case step.User != "":
			spec.EligibleActor = UserActor(step.User)
		default:
			userID, ok := jsonContext.GetString(step.UserKey)
			if !ok || userID == "" {
				return nil, errors.Errorf("context key %s not found, chain: %s, step: %s", step.UserKey, b.config.ID, step.ID)
			}
			spec.EligibleActor = UserActor(userID)
		}
		ret = append(ret, spec)
	}
	return ret, nil
}

func (b *ThresholdChainBuilder) hasThreshold() bool {
	for _, step := range b.config.Steps {
		if step.MinAmount != nil {
			return true
		}
	}
	return false
}
