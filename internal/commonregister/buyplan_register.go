package commonregister

import (
	"encoding/json"

	"github.com/blingmoon/buyplan-approval/internal/config"
	"github.com/blingmoon/buyplan-approval/workflow"
	"github.com/pkg/errors"
)

const (
	WorkflowTypeBudget      = "BUDGET_APPROVAL"
	WorkflowTypeOTBPlan     = "OTB_PLAN_APPROVAL"
	WorkflowTypeSKUProposal = "SKU_PROPOSAL_APPROVAL"
)

// 预算: 直属经理 -> 财务 -> 超过一百万需要CFO
const budgetChainJSON = `{
	"id": "BUDGET_APPROVAL",
	"name": "预算分配审批",
	"amount_key": "amount",
	"steps": [
		{"id": "manager", "name": "直属经理", "user_key": "manager_id", "sla_hours": 24},
		{"id": "finance", "name": "财务", "role": "FINANCE", "sla_hours": 48},
		{"id": "cfo", "name": "CFO", "role": "CFO", "sla_hours": 24, "min_amount": 1000000}
	]
}`

// OTB: 商品经理 -> 超过五十万需要财务
const otbPlanChainJSON = `{
	"id": "OTB_PLAN_APPROVAL",
	"name": "OTB计划审批",
	"amount_key": "otb_amount",
	"steps": [
		{"id": "merch_manager", "name": "商品经理", "role": "MERCH_MANAGER", "sla_hours": 24},
		{"id": "finance", "name": "财务", "role": "FINANCE", "sla_hours": 48, "min_amount": 500000}
	]
}`

// SKU提案: 买手主管 -> 商品经理, 总成本超过二十万需要商品总监
const skuProposalChainJSON = `{
	"id": "SKU_PROPOSAL_APPROVAL",
	"name": "SKU提案审批",
	"amount_key": "total_cost",
	"steps": [
		{"id": "buyer_lead", "name": "买手主管", "role": "BUYER_LEAD", "sla_hours": 24},
		{"id": "merch_manager", "name": "商品经理", "role": "MERCH_MANAGER", "sla_hours": 24},
		{"id": "merch_director", "name": "商品总监", "role": "MERCH_DIRECTOR", "sla_hours": 48, "min_amount": 200000}
	]
}`

// RegisterBuyPlanChains 注册买货计划的三类审批链, registry 为空时注册到默认registry
func RegisterBuyPlanChains(registry *workflow.Registry) error {
	if registry == nil {
		registry = workflow.DefaultRegistry()
	}
	for _, configJSON := range []string{budgetChainJSON, otbPlanChainJSON, skuProposalChainJSON} {
		config := &workflow.ChainConfig{}
		if err := json.Unmarshal([]byte(configJSON), config); err != nil {
			return errors.Wrap(err, "unmarshal chain config failed")
		}
		if err := registry.LoadChainConfig(config); err != nil {
			return errors.WithMessagef(err, "load chain config failed, id: %s", config.ID)
		}
	}
	return nil
}

// RegisterEscalationPolicy 三类工作流共用一个默认升级策略
func RegisterEscalationPolicy(registry *workflow.Registry, escalation *config.EscalationConfig) error {
	if registry == nil {
		registry = workflow.DefaultRegistry()
	}
	if escalation == nil {
		return errors.New("escalation config is nil")
	}
	return registry.RegisterEscalationPolicy("", escalation.EscalationPolicy())
}
