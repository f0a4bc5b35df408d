// Package workflow 提供买货计划的多级审批引擎。
//
// 预算分配、OTB 计划、SKU 提案三类业务对象共用同一个引擎, 谁来审批由按 workflowType
// 注册的审批链 (ChainBuilder) 决定, 引擎本身只负责状态流转。
//
// 主要特性：
//   - 顺序审批：每个工作流同一时间只有一个激活节点, 驳回直接终止
//   - 乐观锁：节点和工作流都带 version, 并发审批只有一个成功
//   - 超时升级：EscalationScheduler 定时扫描超过 SLA 的节点, 转给升级目标
//   - 事件通知：进程内订阅 (MemoryEventHub) 或 Redis pub/sub
//   - 数据持久化：支持 GORM, 可使用 MySQL、PostgreSQL、SQLite 等数据库
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/buyplan-approval/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("approval.db"), &gorm.Config{})
//	    workflow.AutoMigrate(db)
//
//	    // 2. 注册审批链和角色
//	    registry := workflow.NewRegistry()
//	    registry.RegisterChainBuilder("BUDGET", workflow.StaticChain(
//	        &workflow.StepSpec{EligibleActor: workflow.UserActor("U1"), SlaHours: 24},
//	        &workflow.StepSpec{EligibleActor: workflow.RoleActor("FINANCE"), SlaHours: 48},
//	    ))
//	    registry.RegisterRoleResolver(workflow.StaticRoleResolver{"U2": {"FINANCE"}})
//
//	    // 3. 创建服务
//	    service := workflow.NewWorkflowService(workflow.NewWorkflowRepo(db), workflow.WithRegistry(registry))
//
//	    // 4. 发起审批并逐级处理
//	    ctx := context.Background()
//	    instance, _ := service.CreateWorkflow(ctx, &workflow.CreateWorkflowReq{
//	        WorkflowType:  "BUDGET",
//	        ReferenceType: "BUDGET",
//	        ReferenceID:   "B-1",
//	        InitiatedBy:   "planner",
//	    })
//	    service.ProcessDecision(ctx, &workflow.ProcessDecisionReq{
//	        WorkflowID: instance.ID, StepNumber: 1, ActorID: "U1", Action: workflow.DecisionActionApprove,
//	    })
//	}
//
// 状态约定：
//
//   - 进行中的工作流有且只有一个激活节点 (activated_at > 0 且状态为 PENDING 或 ESCALATED)
//   - current_step 是冗余字段, 以节点状态为准, 可以用 DeriveCurrentStep 重新推导
//   - APPROVED / REJECTED / CANCELLED 是终止状态, 之后的任何修改都返回 ErrWorkflowTerminal
//
// 服务端程序见 cmd/approvald, HTTP 接口见 internal/api。
package workflow
