package tests

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blingmoon/buyplan-approval/workflow"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testService struct {
	db       *gorm.DB
	registry *workflow.Registry
	clock    *fakeClock
	hub      *workflow.MemoryEventHub
	service  *workflow.WorkflowServiceImpl
}

// setupTestService 创建测试服务, 每个测试一个独立的内存库
func setupTestService(t *testing.T, opts ...workflow.ServiceOption) *testService {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接是一个新库
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return newTestService(t, db, opts...)
}

// setupFileTestService 文件库,使用默认连接池,多个连接同时读写
func setupFileTestService(t *testing.T, opts ...workflow.ServiceOption) *testService {
	dsn := filepath.Join(t.TempDir(), "approval.db") + "?_busy_timeout=5000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return newTestService(t, db, opts...)
}

func newTestService(t *testing.T, db *gorm.DB, opts ...workflow.ServiceOption) *testService {
	require.NoError(t, workflow.AutoMigrate(db))

	ts := &testService{
		db:       db,
		registry: workflow.NewRegistry(),
		clock:    &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		hub:      workflow.NewMemoryEventHub(),
	}
	ts.registry.RegisterRoleResolver(workflow.StaticRoleResolver{
		"u-finance":    {"FINANCE"},
		"u-cfo":        {"CFO"},
		"u-admin":      {"ADMIN"},
		"u-buyer-lead": {"BUYER_LEAD"},
		"u-merch":      {"MERCH_MANAGER"},
		"u-director":   {"MERCH_DIRECTOR"},
	})
	ts.service = workflow.NewWorkflowService(workflow.NewWorkflowRepo(db), append(ts.serviceOptions(), opts...)...)
	return ts
}

func (ts *testService) serviceOptions() []workflow.ServiceOption {
	return []workflow.ServiceOption{
		workflow.WithRegistry(ts.registry),
		workflow.WithGuard(workflow.NewAuthorizationGuard(ts.registry, "ADMIN")),
		workflow.WithEventEmitter(ts.hub),
		workflow.WithNowFunc(ts.clock.Now),
	}
}

// registerThreeStepBudget U1 -> U2 -> U3, SLA 24/48/24 小时
func registerThreeStepBudget(t *testing.T, registry *workflow.Registry) {
	require.NoError(t, registry.RegisterChainBuilder("BUDGET", workflow.StaticChain(
		&workflow.StepSpec{EligibleActor: workflow.UserActor("U1"), SlaHours: 24},
		&workflow.StepSpec{EligibleActor: workflow.UserActor("U2"), SlaHours: 48},
		&workflow.StepSpec{EligibleActor: workflow.UserActor("U3"), SlaHours: 24},
	)))
}

func createBudget(t *testing.T, ts *testService, referenceID string) *workflow.WorkflowInstance {
	instance, err := ts.service.CreateWorkflow(context.Background(), &workflow.CreateWorkflowReq{
		WorkflowType:  "BUDGET",
		ReferenceType: "BUDGET",
		ReferenceID:   referenceID,
		InitiatedBy:   "u-planner",
		Context:       map[string]any{"amount": 120000},
	})
	require.NoError(t, err)
	return instance
}

func decide(ts *testService, workflowID int64, stepNumber int, actorID string, action workflow.DecisionAction, comment string) (*workflow.DecisionResult, error) {
	return ts.service.ProcessDecision(context.Background(), &workflow.ProcessDecisionReq{
		WorkflowID: workflowID,
		StepNumber: stepNumber,
		ActorID:    actorID,
		Action:     action,
		Comment:    comment,
	})
}

// requireSingleActiveStep 进行中的工作流有且只有一个激活节点, 并且和 current_step 一致
func requireSingleActiveStep(t *testing.T, instance *workflow.WorkflowInstance) {
	require.Equal(t, workflow.WorkflowInstanceStatusInProgress, instance.Status)
	active := 0
	for _, step := range instance.Steps {
		if step.IsActive() {
			active++
			require.Equal(t, instance.CurrentStep, step.StepNumber)
		}
	}
	require.Equal(t, 1, active)
}
