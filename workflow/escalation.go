package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// EscalationPolicy 超时节点的升级目标,按 workflowType 注册
// 返回 ErrEscalationTerminate 时整个工作流被驳回
type EscalationPolicy interface {
	EscalationTarget(ctx context.Context, instance *WorkflowInstance, step *WorkflowStep) (*EligibleActor, error)
}

type EscalationPolicyFunc func(ctx context.Context, instance *WorkflowInstance, step *WorkflowStep) (*EligibleActor, error)

func (f EscalationPolicyFunc) EscalationTarget(ctx context.Context, instance *WorkflowInstance, step *WorkflowStep) (*EligibleActor, error) {
	return f(ctx, instance, step)
}

// StaticEscalationPolicy 用户升级到上级,角色升级到上级角色,都找不到时升级到 FallbackRole
type StaticEscalationPolicy struct {
	Superiors       map[string]string // userID -> 上级 userID
	RoleEscalations map[string]string // role -> 上级 role
	FallbackRole    string
	// 找不到升级目标时驳回工作流,否则返回错误,节点保持不变
	TerminateWhenNoTarget bool
}

func (p *StaticEscalationPolicy) EscalationTarget(ctx context.Context, instance *WorkflowInstance, step *WorkflowStep) (*EligibleActor, error) {
	actor := step.EligibleActor
	switch actor.Kind {
	case ActorKindUser:
		if superior := p.Superiors[actor.Value]; superior != "" {
			target := UserActor(superior)
			return &target, nil
		}
	case ActorKindRole:
		if role := p.RoleEscalations[actor.Value]; role != "" {
			target := RoleActor(role)
			return &target, nil
		}
	}
	if p.FallbackRole != "" && !(actor.Kind == ActorKindRole && actor.Value == p.FallbackRole) {
		target := RoleActor(p.FallbackRole)
		return &target, nil
	}
	if p.TerminateWhenNoTarget {
		return nil, errors.WithMessagef(ErrEscalationTerminate, "no escalation target for %s", actor)
	}
	return nil, errors.Errorf("no escalation target for %s", actor)
}

const (
	DefaultSweepInterval  = 5 * time.Minute
	DefaultSweepBatchSize = 100
	DefaultSweepLockKey   = "approval_workflow:escalation_sweep"
	DefaultSweepLockTTL   = 10 * time.Minute
)

type SweepResult struct {
	Scanned     int  `json:"scanned"`
	Escalated   int  `json:"escalated"`
	Terminated  int  `json:"terminated"` // 升级策略直接驳回的
	Skipped     int  `json:"skipped"`    // 查询后已经被处理,或者并发冲突
	Failed      int  `json:"failed"`
	LockSkipped bool `json:"lock_skipped"` // 其他 sweep 正在执行,本次没有执行
}

// EscalationScheduler 定时扫描超时节点并升级
// 同一时间只有一个 sweep 在执行: 进程内由 cron 的 SkipIfStillRunning 保证,多实例由 WorkflowLock 保证
type EscalationScheduler struct {
	service   *WorkflowServiceImpl
	lock      WorkflowLock
	interval  time.Duration
	batchSize int
	lockKey   string
	lockTTL   time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

type SchedulerOption func(s *EscalationScheduler)

func WithSweepInterval(interval time.Duration) SchedulerOption {
	return func(s *EscalationScheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithSweepBatchSize(size int) SchedulerOption {
	return func(s *EscalationScheduler) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithSweepLock lockTTL 需要大于一次 sweep 的最长执行时间
func WithSweepLock(key string, lockTTL time.Duration) SchedulerOption {
	return func(s *EscalationScheduler) {
		if key != "" {
			s.lockKey = key
		}
		if lockTTL > 0 {
			s.lockTTL = lockTTL
		}
	}
}

// NewEscalationScheduler lock 为空时使用进程内锁
func NewEscalationScheduler(service *WorkflowServiceImpl, lock WorkflowLock, opts ...SchedulerOption) *EscalationScheduler {
	if lock == nil {
		lock = NewLocalWorkflowLock()
	}
	s := &EscalationScheduler{
		service:   service,
		lock:      lock,
		interval:  DefaultSweepInterval,
		batchSize: DefaultSweepBatchSize,
		lockKey:   DefaultSweepLockKey,
		lockTTL:   DefaultSweepLockTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepOnce 执行一次扫描,单个工作流升级失败只记日志,不影响其他工作流
func (s *EscalationScheduler) SweepOnce(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	result := &SweepResult{}
	err := s.lock.NonBlockingSynchronized(ctx, s.lockKey, s.lockTTL, func(ctx context.Context) error {
		return s.sweep(ctx, result)
	})
	if errors.Is(err, ErrLockFailed) {
		result.LockSkipped = true
		s.service.metrics.observeSweep("lock_skipped", time.Since(start).Seconds())
		slog.InfoContext(ctx, fmt.Sprintf("escalation sweep skipped, another sweep is running, key: %s", s.lockKey))
		return result, nil
	}
	if err != nil {
		s.service.metrics.observeSweep("failed", time.Since(start).Seconds())
		slog.ErrorContext(ctx, fmt.Sprintf("escalation sweep failed, key: %s, err: %v", s.lockKey, err))
		return result, errors.WithMessage(err, "escalation sweep failed")
	}
	s.service.metrics.observeSweep("ok", time.Since(start).Seconds())
	if result.Scanned > 0 {
		slog.InfoContext(ctx, fmt.Sprintf("escalation sweep done, scanned: %d, escalated: %d, terminated: %d, skipped: %d, failed: %d",
			result.Scanned, result.Escalated, result.Terminated, result.Skipped, result.Failed))
	}
	return result, nil
}

func (s *EscalationScheduler) sweep(ctx context.Context, result *SweepResult) error {
	now := s.service.now().Unix()
	lastID := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		steps, err := s.service.repo.QueryWorkflowStep(ctx, &QueryWorkflowStepParams{
			StatusIn:         []string{WorkflowStepStatusPending},
			IsActivated:      Bool(true),
			DueAtBefore:      Int64(now),
			WorkflowStatusIn: []string{WorkflowInstanceStatusInProgress},
			IDGreaterThan:    Int64(lastID),
			OrderbyIDAsc:     Bool(true),
			Page:             &Pager{Page: 1, Size: int64(s.batchSize)},
		})
		if err != nil {
			return errors.WithMessagef(err, "QueryWorkflowStep failed, lastID: %d", lastID)
		}
		for _, step := range steps {
			lastID = step.ID
			result.Scanned++
			s.escalateOne(ctx, step, result)
		}
		if len(steps) < s.batchSize {
			return nil
		}
	}
}

func (s *EscalationScheduler) escalateOne(ctx context.Context, step *WorkflowStepPo, result *SweepResult) {
	instance, err := s.service.EscalateStep(ctx, step.WorkflowInstanceID, step.StepNumber)
	switch {
	case err == nil && instance.Status == WorkflowInstanceStatusRejected:
		result.Terminated++
		s.service.metrics.incEscalation(instance.WorkflowType, "terminated")
	case err == nil:
		result.Escalated++
		s.service.metrics.incEscalation(instance.WorkflowType, "escalated")
	case errors.Is(err, errEscalationNotNeeded), IsRetryableError(err):
		// 扫描之后节点被审批或者被其他 sweep 升级了
		result.Skipped++
		slog.InfoContext(ctx, fmt.Sprintf("escalation skipped, workflowID: %d, step: %d, reason: %v", step.WorkflowInstanceID, step.StepNumber, err))
	default:
		result.Failed++
		msg := fmt.Sprintf("escalation failed, workflowID: %d, step: %d, err: %v", step.WorkflowInstanceID, step.StepNumber, err)
		if IsSeriousError(err) {
			slog.ErrorContext(ctx, msg)
		} else {
			slog.WarnContext(ctx, msg)
		}
	}
}

// Start 按 interval 周期执行 SweepOnce,重复调用返回错误
func (s *EscalationScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("escalation scheduler already started")
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc("@every "+s.interval.String(), func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("SweepOnce failed, err: %v", err))
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "add sweep job failed, interval: %s", s.interval)
	}
	c.Start()
	s.cron = c
	slog.InfoContext(ctx, fmt.Sprintf("escalation scheduler started, interval: %s", s.interval))
	return nil
}

// Stop 等待正在执行的 sweep 结束
func (s *EscalationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	slog.Info("escalation scheduler stopped")
}
