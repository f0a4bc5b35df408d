package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blingmoon/buyplan-approval/internal/commonregister"
	"github.com/blingmoon/buyplan-approval/internal/config"
	"github.com/blingmoon/buyplan-approval/workflow"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// application 进程内共享的依赖
type application struct {
	db          *gorm.DB
	redisClient *redis.Client
	registry    *workflow.Registry
	metrics     *prometheus.Registry
	hub         *workflow.MemoryEventHub
	service     *workflow.WorkflowServiceImpl
	scheduler   *workflow.EscalationScheduler
}

func newApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	app := &application{
		registry: workflow.NewRegistry(),
		metrics:  prometheus.NewRegistry(),
		hub:      workflow.NewMemoryEventHub(),
	}
	app.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	db, err := gorm.Open(sqlite.Open(cfg.DB.DSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, errors.Wrapf(err, "open database failed, dsn: %s", cfg.DB.DSN)
	}
	app.db = db
	if cfg.DB.AutoMigrate {
		if err := workflow.AutoMigrate(db); err != nil {
			app.Close()
			return nil, errors.WithMessage(err, "auto migrate failed")
		}
	}

	if err := commonregister.RegisterBuyPlanChains(app.registry); err != nil {
		app.Close()
		return nil, err
	}
	if err := commonregister.RegisterEscalationPolicy(app.registry, &cfg.Escalation); err != nil {
		app.Close()
		return nil, err
	}
	app.registry.RegisterRoleResolver(cfg.RoleResolver())
	app.registry.RegisterDelegationResolver(cfg.DelegationResolver())

	var (
		lock    workflow.WorkflowLock = workflow.NewLocalWorkflowLock()
		emitter workflow.EventEmitter = app.hub
	)
	if cfg.Redis.Addr != "" {
		app.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := app.redisClient.Ping(pingCtx).Err(); err != nil {
			app.Close()
			return nil, errors.Wrapf(err, "ping redis failed, addr: %s", cfg.Redis.Addr)
		}
		lock = workflow.NewRedisWorkflowLock(app.redisClient)
		emitter = workflow.MultiEventEmitter{app.hub, workflow.NewRedisEventEmitter(app.redisClient, cfg.Redis.EventChannel)}
	}

	app.service = workflow.NewWorkflowService(workflow.NewWorkflowRepo(db),
		workflow.WithRegistry(app.registry),
		workflow.WithGuard(workflow.NewAuthorizationGuard(app.registry, cfg.Approval.AdminRole)),
		workflow.WithEventEmitter(emitter),
		workflow.WithMetrics(workflow.NewMetrics(app.metrics)),
		workflow.WithRequireRejectComment(cfg.Approval.RequireRejectComment),
	)
	app.scheduler = workflow.NewEscalationScheduler(app.service, lock,
		workflow.WithSweepInterval(cfg.Sweep.Interval),
		workflow.WithSweepBatchSize(cfg.Sweep.BatchSize),
		workflow.WithSweepLock(cfg.Sweep.LockKey, cfg.Sweep.LockTTL),
	)
	return app, nil
}

// logEvents 订阅进程内的所有事件写到日志, ctx 结束后退出
func (a *application) logEvents(ctx context.Context) {
	events, cancel := a.hub.Subscribe(workflow.EventFilter{})
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			slog.DebugContext(ctx, fmt.Sprintf("workflow event, type: %s, workflowID: %d, step: %d, status: %s, actor: %s",
				event.Type, event.WorkflowID, event.StepNumber, event.WorkflowStatus, event.ActorID))
		}
	}
}

func (a *application) Close() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			slog.Warn(fmt.Sprintf("close redis failed, err: %v", err))
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				slog.Warn(fmt.Sprintf("close database failed, err: %v", err))
			}
		}
	}
}
