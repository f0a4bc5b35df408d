package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 内存sqlite,只保留一个连接,否则每个连接都是一个新的库
func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
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

type testEnv struct {
	db       *gorm.DB
	repo     WorkflowRepo
	registry *Registry
	clock    *fakeClock
	hub      *MemoryEventHub
	service  *WorkflowServiceImpl
}

func newTestEnv(t *testing.T, opts ...ServiceOption) *testEnv {
	db := newTestDB(t)
	env := &testEnv{
		db:       db,
		repo:     NewWorkflowRepo(db),
		registry: NewRegistry(),
		clock:    newFakeClock(),
		hub:      NewMemoryEventHub(),
	}
	env.registry.RegisterRoleResolver(StaticRoleResolver{
		"u-finance": {"FINANCE"},
		"u-cfo":     {"CFO"},
		"u-admin":   {"ADMIN"},
	})
	baseOpts := []ServiceOption{
		WithRegistry(env.registry),
		WithGuard(NewAuthorizationGuard(env.registry, "ADMIN")),
		WithEventEmitter(env.hub),
		WithNowFunc(env.clock.Now),
	}
	env.service = NewWorkflowService(env.repo, append(baseOpts, opts...)...)
	return env
}

// fakeRedis 只实现用到的命令,其他命令调用会 panic
type fakeRedis struct {
	redis.Cmdable

	mu        sync.Mutex
	values    map[string]string
	published map[string][]string
	evalErr   error
	setNXErr  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: make(map[string]string), published: make(map[string][]string)}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setNXErr != nil {
		return redis.NewBoolResult(false, f.setNXErr)
	}
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return redis.NewCmdResult(nil, f.evalErr)
	}
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) messages(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published[channel]...)
}

// counterValue 按指标名和任意一个label值查找counter
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labelValue string) float64 {
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetValue() == labelValue {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
