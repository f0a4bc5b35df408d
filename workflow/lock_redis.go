package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`
	releaseTimeout = 3 * time.Second
)

// NewRedisWorkflowLock 多实例部署时保证同一时间只有一个 sweep
func NewRedisWorkflowLock(redisClient redis.Cmdable) WorkflowLock {
	return &redisWorkflowLock{redisClient: redisClient}
}

type redisWorkflowLock struct {
	redisClient redis.Cmdable
}

func (d *redisWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if isLockHeld(ctx, key) {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	token := lockToken()
	isLock, err := d.redisClient.SetNX(ctx, key, token, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(ErrLockUnavailable, "[redisWorkflowLock.NonBlockingSynchronized] key: %s, err:%v", key, err)
	}
	if !isLock {
		return errors.WithMessagef(ErrLockFailed, "[redisWorkflowLock.NonBlockingSynchronized] key %s has been locked", key)
	}
	defer d.releaseKey(key, token)
	return f(context.WithValue(ctx, lockKey(key), token))
}

func (d *redisWorkflowLock) releaseKey(key string, token string) {
	// 释放锁, 因为context 可能会被cancel，确保释放锁需要新开一个context,不能用原来的
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	reply, err := d.redisClient.Eval(ctx, delCommand, []string{key}, token).Int64()
	if err != nil {
		slog.Error(fmt.Sprintf("[redisWorkflowLock.releaseKey] release key failed, key: %s, err:%v", key, err))
		return
	}
	if reply != 1 {
		// 锁已经过期,可能被其他实例拿到了
		slog.Warn(fmt.Sprintf("[redisWorkflowLock.releaseKey] lock not released, key: %s, reply:%v", key, reply))
	}
}
