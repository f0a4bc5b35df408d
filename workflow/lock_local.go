package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalWorkflowLock 进程内锁,单实例部署使用
func NewLocalWorkflowLock() WorkflowLock {
	return &localWorkflowLock{
		holders: make(map[string]*localLockHolder),
	}
}

type localWorkflowLock struct {
	mu      sync.Mutex
	holders map[string]*localLockHolder // key -> 当前持有者
}

type localLockHolder struct {
	token    string
	expireAt time.Time
}

func (l *localWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if isLockHeld(ctx, key) {
		// 已经持有锁，可重入，直接执行
		return f(ctx)
	}
	token := lockToken()
	if !l.tryAcquire(key, token, maxLockTimeDuration) {
		return errors.WithMessagef(ErrLockFailed, "[localWorkflowLock.NonBlockingSynchronized] key %s has been locked", key)
	}
	defer l.release(key, token)
	return f(context.WithValue(ctx, lockKey(key), token))
}

func (l *localWorkflowLock) tryAcquire(key string, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if holder, ok := l.holders[key]; ok && now.Before(holder.expireAt) {
		return false
	}
	// 没有持有者或者已经过期
	l.holders[key] = &localLockHolder{token: token, expireAt: now.Add(ttl)}
	return true
}

func (l *localWorkflowLock) release(key string, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder, ok := l.holders[key]
	if !ok {
		return
	}
	if holder.token != token {
		// 超时后被其他人重新获取了
		slog.Warn(fmt.Sprintf("[localWorkflowLock.release] lock expired and taken by others, key: %s", key))
		return
	}
	delete(l.holders, key)
}
