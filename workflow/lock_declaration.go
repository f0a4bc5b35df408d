package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrLockFailed 锁被其他人持有
	ErrLockFailed = errors.New("lock failed")
	// ErrLockUnavailable 锁的存储不可用,和锁被占用要区分开
	ErrLockUnavailable = errors.New("lock backend unavailable")
)

type WorkflowLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回 ErrLockFailed
	//                 存储出错返回 ErrLockUnavailable
	//                 2.可以重入锁,同一个ctx链路上再次加同一个key直接执行
	//  @param ctx 原来的ctx
	//  @param key 锁的key, 升级扫描使用固定的key
	//  @param maxLockTimeDuration 锁最大的时间,超过后自动释放
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

type lockKey string

// lockToken 锁的持有者标识
func lockToken() string {
	return uuid.NewString()
}

func isLockHeld(ctx context.Context, key string) bool {
	_, ok := ctx.Value(lockKey(key)).(string)
	return ok
}
