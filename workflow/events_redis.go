package workflow

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisEventChannel = "approval_workflow_events"

// RedisEventEmitter 事件序列化为json发布到redis channel,跨进程的通知和实体状态同步订阅这个channel
type RedisEventEmitter struct {
	redisClient redis.Cmdable
	channel     string
}

func NewRedisEventEmitter(redisClient redis.Cmdable, channel string) *RedisEventEmitter {
	if channel == "" {
		channel = DefaultRedisEventChannel
	}
	return &RedisEventEmitter{redisClient: redisClient, channel: channel}
}

func (e *RedisEventEmitter) Publish(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.WithMessagef(err, "marshal event failed, eventID: %s", event.EventID)
	}
	if err := e.redisClient.Publish(ctx, e.channel, payload).Err(); err != nil {
		return errors.WithMessagef(err, "redis publish failed, channel: %s, eventID: %s", e.channel, event.EventID)
	}
	return nil
}

// DecodeEvent 订阅方解析 redis 消息
func DecodeEvent(payload string) (*Event, error) {
	event := &Event{}
	if err := json.Unmarshal([]byte(payload), event); err != nil {
		return nil, errors.WithMessage(err, "unmarshal event failed")
	}
	return event, nil
}
