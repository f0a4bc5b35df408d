package workflow

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type EventType = string

const (
	EventTypeWorkflowCreated   EventType = "workflow_created"
	EventTypeStepDecided       EventType = "step_decided"
	EventTypeStepEscalated     EventType = "step_escalated"
	EventTypeWorkflowCompleted EventType = "workflow_completed" // 终止状态都会发,APPROVED/REJECTED/CANCELLED
)

// Event 工作流事件,至少投递一次,可能重复,消费方按 EventID 去重或者保证幂等
type Event struct {
	EventID        string                 `json:"event_id"`
	Type           EventType              `json:"type"`
	WorkflowID     int64                  `json:"workflow_id"`
	WorkflowType   string                 `json:"workflow_type"`
	ReferenceType  string                 `json:"reference_type"`
	ReferenceID    string                 `json:"reference_id"`
	WorkflowStatus WorkflowInstanceStatus `json:"workflow_status"`
	StepNumber     int                    `json:"step_number,omitempty"`
	StepStatus     WorkflowStepStatus     `json:"step_status,omitempty"`
	EligibleActor  *EligibleActor         `json:"eligible_actor,omitempty"`
	ActorID        string                 `json:"actor_id,omitempty"`
	Comment        string                 `json:"comment,omitempty"`
	OccurredAt     int64                  `json:"occurred_at"`
}

func newEvent(eventType EventType, instance *WorkflowInstance, occurredAt int64) *Event {
	return &Event{
		EventID:        uuid.NewString(),
		Type:           eventType,
		WorkflowID:     instance.ID,
		WorkflowType:   instance.WorkflowType,
		ReferenceType:  instance.ReferenceType,
		ReferenceID:    instance.ReferenceID,
		WorkflowStatus: instance.Status,
		OccurredAt:     occurredAt,
	}
}

func (e *Event) withStep(step *WorkflowStep) *Event {
	e.StepNumber = step.StepNumber
	e.StepStatus = step.Status
	actor := step.EligibleActor
	e.EligibleActor = &actor
	e.ActorID = step.DecidedBy
	e.Comment = step.Comment
	return e
}

// EventEmitter 引擎在事务提交后发布事件,发布失败只记日志,不影响审批结果
type EventEmitter interface {
	Publish(ctx context.Context, event *Event) error
}

type NoopEventEmitter struct{}

func (NoopEventEmitter) Publish(ctx context.Context, event *Event) error {
	return nil
}

// MultiEventEmitter 依次发布到所有emitter,错误合并返回
type MultiEventEmitter []EventEmitter

func (m MultiEventEmitter) Publish(ctx context.Context, event *Event) error {
	errs := make([]error, 0)
	for _, emitter := range m {
		if err := emitter.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return goerrors.Join(errs...)
}

const defaultSubscriberBuffer = 64

// EventFilter 订阅过滤,空字段不过滤
type EventFilter struct {
	WorkflowType string
	EventTypes   []EventType
}

func (f EventFilter) match(event *Event) bool {
	if f.WorkflowType != "" && f.WorkflowType != event.WorkflowType {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

type eventSubscriber struct {
	ch     chan *Event
	filter EventFilter
}

// MemoryEventHub 进程内发布订阅,订阅方channel满了会丢事件
type MemoryEventHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*eventSubscriber
	seq     atomic.Uint64
	dropped atomic.Int64
}

func NewMemoryEventHub() *MemoryEventHub {
	return &MemoryEventHub{subs: make(map[uint64]*eventSubscriber)}
}

func (h *MemoryEventHub) Publish(ctx context.Context, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe 返回事件channel和取消函数,取消后channel会被关闭
func (h *MemoryEventHub) Subscribe(filter EventFilter) (<-chan *Event, func()) {
	id := h.seq.Add(1)
	ch := make(chan *Event, defaultSubscriberBuffer)
	h.mu.Lock()
	h.subs[id] = &eventSubscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Dropped 因为订阅方处理太慢被丢弃的事件数
func (h *MemoryEventHub) Dropped() int64 {
	return h.dropped.Load()
}
