package workflow

import (
	"context"
	goerrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingEmitter struct{ err error }

func (f failingEmitter) Publish(ctx context.Context, event *Event) error { return f.err }

func testEvent(eventType EventType, workflowType string) *Event {
	return newEvent(eventType, &WorkflowInstance{ID: 1, WorkflowType: workflowType, ReferenceType: "budget", ReferenceID: "B-1", Status: WorkflowInstanceStatusInProgress}, 100)
}

func TestMemoryEventHub(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryEventHub()

	all, cancelAll := hub.Subscribe(EventFilter{})
	defer cancelAll()
	completed, cancelCompleted := hub.Subscribe(EventFilter{WorkflowType: "BUDGET_APPROVAL", EventTypes: []EventType{EventTypeWorkflowCompleted}})

	require.NoError(t, hub.Publish(ctx, testEvent(EventTypeStepDecided, "BUDGET_APPROVAL")))
	require.NoError(t, hub.Publish(ctx, testEvent(EventTypeWorkflowCompleted, "OTB_PLAN_APPROVAL")))
	require.NoError(t, hub.Publish(ctx, testEvent(EventTypeWorkflowCompleted, "BUDGET_APPROVAL")))

	assert.Len(t, all, 3)
	require.Len(t, completed, 1)
	event := <-completed
	assert.Equal(t, EventTypeWorkflowCompleted, event.Type)
	assert.Equal(t, "BUDGET_APPROVAL", event.WorkflowType)
	assert.NotEmpty(t, event.EventID)

	cancelCompleted()
	cancelCompleted()
	_, open := <-completed
	assert.False(t, open, "channel closed after cancel")

	t.Run("订阅方太慢丢弃事件", func(t *testing.T) {
		slow, cancel := hub.Subscribe(EventFilter{EventTypes: []EventType{EventTypeStepEscalated}})
		defer cancel()
		for i := 0; i < defaultSubscriberBuffer+5; i++ {
			require.NoError(t, hub.Publish(ctx, testEvent(EventTypeStepEscalated, "BUDGET_APPROVAL")))
		}
		assert.Len(t, slow, defaultSubscriberBuffer)
		assert.GreaterOrEqual(t, hub.Dropped(), int64(5))
	})
}

func TestMultiEventEmitter(t *testing.T) {
	hub := NewMemoryEventHub()
	ch, cancel := hub.Subscribe(EventFilter{})
	defer cancel()
	boom := goerrors.New("broker down")

	err := MultiEventEmitter{failingEmitter{err: boom}, hub, NoopEventEmitter{}}.Publish(context.Background(), testEvent(EventTypeWorkflowCreated, "SKU_PROPOSAL_APPROVAL"))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, ch, 1, "later emitters still receive the event")
}

func TestRedisEventEmitter(t *testing.T) {
	client := newFakeRedis()
	emitter := NewRedisEventEmitter(client, "")
	event := testEvent(EventTypeStepDecided, "BUDGET_APPROVAL")
	event.withStep(&WorkflowStep{StepNumber: 2, EligibleActor: RoleActor("FINANCE"), Status: WorkflowStepStatusApproved, DecidedBy: "u-finance", Comment: "ok"})

	require.NoError(t, emitter.Publish(context.Background(), event))
	messages := client.messages(DefaultRedisEventChannel)
	require.Len(t, messages, 1)

	decoded, err := DecodeEvent(messages[0])
	require.NoError(t, err)
	assert.Equal(t, event, decoded)

	_, err = DecodeEvent("not json")
	assert.Error(t, err)
}
