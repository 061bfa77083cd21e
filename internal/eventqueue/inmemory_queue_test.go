package eventqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwire/flowstate/pkg/api"
)

func TestInMemoryQueue_EnqueueDequeue_RoundTrips(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	flowId := api.NewFlowId()
	require.NoError(t, q.Enqueue(ctx, ScheduledEvent{
		FlowId:            flowId,
		Event:             api.Event{Kind: api.EventWakeUpFromSleep},
		NotBefore:         time.Now().Add(-time.Millisecond),
		TimeoutGeneration: 5,
	}))
	require.Equal(t, 1, q.Len())

	deqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := q.Dequeue(deqCtx)
	require.NoError(t, err)
	require.Equal(t, flowId, got.FlowId)
	require.Equal(t, 5, got.TimeoutGeneration)
	require.Equal(t, 0, q.Len())
}

func TestInMemoryQueue_Dequeue_RespectsNotBeforeOrdering(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	later := api.NewFlowId()
	sooner := api.NewFlowId()

	require.NoError(t, q.Enqueue(ctx, ScheduledEvent{
		FlowId:    later,
		Event:     api.Event{Kind: api.EventWakeUpFromSleep},
		NotBefore: time.Now().Add(-10 * time.Millisecond),
	}))
	require.NoError(t, q.Enqueue(ctx, ScheduledEvent{
		FlowId:    sooner,
		Event:     api.Event{Kind: api.EventWakeUpFromSleep},
		NotBefore: time.Now().Add(-50 * time.Millisecond),
	}))

	deqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	first, err := q.Dequeue(deqCtx)
	require.NoError(t, err)
	require.Equal(t, sooner, first.FlowId)

	second, err := q.Dequeue(deqCtx)
	require.NoError(t, err)
	require.Equal(t, later, second.FlowId)
}

func TestInMemoryQueue_Dequeue_WaitsUntilNotBeforeElapses(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()

	flowId := api.NewFlowId()
	require.NoError(t, q.Enqueue(ctx, ScheduledEvent{
		FlowId:    flowId,
		Event:     api.Event{Kind: api.EventWakeUpFromSleep},
		NotBefore: time.Now().Add(60 * time.Millisecond),
	}))

	deqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	start := time.Now()
	got, err := q.Dequeue(deqCtx)
	require.NoError(t, err)
	require.Equal(t, flowId, got.FlowId)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestInMemoryQueue_Dequeue_ContextCancelled(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
