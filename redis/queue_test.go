package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ledgerwire/flowstate/internal/eventqueue"
	"github.com/ledgerwire/flowstate/internal/testutil"
	"github.com/ledgerwire/flowstate/pkg/api"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	addr := testutil.StartRedisContainer(t)
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, "flowstate-test:")
}

func TestQueue_EnqueueDequeue_RoundTrips(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	flowId := api.NewFlowId()
	ev := eventqueue.ScheduledEvent{
		FlowId:            flowId,
		Event:             api.Event{Kind: api.EventWakeUpFromSleep},
		NotBefore:         time.Now().Add(-time.Millisecond),
		TimeoutGeneration: 2,
	}
	require.NoError(t, q.Enqueue(ctx, ev))
	require.Equal(t, 1, q.Len())

	deqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := q.Dequeue(deqCtx)
	require.NoError(t, err)
	require.Equal(t, flowId, got.FlowId)
	require.Equal(t, api.EventWakeUpFromSleep, got.Event.Kind)
	require.Equal(t, 2, got.TimeoutGeneration)
	require.Equal(t, 0, q.Len())
}

func TestQueue_Dequeue_RespectsNotBeforeOrdering(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	later := api.NewFlowId()
	sooner := api.NewFlowId()

	// Enqueue the later-scheduled event first to prove ordering comes
	// from NotBefore, not insertion order.
	require.NoError(t, q.Enqueue(ctx, eventqueue.ScheduledEvent{
		FlowId:    later,
		Event:     api.Event{Kind: api.EventWakeUpFromSleep},
		NotBefore: time.Now().Add(-10 * time.Millisecond),
	}))
	require.NoError(t, q.Enqueue(ctx, eventqueue.ScheduledEvent{
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

func TestQueue_Dequeue_WaitsUntilNotBeforeElapses(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	flowId := api.NewFlowId()
	require.NoError(t, q.Enqueue(ctx, eventqueue.ScheduledEvent{
		FlowId:    flowId,
		Event:     api.Event{Kind: api.EventWakeUpFromSleep},
		NotBefore: time.Now().Add(80 * time.Millisecond),
	}))

	deqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	got, err := q.Dequeue(deqCtx)
	require.NoError(t, err)
	require.Equal(t, flowId, got.FlowId)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestQueue_Dequeue_ContextCancelled(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
