package eventqueue

import (
	"context"
	"time"

	"github.com/ledgerwire/flowstate/pkg/api"
)

// ScheduledEvent is a delayed Event destined for a particular flow,
// produced by Actions ScheduleEvent, SleepUntil, and ScheduleFlowTimeout
// (§4.2). It is the unit held by Queue between the Action Executor
// scheduling it and the Flow Manager re-delivering it.
type ScheduledEvent struct {
	FlowId    api.FlowId
	Event     api.Event
	NotBefore time.Time

	// TimeoutGeneration is stored and returned unchanged by every Queue
	// implementation. The Flow Manager does not compare it against any
	// per-flow generation when it dequeues an event.
	TimeoutGeneration int
}

// Queue is the durable, cross-process delayed-delivery queue a Flow
// Manager polls to turn ScheduleEvent/SleepUntil/ScheduleFlowTimeout
// actions back into Events once NotBefore has passed (§4.3, §5).
type Queue interface {
	// Enqueue adds ev to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, ev ScheduledEvent) error

	// Dequeue removes and returns the next due event, blocking until one
	// is available or the context is cancelled.
	Dequeue(ctx context.Context) (*ScheduledEvent, error)

	// Len returns the approximate number of events queued.
	Len() int
}
