package eventqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue implementation backed by a time-ordered heap,
// polled the same way SQLiteQueue polls its table. It is safe for
// concurrent use; it is the default for cmd/flowd -store=memory and for
// tests.
type InMemoryQueue struct {
	mu           sync.Mutex
	heap         eventHeap
	pollInterval time.Duration
}

// NewInMemoryQueue creates a new empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{pollInterval: 10 * time.Millisecond}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, ev ScheduledEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.heap, ev)
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*ScheduledEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		q.mu.Lock()
		if len(q.heap) > 0 && !q.heap[0].NotBefore.After(time.Now()) {
			ev := heap.Pop(&q.heap).(ScheduledEvent)
			q.mu.Unlock()
			return &ev, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

type eventHeap []ScheduledEvent

func (h eventHeap) Len() int           { return len(h) }
func (h eventHeap) Less(i, j int) bool { return h[i].NotBefore.Before(h[j].NotBefore) }
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)        { *h = append(*h, x.(ScheduledEvent)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
