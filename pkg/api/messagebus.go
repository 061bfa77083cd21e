package api

import (
	"context"
	"time"
)

// MessageBus is the external collaborator the Action Executor sends
// session messages through and the Flow Manager subscribes to for
// inbound delivery, per §6. Implementations MUST guarantee at-least-once
// delivery; the session envelope's DeduplicationId is how a receiver
// collapses the resulting duplicates.
type MessageBus interface {
	Send(ctx context.Context, to Peer, envelope SessionEnvelope) error
	Subscribe(handler func(from Peer, envelope SessionEnvelope)) (unsubscribe func())
}

// Clock is the external collaborator providing monotonic time and
// one-shot timers, per §6. The default RealClock wraps the standard
// library; FlowManager.SetClock accepts any other implementation.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) (stop func())
}

// RealClock is the default Clock, backed by the standard library.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}
