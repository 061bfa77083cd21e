package persistence

import (
	"context"

	"github.com/ledgerwire/flowstate/pkg/api"
)

// FlowEventStore is an append-only history store for Transition Function
// applications, independent of CheckpointStore so that audit writes never
// compete with the hot checkpoint load/persist path. The engine accepts a
// FlowEventStore in NewFlowManager but does not call AppendEvent itself.
type FlowEventStore interface {
	AppendEvent(ctx context.Context, ev api.FlowEvent) error
	ListEvents(ctx context.Context, flowId api.FlowId) ([]api.FlowEvent, error)
}

// NoopFlowEventStore discards all events. It is the default when no
// audit trail is configured.
type NoopFlowEventStore struct{}

func (NoopFlowEventStore) AppendEvent(ctx context.Context, ev api.FlowEvent) error { return nil }
func (NoopFlowEventStore) ListEvents(ctx context.Context, flowId api.FlowId) ([]api.FlowEvent, error) {
	return nil, nil
}
