package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/ledgerwire/flowstate/pkg/api"
)

// ErrCheckpointNotFound is returned when no checkpoint exists for a
// given FlowId.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointFilter selects checkpoints from a CheckpointStore.List call.
// Empty/zero fields mean "no filter" for that field.
type CheckpointFilter struct {
	FlowStateKind api.FlowStateKind
	HasFlowState  bool
	Errored       bool
}

// CheckpointStore is the durable persistence surface required by §6
// "CheckpointStore". It must guarantee that a successful Persist is
// durable before the Action Executor reports the action as applied
// (§4.2), and it owns the single-owner-per-FlowId leasing used by the
// Flow Manager to route work to exactly one process (§5).
type CheckpointStore interface {
	// Load returns the current checkpoint for flowId, or
	// ErrCheckpointNotFound if none exists.
	Load(ctx context.Context, flowId api.FlowId) (*api.Checkpoint, error)

	// Persist durably writes cp, replacing any prior revision for the
	// same FlowId. Callers must only call this with
	// cp.NumberOfSuspends strictly greater than the previous persisted
	// value (§8 property 3); the store does not re-derive that
	// invariant itself.
	Persist(ctx context.Context, cp *api.Checkpoint) error

	// Remove deletes the checkpoint for flowId (Action RemoveCheckpoint,
	// §4.2), once a flow has reached FlowCompleted/FlowFailed and its
	// result has been delivered.
	Remove(ctx context.Context, flowId api.FlowId) error

	// List returns checkpoints matching filter, for the Hospital and for
	// operator/diagnostic tooling.
	List(ctx context.Context, filter CheckpointFilter) ([]*api.Checkpoint, error)

	// TryAcquireLease attempts to acquire (or re-acquire) a lease on a
	// FlowId. If the flow is currently leased by a different owner and
	// the lease has not expired, it returns acquired=false, err=nil.
	// A lease owned by the same owner is re-entrant.
	TryAcquireLease(ctx context.Context, flowId api.FlowId, owner string, ttl time.Duration) (acquired bool, err error)

	// RenewLease extends an existing lease owned by owner.
	RenewLease(ctx context.Context, flowId api.FlowId, owner string, ttl time.Duration) error

	// ReleaseLease releases a lease if it is owned by owner. Idempotent.
	ReleaseLease(ctx context.Context, flowId api.FlowId, owner string) error
}

// ErrLeaseHeldByOther is returned by RenewLease when the lease has been
// taken over by a different owner (e.g. after this process stalled past
// the lease TTL), signaling the caller must stop acting on the flow.
var ErrLeaseHeldByOther = errors.New("flowstate: lease held by another owner")
