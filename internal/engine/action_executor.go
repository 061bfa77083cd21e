package engine

import (
	"context"
	"fmt"

	"github.com/ledgerwire/flowstate/internal/eventqueue"
	"github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/pkg/api"
)

// actionExecutor performs the side effects listed by the Transition
// Function, in order, per §4.2. Every Action carries everything the
// executor needs (peer, envelope, checkpoint) — it never re-reads the
// checkpoint the Transition Function already produced.
type actionExecutor struct {
	checkpoints persistence.CheckpointStore
	events      persistence.FlowEventStore
	bus         api.MessageBus
	queue       eventqueue.Queue
	observer    api.Observer
}

// apply runs actions in order and stops at the first failure, per the
// §4.1 output guarantee that Actions are applied left-to-right.
func (x *actionExecutor) apply(ctx context.Context, flowId api.FlowId, actions []api.Action) error {
	for _, a := range actions {
		err := x.applyOne(ctx, a)
		x.observer.OnActionExecuted(ctx, flowId, a.Kind, err)
		if err != nil {
			return fmt.Errorf("action %s: %w", a.Kind, err)
		}
	}
	return nil
}

func (x *actionExecutor) applyOne(ctx context.Context, a api.Action) error {
	switch a.Kind {
	case api.ActionPersistCheckpoint:
		return x.checkpoints.Persist(ctx, a.Checkpoint)

	case api.ActionRemoveCheckpoint:
		return x.checkpoints.Remove(ctx, a.FlowId)

	case api.ActionSendInitial, api.ActionSendExisting, api.ActionSendMultiple, api.ActionPropagateErrors:
		return x.sendAll(ctx, a.Messages)

	case api.ActionAcknowledgeMessages:
		// At-least-once delivery plus the receiver's dedup ledger
		// (session ReceiveBuffer advancing past a DeduplicationId) is
		// sufficient; there is no separate transport-level ack to send.
		return nil

	case api.ActionScheduleEvent, api.ActionSleepUntil:
		if a.Event == nil {
			return fmt.Errorf("%s action missing Event", a.Kind)
		}
		return x.queue.Enqueue(ctx, eventqueue.ScheduledEvent{
			FlowId:    a.FlowId,
			Event:     *a.Event,
			NotBefore: a.ScheduleAt,
		})

	case api.ActionScheduleFlowTimeout:
		return x.queue.Enqueue(ctx, eventqueue.ScheduledEvent{
			FlowId:    a.FlowId,
			Event:     api.Event{Kind: api.EventError, Cause: api.CancellationRequested{}},
			NotBefore: a.ScheduleAt,
		})

	case api.ActionCancelFlowTimeout:
		// No-op: a timeout event already enqueued by
		// ScheduleFlowTimeout is not removed from the queue and is still
		// delivered when it falls due.
		return nil

	case api.ActionCreateTransaction, api.ActionCommitTransaction, api.ActionRollbackTransaction:
		// Ledger transaction boundaries are an external collaborator
		// per §1's Non-goals; the core only needs to model where they
		// occur relative to checkpoint persistence (§4.3), not perform
		// them.
		return nil

	case api.ActionReleaseSoftLocks:
		// No-op: no external soft-lock manager is wired in (SoftLockId is
		// carried on the checkpoint for such a collaborator per §1's
		// Non-goals); releasing it here is a state transition the
		// Transition Function already applied to the checkpoint itself.
		return nil

	case api.ActionSignalFlowHasStarted:
		// No-op at the action-executor level: the observable "flow
		// started" signal is api.Observer.OnFlowStart, fired directly by
		// flowWorker.Run before kickoff. This action exists for parity
		// with the full §4.1 action taxonomy emitted alongside the
		// initial PersistCheckpoint in FlowManager.StartFlow.
		return nil

	case api.ActionUpdateDeduplicationId:
		return nil

	case api.ActionHaltProcess:
		return errProcessHalt

	default:
		return fmt.Errorf("unknown action kind %v", a.Kind)
	}
}

func (x *actionExecutor) sendAll(ctx context.Context, msgs []api.OutboundMessage) error {
	for _, m := range msgs {
		if err := x.bus.Send(ctx, m.Peer, m.Envelope); err != nil {
			return err
		}
	}
	return nil
}
