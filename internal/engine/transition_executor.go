package engine

import (
	"context"
	"errors"

	"github.com/ledgerwire/flowstate/internal/eventqueue"
	"github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/pkg/api"
)

// errProcessHalt is returned up through transitionExecutor.Run when the
// Transition Function classified an error as Unrecoverable (§7); the
// Flow Manager's caller is expected to treat this as a process-fatal
// signal after flushing logs, not retry it.
var errProcessHalt = errors.New("flowstate: unrecoverable error, halting")

// transitionExecutor wraps transition with the DB-transaction discipline
// of §4.3. Genuine cross-backend atomicity is delegated to each
// CheckpointStore implementation's own Persist method (the SQLite/Postgres
// backends open their own sql.Tx internally); what this type owns is the
// sequencing rule that §4.3 actually specifies: apply actions, and on
// failure roll forward into a fresh Error event rather than retrying the
// original transition blindly.
type transitionExecutor struct {
	actions  *actionExecutor
	observer api.Observer
}

func newTransitionExecutor(checkpoints persistence.CheckpointStore, events persistence.FlowEventStore, bus api.MessageBus, queue eventqueue.Queue, observer api.Observer) *transitionExecutor {
	return &transitionExecutor{
		actions: &actionExecutor{
			checkpoints: checkpoints,
			events:      events,
			bus:         bus,
			queue:       queue,
			observer:    observer,
		},
		observer: observer,
	}
}

// Run applies ev to cp, executes the resulting actions, and returns the
// resulting checkpoint and continuation. If action execution fails, it
// reclassifies the failure as an Event.Error and re-enters transition
// once, per §4.3 rule 3.
func (x *transitionExecutor) Run(ctx context.Context, cp *api.Checkpoint, ev api.Event) (*api.Checkpoint, api.Continuation, error) {
	next, actions, cont := transition(cp, ev)
	x.observer.OnCheckpointPersisted(ctx, next.FlowId, next.NumberOfSuspends, !hasPersist(actions))

	if err := x.actions.apply(ctx, next.FlowId, actions); err != nil {
		if errors.Is(err, errProcessHalt) {
			return next, api.Abort(), errProcessHalt
		}

		failed, failedActions, failedCont := transition(next, api.Event{Kind: api.EventError, Cause: err})
		if applyErr := x.actions.apply(ctx, failed.FlowId, failedActions); applyErr != nil {
			return failed, api.Abort(), applyErr
		}
		return failed, failedCont, err
	}

	return next, cont, nil
}

func hasPersist(actions []api.Action) bool {
	for _, a := range actions {
		if a.Kind == api.ActionPersistCheckpoint {
			return true
		}
	}
	return false
}
