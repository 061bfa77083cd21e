package engine

import (
	"context"
	"errors"

	"github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/pkg/api"
)

var errFlowWorkerStopped = errors.New("flowstate: flow worker stopped")

// flowOutcome is delivered on a flowWorker's completion future, per §6's
// "completion future per flow".
type flowOutcome struct {
	Result any
	Err    error
}

// flowWorker is one logical worker per live flow (§4.4). It owns the
// event inbox, the in-memory checkpoint shadow, and the replay history
// that stands in for a frozen call stack. Exactly one goroutine (Run's)
// ever touches cp/history/finished, satisfying the §5 invariant that
// only one event is processed for a given FlowId at any instant.
type flowWorker struct {
	flowId   api.FlowId
	flowName string
	logic    api.FlowLogic
	exec     *transitionExecutor
	observer api.Observer

	inbox   chan api.Event
	kill    chan struct{}
	stopped chan struct{}

	cp       *api.Checkpoint
	history  []api.HistoryEntry
	finished bool

	resultCh chan flowOutcome

	// onSessionsChanged is called with the current checkpoint after every
	// transition, so the Flow Manager's session->flow routing table
	// (sessionOwners) stays current as a flow mints new sessions via
	// InitiateFlow mid-run — not just at the moment the worker was first
	// registered, before FlowLogic.Call had run even once.
	onSessionsChanged func(cp *api.Checkpoint)
}

func newFlowWorker(flowId api.FlowId, flowName string, logic api.FlowLogic, exec *transitionExecutor, observer api.Observer, inboxCapacity int) *flowWorker {
	return &flowWorker{
		flowId:   flowId,
		flowName: flowName,
		logic:    logic,
		exec:     exec,
		observer: observer,
		inbox:    make(chan api.Event, inboxCapacity),
		kill:     make(chan struct{}),
		stopped:  make(chan struct{}),
		resultCh: make(chan flowOutcome, 1),
	}
}

// resume restores a flowWorker from a persisted checkpoint and replay
// history (§4.4's "transient state shadow").
func (w *flowWorker) resume(cp *api.Checkpoint, history []api.HistoryEntry) {
	w.cp = cp
	w.history = history
}

// Deliver enqueues ev for processing, blocking if the inbox is full
// (natural backpressure) until ctx is cancelled or the worker stops.
func (w *flowWorker) Deliver(ctx context.Context, ev api.Event) error {
	select {
	case w.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		return errFlowWorkerStopped
	}
}

// Run drives the worker until the flow finishes or ctx is cancelled. It
// is meant to be called once, from its own goroutine, by the Flow
// Manager.
func (w *flowWorker) Run(ctx context.Context) {
	defer close(w.stopped)

	if w.cp.FlowState.Kind == api.FlowUnstarted {
		w.observer.OnFlowStart(ctx, w.flowId, w.flowName)
		w.kickoff(ctx)
	}

	for !w.finished {
		select {
		case <-ctx.Done():
			return
		case <-w.kill:
			return
		case ev, ok := <-w.inbox:
			if !ok {
				return
			}
			w.step(ctx, ev)
		}
	}
}

// Kill stops the worker immediately, without running FlowLogic to a safe
// suspension point. Reserved for shutdown, per §5's design note that
// forcible interruption is a last resort.
func (w *flowWorker) Kill() {
	close(w.kill)
}

// kickoff runs FlowLogic.Call for the very first time, when there is no
// prior Suspend to resolve.
func (w *flowWorker) kickoff(ctx context.Context) {
	result, err, pending, hasPending := w.invokeOnce(ctx)
	w.step(ctx, classifyOutcome(result, err, pending, hasPending))
}

// step feeds one event through the Transition Executor and then drives
// any immediate follow-on (the Receive bypass can resolve without
// waiting for another external event).
func (w *flowWorker) step(ctx context.Context, ev api.Event) {
	if ev.Kind == api.EventSuspend {
		w.observer.OnSuspend(ctx, w.flowId, ev.IORequest, w.cp.NumberOfSuspends+1)
	}

	w.syncHistory()
	cp, cont, err := w.exec.Run(ctx, w.cp, ev)
	w.cp = cp
	w.notifySessionsChanged()
	if err != nil {
		w.finish(ctx, nil, err)
		return
	}
	w.drive(ctx, ev.Kind, cont)
}

func (w *flowWorker) drive(ctx context.Context, evKind api.EventKind, cont api.Continuation) {
	for {
		switch cont.Kind {
		case api.ContinueProcessEvents:
			return

		case api.ContinueAbort:
			w.finish(ctx, w.cp.FlowState.Result, w.cp.FlowState.FailureError)
			return

		case api.ContinueResume, api.ContinueThrow:
			w.observer.OnResume(ctx, w.flowId, evKind)
			w.history = append(w.history, historyEntryFor(cont))

			result, err, pending, hasPending := w.invokeOnce(ctx)
			nextEv := classifyOutcome(result, err, pending, hasPending)

			w.syncHistory()
			cp, cont2, runErr := w.exec.Run(ctx, w.cp, nextEv)
			w.cp = cp
			w.notifySessionsChanged()
			if runErr != nil {
				w.finish(ctx, nil, runErr)
				return
			}
			evKind = nextEv.Kind
			cont = cont2
		}
	}
}

// invokeOnce constructs a fresh FlowContext against the current
// checkpoint shadow and replay history, and runs FlowLogic.Call exactly
// once (fast-forwarding through history as far as the replay cursor
// reaches, then either completing or asking to suspend).
func (w *flowWorker) invokeOnce(ctx context.Context) (result any, err error, pending api.Event, hasPending bool) {
	fctx := api.NewFlowContext(w.flowId, w.cp, w.history)
	result, err = w.logic.Call(fctx)
	if err != nil && api.IsSuspend(err) {
		pending, hasPending = fctx.Pending()
		return nil, err, pending, hasPending
	}
	return result, err, api.Event{}, false
}

func classifyOutcome(result any, err error, pending api.Event, hasPending bool) api.Event {
	switch {
	case err == nil:
		return api.Event{Kind: api.EventFlowFinish, Result: result}
	case hasPending:
		return pending
	default:
		return api.Event{Kind: api.EventError, Cause: err}
	}
}

func historyEntryFor(cont api.Continuation) api.HistoryEntry {
	if cont.Kind == api.ContinueThrow {
		fe := api.ToFlowError(cont.Err)
		return api.HistoryEntry{ErrType: fe.ErrorType, ErrMsg: fe.Message}
	}
	return api.HistoryEntry{Result: cont.Result}
}

// syncHistory re-encodes the replay history onto the in-memory checkpoint
// shadow's FlowState.SuspendedContinuation before every transition, so
// that whichever PersistCheckpoint action the Transition Function emits
// durably captures the continuation a crash-recovered worker needs to
// replay (§9's "explicit state machine" in place of stack-freezing
// fibers; §6 Checkpoint Codec).
func (w *flowWorker) syncHistory() {
	blob, err := persistence.EncodeHistory(w.history)
	if err != nil {
		return
	}
	w.cp.FlowState.SuspendedContinuation = blob
}

func (w *flowWorker) notifySessionsChanged() {
	if w.onSessionsChanged != nil {
		w.onSessionsChanged(w.cp)
	}
}

func (w *flowWorker) finish(ctx context.Context, result any, err error) {
	w.finished = true
	w.observer.OnFlowFinish(ctx, w.flowId, w.cp.FlowState.Kind, err)
	w.resultCh <- flowOutcome{Result: result, Err: err}
}
