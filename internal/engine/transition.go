package engine

import (
	"github.com/ledgerwire/flowstate/pkg/api"
)

// transition is the pure Transition Function: (Checkpoint, Event) ->
// (Checkpoint', []Action, Continuation), per §4.1. It never performs I/O,
// never calls FlowLogic, and never mutates its input Checkpoint — every
// path below operates on a Clone(). Determinism here is what makes the
// Transition Executor's replay-on-crash story sound (§8 property 1).
func transition(cp *api.Checkpoint, ev api.Event) (*api.Checkpoint, []api.Action, api.Continuation) {
	next := cp.Clone()

	switch ev.Kind {
	case api.EventSuspend:
		return onSuspend(next, ev)
	case api.EventDeliverSessionMessage:
		return onDeliverSessionMessage(next, ev)
	case api.EventEnterSubFlow:
		return onEnterSubFlow(next, ev)
	case api.EventLeaveSubFlow:
		return onLeaveSubFlow(next, ev)
	case api.EventFlowFinish:
		return onFlowFinish(next, ev)
	case api.EventError:
		return onError(next, ev)
	case api.EventAsyncOperationCompletion:
		return onAsyncCompletion(next, ev)
	case api.EventWakeUpFromSleep:
		return onWakeUpFromSleep(next, ev)
	case api.EventRetryFlowFromSafePoint:
		return onRetry(next, ev)
	case api.EventDoRemainingWork:
		return next, nil, api.Resume(nil)
	default:
		return next, nil, api.ProcessEvents()
	}
}

func onSuspend(next *api.Checkpoint, ev api.Event) (*api.Checkpoint, []api.Action, api.Continuation) {
	req := ev.IORequest
	var actions []api.Action

	// Per §4.1, maySkipCheckpoint (an explicit per-call hint from user
	// code) or the flow currently executing inside an all-idempotent
	// sub-flow stack both permit skipping PersistCheckpoint on this
	// suspend. IOForceCheckpoint is the one exception: it is the escape
	// hatch that forces a checkpoint regardless of skip, so it never
	// reads this flag.
	skip := ev.MaySkipCheckpoint || next.AllFramesIdempotent()

	switch req.Kind {
	case api.IOSend:
		actions = append(actions, sendActions(next, req)...)
		next.NumberOfSuspends++
		if !skip {
			actions = append(actions, persistAction(next))
		}
		return next, actions, api.Resume(nil)

	case api.IOSendAndReceive:
		actions = append(actions, sendActions(next, req)...)
		return receiveOrPark(next, req, actions, skip)

	case api.IOReceive:
		return receiveOrPark(next, req, actions, skip)

	case api.IOCloseSessions:
		actions = append(actions, closeActions(next, req.Sessions)...)
		next.NumberOfSuspends++
		if !skip {
			actions = append(actions, persistAction(next))
		}
		return next, actions, api.Resume(nil)

	case api.IOWaitForLedgerCommit:
		actions = append(actions,
			api.Action{Kind: api.ActionCreateTransaction, FlowId: next.FlowId},
			api.Action{Kind: api.ActionCommitTransaction, FlowId: next.FlowId},
		)
		next.NumberOfSuspends++
		if !skip {
			actions = append(actions, persistAction(next))
		}
		return next, actions, api.Resume(nil)

	case api.IOWaitForSessionConfirmations:
		if allSessionsConfirmed(next) {
			next.NumberOfSuspends++
			if !skip {
				actions = append(actions, persistAction(next))
			}
			return next, actions, api.Resume(nil)
		}
		return parkOn(next, req, skip)

	case api.IOExecuteAsync:
		return parkOn(next, req, skip)

	case api.IOSleep:
		at := req.WakeAt
		actions = append(actions, api.Action{
			Kind: api.ActionSleepUntil, FlowId: next.FlowId, ScheduleAt: at,
			Event: &api.Event{Kind: api.EventWakeUpFromSleep},
		})
		return parkOn(next, req, skip, actions...)

	case api.IOForceCheckpoint:
		next.NumberOfSuspends++
		actions = append(actions, persistAction(next))
		return next, actions, api.Resume(nil)

	default:
		return next, actions, api.ProcessEvents()
	}
}

// receiveOrPark resolves a Receive/SendAndReceive immediately if every
// listed session already has a buffered message (the Receive bypass,
// §4.1), otherwise parks on it. skip carries the same maySkipCheckpoint
// OR all-idempotent-frames test onSuspend already computed.
func receiveOrPark(next *api.Checkpoint, req api.FlowIORequest, actions []api.Action, skip bool) (*api.Checkpoint, []api.Action, api.Continuation) {
	if msgs, ok := popBuffered(next, req.Sessions); ok {
		next.NumberOfSuspends++
		if !skip {
			actions = append(actions, persistAction(next))
		}
		return next, actions, api.Resume(msgs)
	}
	return parkOn(next, req, skip, actions...)
}

func parkOn(next *api.Checkpoint, req api.FlowIORequest, skip bool, actions ...api.Action) (*api.Checkpoint, []api.Action, api.Continuation) {
	next.HasPendingIO = true
	next.PendingIO = req
	next.FlowState.Kind = api.FlowStarted
	next.NumberOfSuspends++
	if !skip {
		actions = append(actions, persistAction(next))
	}
	return next, actions, api.ProcessEvents()
}

func sendActions(next *api.Checkpoint, req api.FlowIORequest) []api.Action {
	var initial, existing []api.OutboundMessage
	for i, sid := range req.Sessions {
		s := next.Sessions[sid]
		if s == nil {
			continue
		}
		var payload []byte
		if i < len(req.Payloads) {
			payload = req.Payloads[i]
		}
		env := api.SessionEnvelope{
			SessionId:       sid,
			PeerSessionId:   s.PeerSessionId,
			SequenceNumber:  s.NextSendSeq,
			DeduplicationId: api.DeduplicationId(next.FlowId.String(), s.DeduplicationSeed, s.NextSendSeq),
			Kind:            api.MessageData,
			Payload:         payload,
		}
		s.NextSendSeq++
		msg := api.OutboundMessage{SessionId: sid, Peer: s.Peer, Envelope: env}
		if s.Phase == api.SessionUninitiated {
			s.Phase = api.SessionInitiating
			env.Kind = api.MessageInit
			msg.Envelope = env
			initial = append(initial, msg)
		} else {
			existing = append(existing, msg)
		}
	}

	var actions []api.Action
	if len(initial) > 0 {
		actions = append(actions, api.Action{Kind: api.ActionSendInitial, Messages: initial})
	}
	if len(existing) > 0 {
		actions = append(actions, api.Action{Kind: api.ActionSendExisting, Messages: existing})
	}
	return actions
}

func closeActions(next *api.Checkpoint, sessions []api.SessionId) []api.Action {
	var msgs []api.OutboundMessage
	for _, sid := range sessions {
		s := next.Sessions[sid]
		if s == nil {
			continue
		}
		env := api.SessionEnvelope{
			SessionId:      sid,
			PeerSessionId:  s.PeerSessionId,
			SequenceNumber: s.NextSendSeq,
			Kind:           api.MessageEnd,
		}
		s.NextSendSeq++
		s.Phase = api.SessionClosed
		msgs = append(msgs, api.OutboundMessage{SessionId: sid, Peer: s.Peer, Envelope: env})
	}
	if len(msgs) == 0 {
		return nil
	}
	return []api.Action{{Kind: api.ActionSendMultiple, Messages: msgs}}
}

func popBuffered(cp *api.Checkpoint, sessions []api.SessionId) (map[api.SessionId][]byte, bool) {
	for _, sid := range sessions {
		s := cp.Sessions[sid]
		if s == nil || len(s.ReceiveBuffer) == 0 {
			return nil, false
		}
	}
	out := make(map[api.SessionId][]byte, len(sessions))
	for _, sid := range sessions {
		s := cp.Sessions[sid]
		out[sid] = s.ReceiveBuffer[0]
		s.ReceiveBuffer = s.ReceiveBuffer[1:]
	}
	return out, true
}

func allSessionsConfirmed(cp *api.Checkpoint) bool {
	for _, s := range cp.Sessions {
		if s.Phase == api.SessionInitiating {
			return false
		}
	}
	return true
}

func persistAction(cp *api.Checkpoint) api.Action {
	return api.Action{Kind: api.ActionPersistCheckpoint, Checkpoint: cp}
}

func onDeliverSessionMessage(next *api.Checkpoint, ev api.Event) (*api.Checkpoint, []api.Action, api.Continuation) {
	s := next.Sessions[ev.SessionId]
	if s == nil {
		return next, nil, api.ProcessEvents()
	}

	switch ev.Envelope.Kind {
	case api.MessageInit:
		s.PeerSessionId = ev.Envelope.SessionId
		s.Phase = api.SessionInitiated
		// sendActions folds the first payload into the Init envelope
		// rather than sending it as a separate MessageData, so it must
		// be buffered here too or it is silently lost.
		if ev.Envelope.Payload != nil {
			s.ReceiveBuffer = append(s.ReceiveBuffer, ev.Envelope.Payload)
		}
	case api.MessageConfirm:
		if s.Phase == api.SessionInitiating {
			s.Phase = api.SessionInitiated
		}
	case api.MessageEnd:
		s.HasSeenEndOfSess = true
	case api.MessageReject, api.MessageData:
		s.ReceiveBuffer = append(s.ReceiveBuffer, ev.Envelope.Payload)
	}

	actions := []api.Action{{Kind: api.ActionAcknowledgeMessages, Messages: []api.OutboundMessage{{SessionId: ev.SessionId, Envelope: ev.Envelope}}}}

	if next.HasPendingIO && isReceiveLike(next.PendingIO.Kind) && containsSession(next.PendingIO.Sessions, ev.SessionId) {
		if msgs, ok := popBuffered(next, next.PendingIO.Sessions); ok {
			next.HasPendingIO = false
			next.NumberOfSuspends++
			actions = append(actions, persistAction(next))
			return next, actions, api.Resume(msgs)
		}
	}
	if next.HasPendingIO && next.PendingIO.Kind == api.IOWaitForSessionConfirmations && allSessionsConfirmed(next) {
		next.HasPendingIO = false
		next.NumberOfSuspends++
		actions = append(actions, persistAction(next))
		return next, actions, api.Resume(nil)
	}

	actions = append(actions, persistAction(next))
	return next, actions, api.ProcessEvents()
}

func isReceiveLike(k api.IORequestKind) bool {
	return k == api.IOReceive || k == api.IOSendAndReceive
}

func containsSession(sessions []api.SessionId, sid api.SessionId) bool {
	for _, s := range sessions {
		if s == sid {
			return true
		}
	}
	return false
}

func onEnterSubFlow(next *api.Checkpoint, ev api.Event) (*api.Checkpoint, []api.Action, api.Continuation) {
	wasIdempotent := false
	if top, ok := next.TopFrame(); ok {
		wasIdempotent = top.IsIdempotent
	}

	next.SubFlowStack = append(next.SubFlowStack, ev.SubFlow)
	next.NumberOfSuspends++

	// Per §4.1, staying inside an idempotent context (the frame we were
	// already running in, and the one being entered, are both
	// idempotent) may skip the checkpoint. Any other transition —
	// entering idempotent territory from non-idempotent code, or vice
	// versa — must persist before the sub-flow's user code runs, so a
	// crash has a durable boundary to resume from.
	if wasIdempotent && ev.SubFlow.IsIdempotent {
		return next, nil, api.Resume(nil)
	}
	return next, []api.Action{persistAction(next)}, api.Resume(nil)
}

func onLeaveSubFlow(next *api.Checkpoint, ev api.Event) (*api.Checkpoint, []api.Action, api.Continuation) {
	if len(next.SubFlowStack) > 0 {
		next.SubFlowStack = next.SubFlowStack[:len(next.SubFlowStack)-1]
	}
	next.NumberOfSuspends++
	return next, []api.Action{persistAction(next)}, api.Resume(nil)
}

func onFlowFinish(next *api.Checkpoint, ev api.Event) (*api.Checkpoint, []api.Action, api.Continuation) {
	next.FlowState = api.FlowState{Kind: api.FlowCompleted, Result: ev.Result}
	next.HasPendingIO = false

	var actions []api.Action
	var openSessions []api.SessionId
	for sid, s := range next.Sessions {
		if s.Phase != api.SessionClosed {
			openSessions = append(openSessions, sid)
		}
	}
	actions = append(actions, closeActions(next, openSessions)...)

	if next.HasSoftLockedStates {
		actions = append(actions, api.Action{Kind: api.ActionReleaseSoftLocks, FlowId: next.FlowId})
		next.HasSoftLockedStates = false
	}

	next.NumberOfSuspends++
	actions = append(actions, persistAction(next))
	// §3: a Checkpoint is deleted on FlowFinish unless the flow
	// terminated in Failed. onFlowFinish only ever runs on the success
	// path (a FlowLogic.Call that returned without error) — the Failed
	// terminal state is set in onError's ClassUserVisible branch, which
	// deliberately does not emit RemoveCheckpoint.
	actions = append(actions, api.Action{Kind: api.ActionRemoveCheckpoint, FlowId: next.FlowId})
	return next, actions, api.Abort()
}

func onError(next *api.Checkpoint, ev api.Event) (*api.Checkpoint, []api.Action, api.Continuation) {
	class := api.Classify(ev.Cause)

	if class == api.ClassUnrecoverable {
		return next, []api.Action{{Kind: api.ActionHaltProcess}}, api.Abort()
	}

	if class == api.ClassUserVisible {
		next.FlowState = api.FlowState{Kind: api.FlowFailed, FailureError: ev.Cause}
		next.HasPendingIO = false
		flowErr := api.ToFlowError(ev.Cause)

		var actions []api.Action
		if msgs := errorMessages(next, flowErr); len(msgs) > 0 {
			actions = append(actions, api.Action{Kind: api.ActionPropagateErrors, Messages: msgs, Errors: []api.FlowError{flowErr}})
		}
		if next.HasSoftLockedStates {
			actions = append(actions, api.Action{Kind: api.ActionReleaseSoftLocks, FlowId: next.FlowId})
			next.HasSoftLockedStates = false
		}
		next.NumberOfSuspends++
		actions = append(actions, persistAction(next))
		return next, actions, api.Abort()
	}

	// ClassFatal and ClassRetryable both retain the checkpoint in Errored
	// state and hand off to the Hospital; only the Hospital's readmission
	// policy differs (immediate backoff retry vs. operator intervention).
	// HasSoftLockedStates is preserved across this transition, per §9's
	// second Open Question — it is released only on terminal abort/finish.
	next.ErrorState = api.ErrorState{
		Kind:               api.ErrorStateErrored,
		PropagatingErrors:  append(next.ErrorState.PropagatingErrors, api.ToFlowError(ev.Cause)),
		HospitalCount:      next.ErrorState.HospitalCount + 1,
		LastErrorRetryable: class == api.ClassRetryable,
	}
	next.NumberOfSuspends++
	return next, []api.Action{persistAction(next)}, api.Abort()
}

func errorMessages(cp *api.Checkpoint, flowErr api.FlowError) []api.OutboundMessage {
	payload, err := api.EncodeFlowError(flowErr)
	if err != nil {
		return nil
	}
	var msgs []api.OutboundMessage
	for sid, s := range cp.Sessions {
		if s.Phase == api.SessionClosed {
			continue
		}
		env := api.SessionEnvelope{
			SessionId:      sid,
			PeerSessionId:  s.PeerSessionId,
			SequenceNumber: s.NextSendSeq,
			Kind:           api.MessageReject,
			Payload:        payload,
		}
		s.NextSendSeq++
		s.Phase = api.SessionClosed
		msgs = append(msgs, api.OutboundMessage{SessionId: sid, Peer: s.Peer, Envelope: env})
	}
	return msgs
}

func onAsyncCompletion(next *api.Checkpoint, ev api.Event) (*api.Checkpoint, []api.Action, api.Continuation) {
	if !next.HasPendingIO || next.PendingIO.Kind != api.IOExecuteAsync || next.PendingIO.OpHandle != ev.AsyncResult.OpHandle {
		return next, nil, api.ProcessEvents()
	}
	next.HasPendingIO = false
	next.NumberOfSuspends++
	actions := []api.Action{persistAction(next)}
	if ev.AsyncResult.Err != nil {
		return next, actions, api.Throw(ev.AsyncResult.Err)
	}
	return next, actions, api.Resume(ev.AsyncResult.Value)
}

func onWakeUpFromSleep(next *api.Checkpoint, ev api.Event) (*api.Checkpoint, []api.Action, api.Continuation) {
	if !next.HasPendingIO || next.PendingIO.Kind != api.IOSleep {
		return next, nil, api.ProcessEvents()
	}
	next.HasPendingIO = false
	next.NumberOfSuspends++
	return next, []api.Action{persistAction(next)}, api.Resume(nil)
}

func onRetry(next *api.Checkpoint, ev api.Event) (*api.Checkpoint, []api.Action, api.Continuation) {
	next.ErrorState.Kind = api.ErrorStateClean
	next.NumberOfSuspends++
	return next, []api.Action{persistAction(next)}, api.Resume(nil)
}
