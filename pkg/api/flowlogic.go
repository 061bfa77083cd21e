package api

import (
	"errors"
	"time"
)

// FlowLogic is the user-supplied workflow definition, per §3: "to the
// core it is an opaque object with a call() entry point and a
// target-version tag." Implementations are plain value/pointer types; the
// capability trait (Send/Receive/Sleep/...) lives on FlowContext, not on
// an inheritance hierarchy (§9 "Replace with a capability trait").
type FlowLogic interface {
	// Call runs (or resumes) the flow body against ctx. Implementations
	// write ordinary straight-line Go: each FlowContext method either
	// returns immediately with a replayed result, or returns errSuspend,
	// which the caller must propagate (`if err != nil { return nil, err }`)
	// exactly like any other Go error. There is no other contract.
	Call(ctx *FlowContext) (any, error)
}

// FlowConstructor builds a fresh FlowLogic value for a registered flow
// class, given the arguments passed to FlowManager.StartFlow. It replaces
// reflective construction (§9 "Replace with a flow registry").
type FlowConstructor func(args any) (FlowLogic, error)

// errSuspend is the sentinel a FlowContext method returns when it has
// reached a point in the replay history that has not happened yet and
// therefore must ask the engine to suspend. It carries no information
// itself; the pending event is read separately via FlowContext.Pending.
var errSuspend = errors.New("flowstate: suspend")

// IsSuspend reports whether err is (or wraps) the suspend sentinel.
func IsSuspend(err error) bool {
	return errors.Is(err, errSuspend)
}

// HistoryEntry is one replayed result in a FlowContext's continuation.
// A Checkpoint in FlowStarted state serializes a []HistoryEntry as its
// SuspendedContinuation blob (§6); this is the "explicit state machine"
// the design notes ask for in place of stack-freezing fibers.
type HistoryEntry struct {
	EventKind EventKind
	Result    any
	ErrType   string
	ErrMsg    string
}

func (h HistoryEntry) toError() error {
	if h.ErrType == "" && h.ErrMsg == "" {
		return nil
	}
	return FlowError{ErrorType: h.ErrType, Message: h.ErrMsg}
}

// FlowContext is the capability trait (§9) through which user FlowLogic
// issues suspending I/O requests, manages sub-flows, and inspects the
// flow's transient state. One FlowContext is constructed per Call
// invocation (i.e. per replay), wrapping the Checkpoint shadow the Flow
// Worker is currently holding in memory (§4.4).
type FlowContext struct {
	FlowId     FlowId
	Checkpoint *Checkpoint

	history []HistoryEntry
	cursor  int
	pending *Event

	// initiateCount is the call-order index of the next InitiateFlow call
	// within this single Call invocation. It is NOT persisted — it is
	// recomputed deterministically on every replay by counting from zero,
	// exactly like cursor, because InitiateFlow calls happen in the same
	// program order on every replay of a deterministic FlowLogic.Call.
	initiateCount int
}

// NewFlowContext constructs a FlowContext for one Call invocation. cp is
// the in-memory checkpoint shadow (mutated in place as the capability
// methods below run); history is the previously-recorded continuation to
// replay before any new suspend is requested.
func NewFlowContext(flowId FlowId, cp *Checkpoint, history []HistoryEntry) *FlowContext {
	return &FlowContext{FlowId: flowId, Checkpoint: cp, history: history}
}

// Pending returns the event this FlowContext wants to suspend on, valid
// only immediately after Call returned a suspend-sentinel error.
func (ctx *FlowContext) Pending() (Event, bool) {
	if ctx.pending == nil {
		return Event{}, false
	}
	return *ctx.pending, true
}

// do is the single replay/suspend decision point every capability method
// routes through.
func (ctx *FlowContext) do(ev Event) (any, error) {
	if ctx.cursor < len(ctx.history) {
		h := ctx.history[ctx.cursor]
		ctx.cursor++
		return h.Result, h.toError()
	}
	ctx.pending = &ev
	return nil, errSuspend
}

// Send sends payloads to sessions and does not wait for a reply.
func (ctx *FlowContext) Send(sessions []SessionId, payloads [][]byte) error {
	_, err := ctx.do(Event{Kind: EventSuspend, IORequest: FlowIORequest{
		Kind: IOSend, Sessions: sessions, Payloads: payloads,
	}})
	return err
}

// Receive blocks (from the user code's point of view) until a message has
// arrived on every listed session.
func (ctx *FlowContext) Receive(sessions []SessionId) (map[SessionId][]byte, error) {
	v, err := ctx.do(Event{Kind: EventSuspend, IORequest: FlowIORequest{
		Kind: IOReceive, Sessions: sessions,
	}})
	if err != nil {
		return nil, err
	}
	return asMessageMap(v), nil
}

// SendAndReceive sends payloads and then waits for a reply on every
// listed session, in one logical suspension point.
func (ctx *FlowContext) SendAndReceive(sessions []SessionId, payloads [][]byte) (map[SessionId][]byte, error) {
	v, err := ctx.do(Event{Kind: EventSuspend, IORequest: FlowIORequest{
		Kind: IOSendAndReceive, Sessions: sessions, Payloads: payloads,
	}})
	if err != nil {
		return nil, err
	}
	return asMessageMap(v), nil
}

// CloseSessions ends the given sessions and sends End messages to their peers.
func (ctx *FlowContext) CloseSessions(sessions []SessionId) error {
	_, err := ctx.do(Event{Kind: EventSuspend, IORequest: FlowIORequest{
		Kind: IOCloseSessions, Sessions: sessions,
	}})
	return err
}

// WaitForLedgerCommit parks until txId has committed.
func (ctx *FlowContext) WaitForLedgerCommit(txId string) error {
	_, err := ctx.do(Event{Kind: EventSuspend, IORequest: FlowIORequest{
		Kind: IOWaitForLedgerCommit, LedgerTxId: txId,
	}})
	return err
}

// WaitForSessionConfirmations parks until every Initiating session has
// been acknowledged by its peer.
func (ctx *FlowContext) WaitForSessionConfirmations() error {
	_, err := ctx.do(Event{Kind: EventSuspend, IORequest: FlowIORequest{
		Kind: IOWaitForSessionConfirmations,
	}})
	return err
}

// ExecuteAsync registers an external operation identified by opHandle and
// parks until AsyncOperationCompletion delivers its result.
func (ctx *FlowContext) ExecuteAsync(opHandle string) (any, error) {
	return ctx.do(Event{Kind: EventSuspend, IORequest: FlowIORequest{
		Kind: IOExecuteAsync, OpHandle: opHandle,
	}})
}

// Sleep parks the flow for d.
func (ctx *FlowContext) Sleep(d time.Duration) error {
	_, err := ctx.do(Event{Kind: EventSuspend, IORequest: FlowIORequest{
		Kind: IOSleep, SleepDuration: d, WakeAt: time.Now().Add(d),
	}})
	return err
}

// ForceCheckpoint requests an unconditional checkpoint persist even when
// the flow would otherwise be eligible to skip one (§4.1 Receive bypass).
func (ctx *FlowContext) ForceCheckpoint() error {
	_, err := ctx.do(Event{Kind: EventSuspend, IORequest: FlowIORequest{
		Kind: IOForceCheckpoint,
	}})
	return err
}

// InitiateFlow allocates a new session to peer in Uninitiated state. It
// is a deterministic, purely local operation: the session leaves
// Uninitiated only once Send/SendAndReceive actually suspends on it, so
// InitiateFlow itself never suspends.
//
// It does NOT route through do(): the Nth InitiateFlow call within a
// replay always means the same logical session, so it is keyed by call
// order (initiateCount) rather than by len(Checkpoint.Sessions), which
// would mint a fresh session every time Call is replayed from the top.
func (ctx *FlowContext) InitiateFlow(peer Peer) SessionId {
	ctx.initiateCount++
	id := SessionId(ctx.initiateCount)

	cp := ctx.Checkpoint
	if _, exists := cp.Sessions[id]; !exists {
		cp.Sessions[id] = &SessionState{SessionId: id, Peer: peer, Phase: SessionUninitiated}
	}
	return id
}

// EnterSubFlow pushes frame onto the sub-flow stack. Per §4.1, if the
// current top frame is non-idempotent and frame is idempotent, the
// engine must persist a checkpoint before user code inside the sub-flow
// runs; EnterSubFlow is therefore routed through the same suspend
// machinery as an I/O request so that persist can happen first.
func (ctx *FlowContext) EnterSubFlow(frame SubFlowFrame) error {
	_, err := ctx.do(Event{Kind: EventEnterSubFlow, SubFlow: frame})
	return err
}

// LeaveSubFlow pops the top sub-flow frame.
func (ctx *FlowContext) LeaveSubFlow() error {
	_, err := ctx.do(Event{Kind: EventLeaveSubFlow})
	return err
}

// CheckFlowPermission returns a *FlowPermissionException if
// InvocationContext does not grant permission. It is a pure function of
// already-known state, so it never suspends.
func (ctx *FlowContext) CheckFlowPermission(permission string, granted func(invocationContext any, permission string) bool) error {
	if granted == nil || granted(ctx.Checkpoint.InvocationContext, permission) {
		return nil
	}
	return &FlowPermissionException{Permission: permission}
}

func asMessageMap(v any) map[SessionId][]byte {
	if v == nil {
		return nil
	}
	m, _ := v.(map[SessionId][]byte)
	return m
}
