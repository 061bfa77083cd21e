package api

import "time"

// FlowStateKind is the tagged variant of Checkpoint.FlowState, per §3.
type FlowStateKind int

const (
	FlowUnstarted FlowStateKind = iota
	FlowStarted
	FlowCompleted
	FlowFailed
)

func (k FlowStateKind) String() string {
	switch k {
	case FlowUnstarted:
		return "Unstarted"
	case FlowStarted:
		return "Started"
	case FlowCompleted:
		return "Completed"
	case FlowFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// FlowState is the tagged variant `{ Unstarted, Started(blob), Completed(result), Failed(error) }`.
//
// Exactly one of SuspendedContinuation, Result, or FailureError is
// meaningful, selected by Kind; the zero value is FlowUnstarted.
type FlowState struct {
	Kind FlowStateKind

	// SuspendedContinuation is the serialized resumption token produced by
	// the Checkpoint Codec when Kind == FlowStarted. Its layout is opaque
	// to the core; see persistence.Codec.
	SuspendedContinuation []byte

	Result      any
	FailureError error
}

// SubFlowFrame is one entry of the subFlowStack, per §3. The top of the
// stack is the currently executing sub-flow.
type SubFlowFrame struct {
	FlowClass             string
	Version               string
	TargetPlatformVersion int
	IsIdempotent          bool
	IsTimed               bool
}

// ErrorStateKind is the tagged variant of Checkpoint.ErrorState.
type ErrorStateKind int

const (
	ErrorStateClean ErrorStateKind = iota
	ErrorStateErrored
)

// ErrorState is `{ Clean, Errored(propagatingErrors, hospitalCount) }`.
type ErrorState struct {
	Kind              ErrorStateKind
	PropagatingErrors []FlowError
	HospitalCount     int

	// LastErrorRetryable records whether the most recent cause that put
	// this checkpoint into Errored was classified ClassRetryable (true)
	// or ClassFatal (false). It lets the Flow Manager decide, once the
	// worker has aborted, whether to self-schedule a backoff
	// RetryFlowFromSafePoint or hand the checkpoint to the Hospital
	// (§7, §12.4).
	LastErrorRetryable bool
}

// Checkpoint is the persisted entity described in §3. It is the unit the
// Transition Function reads and rewrites, and the unit the CheckpointStore
// durably stores.
type Checkpoint struct {
	FlowId FlowId

	// FlowClass and Version identify the registered constructor this
	// flow was started from (§9 "replace reflection with a flow
	// registry"); they let the Flow Manager reconstruct a FlowLogic
	// value from a persisted checkpoint after a process restart.
	FlowClass string
	Version   string

	// InvocationContext carries caller-supplied metadata (e.g. the RPC
	// principal that started the flow). The core treats it as opaque.
	InvocationContext any

	OurIdentity Peer

	SubFlowStack []SubFlowFrame
	Sessions     map[SessionId]*SessionState

	FlowState  FlowState
	ErrorState ErrorState

	// NumberOfSuspends strictly increases across persisted revisions of
	// the same FlowId (§3 invariant, tested by property 3 in §8).
	NumberOfSuspends uint64

	// ProgressStep is a host-opaque marker of which point in the user
	// flow logic is currently executing; FlowLogic implementations use it
	// to resume into the right branch after a crash (§9's "explicit state
	// machine" re-architecture of stack-freezing fibers).
	ProgressStep int

	// HasSoftLockedStates is a write-once-true sticky flag (§5). Per
	// spec.md §9's second Open Question, it is preserved across
	// RetryFlowFromSafePoint and released only on terminal abort/finish.
	HasSoftLockedStates bool
	SoftLockId          string

	// HasPendingIO and PendingIO record the FlowIORequest this checkpoint
	// is currently parked on, when FlowState.Kind == FlowStarted and the
	// park point was a suspending I/O request rather than a sub-flow
	// frame change. The Transition Function consults this to decide
	// whether an arriving event (DeliverSessionMessage,
	// AsyncOperationCompletion, WakeUpFromSleep) actually resolves the
	// current suspend.
	HasPendingIO bool
	PendingIO    FlowIORequest

	UpdatedAt time.Time
}

// CheckpointView is the read-only projection of a Checkpoint returned by
// the core's `snapshot(flowId)` observable surface (§6). It deliberately
// omits InvocationContext and the raw SuspendedContinuation blob, which
// are internal to the Flow Worker.
type CheckpointView struct {
	FlowId           FlowId
	FlowClass        string
	FlowStateKind    FlowStateKind
	NumberOfSuspends uint64
	ProgressStep     int
	Errored          bool
	HospitalCount    int
	SessionCount     int
	UpdatedAt        time.Time
}

// View projects c into its CheckpointView.
func (c *Checkpoint) View() CheckpointView {
	return CheckpointView{
		FlowId:           c.FlowId,
		FlowClass:        c.FlowClass,
		FlowStateKind:    c.FlowState.Kind,
		NumberOfSuspends: c.NumberOfSuspends,
		ProgressStep:     c.ProgressStep,
		Errored:          c.ErrorState.Kind == ErrorStateErrored,
		HospitalCount:    c.ErrorState.HospitalCount,
		SessionCount:     len(c.Sessions),
		UpdatedAt:        c.UpdatedAt,
	}
}

// TopFrame returns the currently executing sub-flow frame, or the zero
// value and false if the stack is empty (top-level flow, no sub-flow
// entered yet).
func (c *Checkpoint) TopFrame() (SubFlowFrame, bool) {
	if len(c.SubFlowStack) == 0 {
		return SubFlowFrame{}, false
	}
	return c.SubFlowStack[len(c.SubFlowStack)-1], true
}

// AllFramesIdempotent reports whether the sub-flow stack is non-empty and
// every frame on it (including the top) is idempotent. Per §4.1, a
// Suspend may skip PersistCheckpoint when this holds. A flow that has
// never entered a sub-flow has an empty stack and is never considered
// idempotent by this check — only an explicit MaySkipCheckpoint on the
// individual suspend can skip a checkpoint at that point.
func (c *Checkpoint) AllFramesIdempotent() bool {
	if len(c.SubFlowStack) == 0 {
		return false
	}
	for _, f := range c.SubFlowStack {
		if !f.IsIdempotent {
			return false
		}
	}
	return true
}

// Clone returns a deep-enough copy of the checkpoint for safe mutation by
// the (pure) Transition Function: the caller must never observe its input
// Checkpoint mutated in place, per the purity contract in §4.1.
func (c *Checkpoint) Clone() *Checkpoint {
	clone := *c

	clone.SubFlowStack = append([]SubFlowFrame(nil), c.SubFlowStack...)

	clone.Sessions = make(map[SessionId]*SessionState, len(c.Sessions))
	for id, s := range c.Sessions {
		sc := *s
		sc.ReceiveBuffer = append([][]byte(nil), s.ReceiveBuffer...)
		sc.InitiatingPayload = append([]byte(nil), s.InitiatingPayload...)
		clone.Sessions[id] = &sc
	}

	clone.ErrorState.PropagatingErrors = append([]FlowError(nil), c.ErrorState.PropagatingErrors...)

	return &clone
}
