package api

import "time"

// FlowEvent is one append-only audit record of a Transition Function
// application, kept separately from the Checkpoint itself so operators
// can inspect a flow's history without competing with the hot
// load/persist path (§10.1, §12.5).
type FlowEvent struct {
	FlowId    FlowId
	Seq       uint64
	Kind      EventKind
	Continuation ContinuationKind
	NumberOfSuspends uint64
	Err       string
	At        time.Time
}
