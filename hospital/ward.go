// Package hospital implements the §6 Hospital collaborator: quarantine
// for flows whose checkpoint has been retained in Errored state, plus
// the bounded exponential backoff policy the Flow Manager uses before a
// flow is admitted here at all (§7, §12.4).
package hospital

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/pkg/api"
)

// ErrNotAdmitted is returned by Discharge for a FlowId the Ward has no
// admission record for.
var ErrNotAdmitted = errors.New("hospital: flow not admitted")

// Admission is the operator-visible record of one quarantined flow.
type Admission struct {
	FlowId api.FlowId
	Class  api.ErrorClass
	Reason string
	Count  int
}

// Ward is the concrete, in-tree Hospital implementation (§12.4). It is
// backed by the same CheckpointStore used for live flows — an errored
// checkpoint already IS the admission record — and keeps only the small
// amount of metadata that blob does not carry: classification, reason,
// a per-flow admission count that survives Discharge, and the
// readmission callback.
type Ward struct {
	checkpoints persistence.CheckpointStore
	observer    api.Observer
	log         *slog.Logger
	readmit     func(ctx context.Context, flowId api.FlowId) error

	mu       sync.Mutex
	admitted map[api.FlowId]Admission
	counts   map[api.FlowId]int
}

var _ api.Hospital = (*Ward)(nil)

// NewWard constructs a Ward. readmit is invoked by Discharge once an
// operator clears a flow for another attempt; wiring code typically
// passes (*engine.FlowManager).Readmit.
func NewWard(checkpoints persistence.CheckpointStore, observer api.Observer, readmit func(ctx context.Context, flowId api.FlowId) error) *Ward {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &Ward{
		checkpoints: checkpoints,
		observer:    observer,
		log:         slog.Default().With("component", "hospital"),
		readmit:     readmit,
		admitted:    make(map[api.FlowId]Admission),
		counts:      make(map[api.FlowId]int),
	}
}

// Admit quarantines flowId, per §6. cp is the already-persisted errored
// checkpoint; Admit does not re-persist it — the Transition Function's
// PersistCheckpoint action already committed it before the flow worker
// aborted (§4.1 onError).
func (w *Ward) Admit(ctx context.Context, flowId api.FlowId, class api.ErrorClass, reason string, cp *api.Checkpoint) error {
	w.mu.Lock()
	a := w.admitted[flowId]
	a.FlowId = flowId
	a.Class = class
	a.Reason = reason
	w.counts[flowId]++
	a.Count = w.counts[flowId]
	w.admitted[flowId] = a
	count := a.Count
	w.mu.Unlock()

	w.log.Warn("flow admitted to hospital", "flow_id", flowId, "class", class, "reason", reason, "admission_count", count)
	w.observer.OnHospitalAdmit(ctx, flowId, class, count)
	return nil
}

// Discharge clears flowId's admission record and, if a readmit callback
// was wired, triggers RetryFlowFromSafePoint for it.
func (w *Ward) Discharge(ctx context.Context, flowId api.FlowId) error {
	w.mu.Lock()
	_, ok := w.admitted[flowId]
	delete(w.admitted, flowId)
	w.mu.Unlock()
	if !ok {
		return ErrNotAdmitted
	}

	w.log.Info("flow discharged from hospital", "flow_id", flowId)
	if w.readmit == nil {
		return nil
	}
	return w.readmit(ctx, flowId)
}

// Census lists every currently admitted flow, for operator tooling.
func (w *Ward) Census() []Admission {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Admission, 0, len(w.admitted))
	for _, a := range w.admitted {
		out = append(out, a)
	}
	return out
}

// IsAdmitted reports whether flowId currently has an open admission.
func (w *Ward) IsAdmitted(flowId api.FlowId) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.admitted[flowId]
	return ok
}
