package api

import "context"

// Hospital is the external collaborator that quarantines errored flows
// for operator attention, per §6 ("Hospital: admit, discharge"). The core
// calls Admit once a flow's checkpoint is retained in Errored state and
// either the error was non-retryable (ClassFatal) or the bounded
// automatic retry budget of §7 has been exhausted; Discharge is the
// operator-initiated readmission that the Flow Manager wires back to
// RetryFlowFromSafePoint (§12.4).
type Hospital interface {
	Admit(ctx context.Context, flowId FlowId, class ErrorClass, reason string, cp *Checkpoint) error
	Discharge(ctx context.Context, flowId FlowId) error
}
