package api

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Observer receives callbacks from the flow engine for logging and
// metrics (§10.1, §12.5).
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay flow execution.
type Observer interface {
	// OnFlowStart is called once when a flow is first started, before its
	// first Transition Function invocation.
	OnFlowStart(ctx context.Context, flowId FlowId, flowClass string)

	// OnSuspend is called after a checkpoint's worth of work ends with the
	// flow parked on req.
	OnSuspend(ctx context.Context, flowId FlowId, req FlowIORequest, numberOfSuspends uint64)

	// OnResume is called just before the Flow Worker re-invokes FlowLogic
	// with a satisfied event.
	OnResume(ctx context.Context, flowId FlowId, ev EventKind)

	// OnCheckpointPersisted is called once per Transition Function
	// application, before the Action Executor applies the resulting
	// actions. skipped is true when that action list contains no
	// PersistCheckpoint action.
	OnCheckpointPersisted(ctx context.Context, flowId FlowId, numberOfSuspends uint64, skipped bool)

	// OnActionExecuted is called after each Action in a checkpoint's
	// action list has been applied.
	OnActionExecuted(ctx context.Context, flowId FlowId, kind ActionKind, err error)

	// OnFlowFinish is called when a flow reaches FlowCompleted or
	// FlowFailed.
	OnFlowFinish(ctx context.Context, flowId FlowId, state FlowStateKind, err error)

	// OnHospitalAdmit is called when a flow's checkpoint is retained in
	// Errored state and handed to the Hospital.
	OnHospitalAdmit(ctx context.Context, flowId FlowId, class ErrorClass, admissionCount int)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnFlowStart(ctx context.Context, flowId FlowId, flowClass string) {}
func (NoopObserver) OnSuspend(ctx context.Context, flowId FlowId, req FlowIORequest, n uint64) {
}
func (NoopObserver) OnResume(ctx context.Context, flowId FlowId, ev EventKind) {}
func (NoopObserver) OnCheckpointPersisted(ctx context.Context, flowId FlowId, n uint64, skipped bool) {
}
func (NoopObserver) OnActionExecuted(ctx context.Context, flowId FlowId, kind ActionKind, err error) {
}
func (NoopObserver) OnFlowFinish(ctx context.Context, flowId FlowId, state FlowStateKind, err error) {
}
func (NoopObserver) OnHospitalAdmit(ctx context.Context, flowId FlowId, class ErrorClass, n int) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnFlowStart(ctx context.Context, flowId FlowId, flowClass string) {
	for _, o := range c.observers {
		o.OnFlowStart(ctx, flowId, flowClass)
	}
}

func (c *CompositeObserver) OnSuspend(ctx context.Context, flowId FlowId, req FlowIORequest, n uint64) {
	for _, o := range c.observers {
		o.OnSuspend(ctx, flowId, req, n)
	}
}

func (c *CompositeObserver) OnResume(ctx context.Context, flowId FlowId, ev EventKind) {
	for _, o := range c.observers {
		o.OnResume(ctx, flowId, ev)
	}
}

func (c *CompositeObserver) OnCheckpointPersisted(ctx context.Context, flowId FlowId, n uint64, skipped bool) {
	for _, o := range c.observers {
		o.OnCheckpointPersisted(ctx, flowId, n, skipped)
	}
}

func (c *CompositeObserver) OnActionExecuted(ctx context.Context, flowId FlowId, kind ActionKind, err error) {
	for _, o := range c.observers {
		o.OnActionExecuted(ctx, flowId, kind, err)
	}
}

func (c *CompositeObserver) OnFlowFinish(ctx context.Context, flowId FlowId, state FlowStateKind, err error) {
	for _, o := range c.observers {
		o.OnFlowFinish(ctx, flowId, state, err)
	}
}

func (c *CompositeObserver) OnHospitalAdmit(ctx context.Context, flowId FlowId, class ErrorClass, n int) {
	for _, o := range c.observers {
		o.OnHospitalAdmit(ctx, flowId, class, n)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs flow lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is
// used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnFlowStart(ctx context.Context, flowId FlowId, flowClass string) {
	o.Logger.InfoContext(ctx, "flow_start",
		slog.String("flow_id", flowId.String()),
		slog.String("flow_class", flowClass),
	)
}

func (o *LoggingObserver) OnSuspend(ctx context.Context, flowId FlowId, req FlowIORequest, n uint64) {
	o.Logger.DebugContext(ctx, "flow_suspend",
		slog.String("flow_id", flowId.String()),
		slog.String("io_request", req.Kind.String()),
		slog.Uint64("number_of_suspends", n),
	)
}

func (o *LoggingObserver) OnResume(ctx context.Context, flowId FlowId, ev EventKind) {
	o.Logger.DebugContext(ctx, "flow_resume",
		slog.String("flow_id", flowId.String()),
		slog.String("event", ev.String()),
	)
}

func (o *LoggingObserver) OnCheckpointPersisted(ctx context.Context, flowId FlowId, n uint64, skipped bool) {
	o.Logger.DebugContext(ctx, "checkpoint_persisted",
		slog.String("flow_id", flowId.String()),
		slog.Uint64("number_of_suspends", n),
		slog.Bool("skipped", skipped),
	)
}

func (o *LoggingObserver) OnActionExecuted(ctx context.Context, flowId FlowId, kind ActionKind, err error) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "action_executed",
		slog.String("flow_id", flowId.String()),
		slog.String("action", kind.String()),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnFlowFinish(ctx context.Context, flowId FlowId, state FlowStateKind, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "flow_finish",
		slog.String("flow_id", flowId.String()),
		slog.String("state", state.String()),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnHospitalAdmit(ctx context.Context, flowId FlowId, class ErrorClass, n int) {
	o.Logger.WarnContext(ctx, "hospital_admit",
		slog.String("flow_id", flowId.String()),
		slog.Int("error_class", int(class)),
		slog.Int("admission_count", n),
	)
}

// BasicMetrics collects simple counters and the numberOfSuspends
// distribution used by the S6/property-6 checks in §8.
type BasicMetrics struct {
	NoopObserver

	flowsStarted   atomic.Int64
	flowsCompleted atomic.Int64
	flowsFailed    atomic.Int64
	suspends       atomic.Int64
	checkpoints    atomic.Int64
	skipped        atomic.Int64
	hospitalAdmits atomic.Int64
	maxSuspends    atomic.Uint64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	FlowsStarted   int64
	FlowsCompleted int64
	FlowsFailed    int64
	PendingFlows   int64

	Suspends             int64
	CheckpointsPersisted int64
	CheckpointsSkipped   int64
	HospitalAdmissions   int64
	MaxNumberOfSuspends  uint64
}

func (m *BasicMetrics) OnFlowStart(ctx context.Context, flowId FlowId, flowClass string) {
	m.flowsStarted.Add(1)
}

func (m *BasicMetrics) OnSuspend(ctx context.Context, flowId FlowId, req FlowIORequest, n uint64) {
	m.suspends.Add(1)
	for {
		cur := m.maxSuspends.Load()
		if n <= cur || m.maxSuspends.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (m *BasicMetrics) OnCheckpointPersisted(ctx context.Context, flowId FlowId, n uint64, skipped bool) {
	if skipped {
		m.skipped.Add(1)
		return
	}
	m.checkpoints.Add(1)
}

func (m *BasicMetrics) OnFlowFinish(ctx context.Context, flowId FlowId, state FlowStateKind, err error) {
	if state == FlowCompleted {
		m.flowsCompleted.Add(1)
		return
	}
	m.flowsFailed.Add(1)
}

func (m *BasicMetrics) OnHospitalAdmit(ctx context.Context, flowId FlowId, class ErrorClass, n int) {
	m.hospitalAdmits.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.flowsStarted.Load()
	completed := m.flowsCompleted.Load()
	failed := m.flowsFailed.Load()

	return BasicMetricsSnapshot{
		FlowsStarted:         started,
		FlowsCompleted:       completed,
		FlowsFailed:          failed,
		PendingFlows:         started - completed - failed,
		Suspends:             m.suspends.Load(),
		CheckpointsPersisted: m.checkpoints.Load(),
		CheckpointsSkipped:   m.skipped.Load(),
		HospitalAdmissions:   m.hospitalAdmits.Load(),
		MaxNumberOfSuspends:  m.maxSuspends.Load(),
	}
}
