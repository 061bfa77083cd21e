package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ledgerwire/flowstate/hospital"
	"github.com/ledgerwire/flowstate/internal/eventqueue"
	"github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/pkg/api"
)

var (
	// ErrFlowNotFound is returned by FlowManager operations addressed at
	// a FlowId this process does not currently have resident.
	ErrFlowNotFound = errors.New("flowstate: flow not found")
)

// DefaultInboxCapacity bounds a flowWorker's event inbox (§4.4).
const DefaultInboxCapacity = 64

// FlowManager registers, starts, resumes, and kills flows, and owns the
// session→flow and flow→worker routing tables (§4.5). It is the
// process-local boundary between the durable core and the outside world:
// the MessageBus delivers inbound session traffic to it, and the
// eventqueue.Queue's scheduled wake-ups and timeouts are re-delivered by
// its background dispatcher using a pull-and-dispatch loop.
type FlowManager struct {
	registry    *flowRegistry
	checkpoints persistence.CheckpointStore
	queue       eventqueue.Queue
	observer    api.Observer
	exec        *transitionExecutor
	ourIdentity api.Peer

	// hospital and retryPolicy implement §7's error taxonomy past the
	// point a flow worker has aborted on a ClassFatal/ClassRetryable
	// error: retryPolicy bounds automatic backoff re-attempts, and
	// hospital receives flows that exhaust that budget or were never
	// eligible for it (§12.4). Both are optional; a nil hospital means
	// exhausted/fatal flows simply stay Errored in the CheckpointStore
	// until an operator calls Readmit directly.
	hospital    api.Hospital
	retryPolicy hospital.RetryPolicy
	clock       api.Clock

	inboxCapacity int

	mu            sync.Mutex
	workers       map[api.FlowId]*flowWorker
	sessionOwners map[api.SessionId]api.FlowId

	unsubscribe func()
	wg          sync.WaitGroup
}

// NewFlowManager wires a FlowManager against the given persistence,
// message transport, scheduled-event queue, and observer.
func NewFlowManager(checkpoints persistence.CheckpointStore, events persistence.FlowEventStore, bus api.MessageBus, queue eventqueue.Queue, observer api.Observer, ourIdentity api.Peer) *FlowManager {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	return &FlowManager{
		registry:      newFlowRegistry(),
		checkpoints:   checkpoints,
		queue:         queue,
		observer:      observer,
		exec:          newTransitionExecutor(checkpoints, events, bus, queue, observer),
		ourIdentity:   ourIdentity,
		retryPolicy:   hospital.DefaultRetryPolicy(),
		clock:         api.RealClock{},
		inboxCapacity: DefaultInboxCapacity,
		workers:       make(map[api.FlowId]*flowWorker),
		sessionOwners: make(map[api.SessionId]api.FlowId),
	}
}

// RegisterFlow adds a constructor to the Flow Registry (§12.1).
func (m *FlowManager) RegisterFlow(flowClass, version string, targetPlatformVersion int, ctor api.FlowConstructor) error {
	return m.registry.Register(flowClass, version, targetPlatformVersion, ctor)
}

// SetHospital wires the §6 Hospital collaborator a flow is handed to
// once it exhausts (or is ineligible for) automatic retry.
func (m *FlowManager) SetHospital(h api.Hospital) { m.hospital = h }

// SetRetryPolicy overrides the default bounded exponential backoff
// policy used before a ClassRetryable flow is escalated to the Hospital.
func (m *FlowManager) SetRetryPolicy(p hospital.RetryPolicy) { m.retryPolicy = p }

// SetClock overrides the Clock used to compute backoff wake-up times.
// The default is api.RealClock.
func (m *FlowManager) SetClock(c api.Clock) { m.clock = c }

// Recover scans the checkpoint store for non-terminal, non-quarantined
// checkpoints and reconstructs a resident worker for each, per §4.5's
// startup scan. Errored checkpoints are left alone: they are already
// awaiting either a pending backoff ScheduledEvent re-enqueued before the
// crash, or an operator's Hospital.Discharge.
func (m *FlowManager) Recover(ctx context.Context) error {
	cps, err := m.checkpoints.List(ctx, persistence.CheckpointFilter{})
	if err != nil {
		return fmt.Errorf("listing checkpoints: %w", err)
	}
	for _, cp := range cps {
		if cp.FlowState.Kind == api.FlowCompleted || cp.FlowState.Kind == api.FlowFailed {
			continue
		}
		if cp.ErrorState.Kind == api.ErrorStateErrored {
			continue
		}
		history, err := persistence.DecodeHistory(cp.FlowState.SuspendedContinuation)
		if err != nil {
			return fmt.Errorf("recovering flow %s: %w", cp.FlowId, err)
		}
		if err := m.resumeFlow(ctx, cp, history); err != nil {
			return fmt.Errorf("recovering flow %s: %w", cp.FlowId, err)
		}
	}
	return nil
}

// Readmit reconstructs a resident worker for flowId from its persisted
// checkpoint (if it is not already resident) and delivers a
// RetryFlowFromSafePoint event to it (§4.1 onRetry). It is the single
// mechanism both the automatic backoff path (afterAbort) and
// Hospital.Discharge use to give a flow another attempt.
func (m *FlowManager) Readmit(ctx context.Context, flowId api.FlowId) error {
	m.mu.Lock()
	_, resident := m.workers[flowId]
	m.mu.Unlock()
	if resident {
		return m.externalEvent(ctx, api.Event{Kind: api.EventRetryFlowFromSafePoint}, flowId)
	}

	cp, err := m.checkpoints.Load(ctx, flowId)
	if err != nil {
		return err
	}
	history, err := persistence.DecodeHistory(cp.FlowState.SuspendedContinuation)
	if err != nil {
		return err
	}
	if err := m.resumeFlow(ctx, cp, history); err != nil {
		return err
	}
	return m.externalEvent(ctx, api.Event{Kind: api.EventRetryFlowFromSafePoint}, flowId)
}

// Run subscribes to the message bus and starts the background dispatcher
// that re-delivers due ScheduledEvents from the queue. It blocks until
// ctx is cancelled.
func (m *FlowManager) Run(ctx context.Context, bus api.MessageBus) {
	m.unsubscribe = bus.Subscribe(func(from api.Peer, env api.SessionEnvelope) {
		m.externalEvent(ctx, api.Event{Kind: api.EventDeliverSessionMessage, SessionId: env.SessionId, Envelope: env})
	})
	defer func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
	}()

	m.dispatchLoop(ctx)
}

// dispatchLoop pulls due ScheduledEvents and re-delivers them to their
// owning flow.
func (m *FlowManager) dispatchLoop(ctx context.Context) {
	for {
		sev, err := m.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if sev.Event.Kind == api.EventRetryFlowFromSafePoint {
			_ = m.Readmit(ctx, sev.FlowId)
			continue
		}
		m.externalEvent(ctx, sev.Event, sev.FlowId)
	}
}

// StartFlow constructs logic from flowClass and runs it in a fresh
// flowWorker, per §6's observable surface `startFlow(logic, context) →
// FlowId`.
func (m *FlowManager) StartFlow(ctx context.Context, flowClass, version string, args any, invocationContext any) (api.FlowId, error) {
	if version == "" {
		version = "v1"
	}
	rf, err := m.registry.Get(flowClass, version)
	if err != nil {
		return api.FlowId{}, err
	}
	logic, err := rf.constructor(args)
	if err != nil {
		return api.FlowId{}, fmt.Errorf("constructing flow %q: %w", flowClass, err)
	}

	flowId := api.NewFlowId()
	cp := &api.Checkpoint{
		FlowId:            flowId,
		FlowClass:         flowClass,
		Version:           version,
		InvocationContext: invocationContext,
		OurIdentity:       m.ourIdentity,
		Sessions:          make(map[api.SessionId]*api.SessionState),
	}

	// §4.5: push the Unstarted checkpoint, and signal flow start, before
	// any user code runs, so a crash before the first suspend still
	// leaves a replayable record instead of nothing at all.
	startActions := []api.Action{
		{Kind: api.ActionPersistCheckpoint, Checkpoint: cp},
		{Kind: api.ActionSignalFlowHasStarted, FlowId: flowId},
	}
	if err := m.exec.actions.apply(ctx, flowId, startActions); err != nil {
		return api.FlowId{}, fmt.Errorf("persisting initial checkpoint for flow %q: %w", flowClass, err)
	}

	w := newFlowWorker(flowId, flowClass, logic, m.exec, m.observer, m.inboxCapacity)
	w.resume(cp, nil)
	w.onSessionsChanged = m.trackSessions

	m.register(w)
	m.runWorker(ctx, w)
	return flowId, nil
}

// resumeFlow reconstructs a flowWorker from a persisted, errored-or-parked
// checkpoint — used both by process startup recovery and by the Hospital's
// RetryFlowFromSafePoint readmission.
func (m *FlowManager) resumeFlow(ctx context.Context, cp *api.Checkpoint, history []api.HistoryEntry) error {
	rf, err := m.registry.Get(cp.FlowClass, cp.Version)
	if err != nil {
		return err
	}
	logic, err := rf.constructor(cp.InvocationContext)
	if err != nil {
		return fmt.Errorf("reconstructing flow %q: %w", cp.FlowClass, err)
	}

	w := newFlowWorker(cp.FlowId, cp.FlowClass, logic, m.exec, m.observer, m.inboxCapacity)
	w.resume(cp, history)
	w.onSessionsChanged = m.trackSessions

	m.register(w)
	m.runWorker(ctx, w)
	return nil
}

func (m *FlowManager) register(w *flowWorker) {
	m.mu.Lock()
	m.workers[w.flowId] = w
	m.mu.Unlock()
	m.trackSessions(w.cp)
}

// trackSessions keeps sessionOwners current as cp's Sessions map grows,
// so that inbound DeliverSessionMessage events (addressed only by
// SessionId, with no FlowId hint) route to the right resident worker
// even for sessions a flow mints via InitiateFlow well after it started.
func (m *FlowManager) trackSessions(cp *api.Checkpoint) {
	if cp == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid := range cp.Sessions {
		m.sessionOwners[sid] = cp.FlowId
	}
}

func (m *FlowManager) runWorker(ctx context.Context, w *flowWorker) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.Run(ctx)
		m.unregister(w.flowId)
		m.afterAbort(ctx, w.cp)
	}()
}

// afterAbort implements the routing §7 describes once a flow worker has
// aborted with its checkpoint retained in Errored state: a ClassRetryable
// cause gets a self-scheduled backoff RetryFlowFromSafePoint (via the
// same eventqueue.Queue used for sleeps and timeouts) up to retryPolicy's
// bound; anything past that bound, or a ClassFatal cause, is handed to
// the Hospital.
func (m *FlowManager) afterAbort(ctx context.Context, cp *api.Checkpoint) {
	if cp == nil || cp.ErrorState.Kind != api.ErrorStateErrored {
		return
	}

	attempt := cp.ErrorState.HospitalCount
	if cp.ErrorState.LastErrorRetryable {
		if delay, ok := m.retryPolicy.NextDelay(attempt); ok {
			_ = m.queue.Enqueue(ctx, eventqueue.ScheduledEvent{
				FlowId:    cp.FlowId,
				Event:     api.Event{Kind: api.EventRetryFlowFromSafePoint},
				NotBefore: m.clock.Now().Add(delay),
			})
			return
		}
	}

	if m.hospital == nil {
		return
	}
	class := api.ClassFatal
	if cp.ErrorState.LastErrorRetryable {
		class = api.ClassRetryable
	}
	reason := ""
	if n := len(cp.ErrorState.PropagatingErrors); n > 0 {
		reason = cp.ErrorState.PropagatingErrors[n-1].Error()
	}
	_ = m.hospital.Admit(ctx, cp.FlowId, class, reason, cp)
}

func (m *FlowManager) unregister(flowId api.FlowId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[flowId]; ok {
		for sid := range w.cp.Sessions {
			delete(m.sessionOwners, sid)
		}
	}
	delete(m.workers, flowId)
}

// KillFlow forcibly stops a resident worker without a graceful finish,
// per §6. Per the design note in §5 ("no forcible thread interruption...
// except as a last resort on shutdown"), this should be reserved for
// shutdown paths; ordinary cancellation goes through externalEvent with
// Event.Error(CancellationRequested).
func (m *FlowManager) KillFlow(flowId api.FlowId) error {
	m.mu.Lock()
	w, ok := m.workers[flowId]
	m.mu.Unlock()
	if !ok {
		return ErrFlowNotFound
	}
	w.Kill()
	return nil
}

// externalEvent routes ev to the flow that owns its target (session or
// explicit FlowId), per §6.
func (m *FlowManager) externalEvent(ctx context.Context, ev api.Event, flowIdHint ...api.FlowId) error {
	flowId, ok := m.resolveOwner(ev, flowIdHint...)
	if !ok {
		return ErrFlowNotFound
	}
	m.mu.Lock()
	w, ok := m.workers[flowId]
	m.mu.Unlock()
	if !ok {
		return ErrFlowNotFound
	}
	return w.Deliver(ctx, ev)
}

func (m *FlowManager) resolveOwner(ev api.Event, flowIdHint ...api.FlowId) (api.FlowId, bool) {
	if len(flowIdHint) > 0 && flowIdHint[0] != (api.FlowId{}) {
		return flowIdHint[0], true
	}
	if ev.Kind == api.EventDeliverSessionMessage {
		m.mu.Lock()
		defer m.mu.Unlock()
		flowId, ok := m.sessionOwners[ev.SessionId]
		return flowId, ok
	}
	return api.FlowId{}, false
}

// Snapshot returns the current CheckpointView for flowId, reading
// through the CheckpointStore for flows not resident in this process.
func (m *FlowManager) Snapshot(ctx context.Context, flowId api.FlowId) (api.CheckpointView, error) {
	m.mu.Lock()
	w, resident := m.workers[flowId]
	m.mu.Unlock()
	if resident {
		return w.cp.View(), nil
	}
	cp, err := m.checkpoints.Load(ctx, flowId)
	if err != nil {
		return api.CheckpointView{}, err
	}
	return cp.View(), nil
}

// Wait blocks until the flow identified by flowId finishes, returning
// its result or error — the "completion future per flow" of §6.
func (m *FlowManager) Wait(ctx context.Context, flowId api.FlowId) (any, error) {
	m.mu.Lock()
	w, ok := m.workers[flowId]
	m.mu.Unlock()
	if !ok {
		return nil, ErrFlowNotFound
	}
	select {
	case out := <-w.resultCh:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown waits for all resident workers' goroutines to exit after ctx
// is cancelled by the caller.
func (m *FlowManager) Shutdown() {
	m.wg.Wait()
}
