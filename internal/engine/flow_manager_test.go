package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ledgerwire/flowstate/hospital"
	"github.com/ledgerwire/flowstate/internal/bus"
	"github.com/ledgerwire/flowstate/internal/eventqueue"
	"github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/pkg/api"
)

func newTestManager(t *testing.T) (*FlowManager, persistence.CheckpointStore, eventqueue.Queue) {
	t.Helper()
	store := persistence.NewMemoryStore()
	queue := eventqueue.NewInMemoryQueue()
	reg := bus.NewRegistry()
	m := NewFlowManager(store, persistence.NoopFlowEventStore{}, reg.For("alice"), queue, api.NoopObserver{}, "alice")
	return m, store, queue
}

// sendAndReceiveFlow exercises the S1 happy-path: initiate a session,
// SendAndReceive once, and return the reply as a string.
type sendAndReceiveFlow struct {
	peer    api.Peer
	payload string
}

func (f *sendAndReceiveFlow) Call(ctx *api.FlowContext) (any, error) {
	sid := ctx.InitiateFlow(f.peer)
	msgs, err := ctx.SendAndReceive([]api.SessionId{sid}, [][]byte{[]byte(f.payload)})
	if err != nil {
		return nil, err
	}
	return string(msgs[sid]), nil
}

func sendAndReceiveCtor(args any) (api.FlowLogic, error) {
	a := args.(map[string]string)
	return &sendAndReceiveFlow{peer: api.Peer(a["peer"]), payload: a["payload"]}, nil
}

// TestFlowManager_SendAndReceive_HappyPath drives S1: StartFlow parks on
// SendAndReceive, an inbound DeliverSessionMessage resolves it, and the
// flow's completion future carries the reply.
func TestFlowManager_SendAndReceive_HappyPath(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.NoError(t, m.RegisterFlow("test.sendReceive", "v1", 1, sendAndReceiveCtor))

	ctx := context.Background()
	flowId, err := m.StartFlow(ctx, "test.sendReceive", "v1", map[string]string{"peer": "bob", "payload": "ping"}, nil)
	require.NoError(t, err)

	view, err := m.Snapshot(ctx, flowId)
	require.NoError(t, err)
	require.Equal(t, api.FlowStarted, view.FlowStateKind)

	err = m.externalEvent(ctx, api.Event{
		Kind:      api.EventDeliverSessionMessage,
		SessionId: 1,
		Envelope:  api.SessionEnvelope{SessionId: 1, Kind: api.MessageData, Payload: []byte("pong")},
	}, flowId)
	require.NoError(t, err)

	result, err := m.Wait(ctx, flowId)
	require.NoError(t, err)
	require.Equal(t, "pong", result)
}

// receiveTwiceFlow suspends twice in a row, to exercise replay across more
// than one resume (InitiateFlow's call-order-keyed allocation, in particular).
type receiveTwiceFlow struct{ peer api.Peer }

func (f *receiveTwiceFlow) Call(ctx *api.FlowContext) (any, error) {
	sid := ctx.InitiateFlow(f.peer)
	if err := ctx.Send([]api.SessionId{sid}, [][]byte{[]byte("first")}); err != nil {
		return nil, err
	}
	first, err := ctx.Receive([]api.SessionId{sid})
	if err != nil {
		return nil, err
	}
	if err := ctx.Send([]api.SessionId{sid}, [][]byte{[]byte("second")}); err != nil {
		return nil, err
	}
	second, err := ctx.Receive([]api.SessionId{sid})
	if err != nil {
		return nil, err
	}
	return string(first[sid]) + "+" + string(second[sid]), nil
}

func receiveTwiceCtor(args any) (api.FlowLogic, error) {
	return &receiveTwiceFlow{peer: api.Peer(args.(string))}, nil
}

// TestFlowManager_MultipleSuspends_SameSessionIdAcrossReplays guards
// against the InitiateFlow replay bug: a session allocated before the
// first suspend must keep the same SessionId across every subsequent
// replay of Call, not grow a second session.
func TestFlowManager_MultipleSuspends_SameSessionIdAcrossReplays(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.NoError(t, m.RegisterFlow("test.receiveTwice", "v1", 1, receiveTwiceCtor))

	ctx := context.Background()
	flowId, err := m.StartFlow(ctx, "test.receiveTwice", "v1", "bob", nil)
	require.NoError(t, err)

	deliver := func(payload string) {
		require.NoError(t, m.externalEvent(ctx, api.Event{
			Kind:      api.EventDeliverSessionMessage,
			SessionId: 1,
			Envelope:  api.SessionEnvelope{SessionId: 1, Kind: api.MessageData, Payload: []byte(payload)},
		}, flowId))
	}
	deliver("A")
	deliver("B")

	result, err := m.Wait(ctx, flowId)
	require.NoError(t, err)
	require.Equal(t, "A+B", result)

	view, err := m.Snapshot(ctx, flowId)
	require.NoError(t, err)
	require.Equal(t, 1, view.SessionCount)
}

// crashRecoveryFlow parks on a single Receive so a test can simulate a
// process restart mid-flight.
type crashRecoveryFlow struct{ peer api.Peer }

func (f *crashRecoveryFlow) Call(ctx *api.FlowContext) (any, error) {
	sid := ctx.InitiateFlow(f.peer)
	if err := ctx.Send([]api.SessionId{sid}, [][]byte{[]byte("hello")}); err != nil {
		return nil, err
	}
	msgs, err := ctx.Receive([]api.SessionId{sid})
	if err != nil {
		return nil, err
	}
	return string(msgs[sid]), nil
}

func crashRecoveryCtor(args any) (api.FlowLogic, error) {
	return &crashRecoveryFlow{peer: api.Peer(args.(string))}, nil
}

// TestFlowManager_Recover reconstructs a parked flow from a fresh
// FlowManager sharing only the CheckpointStore, per §4.5's startup scan —
// the crash-between-suspend-and-next-event scenario.
func TestFlowManager_Recover(t *testing.T) {
	store := persistence.NewMemoryStore()
	queue := eventqueue.NewInMemoryQueue()
	reg := bus.NewRegistry()

	m1 := NewFlowManager(store, persistence.NoopFlowEventStore{}, reg.For("alice"), queue, api.NoopObserver{}, "alice")
	require.NoError(t, m1.RegisterFlow("test.crashRecovery", "v1", 1, crashRecoveryCtor))

	ctx := context.Background()
	flowId, err := m1.StartFlow(ctx, "test.crashRecovery", "v1", "bob", nil)
	require.NoError(t, err)

	view, err := m1.Snapshot(ctx, flowId)
	require.NoError(t, err)
	require.Equal(t, api.FlowStarted, view.FlowStateKind)
	require.True(t, view.NumberOfSuspends > 0)

	// Simulate a crash: a brand new FlowManager, sharing only the store.
	m2 := NewFlowManager(store, persistence.NoopFlowEventStore{}, reg.For("alice"), queue, api.NoopObserver{}, "alice")
	require.NoError(t, m2.RegisterFlow("test.crashRecovery", "v1", 1, crashRecoveryCtor))
	require.NoError(t, m2.Recover(ctx))

	require.NoError(t, m2.externalEvent(ctx, api.Event{
		Kind:      api.EventDeliverSessionMessage,
		SessionId: 1,
		Envelope:  api.SessionEnvelope{SessionId: 1, Kind: api.MessageData, Payload: []byte("world")},
	}, flowId))

	result, err := m2.Wait(ctx, flowId)
	require.NoError(t, err)
	require.Equal(t, "world", result)
}

// flakyFlow sleeps once (so its checkpoint reaches FlowStarted before any
// error, matching the real Hospital use case of a flow parked mid-flight),
// then fails with a Retryable error on its first N wake-ups before
// succeeding.
type flakyFlow struct {
	mu         *sync.Mutex
	attempts   *int
	failBefore int
}

func (f *flakyFlow) Call(ctx *api.FlowContext) (any, error) {
	if err := ctx.Sleep(time.Millisecond); err != nil {
		return nil, err
	}

	f.mu.Lock()
	*f.attempts++
	attempt := *f.attempts
	f.mu.Unlock()

	if attempt <= f.failBefore {
		return nil, api.Retryable(errors.New("transient backend hiccup"))
	}
	return "ok", nil
}

// TestFlowManager_RetryableError_BackoffThenSucceeds drives the S6-style
// scenario: a ClassRetryable failure parks the checkpoint in Errored
// state, afterAbort schedules a backoff RetryFlowFromSafePoint instead of
// admitting to the Hospital, and once that event is redelivered the flow
// completes.
func TestFlowManager_RetryableError_BackoffThenSucceeds(t *testing.T) {
	store := persistence.NewMemoryStore()
	queue := eventqueue.NewInMemoryQueue()
	reg := bus.NewRegistry()
	m := NewFlowManager(store, persistence.NoopFlowEventStore{}, reg.For("alice"), queue, api.NoopObserver{}, "alice")

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, m.RegisterFlow("test.flaky", "v1", 1, func(args any) (api.FlowLogic, error) {
		return &flakyFlow{mu: &mu, attempts: &attempts, failBefore: 1}, nil
	}))
	m.SetRetryPolicy(hospital.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     5,
	})

	ctx := context.Background()
	flowId, err := m.StartFlow(ctx, "test.flaky", "v1", nil, nil)
	require.NoError(t, err)

	// First queued event is the flow's own Sleep wake-up; deliver it to
	// let the flow reach (and fail inside) its first real attempt.
	require.Eventually(t, func() bool { return queue.Len() == 1 }, time.Second, time.Millisecond)
	wake, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, api.EventWakeUpFromSleep, wake.Event.Kind)
	require.NoError(t, m.externalEvent(ctx, wake.Event, flowId))

	// That attempt fails Retryable; afterAbort should have self-scheduled
	// a backoff RetryFlowFromSafePoint rather than calling the Hospital.
	require.Eventually(t, func() bool { return queue.Len() == 1 }, time.Second, time.Millisecond)
	sev, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, flowId, sev.FlowId)
	require.Equal(t, api.EventRetryFlowFromSafePoint, sev.Event.Kind)

	require.NoError(t, m.Readmit(ctx, flowId))

	result, err := m.Wait(ctx, flowId)
	require.NoError(t, err)
	require.Equal(t, "ok", result)
}

// fatalFlow always fails with a non-retryable, non-user-visible error.
type fatalFlow struct{}

func (fatalFlow) Call(ctx *api.FlowContext) (any, error) {
	return nil, errors.New("boom: unmapped backend error")
}

// TestFlowManager_FatalError_AdmitsToHospital checks that a ClassFatal
// failure (the default for an unclassified error) is handed to the
// Hospital rather than retried automatically.
func TestFlowManager_FatalError_AdmitsToHospital(t *testing.T) {
	store := persistence.NewMemoryStore()
	queue := eventqueue.NewInMemoryQueue()
	reg := bus.NewRegistry()
	m := NewFlowManager(store, persistence.NoopFlowEventStore{}, reg.For("alice"), queue, api.NoopObserver{}, "alice")

	require.NoError(t, m.RegisterFlow("test.fatal", "v1", 1, func(args any) (api.FlowLogic, error) {
		return fatalFlow{}, nil
	}))

	var admitted api.FlowId
	admittedCh := make(chan struct{})
	m.SetHospital(fakeHospital{
		admit: func(ctx context.Context, flowId api.FlowId, class api.ErrorClass, reason string, cp *api.Checkpoint) error {
			admitted = flowId
			require.Equal(t, api.ClassFatal, class)
			close(admittedCh)
			return nil
		},
	})

	ctx := context.Background()
	flowId, err := m.StartFlow(ctx, "test.fatal", "v1", nil, nil)
	require.NoError(t, err)

	select {
	case <-admittedCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Hospital.Admit")
	}
	require.Equal(t, flowId, admitted)
	require.Equal(t, 0, queue.Len())
}

type fakeHospital struct {
	admit func(ctx context.Context, flowId api.FlowId, class api.ErrorClass, reason string, cp *api.Checkpoint) error
}

func (h fakeHospital) Admit(ctx context.Context, flowId api.FlowId, class api.ErrorClass, reason string, cp *api.Checkpoint) error {
	return h.admit(ctx, flowId, class, reason, cp)
}

func (h fakeHospital) Discharge(ctx context.Context, flowId api.FlowId) error { return nil }
