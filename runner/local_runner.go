// Package runner bundles an in-memory CheckpointStore, eventqueue, loopback
// MessageBus, Hospital, and FlowManager into a single-process development
// and test harness. A real multi-process deployment wires the same
// internal/engine.FlowManager directly against a durable CheckpointStore
// backend (sqlite/postgres/redis/mongo) and a real MessageBus instead of
// this package.
package runner

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/ledgerwire/flowstate/hospital"
	"github.com/ledgerwire/flowstate/internal/bus"
	"github.com/ledgerwire/flowstate/internal/engine"
	"github.com/ledgerwire/flowstate/internal/eventqueue"
	"github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/pkg/api"
)

// ErrAlreadyRunning is returned by Start if the LocalRunner's dispatch
// loop is already active.
var ErrAlreadyRunning = errors.New("flowstate: local runner already started")

// LocalRunner wires a FlowManager against an in-memory CheckpointStore, an
// in-memory eventqueue.Queue, and a bus.Loopback MessageBus, with a Ward
// as its Hospital. Multiple LocalRunners sharing the same *bus.Registry
// can exchange sessions in-process, for multi-party flow demos and
// tests (see cmd/flowd).
type LocalRunner struct {
	// Manager is the FlowManager flows are registered and started
	// against.
	Manager *engine.FlowManager
	// Ward is the in-tree Hospital backing Manager.
	Ward *hospital.Ward

	identity api.Peer
	bus      *bus.Loopback

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner for identity, registering its
// MessageBus address against reg so other LocalRunners sharing reg can
// address it by Peer.
func NewLocalRunner(reg *bus.Registry, identity api.Peer, observer api.Observer) *LocalRunner {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	store := persistence.NewMemoryStore()
	queue := eventqueue.NewInMemoryQueue()
	b := reg.For(identity)

	m := engine.NewFlowManager(store, persistence.NoopFlowEventStore{}, b, queue, observer, identity)

	r := &LocalRunner{Manager: m, identity: identity, bus: b}
	r.Ward = hospital.NewWard(store, observer, m.Readmit)
	m.SetHospital(r.Ward)
	return r
}

// RegisterFlow adds a constructor to the underlying FlowManager's Flow
// Registry.
func (r *LocalRunner) RegisterFlow(flowClass, version string, targetPlatformVersion int, ctor api.FlowConstructor) error {
	return r.Manager.RegisterFlow(flowClass, version, targetPlatformVersion, ctor)
}

// Start recovers any previously-persisted flows and then runs the
// FlowManager's subscribe-and-dispatch loop on a background goroutine
// until ctx is cancelled or Stop is called.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	if err := r.Manager.Recover(runCtx); err != nil {
		cancel()
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// Last-resort panic guard: a single bad message or scheduled
		// event must not take down the whole process.
		defer func() {
			if p := recover(); p != nil {
				log.Printf("flowstate: local runner %q dispatch loop panic: %v", r.identity, p)
			}
		}()
		r.Manager.Run(runCtx, r.bus)
	}()
	return nil
}

// Stop cancels the dispatch loop started by Start and waits for it to
// exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.Manager.Shutdown()
}
