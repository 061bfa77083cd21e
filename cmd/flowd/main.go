// Command flowd wires a FlowManager to a flag-selected CheckpointStore
// backend, registers a couple of example flows, and starts one of them.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/ledgerwire/flowstate/hospital"
	"github.com/ledgerwire/flowstate/internal/bus"
	"github.com/ledgerwire/flowstate/internal/engine"
	"github.com/ledgerwire/flowstate/internal/eventqueue"
	"github.com/ledgerwire/flowstate/internal/persistence"
	mongobackend "github.com/ledgerwire/flowstate/mongo"
	"github.com/ledgerwire/flowstate/pkg/api"
	postgresbackend "github.com/ledgerwire/flowstate/postgres"
	redisbackend "github.com/ledgerwire/flowstate/redis"
)

func main() {
	store := flag.String("store", "memory", "checkpoint store backend: memory|sqlite|postgres|redis|mongo")
	dsn := flag.String("dsn", "", "backend connection string (sqlite path, postgres DSN, redis addr, or mongo URI)")
	flow := flag.String("flow", "ping-pong", "example flow to run: ping-pong|notary")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checkpoints, queue, events, err := openBackend(*store, *dsn)
	if err != nil {
		log.Fatalf("flowd: opening %s backend: %v", *store, err)
	}

	observer := api.NewLoggingObserver(nil)
	reg := bus.NewRegistry()

	alice := startNode(ctx, "alice", reg, checkpoints, queue, events, observer)
	bob := startNode(ctx, "bob", reg, checkpoints, eventqueue.NewInMemoryQueue(), events, observer)
	defer alice.Shutdown()
	defer bob.Shutdown()

	switch *flow {
	case "ping-pong":
		runPingPong(ctx, alice, bob)
	case "notary":
		runNotary(ctx, alice)
	default:
		log.Fatalf("flowd: unknown -flow %q", *flow)
	}
}

// openBackend constructs a CheckpointStore and a matching eventqueue.Queue
// for the chosen backend. memory and sqlite are self-contained single-
// process defaults; postgres/redis/mongo are the durable multi-process
// backends supplemented in SPEC_FULL.md §12.3. sqlite additionally opens a
// SQLiteEventStore (§12.5) and hands it to the FlowManager; the other
// backends use persistence.NoopFlowEventStore. The engine does not call
// AppendEvent, so no flow events are written on any backend.
func openBackend(store, dsn string) (persistence.CheckpointStore, eventqueue.Queue, persistence.FlowEventStore, error) {
	switch store {
	case "memory", "":
		return persistence.NewMemoryStore(), eventqueue.NewInMemoryQueue(), persistence.NoopFlowEventStore{}, nil

	case "sqlite":
		path := dsn
		if path == "" {
			path = "file:flowstate.db?_journal=WAL"
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, nil, err
		}
		cp, err := persistence.NewSQLiteStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		q, err := eventqueue.NewSQLiteQueue(db)
		if err != nil {
			return nil, nil, nil, err
		}
		events, err := persistence.NewSQLiteEventStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		return cp, q, events, nil

	case "postgres":
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("-dsn is required for -store=postgres")
		}
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		cp, err := postgresbackend.NewCheckpointStore(db)
		if err != nil {
			return nil, nil, nil, err
		}
		q, err := postgresbackend.NewQueue(db)
		if err != nil {
			return nil, nil, nil, err
		}
		return cp, q, persistence.NoopFlowEventStore{}, nil

	case "redis":
		addr := dsn
		if addr == "" {
			addr = "localhost:6379"
		}
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		return redisbackend.NewCheckpointStore(client, "flowstate:"), redisbackend.NewQueue(client, "flowstate:"), persistence.NoopFlowEventStore{}, nil

	case "mongo":
		uri := dsn
		if uri == "" {
			uri = "mongodb://localhost:27017"
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return nil, nil, nil, err
		}
		return mongobackend.NewCheckpointStore(client, ""), mongobackend.NewQueue(client, "", ""), persistence.NoopFlowEventStore{}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown store %q", store)
	}
}

// node bundles the per-identity FlowManager, Ward, and the bus handle it
// runs against.
type node struct {
	manager *engine.FlowManager
	ward    *hospital.Ward
	cancel  context.CancelFunc
}

func (n *node) Shutdown() {
	n.cancel()
	n.manager.Shutdown()
}

func startNode(ctx context.Context, identity api.Peer, reg *bus.Registry, checkpoints persistence.CheckpointStore, queue eventqueue.Queue, events persistence.FlowEventStore, observer api.Observer) *node {
	b := reg.For(identity)
	manager := engine.NewFlowManager(checkpoints, events, b, queue, observer, identity)
	ward := hospital.NewWard(checkpoints, observer, manager.Readmit)
	manager.SetHospital(ward)

	if err := manager.RegisterFlow("flowd.ping", "v1", 1, func(args any) (api.FlowLogic, error) {
		peer, _ := args.(api.Peer)
		return &pingFlow{peer: peer}, nil
	}); err != nil {
		log.Fatalf("flowd: registering flowd.ping: %v", err)
	}
	if err := manager.RegisterFlow("flowd.pong", "v1", 1, func(args any) (api.FlowLogic, error) {
		peer, _ := args.(api.Peer)
		return &pongFlow{peer: peer}, nil
	}); err != nil {
		log.Fatalf("flowd: registering flowd.pong: %v", err)
	}
	if err := manager.RegisterFlow("flowd.notary", "v1", 1, func(args any) (api.FlowLogic, error) {
		return &notaryFlow{}, nil
	}); err != nil {
		log.Fatalf("flowd: registering flowd.notary: %v", err)
	}

	if err := manager.Recover(ctx); err != nil {
		log.Fatalf("flowd: recovering %s: %v", identity, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	go manager.Run(runCtx, b)

	return &node{manager: manager, ward: ward, cancel: cancel}
}

func runPingPong(ctx context.Context, alice, bob *node) {
	bobFlowId, err := bob.manager.StartFlow(ctx, "flowd.pong", "v1", api.Peer("alice"), nil)
	if err != nil {
		log.Fatalf("flowd: starting pong flow: %v", err)
	}

	for {
		view, err := bob.manager.Snapshot(ctx, bobFlowId)
		if err == nil && view.SessionCount == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	aliceFlowId, err := alice.manager.StartFlow(ctx, "flowd.ping", "v1", api.Peer("bob"), nil)
	if err != nil {
		log.Fatalf("flowd: starting ping flow: %v", err)
	}

	result, err := alice.manager.Wait(ctx, aliceFlowId)
	if err != nil {
		log.Fatalf("flowd: ping flow failed: %v", err)
	}
	fmt.Printf("ping-pong result: %v\n", result)
}

func runNotary(ctx context.Context, alice *node) {
	flowId, err := alice.manager.StartFlow(ctx, "flowd.notary", "v1", nil, nil)
	if err != nil {
		log.Fatalf("flowd: starting notary flow: %v", err)
	}
	result, err := alice.manager.Wait(ctx, flowId)
	if err != nil {
		log.Fatalf("flowd: notary flow failed: %v", err)
	}
	fmt.Printf("notary result: %v\n", result)
}

// pingFlow demonstrates S1: a two-party SendAndReceive session exchange.
type pingFlow struct{ peer api.Peer }

func (f *pingFlow) Call(ctx *api.FlowContext) (any, error) {
	sid := ctx.InitiateFlow(f.peer)
	reply, err := ctx.SendAndReceive([]api.SessionId{sid}, [][]byte{[]byte("ping")})
	if err != nil {
		return nil, err
	}
	return string(reply[sid]), nil
}

// pongFlow answers a single ping. It initiates its own counterparty
// session (InitiatedBy-style auto-launch is out of scope) so its session
// id lines up with the ping side's in this single-process demo.
type pongFlow struct{ peer api.Peer }

func (f *pongFlow) Call(ctx *api.FlowContext) (any, error) {
	sid := ctx.InitiateFlow(f.peer)
	msgs, err := ctx.Receive([]api.SessionId{sid})
	if err != nil {
		return nil, err
	}
	if err := ctx.Send([]api.SessionId{sid}, [][]byte{[]byte("pong:" + string(msgs[sid]))}); err != nil {
		return nil, err
	}
	return nil, nil
}

// notaryFlow demonstrates WaitForLedgerCommit, standing in for the
// uniqueness-service call a real notarization flow would make.
type notaryFlow struct{}

func (f *notaryFlow) Call(ctx *api.FlowContext) (any, error) {
	if err := ctx.WaitForLedgerCommit("tx-1"); err != nil {
		return nil, err
	}
	return "committed", nil
}
