package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	corep "github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/internal/testutil"
	"github.com/ledgerwire/flowstate/pkg/api"
)

func newTestMongoStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := testutil.StartMongoContainer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	return NewMongoStore(client, "flowstate_test_"+api.NewFlowId().String())
}

func newTestCheckpoint() *api.Checkpoint {
	return &api.Checkpoint{
		FlowId:      api.NewFlowId(),
		FlowClass:   "test.Flow",
		Version:     "v1",
		OurIdentity: "alice",
		Sessions:    make(map[api.SessionId]*api.SessionState),
	}
}

func TestMongoStore_PersistThenLoad_RoundTrips(t *testing.T) {
	s := newTestMongoStore(t)
	ctx := context.Background()

	cp := newTestCheckpoint()
	cp.NumberOfSuspends = 4
	cp.Sessions[1] = &api.SessionState{SessionId: 1, Peer: "bob", Phase: api.SessionInitiated}

	require.NoError(t, s.Persist(ctx, cp))

	loaded, err := s.Load(ctx, cp.FlowId)
	require.NoError(t, err)
	require.Equal(t, cp.FlowId, loaded.FlowId)
	require.Equal(t, uint64(4), loaded.NumberOfSuspends)
	require.Equal(t, api.SessionInitiated, loaded.Sessions[1].Phase)
}

func TestMongoStore_Persist_UpsertsExistingDocument(t *testing.T) {
	s := newTestMongoStore(t)
	ctx := context.Background()

	cp := newTestCheckpoint()
	require.NoError(t, s.Persist(ctx, cp))

	cp.NumberOfSuspends = 7
	require.NoError(t, s.Persist(ctx, cp))

	loaded, err := s.Load(ctx, cp.FlowId)
	require.NoError(t, err)
	require.Equal(t, uint64(7), loaded.NumberOfSuspends)
}

func TestMongoStore_Load_NotFound(t *testing.T) {
	s := newTestMongoStore(t)
	_, err := s.Load(context.Background(), api.NewFlowId())
	require.ErrorIs(t, err, corep.ErrCheckpointNotFound)
}

func TestMongoStore_Remove_DeletesCheckpoint(t *testing.T) {
	s := newTestMongoStore(t)
	ctx := context.Background()
	cp := newTestCheckpoint()
	require.NoError(t, s.Persist(ctx, cp))
	require.NoError(t, s.Remove(ctx, cp.FlowId))

	_, err := s.Load(ctx, cp.FlowId)
	require.ErrorIs(t, err, corep.ErrCheckpointNotFound)
}

func TestMongoStore_List_FiltersByErrored(t *testing.T) {
	s := newTestMongoStore(t)
	ctx := context.Background()

	clean := newTestCheckpoint()
	require.NoError(t, s.Persist(ctx, clean))

	errored := newTestCheckpoint()
	errored.ErrorState.Kind = api.ErrorStateErrored
	require.NoError(t, s.Persist(ctx, errored))

	all, err := s.List(ctx, corep.CheckpointFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	erroredOnly, err := s.List(ctx, corep.CheckpointFilter{Errored: true})
	require.NoError(t, err)
	require.Len(t, erroredOnly, 1)
	require.Equal(t, errored.FlowId, erroredOnly[0].FlowId)
}

func TestMongoStore_Lease_AcquireRenewRelease(t *testing.T) {
	s := newTestMongoStore(t)
	ctx := context.Background()
	flowId := api.NewFlowId()

	ok, err := s.TryAcquireLease(ctx, flowId, "owner-a", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryAcquireLease(ctx, flowId, "owner-b", 200*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.RenewLease(ctx, flowId, "owner-a", 200*time.Millisecond))
	require.ErrorIs(t, s.RenewLease(ctx, flowId, "owner-b", 200*time.Millisecond), corep.ErrLeaseHeldByOther)

	require.NoError(t, s.ReleaseLease(ctx, flowId, "owner-a"))

	ok, err = s.TryAcquireLease(ctx, flowId, "owner-b", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMongoStore_Lease_ExpiresAfterTTL(t *testing.T) {
	s := newTestMongoStore(t)
	ctx := context.Background()
	flowId := api.NewFlowId()

	ok, err := s.TryAcquireLease(ctx, flowId, "owner-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(100 * time.Millisecond)

	ok, err = s.TryAcquireLease(ctx, flowId, "owner-b", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
}
