package persistence

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	corep "github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/internal/testutil"
	"github.com/ledgerwire/flowstate/pkg/api"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := testutil.StartRedisContainer(t)
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "flowstate-test:")
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

func TestRedisStore_PersistThenLoad_RoundTrips(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	cp := newTestCheckpoint()
	cp.NumberOfSuspends = 3
	cp.Sessions[1] = &api.SessionState{SessionId: 1, Peer: "bob", Phase: api.SessionInitiated}

	require.NoError(t, s.Persist(ctx, cp))

	loaded, err := s.Load(ctx, cp.FlowId)
	require.NoError(t, err)
	require.Equal(t, cp.FlowId, loaded.FlowId)
	require.Equal(t, uint64(3), loaded.NumberOfSuspends)
	require.Equal(t, api.SessionInitiated, loaded.Sessions[1].Phase)
}

func TestRedisStore_Load_NotFound(t *testing.T) {
	s := newTestRedisStore(t)
	_, err := s.Load(context.Background(), api.NewFlowId())
	require.ErrorIs(t, err, corep.ErrCheckpointNotFound)
}

func TestRedisStore_Remove_DeletesCheckpoint(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	cp := newTestCheckpoint()
	require.NoError(t, s.Persist(ctx, cp))
	require.NoError(t, s.Remove(ctx, cp.FlowId))

	_, err := s.Load(ctx, cp.FlowId)
	require.ErrorIs(t, err, corep.ErrCheckpointNotFound)
}

func TestRedisStore_List_FiltersByErrored(t *testing.T) {
	s := newTestRedisStore(t)
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

func TestRedisStore_Lease_AcquireRenewRelease(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	flowId := api.NewFlowId()

	ok, err := s.TryAcquireLease(ctx, flowId, "owner-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryAcquireLease(ctx, flowId, "owner-b", 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "a live lease held by owner-a must reject owner-b")

	require.NoError(t, s.RenewLease(ctx, flowId, "owner-a", 50*time.Millisecond))
	require.ErrorIs(t, s.RenewLease(ctx, flowId, "owner-b", 50*time.Millisecond), corep.ErrLeaseHeldByOther)

	require.NoError(t, s.ReleaseLease(ctx, flowId, "owner-a"))

	ok, err = s.TryAcquireLease(ctx, flowId, "owner-b", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok, "lease must be free once owner-a releases it")
}

func TestRedisStore_Lease_ExpiresAfterTTL(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	flowId := api.NewFlowId()

	ok, err := s.TryAcquireLease(ctx, flowId, "owner-a", 30*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	ok, err = s.TryAcquireLease(ctx, flowId, "owner-b", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok, "an expired lease must be acquirable by another owner")
}
