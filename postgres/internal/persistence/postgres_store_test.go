package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	corep "github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/internal/testutil"
	"github.com/ledgerwire/flowstate/pkg/api"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := testutil.StartPostgresContainer(t)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewPostgresStore(db)
	require.NoError(t, err)
	return s
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

func TestPostgresStore_PersistThenLoad_RoundTrips(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	cp := newTestCheckpoint()
	cp.NumberOfSuspends = 5
	cp.Sessions[1] = &api.SessionState{SessionId: 1, Peer: "bob", Phase: api.SessionInitiated}

	require.NoError(t, s.Persist(ctx, cp))

	loaded, err := s.Load(ctx, cp.FlowId)
	require.NoError(t, err)
	require.Equal(t, cp.FlowId, loaded.FlowId)
	require.Equal(t, uint64(5), loaded.NumberOfSuspends)
	require.Equal(t, api.SessionInitiated, loaded.Sessions[1].Phase)
}

func TestPostgresStore_Persist_UpsertsOnConflict(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	cp := newTestCheckpoint()
	require.NoError(t, s.Persist(ctx, cp))

	cp.NumberOfSuspends = 9
	require.NoError(t, s.Persist(ctx, cp))

	loaded, err := s.Load(ctx, cp.FlowId)
	require.NoError(t, err)
	require.Equal(t, uint64(9), loaded.NumberOfSuspends)
}

func TestPostgresStore_Load_NotFound(t *testing.T) {
	s := newTestPostgresStore(t)
	_, err := s.Load(context.Background(), api.NewFlowId())
	require.ErrorIs(t, err, corep.ErrCheckpointNotFound)
}

func TestPostgresStore_Remove_DeletesCheckpoint(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	cp := newTestCheckpoint()
	require.NoError(t, s.Persist(ctx, cp))
	require.NoError(t, s.Remove(ctx, cp.FlowId))

	_, err := s.Load(ctx, cp.FlowId)
	require.ErrorIs(t, err, corep.ErrCheckpointNotFound)
}

func TestPostgresStore_List_FiltersByErrored(t *testing.T) {
	s := newTestPostgresStore(t)
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

func TestPostgresStore_Lease_AcquireRenewRelease(t *testing.T) {
	s := newTestPostgresStore(t)
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

func TestPostgresStore_Lease_ExpiresAfterTTL(t *testing.T) {
	s := newTestPostgresStore(t)
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
