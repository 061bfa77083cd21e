// Package persistence implements a Redis-backed CheckpointStore over the
// Checkpoint schema.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	corep "github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/pkg/api"
)

// RedisStore is a CheckpointStore backed by Redis. It uses a simple key
// structure:
//
//	<prefix>cp:<flow-id>            => gob-encoded checkpointBlob (corep.EncodeCheckpoint)
//	<prefix>idx:all                 => SET of all flow ids
//	<prefix>idx:errored             => SET of flow ids with Checkpoint.ErrorState == Errored
//	<prefix>lease:<flow-id>         => lease owner string, with a PEXPIRE TTL
//
// The errored index is maintained best-effort on every Persist so List's
// Errored filter (the Hospital's census query) does not require a scan.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ corep.CheckpointStore = (*RedisStore)(nil)

// NewRedisStore constructs a RedisStore. prefix is optional but
// recommended (e.g. "flowstate:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "flowstate:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyCheckpoint(flowId api.FlowId) string { return r.prefix + "cp:" + flowId.String() }
func (r *RedisStore) keyLease(flowId api.FlowId) string      { return r.prefix + "lease:" + flowId.String() }
func (r *RedisStore) keyAll() string                         { return r.prefix + "idx:all" }
func (r *RedisStore) keyErrored() string                     { return r.prefix + "idx:errored" }

func (r *RedisStore) Load(ctx context.Context, flowId api.FlowId) (*api.Checkpoint, error) {
	data, err := r.client.Get(ctx, r.keyCheckpoint(flowId)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, corep.ErrCheckpointNotFound
		}
		return nil, err
	}
	return corep.DecodeCheckpoint(data)
}

func (r *RedisStore) Persist(ctx context.Context, cp *api.Checkpoint) error {
	data, err := corep.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}

	if err := r.client.Set(ctx, r.keyCheckpoint(cp.FlowId), data, 0).Err(); err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.keyAll(), cp.FlowId.String())
	if cp.ErrorState.Kind == api.ErrorStateErrored {
		pipe.SAdd(ctx, r.keyErrored(), cp.FlowId.String())
	} else {
		pipe.SRem(ctx, r.keyErrored(), cp.FlowId.String())
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Remove(ctx context.Context, flowId api.FlowId) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.keyCheckpoint(flowId))
	pipe.Del(ctx, r.keyLease(flowId))
	pipe.SRem(ctx, r.keyAll(), flowId.String())
	pipe.SRem(ctx, r.keyErrored(), flowId.String())
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) List(ctx context.Context, filter corep.CheckpointFilter) ([]*api.Checkpoint, error) {
	var ids []string
	var err error
	if filter.Errored {
		ids, err = r.client.SMembers(ctx, r.keyErrored()).Result()
	} else {
		ids, err = r.client.SMembers(ctx, r.keyAll()).Result()
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.prefix+"cp:"+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var result []*api.Checkpoint
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		cp, err := corep.DecodeCheckpoint(data)
		if err != nil {
			return nil, err
		}
		if filter.HasFlowState && cp.FlowState.Kind != filter.FlowStateKind {
			continue
		}
		result = append(result, cp)
	}
	return result, nil
}

// Lua scripts make the lease check-and-set atomic; re-entrant for the
// owner that already holds the lease.
var (
	redisLeaseAcquireLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	redisLeaseRenewLua = `
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	return 0
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	redisLeaseReleaseLua = `
local key = KEYS[1]
local owner = ARGV[1]

local cur = redis.call('GET', key)
if not cur then
	return 1
end
if cur == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`
)

func (r *RedisStore) TryAcquireLease(ctx context.Context, flowId api.FlowId, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	res, err := r.client.Eval(ctx, redisLeaseAcquireLua, []string{r.keyLease(flowId)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	return asLuaBool(res), nil
}

func (r *RedisStore) RenewLease(ctx context.Context, flowId api.FlowId, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	res, err := r.client.Eval(ctx, redisLeaseRenewLua, []string{r.keyLease(flowId)}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if !asLuaBool(res) {
		return corep.ErrLeaseHeldByOther
	}
	return nil
}

// ReleaseLease is idempotent: it only deletes the lease if owner still
// holds it, and reports no error either way (matching SQLiteStore's
// DELETE ... WHERE owner = ? semantics).
func (r *RedisStore) ReleaseLease(ctx context.Context, flowId api.FlowId, owner string) error {
	_, err := r.client.Eval(ctx, redisLeaseReleaseLua, []string{r.keyLease(flowId)}, owner).Result()
	return err
}

func asLuaBool(res any) bool {
	switch v := res.(type) {
	case int64:
		return v == 1
	case int:
		return v == 1
	case string:
		return v == "1"
	default:
		return false
	}
}
