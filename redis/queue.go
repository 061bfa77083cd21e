// Package redis wires Redis-backed CheckpointStore and eventqueue.Queue
// implementations for multi-process flowstate deployments.
package redis

import (
	"bytes"
	"context"
	"encoding/gob"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ledgerwire/flowstate/internal/eventqueue"
	"github.com/ledgerwire/flowstate/pkg/api"
	redispersistence "github.com/ledgerwire/flowstate/redis/internal/persistence"
)

// NewCheckpointStore constructs a CheckpointStore against client,
// namespaced by prefix (e.g. "flowstate:").
func NewCheckpointStore(client *goredis.Client, prefix string) *redispersistence.RedisStore {
	return redispersistence.NewRedisStore(client, prefix)
}

// Queue is a Redis-backed eventqueue.Queue. Due events live in a sorted
// set (score = NotBefore UnixNano) rather than a plain list, since
// ScheduledEvents must not be delivered before their NotBefore time.
type Queue struct {
	client *goredis.Client
	key    string
}

var _ eventqueue.Queue = (*Queue)(nil)

// NewQueue constructs a Redis-backed Queue. prefix is optional but
// recommended (e.g. "flowstate:").
func NewQueue(client *goredis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "flowstate:"
	}
	return &Queue{client: client, key: prefix + "scheduled"}
}

type queuePayload struct {
	FlowId            string
	Event             api.Event
	TimeoutGeneration int
}

func (q *Queue) Enqueue(ctx context.Context, ev eventqueue.ScheduledEvent) error {
	var buf bytes.Buffer
	p := queuePayload{FlowId: ev.FlowId.String(), Event: ev.Event, TimeoutGeneration: ev.TimeoutGeneration}
	if err := gob.NewEncoder(&buf).Encode(&p); err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, goredis.Z{
		Score:  float64(ev.NotBefore.UnixNano()),
		Member: buf.Bytes(),
	}).Err()
}

// Dequeue pops the earliest-due member whose score has passed, polling
// at a fixed interval when the head of the set is not due yet, since a
// ZSET has no blocking-pop primitive that can wait on a score threshold.
func (q *Queue) Dequeue(ctx context.Context) (*eventqueue.ScheduledEvent, error) {
	const pollInterval = 20 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := float64(time.Now().UnixNano())
		members, err := q.client.ZRangeByScoreWithScores(ctx, q.key, &goredis.ZRangeBy{
			Min: "-inf", Max: formatScore(now), Count: 1,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(pollInterval):
				continue
			}
		}

		member := members[0]
		raw, ok := member.Member.(string)
		if !ok {
			return nil, errUnexpectedMember
		}
		// Best-effort pop: ZRem is idempotent against a concurrent
		// consumer racing for the same member; a 0 result means someone
		// else already took it, so loop and try again.
		removed, err := q.client.ZRem(ctx, q.key, raw).Result()
		if err != nil {
			return nil, err
		}
		if removed == 0 {
			continue
		}

		var p queuePayload
		if err := gob.NewDecoder(bytes.NewReader([]byte(raw))).Decode(&p); err != nil {
			return nil, err
		}
		flowId, err := api.ParseFlowId(p.FlowId)
		if err != nil {
			return nil, err
		}
		return &eventqueue.ScheduledEvent{
			FlowId:            flowId,
			Event:             p.Event,
			NotBefore:         time.Unix(0, int64(member.Score)),
			TimeoutGeneration: p.TimeoutGeneration,
		}, nil
	}
}

func (q *Queue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

var errUnexpectedMember = errUnexpectedMemberType{}

type errUnexpectedMemberType struct{}

func (errUnexpectedMemberType) Error() string { return "redis: unexpected scheduled_events member type" }

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
