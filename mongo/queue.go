// Package mongo wires MongoDB-backed CheckpointStore and
// eventqueue.Queue implementations for multi-process flowstate
// deployments.
package mongo

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ledgerwire/flowstate/internal/eventqueue"
	"github.com/ledgerwire/flowstate/pkg/api"
	mongopersistence "github.com/ledgerwire/flowstate/mongo/internal/persistence"
)

// NewCheckpointStore returns a Mongo-backed CheckpointStore. dbName
// defaults to "flowstate" if empty.
func NewCheckpointStore(client *mongo.Client, dbName string) *mongopersistence.MongoStore {
	return mongopersistence.NewMongoStore(client, dbName)
}

// Queue is a Mongo-backed eventqueue.Queue, using FindOneAndUpdate-based
// claiming with a not_before filter so Sleep/Timeout/Hospital backoff
// wake-ups are not delivered early.
type Queue struct {
	coll *mongo.Collection
}

var _ eventqueue.Queue = (*Queue)(nil)

// NewQueue creates a Mongo-backed Queue. dbName/collName default to
// "flowstate"/"scheduled_events" if empty.
func NewQueue(client *mongo.Client, dbName, collName string) *Queue {
	if dbName == "" {
		dbName = "flowstate"
	}
	if collName == "" {
		collName = "scheduled_events"
	}
	return &Queue{coll: client.Database(dbName).Collection(collName)}
}

type scheduledEventDoc struct {
	ID                string `bson:"_id"`
	FlowId            string `bson:"flow_id"`
	NotBefore         int64  `bson:"not_before"`
	TimeoutGeneration int    `bson:"timeout_generation"`
	Payload           []byte `bson:"payload"`
	Claimed           bool   `bson:"claimed"`
}

func (q *Queue) Enqueue(ctx context.Context, ev eventqueue.ScheduledEvent) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ev.Event); err != nil {
		return err
	}
	doc := scheduledEventDoc{
		ID:                api.NewFlowId().String(),
		FlowId:            ev.FlowId.String(),
		NotBefore:         ev.NotBefore.UnixNano(),
		TimeoutGeneration: ev.TimeoutGeneration,
		Payload:           buf.Bytes(),
	}
	_, err := q.coll.InsertOne(ctx, doc)
	return err
}

func (q *Queue) Dequeue(ctx context.Context) (*eventqueue.ScheduledEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		now := time.Now().UnixNano()
		filter := bson.M{"not_before": bson.M{"$lte": now}, "claimed": bson.M{"$ne": true}}
		update := bson.M{"$set": bson.M{"claimed": true}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "not_before", Value: 1}}).
			SetReturnDocument(options.After)

		var doc scheduledEventDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(50 * time.Millisecond):
					continue
				}
			}
			return nil, err
		}

		if _, err := q.coll.DeleteOne(ctx, bson.M{"_id": doc.ID}); err != nil {
			return nil, err
		}

		var ev api.Event
		if err := gob.NewDecoder(bytes.NewReader(doc.Payload)).Decode(&ev); err != nil {
			return nil, err
		}
		flowId, err := api.ParseFlowId(doc.FlowId)
		if err != nil {
			return nil, err
		}

		return &eventqueue.ScheduledEvent{
			FlowId:            flowId,
			Event:             ev,
			NotBefore:         time.Unix(0, doc.NotBefore),
			TimeoutGeneration: doc.TimeoutGeneration,
		}, nil
	}
}

func (q *Queue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0
	}
	return int(n)
}
