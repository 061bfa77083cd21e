// Package persistence implements a MongoDB-backed CheckpointStore over
// the Checkpoint schema.
package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	corep "github.com/ledgerwire/flowstate/internal/persistence"
	"github.com/ledgerwire/flowstate/pkg/api"
)

// MongoStore is a CheckpointStore backed by MongoDB.
type MongoStore struct {
	checkpoints *mongo.Collection
	leases      *mongo.Collection
}

var _ corep.CheckpointStore = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed CheckpointStore. dbName defaults
// to "flowstate" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "flowstate"
	}
	db := client.Database(dbName)
	return &MongoStore{
		checkpoints: db.Collection("checkpoints"),
		leases:      db.Collection("leases"),
	}
}

type checkpointDoc struct {
	ID            string `bson:"_id"`
	FlowStateKind int    `bson:"flow_state_kind"`
	Errored       bool   `bson:"errored"`
	Blob          []byte `bson:"blob"`
	UpdatedAt     int64  `bson:"updated_at"`
}

type leaseDoc struct {
	ID        string `bson:"_id"`
	Owner     string `bson:"owner"`
	ExpiresAt int64  `bson:"expires_at"`
}

func (s *MongoStore) Load(ctx context.Context, flowId api.FlowId) (*api.Checkpoint, error) {
	var doc checkpointDoc
	err := s.checkpoints.FindOne(ctx, bson.M{"_id": flowId.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, corep.ErrCheckpointNotFound
		}
		return nil, err
	}
	return corep.DecodeCheckpoint(doc.Blob)
}

func (s *MongoStore) Persist(ctx context.Context, cp *api.Checkpoint) error {
	blob, err := corep.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}

	doc := checkpointDoc{
		ID:            cp.FlowId.String(),
		FlowStateKind: int(cp.FlowState.Kind),
		Errored:       cp.ErrorState.Kind == api.ErrorStateErrored,
		Blob:          blob,
		UpdatedAt:     time.Now().UTC().UnixNano(),
	}

	_, err = s.checkpoints.ReplaceOne(ctx,
		bson.M{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) Remove(ctx context.Context, flowId api.FlowId) error {
	if _, err := s.checkpoints.DeleteOne(ctx, bson.M{"_id": flowId.String()}); err != nil {
		return err
	}
	_, err := s.leases.DeleteOne(ctx, bson.M{"_id": flowId.String()})
	return err
}

func (s *MongoStore) List(ctx context.Context, filter corep.CheckpointFilter) ([]*api.Checkpoint, error) {
	bfilter := bson.M{}
	if filter.HasFlowState {
		bfilter["flow_state_kind"] = int(filter.FlowStateKind)
	}
	if filter.Errored {
		bfilter["errored"] = true
	}

	cur, err := s.checkpoints.Find(ctx, bfilter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var result []*api.Checkpoint
	for cur.Next(ctx) {
		var doc checkpointDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		cp, err := corep.DecodeCheckpoint(doc.Blob)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, cur.Err()
}

// TryAcquireLease upserts a lease document only when it is absent,
// expired, or already owned by owner, using a dedicated leases
// collection rather than embedding lease fields on the checkpoint
// document itself.
func (s *MongoStore) TryAcquireLease(ctx context.Context, flowId api.FlowId, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	now := time.Now().UTC()
	expires := now.Add(ttl).UnixNano()

	filter := bson.M{
		"_id": flowId.String(),
		"$or": []bson.M{
			{"owner": owner},
			{"expires_at": bson.M{"$lte": now.UnixNano()}},
		},
	}
	update := bson.M{"$set": bson.M{"owner": owner, "expires_at": expires}}

	res, err := s.leases.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	if res.MatchedCount > 0 {
		return true, nil
	}

	// No matching lease exists yet; try to create one. A duplicate-key
	// error here means a concurrent owner raced us and won.
	_, err = s.leases.InsertOne(ctx, leaseDoc{ID: flowId.String(), Owner: owner, ExpiresAt: expires})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *MongoStore) RenewLease(ctx context.Context, flowId api.FlowId, owner string, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl).UnixNano()
	res, err := s.leases.UpdateOne(ctx,
		bson.M{"_id": flowId.String(), "owner": owner},
		bson.M{"$set": bson.M{"expires_at": expires}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return corep.ErrLeaseHeldByOther
	}
	return nil
}

func (s *MongoStore) ReleaseLease(ctx context.Context, flowId api.FlowId, owner string) error {
	_, err := s.leases.DeleteOne(ctx, bson.M{"_id": flowId.String(), "owner": owner})
	return err
}
