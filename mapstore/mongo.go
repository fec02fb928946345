package mapstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"mindmapsync/mapsync"
)

// MongoOperationStore is the MongoDB-backed operation log.
type MongoOperationStore struct {
	collection *mongo.Collection
	seqMutex   sync.Mutex
	logger     *zap.Logger
}

// NewMongoOperationStore creates the store and its indexes.
func NewMongoOperationStore(ctx context.Context, client *mongo.Client, database, collection string, logger *zap.Logger) (*MongoOperationStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	coll := client.Database(database).Collection(collection)

	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "map_id", Value: 1},
				{Key: "server_seq", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "map_id", Value: 1},
				{Key: "actor_id", Value: 1},
				{Key: "actor_seq", Value: 1},
			},
		},
		{
			Keys: bson.D{
				{Key: "operation_id", Value: 1},
			},
		},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexModels); err != nil {
		return nil, errors.Wrap(err, "failed to create indexes")
	}

	return &MongoOperationStore{
		collection: coll,
		logger:     logger,
	}, nil
}

// Append commits one operation, assigning the next ServerSeq when unset.
func (s *MongoOperationStore) Append(ctx context.Context, op *StoredOperation) error {
	if op.ServerSeq == 0 {
		seq, err := s.nextSeq(ctx, op.MapID)
		if err != nil {
			return errors.Wrap(err, "failed to get next server sequence")
		}
		op.ServerSeq = seq
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}

	if _, err := s.collection.InsertOne(ctx, op); err != nil {
		return errors.Wrap(err, "failed to insert operation")
	}

	s.logger.Debug("Operation committed",
		zap.String("operation_id", op.ID),
		zap.String("map_id", op.MapID),
		zap.String("actor_id", op.ActorID),
		zap.Int64("server_seq", op.ServerSeq))
	return nil
}

// OperationsAfter returns operations past one ServerSeq, in order.
func (s *MongoOperationStore) OperationsAfter(ctx context.Context, mapID string, afterSeq int64) ([]*StoredOperation, error) {
	filter := bson.M{
		"map_id":     mapID,
		"server_seq": bson.M{"$gt": afterSeq},
	}
	opts := options.Find().SetSort(bson.D{{Key: "server_seq", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find operations")
	}
	defer cursor.Close(ctx)

	var ops []*StoredOperation
	if err := cursor.All(ctx, &ops); err != nil {
		return nil, errors.Wrap(err, "failed to decode operations")
	}
	return ops, nil
}

// MissingOperations selects everything the presented clock has not seen:
// per known actor an actor_seq past the clock component, or any actor the
// clock does not mention at all.
func (s *MongoOperationStore) MissingOperations(ctx context.Context, mapID string, clock mapsync.VectorClock) ([]*StoredOperation, error) {
	filter := bson.M{"map_id": mapID}

	if len(clock) > 0 {
		var orConditions []bson.M
		knownActors := make([]string, 0, len(clock))
		for actorID, seq := range clock {
			knownActors = append(knownActors, actorID)
			orConditions = append(orConditions, bson.M{
				"actor_id":  actorID,
				"actor_seq": bson.M{"$gt": seq},
			})
		}
		orConditions = append(orConditions, bson.M{
			"actor_id": bson.M{"$nin": knownActors},
		})
		filter["$or"] = orConditions
	}

	opts := options.Find().SetSort(bson.D{{Key: "server_seq", Value: 1}})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find missing operations")
	}
	defer cursor.Close(ctx)

	var ops []*StoredOperation
	if err := cursor.All(ctx, &ops); err != nil {
		return nil, errors.Wrap(err, "failed to decode operations")
	}

	s.logger.Debug("Found missing operations",
		zap.String("map_id", mapID),
		zap.Any("vector_clock", clock),
		zap.Int("operation_count", len(ops)))
	return ops, nil
}

// LatestSeq returns the highest committed ServerSeq for one map.
func (s *MongoOperationStore) LatestSeq(ctx context.Context, mapID string) (int64, error) {
	filter := bson.M{"map_id": mapID}
	opts := options.FindOne().SetSort(bson.D{{Key: "server_seq", Value: -1}})

	var op StoredOperation
	err := s.collection.FindOne(ctx, filter, opts).Decode(&op)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to find latest operation")
	}
	return op.ServerSeq, nil
}

// Close is a no-op; the MongoDB client is owned by the caller.
func (s *MongoOperationStore) Close() error {
	return nil
}

func (s *MongoOperationStore) nextSeq(ctx context.Context, mapID string) (int64, error) {
	s.seqMutex.Lock()
	defer s.seqMutex.Unlock()

	current, err := s.LatestSeq(ctx, mapID)
	if err != nil {
		return 0, err
	}
	return current + 1, nil
}
