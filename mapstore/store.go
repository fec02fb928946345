package mapstore

import (
	"context"
	"time"

	"mindmapsync/mapsync"
)

// StoredOperation is one committed operation in a map's durable log. The
// server assigns ServerSeq on append; ActorSeq is the actor's own clock
// component at commit time, which is what vector-clock catch-up queries key
// on.
type StoredOperation struct {
	ID        string             `bson:"operation_id" json:"id"`
	MapID     string             `bson:"map_id" json:"mapId"`
	ActorID   string             `bson:"actor_id" json:"actorId"`
	ActorSeq  int64              `bson:"actor_seq" json:"actorSeq"`
	ServerSeq int64              `bson:"server_seq" json:"serverSeq"`
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`
	Operation *mapsync.Operation `bson:"operation" json:"operation"`
}

// OperationStore is the durable, ordered log of committed operations per
// map. It backs reconnect catch-up: a client presents its vector clock and
// receives every operation it has not seen.
type OperationStore interface {
	// Append commits one operation to the map's log, assigning ServerSeq.
	Append(ctx context.Context, op *StoredOperation) error

	// OperationsAfter returns operations with ServerSeq greater than the
	// given one, in ServerSeq order.
	OperationsAfter(ctx context.Context, mapID string, afterSeq int64) ([]*StoredOperation, error)

	// MissingOperations returns operations the given vector clock has not
	// seen: per known actor everything past the clock's component, plus
	// everything from actors the clock does not know, in ServerSeq order.
	MissingOperations(ctx context.Context, mapID string, clock mapsync.VectorClock) ([]*StoredOperation, error)

	// LatestSeq returns the highest ServerSeq for the map, 0 when empty.
	LatestSeq(ctx context.Context, mapID string) (int64, error)

	// Close releases the store's resources.
	Close() error
}
