package mapstore

import (
	"context"
	"sync"
	"time"

	"mindmapsync/mapsync"
)

// MemoryOperationStore keeps the operation log in process memory. It backs
// single-node deployments and tests; the interface matches the MongoDB
// store.
type MemoryOperationStore struct {
	mu   sync.Mutex
	logs map[string][]*StoredOperation
}

// NewMemoryOperationStore creates an empty in-memory log.
func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{
		logs: make(map[string][]*StoredOperation),
	}
}

// Append commits one operation, assigning the next ServerSeq when unset.
func (s *MemoryOperationStore) Append(ctx context.Context, op *StoredOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[op.MapID]
	if op.ServerSeq == 0 {
		var latest int64
		if len(log) > 0 {
			latest = log[len(log)-1].ServerSeq
		}
		op.ServerSeq = latest + 1
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}

	copied := *op
	s.logs[op.MapID] = append(log, &copied)
	return nil
}

// OperationsAfter returns operations past one ServerSeq, in order.
func (s *MemoryOperationStore) OperationsAfter(ctx context.Context, mapID string, afterSeq int64) ([]*StoredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*StoredOperation
	for _, op := range s.logs[mapID] {
		if op.ServerSeq > afterSeq {
			out = append(out, op)
		}
	}
	return out, nil
}

// MissingOperations returns everything the presented clock has not seen, in
// ServerSeq order.
func (s *MemoryOperationStore) MissingOperations(ctx context.Context, mapID string, clock mapsync.VectorClock) ([]*StoredOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*StoredOperation
	for _, op := range s.logs[mapID] {
		seen, known := clock[op.ActorID]
		if !known || op.ActorSeq > seen {
			out = append(out, op)
		}
	}
	return out, nil
}

// LatestSeq returns the highest committed ServerSeq for one map.
func (s *MemoryOperationStore) LatestSeq(ctx context.Context, mapID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.logs[mapID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].ServerSeq, nil
}

// Close drops the in-memory log.
func (s *MemoryOperationStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = make(map[string][]*StoredOperation)
	return nil
}
