package mapsync

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SendFunc hands one operation to the transport. A non-nil error re-queues
// the operation and stops the current drain tick.
type SendFunc func(op *Operation) error

// OperationQueueOptions configures the outbound operation queue.
type OperationQueueOptions struct {
	// Capacity bounds the queue under sustained disconnection. On overflow
	// the oldest half is evicted to bound memory.
	Capacity int

	// BatchSize limits how many operations one drain tick sends.
	BatchSize int
}

// DefaultOperationQueueOptions returns the standard queue configuration.
func DefaultOperationQueueOptions() OperationQueueOptions {
	return OperationQueueOptions{
		Capacity:  1000,
		BatchSize: 5,
	}
}

type queuedOperation struct {
	op         *Operation
	priority   MessagePriority
	enqueuedAt time.Time
}

// OperationQueue is the durable-in-memory outbox of locally originated
// operations awaiting transport and acknowledgment. Operations leave the
// queue only after the transport acknowledges them, giving at-least-once
// transport; receivers deduplicate by operation ID for exactly-once
// application.
type OperationQueue struct {
	mu       sync.Mutex
	entries  []*queuedOperation
	inflight map[string]*queuedOperation

	send      SendFunc
	connected func() bool
	opts      OperationQueueOptions
	logger    *zap.Logger
}

// NewOperationQueue creates an operation queue draining through send while
// connected reports a live transport.
func NewOperationQueue(send SendFunc, connected func() bool, opts OperationQueueOptions, logger *zap.Logger) *OperationQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultOperationQueueOptions().Capacity
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOperationQueueOptions().BatchSize
	}
	return &OperationQueue{
		inflight:  make(map[string]*queuedOperation),
		send:      send,
		connected: connected,
		opts:      opts,
		logger:    logger,
	}
}

// Add enqueues an operation, assigning an ID if absent, and immediately
// attempts a drain when the transport is connected. High-priority
// operations go to the front of the queue. The operation ID is returned.
func (q *OperationQueue) Add(op *Operation, priority MessagePriority) string {
	q.mu.Lock()
	if op.ID == "" {
		op = op.Clone()
		op.ID = NewOperationID()
	}
	entry := &queuedOperation{op: op, priority: priority, enqueuedAt: time.Now()}

	if len(q.entries) >= q.opts.Capacity {
		evicted := len(q.entries) / 2
		q.entries = append([]*queuedOperation{}, q.entries[evicted:]...)
		q.logger.Warn("Operation queue overflow, evicted oldest half",
			zap.Int("evicted", evicted),
			zap.Int("capacity", q.opts.Capacity))
	}

	if priority == PriorityHigh {
		q.entries = append([]*queuedOperation{entry}, q.entries...)
	} else {
		q.entries = append(q.entries, entry)
	}
	opID := op.ID
	q.mu.Unlock()

	if q.connected != nil && q.connected() {
		q.Process()
	}
	return opID
}

// Process drains the queue in small batches, preserving submission order. A
// failed send re-queues the batch head and stops this tick rather than
// reordering past it, which keeps causal submission order per target.
// It returns the number of operations handed to the transport.
func (q *OperationQueue) Process() int {
	sent := 0
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return sent
		}
		n := q.opts.BatchSize
		if n > len(q.entries) {
			n = len(q.entries)
		}
		batch := make([]*queuedOperation, n)
		copy(batch, q.entries[:n])
		q.entries = q.entries[n:]
		q.mu.Unlock()

		for i, entry := range batch {
			if err := q.send(entry.op); err != nil {
				entry.op.RetryCount++
				q.mu.Lock()
				requeued := append([]*queuedOperation{}, batch[i:]...)
				q.entries = append(requeued, q.entries...)
				q.mu.Unlock()
				q.logger.Debug("Send failed, stopping drain tick",
					zap.String("operation_id", entry.op.ID),
					zap.Int("retry_count", entry.op.RetryCount),
					zap.Error(err))
				return sent
			}
			q.mu.Lock()
			q.inflight[entry.op.ID] = entry
			q.mu.Unlock()
			sent++
		}
	}
}

// Ack confirms transport delivery of an operation, removing it from the
// outbox for good. It reports whether the operation was in flight.
func (q *OperationQueue) Ack(opID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[opID]; !ok {
		return false
	}
	delete(q.inflight, opID)
	return true
}

// Requeue moves an unacknowledged in-flight operation back to the front of
// the queue for another attempt.
func (q *OperationQueue) Requeue(opID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.inflight[opID]
	if !ok {
		return
	}
	delete(q.inflight, opID)
	entry.op.RetryCount++
	q.entries = append([]*queuedOperation{entry}, q.entries...)
}

// Len returns the number of queued (not yet sent) operations.
func (q *OperationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending returns all operations awaiting transport or acknowledgment, in
// queue order followed by in-flight operations.
func (q *OperationQueue) Pending() []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Operation, 0, len(q.entries)+len(q.inflight))
	for _, entry := range q.entries {
		out = append(out, entry.op)
	}
	for _, entry := range q.inflight {
		out = append(out, entry.op)
	}
	return out
}

// Clear drops all queued and in-flight operations.
func (q *OperationQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	q.inflight = make(map[string]*queuedOperation)
}
