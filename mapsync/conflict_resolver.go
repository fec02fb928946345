package mapsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResolutionStrategy is a consumer's explicit choice for a conflict that
// could not be resolved automatically.
type ResolutionStrategy string

const (
	// ResolutionAcceptLocal keeps the local operations and discards the
	// incoming one.
	ResolutionAcceptLocal ResolutionStrategy = "accept_local"

	// ResolutionAcceptRemote applies the incoming operation as-is.
	ResolutionAcceptRemote ResolutionStrategy = "accept_remote"

	// ResolutionCustomMerge applies a consumer-supplied merged payload.
	ResolutionCustomMerge ResolutionStrategy = "custom_merge"

	// ResolutionRejectAll discards the incoming operation without applying
	// anything.
	ResolutionRejectAll ResolutionStrategy = "reject_all"
)

// ConflictRecord captures a conflict awaiting manual resolution: the raw
// incoming operation, the local candidate set and the error that stopped
// automatic resolution.
type ConflictRecord struct {
	ID         string       `json:"id"`
	MapID      string       `json:"mapId"`
	Incoming   *Operation   `json:"incoming"`
	LocalOps   []*Operation `json:"localOps"`
	Reason     string       `json:"reason"`
	DetectedAt time.Time    `json:"detectedAt"`
}

// ConflictStats summarizes conflict handling for one document.
type ConflictStats struct {
	TotalOperations     int64   `json:"totalOperations"`
	TotalConflicts      int64   `json:"totalConflicts"`
	ResolvedConflicts   int64   `json:"resolvedConflicts"`
	ManualConflicts     int64   `json:"manualConflicts"`
	PendingManual       int     `json:"pendingManual"`
	ConflictRate        float64 `json:"conflictRate"`
	AverageResolutionMs float64 `json:"averageResolutionMs"`
}

// Resolution is the outcome of feeding one incoming operation through the
// resolver.
type Resolution struct {
	// Applied is the operation to apply, possibly transformed. Nil when the
	// incoming operation was a duplicate, transformed to a no-op, or
	// escalated for manual resolution.
	Applied *Operation

	// Transformed reports whether Applied differs from the incoming
	// operation.
	Transformed bool

	// Duplicate reports that the operation ID was already applied.
	Duplicate bool

	// UpdatedLocal holds corrected copies of historical operations whose
	// transform differed from the original, so the outbox/UI can repair its
	// copy.
	UpdatedLocal []*Operation

	// Log is the transform log accumulated during resolution.
	Log []TransformLogEntry

	// Manual is non-nil when resolution was escalated to the manual queue.
	Manual *ConflictRecord
}

type conflictCounters struct {
	totalOps        int64
	totalConflicts  int64
	resolved        int64
	manual          int64
	resolutionCount int64
	resolutionMsSum float64
}

// ConflictResolver decides whether an incoming operation conflicts with
// recorded history and computes the operation actually applied. Receivers
// deduplicate by operation ID here, giving exactly-once application on top
// of at-least-once transport.
type ConflictResolver struct {
	mu sync.Mutex

	transformer *Transformer
	histories   map[string]*OperationHistory
	applied     map[string]struct{}
	manual      []*ConflictRecord
	counters    map[string]*conflictCounters

	historyCapacity int
	logger          *zap.Logger
}

// NewConflictResolver creates a resolver with per-document history bounded
// at DefaultHistoryCapacity.
func NewConflictResolver(logger *zap.Logger) *ConflictResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConflictResolver{
		transformer:     NewTransformer(),
		histories:       make(map[string]*OperationHistory),
		applied:         make(map[string]struct{}),
		counters:        make(map[string]*conflictCounters),
		historyCapacity: DefaultHistoryCapacity,
		logger:          logger,
	}
}

// DetectConflict reports whether the incoming clock is causally concurrent
// with the local clock.
func (r *ConflictResolver) DetectConflict(incoming, local VectorClock) bool {
	return incoming.Compare(local) == CausalityConcurrent
}

// Resolve feeds an incoming operation through conflict detection and
// transformation against recorded history.
//
// The fast path, taken when there is no related concurrent history, accepts the operation
// unchanged. Otherwise the operation is folded through the transformer
// against each conflicting historical operation in history order. A
// transformation error never guesses: the operation is parked in the manual
// resolution queue with full context.
func (r *ConflictResolver) Resolve(op *Operation) *Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := time.Now()
	counters := r.countersFor(op.MapID)
	counters.totalOps++

	if _, seen := r.applied[op.ID]; seen {
		r.logger.Debug("Duplicate operation ignored",
			zap.String("operation_id", op.ID),
			zap.String("map_id", op.MapID))
		return &Resolution{Duplicate: true}
	}

	history := r.historyFor(op.MapID)
	candidates := conflictCandidates(op, history.Operations())

	if len(candidates) == 0 {
		// Majority case: nothing related and concurrent in history.
		r.applied[op.ID] = struct{}{}
		history.Append(op)
		return &Resolution{Applied: op}
	}

	counters.totalConflicts++

	current := op
	var updatedLocal []*Operation
	var log []TransformLogEntry

	for _, local := range candidates {
		transformed, localOut, err := r.transformer.Transform(current, local)
		if err != nil {
			record := &ConflictRecord{
				ID:         uuid.NewString(),
				MapID:      op.MapID,
				Incoming:   op,
				LocalOps:   candidates,
				Reason:     err.Error(),
				DetectedAt: time.Now(),
			}
			r.manual = append(r.manual, record)
			counters.manual++
			r.logger.Warn("Conflict escalated to manual resolution",
				zap.String("operation_id", op.ID),
				zap.String("map_id", op.MapID),
				zap.Error(err))
			return &Resolution{Manual: record}
		}

		log = append(log, TransformLogEntry{
			OrigA: current, OrigB: local, A: transformed, B: localOut, At: time.Now(),
		})

		if localOut != local {
			// The historical operation needed correction too; surface it so
			// the outbox and UI can repair their copies.
			history.Replace(local.ID, localOut)
			updatedLocal = append(updatedLocal, localOut)
		}
		current = transformed
	}

	counters.resolved++
	counters.resolutionCount++
	counters.resolutionMsSum += float64(time.Since(started).Microseconds()) / 1000.0

	r.applied[op.ID] = struct{}{}
	if current.IsNoop() {
		return &Resolution{
			Transformed:  true,
			UpdatedLocal: updatedLocal,
			Log:          log,
		}
	}

	history.Append(current)
	return &Resolution{
		Applied:      current,
		Transformed:  current != op,
		UpdatedLocal: updatedLocal,
		Log:          log,
	}
}

// RecordLocal registers a locally originated operation in history so later
// remote operations can be transformed against it.
func (r *ConflictResolver) RecordLocal(op *Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.applied[op.ID]; seen {
		return
	}
	r.applied[op.ID] = struct{}{}
	r.historyFor(op.MapID).Append(op)
	r.countersFor(op.MapID).totalOps++
}

// ResolveManually settles a parked conflict with one of the four explicit
// strategies. The chosen resolution is itself logged as an applied
// operation so history and deduplication see it.
func (r *ConflictResolver) ResolveManually(recordID string, strategy ResolutionStrategy, mergedPayload map[string]any) (*Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, record := range r.manual {
		if record.ID == recordID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("conflict record not found: %s", recordID)
	}
	record := r.manual[idx]
	r.manual = append(r.manual[:idx], r.manual[idx+1:]...)

	counters := r.countersFor(record.MapID)
	counters.resolved++

	apply := func(op *Operation) *Operation {
		r.applied[op.ID] = struct{}{}
		r.historyFor(op.MapID).Append(op)
		return op
	}

	switch strategy {
	case ResolutionAcceptRemote:
		return apply(record.Incoming.Clone()), nil

	case ResolutionAcceptLocal, ResolutionRejectAll:
		// Local state stands; remember the incoming ID so retransmissions
		// of the rejected operation are ignored.
		r.applied[record.Incoming.ID] = struct{}{}
		return nil, nil

	case ResolutionCustomMerge:
		if mergedPayload == nil {
			return nil, fmt.Errorf("custom merge requires a payload")
		}
		merged := record.Incoming.Clone()
		merged.ID = NewOperationID()
		merged.Type = OpUpdate
		merged.Payload = mergedPayload
		merged.Timestamp = time.Now()
		r.applied[record.Incoming.ID] = struct{}{}
		return apply(merged), nil

	default:
		return nil, fmt.Errorf("unknown resolution strategy: %s", strategy)
	}
}

// ManualQueue returns the conflicts currently awaiting manual resolution.
func (r *ConflictResolver) ManualQueue() []*ConflictRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ConflictRecord, len(r.manual))
	copy(out, r.manual)
	return out
}

// History returns the applied-operation log for one document.
func (r *ConflictResolver) History(mapID string) []*Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.historyFor(mapID).Operations()
}

// Stats returns conflict statistics for one document.
func (r *ConflictResolver) Stats(mapID string) ConflictStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	counters := r.countersFor(mapID)
	stats := ConflictStats{
		TotalOperations:   counters.totalOps,
		TotalConflicts:    counters.totalConflicts,
		ResolvedConflicts: counters.resolved,
		ManualConflicts:   counters.manual,
	}
	for _, record := range r.manual {
		if record.MapID == mapID {
			stats.PendingManual++
		}
	}
	if counters.totalOps > 0 {
		stats.ConflictRate = float64(counters.totalConflicts) / float64(counters.totalOps)
	}
	if counters.resolutionCount > 0 {
		stats.AverageResolutionMs = counters.resolutionMsSum / float64(counters.resolutionCount)
	}
	return stats
}

// Reset drops all history, dedup state, manual queue entries and counters.
func (r *ConflictResolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histories = make(map[string]*OperationHistory)
	r.applied = make(map[string]struct{})
	r.manual = nil
	r.counters = make(map[string]*conflictCounters)
	r.transformer.ClearLog()
}

func (r *ConflictResolver) historyFor(mapID string) *OperationHistory {
	history, ok := r.histories[mapID]
	if !ok {
		history = NewOperationHistory(r.historyCapacity)
		r.histories[mapID] = history
	}
	return history
}

func (r *ConflictResolver) countersFor(mapID string) *conflictCounters {
	counters, ok := r.counters[mapID]
	if !ok {
		counters = &conflictCounters{}
		r.counters[mapID] = counters
	}
	return counters
}

// conflictCandidates filters history to operations related to the incoming
// one whose recorded clock is concurrent with it. Conflict resolution is
// scoped per-target: concurrency with unrelated operations is not a
// conflict.
func conflictCandidates(incoming *Operation, history []*Operation) []*Operation {
	var related []*Operation
	for _, op := range history {
		if !Related(incoming, op) {
			continue
		}
		if incoming.VectorClock.Compare(op.VectorClock) == CausalityConcurrent {
			related = append(related, op)
		}
	}
	return related
}
