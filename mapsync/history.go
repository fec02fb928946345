package mapsync

// DefaultHistoryCapacity bounds the per-document applied-operation log. The
// log only exists to find concurrency candidates, not as an audit trail.
const DefaultHistoryCapacity = 100

// OperationHistory is a bounded append log of applied operations, oldest
// evicted first. It is not safe for concurrent use; the owning resolver
// serializes access.
type OperationHistory struct {
	capacity int
	ops      []*Operation
}

// NewOperationHistory creates a history with the given capacity. A capacity
// of zero or less falls back to DefaultHistoryCapacity.
func NewOperationHistory(capacity int) *OperationHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &OperationHistory{capacity: capacity}
}

// Append records an applied operation, evicting the oldest entry when full.
func (h *OperationHistory) Append(op *Operation) {
	h.ops = append(h.ops, op)
	if len(h.ops) > h.capacity {
		h.ops = h.ops[len(h.ops)-h.capacity:]
	}
}

// Replace swaps the entry with the given operation ID for a corrected copy.
// It reports whether an entry was found.
func (h *OperationHistory) Replace(opID string, corrected *Operation) bool {
	for i, op := range h.ops {
		if op.ID == opID {
			h.ops[i] = corrected
			return true
		}
	}
	return false
}

// Operations returns the log in application order. The returned slice is a
// copy; the operations themselves are shared and must not be mutated.
func (h *OperationHistory) Operations() []*Operation {
	out := make([]*Operation, len(h.ops))
	copy(out, h.ops)
	return out
}

// Len returns the number of recorded operations.
func (h *OperationHistory) Len() int {
	return len(h.ops)
}

// Clear drops all entries.
func (h *OperationHistory) Clear() {
	h.ops = nil
}
