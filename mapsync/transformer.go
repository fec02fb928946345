package mapsync

import (
	"fmt"
	"sync"
	"time"
)

// TransformLogEntry records one pairwise transformation for diagnostics and
// for repairing local copies of corrected operations.
type TransformLogEntry struct {
	OrigA *Operation `json:"origA"`
	OrigB *Operation `json:"origB"`
	A     *Operation `json:"a"`
	B     *Operation `json:"b"`
	At    time.Time  `json:"at"`
}

const transformLogCapacity = 256

// Transformer rewrites pairs of concurrent operations into a commutative
// pair: applying A' after B yields the same state as applying B' after A.
type Transformer struct {
	mu  sync.Mutex
	log []TransformLogEntry
}

// NewTransformer creates a transformer with an empty log.
func NewTransformer() *Transformer {
	return &Transformer{}
}

// Transform rewrites two concurrent operations so their effects commute.
// Rules are keyed by (a.Type, b.Type):
//   - delete vs anything on the same target: the non-delete side becomes a
//     no-op, delete always wins.
//   - create vs create: target IDs are disjoint by construction, both pass
//     through unchanged.
//   - update/move vs update/move: field-level merge. Disjoint fields are
//     kept on both sides; overlapping fields go to the last writer.
//
// Unsupported pairings return an error so the caller can escalate to manual
// resolution instead of guessing.
func (t *Transformer) Transform(a, b *Operation) (*Operation, *Operation, error) {
	if !Related(a, b) {
		return a, b, nil
	}

	aOut, bOut, err := transformRelated(a, b)
	if err != nil {
		return nil, nil, err
	}

	t.record(a, b, aOut, bOut)
	return aOut, bOut, nil
}

// Log returns a copy of the accumulated transform log.
func (t *Transformer) Log() []TransformLogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TransformLogEntry, len(t.log))
	copy(out, t.log)
	return out
}

// ClearLog drops all accumulated log entries.
func (t *Transformer) ClearLog() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = nil
}

func (t *Transformer) record(origA, origB, a, b *Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = append(t.log, TransformLogEntry{
		OrigA: origA,
		OrigB: origB,
		A:     a,
		B:     b,
		At:    time.Now(),
	})
	if len(t.log) > transformLogCapacity {
		t.log = t.log[len(t.log)-transformLogCapacity:]
	}
}

func transformRelated(a, b *Operation) (*Operation, *Operation, error) {
	switch {
	case a.Type == OpNoop || b.Type == OpNoop:
		return a, b, nil

	case a.Type == OpDelete && b.Type == OpDelete:
		// Both replicas deleted the same target; either order converges.
		return a, b, nil

	case a.Type == OpDelete:
		return a, b.asNoop(), nil

	case b.Type == OpDelete:
		return a.asNoop(), b, nil

	case a.Type == OpCreate && b.Type == OpCreate:
		return a, b, nil

	case isFieldOp(a) && isFieldOp(b):
		return mergeFields(a, b)

	default:
		return nil, nil, fmt.Errorf("unsupported transform pair: %s/%s on %s %s",
			a.Type, b.Type, a.TargetType, a.TargetID)
	}
}

func isFieldOp(op *Operation) bool {
	return op.Type == OpUpdate || op.Type == OpMove
}

// mergeFields keeps non-overlapping fields from both operations and resolves
// overlapping fields with last-writer-wins, so the surviving pair is
// deterministic regardless of arrival order.
func mergeFields(a, b *Operation) (*Operation, *Operation, error) {
	aOut := a.Clone()
	bOut := b.Clone()
	aChanged := false
	bChanged := false

	for field := range a.Payload {
		if _, overlaps := b.Payload[field]; !overlaps {
			continue
		}
		if a.wins(b) {
			delete(bOut.Payload, field)
			bChanged = true
		} else {
			delete(aOut.Payload, field)
			aChanged = true
		}
	}

	if len(aOut.Payload) == 0 {
		aOut = aOut.asNoop()
	}
	if len(bOut.Payload) == 0 {
		bOut = bOut.asNoop()
	}

	// Untouched operations keep their identity so callers can tell whether
	// a side actually needed correction.
	if !aChanged {
		aOut = a
	}
	if !bChanged {
		bOut = b
	}
	return aOut, bOut, nil
}
