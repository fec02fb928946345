package mapsync

// Causality is the result of comparing two vector clocks.
type Causality int

const (
	// CausalityEqual means both clocks have identical components.
	CausalityEqual Causality = iota

	// CausalityBefore means the receiver happened strictly before the other clock.
	CausalityBefore

	// CausalityAfter means the receiver happened strictly after the other clock.
	CausalityAfter

	// CausalityConcurrent means neither clock dominates the other.
	CausalityConcurrent
)

// String returns a human-readable name for the causality relation.
func (c Causality) String() string {
	switch c {
	case CausalityEqual:
		return "equal"
	case CausalityBefore:
		return "before"
	case CausalityAfter:
		return "after"
	case CausalityConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock maps actor IDs to monotonically increasing counters. It is the
// causal ordering primitive for every component above it. All methods treat
// the receiver as immutable and return new clocks; absent components are 0.
type VectorClock map[string]int64

// NewVectorClock creates an empty vector clock.
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Clone returns a copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	clone := make(VectorClock, len(vc))
	for actor, counter := range vc {
		clone[actor] = counter
	}
	return clone
}

// Increment returns a new clock with the given actor's component advanced by
// one. An actor only ever increments its own component.
func (vc VectorClock) Increment(actorID string) VectorClock {
	next := vc.Clone()
	next[actorID]++
	return next
}

// Merge returns a new clock taking the component-wise maximum of both clocks.
// It is called whenever a remote operation is accepted, folding the remote
// replica's causal knowledge into the local clock.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Clone()
	for actor, counter := range other {
		if merged[actor] < counter {
			merged[actor] = counter
		}
	}
	return merged
}

// Compare determines the causal relation between two clocks by comparing
// every actor key present in either clock. The result is exactly one of
// equal, before, after or concurrent.
func (vc VectorClock) Compare(other VectorClock) Causality {
	anyLess := false
	anyGreater := false

	for actor, counter := range vc {
		otherCounter := other[actor]
		if counter < otherCounter {
			anyLess = true
		} else if counter > otherCounter {
			anyGreater = true
		}
	}
	for actor, otherCounter := range other {
		if _, ok := vc[actor]; ok {
			continue
		}
		if otherCounter > 0 {
			anyLess = true
		}
	}

	switch {
	case anyLess && anyGreater:
		return CausalityConcurrent
	case anyLess:
		return CausalityBefore
	case anyGreater:
		return CausalityAfter
	default:
		return CausalityEqual
	}
}

// Concurrent reports whether neither clock dominates the other.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return vc.Compare(other) == CausalityConcurrent
}
