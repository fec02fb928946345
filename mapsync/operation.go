package mapsync

import (
	"time"

	"github.com/google/uuid"
)

// OperationType identifies the kind of change an operation carries.
type OperationType string

const (
	// OpCreate creates a new target with the payload's fields.
	OpCreate OperationType = "create"

	// OpUpdate applies a partial field update to an existing target.
	OpUpdate OperationType = "update"

	// OpDelete removes a target.
	OpDelete OperationType = "delete"

	// OpMove changes a target's position and/or parent.
	OpMove OperationType = "move"

	// OpNoop is the result of transforming an operation away entirely.
	OpNoop OperationType = "noop"
)

// TargetType identifies what kind of entity an operation addresses.
type TargetType string

const (
	TargetNode TargetType = "node"
	TargetMap  TargetType = "map"
	TargetEdge TargetType = "edge"
)

// Well-known payload field keys.
const (
	FieldText     = "text"
	FieldX        = "x"
	FieldY        = "y"
	FieldParentID = "parentId"
)

// Operation is the unit of change exchanged between replicas. Once an ID is
// assigned an Operation is immutable; transformation produces new values and
// never mutates in place.
type Operation struct {
	ID          string         `json:"id"`
	Type        OperationType  `json:"operationType"`
	TargetType  TargetType     `json:"targetType"`
	TargetID    string         `json:"targetId"`
	MapID       string         `json:"mapId"`
	Payload     map[string]any `json:"payload,omitempty"`
	OriginActor string         `json:"originActor"`
	Timestamp   time.Time      `json:"timestamp"`
	VectorClock VectorClock    `json:"vectorClock,omitempty"`
	RetryCount  int            `json:"retryCount,omitempty"`
}

// NewOperationID generates a globally unique operation ID.
func NewOperationID() string {
	return uuid.NewString()
}

// Clone returns a deep copy of the operation.
func (op *Operation) Clone() *Operation {
	if op == nil {
		return nil
	}
	clone := *op
	if op.Payload != nil {
		clone.Payload = make(map[string]any, len(op.Payload))
		for k, v := range op.Payload {
			clone.Payload[k] = v
		}
	}
	if op.VectorClock != nil {
		clone.VectorClock = op.VectorClock.Clone()
	}
	return &clone
}

// IsNoop reports whether the operation carries no effect.
func (op *Operation) IsNoop() bool {
	return op == nil || op.Type == OpNoop
}

// asNoop returns a copy of the operation rewritten to carry no effect. The
// identity fields are kept so receivers can still deduplicate by ID.
func (op *Operation) asNoop() *Operation {
	clone := op.Clone()
	clone.Type = OpNoop
	clone.Payload = nil
	return clone
}

// Related reports whether two operations address the same target and so may
// need transformation. Operations on unrelated targets are always compatible.
func Related(a, b *Operation) bool {
	if a == nil || b == nil {
		return false
	}
	return a.MapID == b.MapID && a.TargetType == b.TargetType && a.TargetID == b.TargetID
}

// wins reports whether op beats other under last-writer-wins, using the
// (timestamp, actor) tuple as a total, arrival-order independent tie-break.
func (op *Operation) wins(other *Operation) bool {
	if op.Timestamp.After(other.Timestamp) {
		return true
	}
	if other.Timestamp.After(op.Timestamp) {
		return false
	}
	return op.OriginActor > other.OriginActor
}
