package mapsync

import (
	"fmt"
	"sync"
	"time"
)

// Node is one positioned, attributable node of a mind map.
type Node struct {
	ID        string         `json:"id"`
	MapID     string         `json:"mapId"`
	ParentID  string         `json:"parentId,omitempty"`
	Text      string         `json:"text"`
	X         float64        `json:"x"`
	Y         float64        `json:"y"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedBy string         `json:"createdBy,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	clone := *n
	if n.Fields != nil {
		clone.Fields = make(map[string]any, len(n.Fields))
		for k, v := range n.Fields {
			clone.Fields[k] = v
		}
	}
	return &clone
}

// MapDocument is the local materialization of one mind map: the node tree
// that resolved operations are applied to. Rendering and persistence live
// outside the engine; the document exists so consumers can observe
// convergence.
type MapDocument struct {
	mu    sync.RWMutex
	mapID string
	nodes map[string]*Node
}

// NewMapDocument creates an empty document.
func NewMapDocument(mapID string) *MapDocument {
	return &MapDocument{
		mapID: mapID,
		nodes: make(map[string]*Node),
	}
}

// MapID returns the document's map ID.
func (d *MapDocument) MapID() string {
	return d.mapID
}

// Apply mutates the document with one resolved operation. No-ops are
// ignored. Update and move on an unknown node upsert it, since operations
// can arrive before the create they causally follow under loss and replay.
func (d *MapDocument) Apply(op *Operation) error {
	if op.IsNoop() {
		return nil
	}
	if op.TargetType != TargetNode {
		return fmt.Errorf("unsupported target type: %s", op.TargetType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch op.Type {
	case OpCreate:
		node := &Node{
			ID:        op.TargetID,
			MapID:     d.mapID,
			CreatedBy: op.OriginActor,
			UpdatedAt: op.Timestamp,
		}
		applyFields(node, op.Payload)
		d.nodes[op.TargetID] = node
		return nil

	case OpUpdate, OpMove:
		node, ok := d.nodes[op.TargetID]
		if !ok {
			node = &Node{ID: op.TargetID, MapID: d.mapID, CreatedBy: op.OriginActor}
			d.nodes[op.TargetID] = node
		}
		applyFields(node, op.Payload)
		node.UpdatedAt = op.Timestamp
		return nil

	case OpDelete:
		delete(d.nodes, op.TargetID)
		return nil

	default:
		return fmt.Errorf("unsupported operation type: %s", op.Type)
	}
}

// Node returns a copy of one node.
func (d *MapDocument) Node(id string) (*Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	node, ok := d.nodes[id]
	if !ok {
		return nil, false
	}
	return node.Clone(), true
}

// Nodes returns copies of all nodes.
func (d *MapDocument) Nodes() []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Node, 0, len(d.nodes))
	for _, node := range d.nodes {
		out = append(out, node.Clone())
	}
	return out
}

// Len returns the number of nodes.
func (d *MapDocument) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// Replace swaps the entire node set, used when reconciling an authoritative
// snapshot.
func (d *MapDocument) Replace(nodes []*Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes = make(map[string]*Node, len(nodes))
	for _, node := range nodes {
		d.nodes[node.ID] = node.Clone()
	}
}

// Clear drops all nodes.
func (d *MapDocument) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes = make(map[string]*Node)
}

// applyFields maps the well-known payload keys onto node fields and stashes
// anything else in the open field map. JSON numbers arrive as float64.
func applyFields(node *Node, payload map[string]any) {
	for key, value := range payload {
		switch key {
		case FieldText:
			if text, ok := value.(string); ok {
				node.Text = text
			}
		case FieldX:
			if x, ok := toFloat(value); ok {
				node.X = x
			}
		case FieldY:
			if y, ok := toFloat(value); ok {
				node.Y = y
			}
		case FieldParentID:
			if parentID, ok := value.(string); ok {
				node.ParentID = parentID
			}
		default:
			if node.Fields == nil {
				node.Fields = make(map[string]any)
			}
			node.Fields[key] = value
		}
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
