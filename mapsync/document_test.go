package mapsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentCreateUpdateDelete(t *testing.T) {
	doc := NewMapDocument("map-1")
	now := time.Now()

	create := testOp("A", OpCreate, "node-1", map[string]any{
		FieldText:     "root",
		FieldX:        1.0,
		FieldY:        2.0,
		FieldParentID: "",
	}, now)
	require.NoError(t, doc.Apply(create))

	node, ok := doc.Node("node-1")
	require.True(t, ok)
	assert.Equal(t, "root", node.Text)
	assert.Equal(t, 1.0, node.X)
	assert.Equal(t, 2.0, node.Y)
	assert.Equal(t, "A", node.CreatedBy)

	update := testOp("B", OpUpdate, "node-1", map[string]any{FieldText: "renamed"}, now)
	require.NoError(t, doc.Apply(update))
	node, _ = doc.Node("node-1")
	assert.Equal(t, "renamed", node.Text)
	assert.Equal(t, 1.0, node.X, "untouched fields survive partial updates")

	del := testOp("A", OpDelete, "node-1", nil, now)
	require.NoError(t, doc.Apply(del))
	_, ok = doc.Node("node-1")
	assert.False(t, ok)
	assert.Equal(t, 0, doc.Len())
}

func TestDocumentMove(t *testing.T) {
	doc := NewMapDocument("map-1")
	now := time.Now()

	require.NoError(t, doc.Apply(testOp("A", OpCreate, "parent", map[string]any{FieldText: "p"}, now)))
	require.NoError(t, doc.Apply(testOp("A", OpCreate, "child", map[string]any{FieldText: "c"}, now)))

	move := testOp("A", OpMove, "child", map[string]any{
		FieldX:        10.0,
		FieldY:        20.0,
		FieldParentID: "parent",
	}, now)
	require.NoError(t, doc.Apply(move))

	node, _ := doc.Node("child")
	assert.Equal(t, 10.0, node.X)
	assert.Equal(t, 20.0, node.Y)
	assert.Equal(t, "parent", node.ParentID)
}

func TestDocumentUpdateUpsertsUnknownNode(t *testing.T) {
	doc := NewMapDocument("map-1")

	// Updates can arrive before the create they follow; the document upserts
	// rather than dropping them.
	update := testOp("A", OpUpdate, "node-1", map[string]any{FieldText: "early"}, time.Now())
	require.NoError(t, doc.Apply(update))

	node, ok := doc.Node("node-1")
	require.True(t, ok)
	assert.Equal(t, "early", node.Text)
}

func TestDocumentNoopIsIgnored(t *testing.T) {
	doc := NewMapDocument("map-1")
	op := testOp("A", OpUpdate, "node-1", map[string]any{FieldText: "x"}, time.Now())
	noop := op.asNoop()

	require.NoError(t, doc.Apply(noop))
	assert.Equal(t, 0, doc.Len())
}

func TestDocumentNumericCoercion(t *testing.T) {
	doc := NewMapDocument("map-1")

	// JSON decoding hands back float64, but callers may pass ints.
	op := testOp("A", OpCreate, "node-1", map[string]any{FieldX: 7, FieldY: int64(9)}, time.Now())
	require.NoError(t, doc.Apply(op))

	node, _ := doc.Node("node-1")
	assert.Equal(t, 7.0, node.X)
	assert.Equal(t, 9.0, node.Y)
}

func TestDocumentCustomFields(t *testing.T) {
	doc := NewMapDocument("map-1")

	op := testOp("A", OpCreate, "node-1", map[string]any{
		FieldText: "n",
		"color":   "#ff0000",
	}, time.Now())
	require.NoError(t, doc.Apply(op))

	node, _ := doc.Node("node-1")
	assert.Equal(t, "#ff0000", node.Fields["color"])
}

func TestDocumentNodesReturnsCopies(t *testing.T) {
	doc := NewMapDocument("map-1")
	require.NoError(t, doc.Apply(testOp("A", OpCreate, "node-1", map[string]any{FieldText: "orig"}, time.Now())))

	nodes := doc.Nodes()
	require.Len(t, nodes, 1)
	nodes[0].Text = "mutated"

	node, _ := doc.Node("node-1")
	assert.Equal(t, "orig", node.Text)
}

func TestDocumentReplaceAndClear(t *testing.T) {
	doc := NewMapDocument("map-1")
	require.NoError(t, doc.Apply(testOp("A", OpCreate, "old", map[string]any{FieldText: "old"}, time.Now())))

	doc.Replace([]*Node{{ID: "new", MapID: "map-1", Text: "new"}})
	_, ok := doc.Node("old")
	assert.False(t, ok)
	node, ok := doc.Node("new")
	require.True(t, ok)
	assert.Equal(t, "new", node.Text)

	doc.Clear()
	assert.Equal(t, 0, doc.Len())
}
