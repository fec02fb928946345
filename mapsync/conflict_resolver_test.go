package mapsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmapsync/mapsync/testutil"
)

func TestResolveFastPathNoHistory(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())

	op := testOp("A", OpUpdate, "node-1", map[string]any{FieldText: "hello"}, time.Now())
	res := resolver.Resolve(op)

	require.NotNil(t, res.Applied)
	assert.Same(t, op, res.Applied)
	assert.False(t, res.Transformed)
	assert.Nil(t, res.Manual)

	history := resolver.History("map-1")
	require.Len(t, history, 1)
	assert.Equal(t, op.ID, history[0].ID)
}

func TestResolveDuplicateDelivery(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())

	op := testOp("A", OpUpdate, "node-1", map[string]any{FieldText: "hello"}, time.Now())
	first := resolver.Resolve(op)
	require.NotNil(t, first.Applied)

	// At-least-once transport can redeliver; the second delivery must be a
	// recognized duplicate, not a second application.
	second := resolver.Resolve(op.Clone())
	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Applied)
	assert.Len(t, resolver.History("map-1"), 1)
}

func TestResolveCausallyOrderedIsNotAConflict(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())
	base := time.Now()

	local := testOp("A", OpUpdate, "node-1", map[string]any{FieldText: "v1"}, base)
	local.VectorClock = VectorClock{"A": 1}
	resolver.RecordLocal(local)

	// The remote op causally follows the local one: no transformation.
	remote := testOp("B", OpUpdate, "node-1", map[string]any{FieldText: "v2"}, base.Add(time.Second))
	remote.VectorClock = VectorClock{"A": 1, "B": 1}

	res := resolver.Resolve(remote)
	require.NotNil(t, res.Applied)
	assert.Same(t, remote, res.Applied)
	assert.False(t, res.Transformed)

	stats := resolver.Stats("map-1")
	assert.Equal(t, int64(0), stats.TotalConflicts)
}

func TestResolveConcurrentDeleteDominatesIncoming(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())
	base := time.Now()

	local := testOp("A", OpDelete, "node-1", nil, base)
	local.VectorClock = VectorClock{"A": 1}
	resolver.RecordLocal(local)

	remote := testOp("B", OpUpdate, "node-1", map[string]any{FieldText: "late edit"}, base.Add(time.Hour))
	remote.VectorClock = VectorClock{"B": 1}

	// The incoming update loses to the concurrent local delete and degrades
	// to nothing applied.
	res := resolver.Resolve(remote)
	assert.Nil(t, res.Applied)
	assert.True(t, res.Transformed)
	assert.False(t, res.Duplicate)
	assert.Nil(t, res.Manual)

	// Redelivery of the absorbed op is still a duplicate.
	assert.True(t, resolver.Resolve(remote.Clone()).Duplicate)
}

func TestResolveConcurrentFieldMergeCorrectsLocal(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	local := testOp("A", OpUpdate, "node-1", map[string]any{FieldText: "local", FieldX: 1.0}, base.Add(time.Second))
	local.VectorClock = VectorClock{"A": 1}
	resolver.RecordLocal(local)

	remote := testOp("B", OpUpdate, "node-1", map[string]any{FieldText: "remote"}, base)
	remote.VectorClock = VectorClock{"B": 1}

	res := resolver.Resolve(remote)

	// The remote op is older, so it loses the overlapping text field; having
	// lost every field it carries, nothing is applied. The local op needed no
	// correction.
	assert.Nil(t, res.Applied)
	assert.Empty(t, res.UpdatedLocal)

	stats := resolver.Stats("map-1")
	assert.Equal(t, int64(1), stats.TotalConflicts)
	assert.Equal(t, int64(1), stats.ResolvedConflicts)
}

func TestResolveConcurrentFieldMergeRemoteWins(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	local := testOp("A", OpUpdate, "node-1", map[string]any{FieldText: "local", FieldX: 1.0}, base)
	local.VectorClock = VectorClock{"A": 1}
	resolver.RecordLocal(local)

	remote := testOp("B", OpUpdate, "node-1", map[string]any{FieldText: "remote"}, base.Add(time.Second))
	remote.VectorClock = VectorClock{"B": 1}

	res := resolver.Resolve(remote)

	require.NotNil(t, res.Applied)
	assert.Equal(t, "remote", res.Applied.Payload[FieldText])

	// The local op lost its text field and must be surfaced as corrected.
	require.Len(t, res.UpdatedLocal, 1)
	corrected := res.UpdatedLocal[0]
	assert.Equal(t, local.ID, corrected.ID)
	assert.NotContains(t, corrected.Payload, FieldText)
	assert.Contains(t, corrected.Payload, FieldX)
}

func TestResolveEscalatesToManual(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())
	base := time.Now()

	local := testOp("A", OpCreate, "node-1", map[string]any{FieldText: "a"}, base)
	local.VectorClock = VectorClock{"A": 1}
	resolver.RecordLocal(local)

	// create vs update on the same target has no transform rule.
	remote := testOp("B", OpUpdate, "node-1", map[string]any{FieldText: "b"}, base)
	remote.VectorClock = VectorClock{"B": 1}

	res := resolver.Resolve(remote)
	require.NotNil(t, res.Manual)
	assert.Nil(t, res.Applied)
	assert.Equal(t, remote.ID, res.Manual.Incoming.ID)
	require.Len(t, res.Manual.LocalOps, 1)
	assert.NotEmpty(t, res.Manual.Reason)

	queue := resolver.ManualQueue()
	require.Len(t, queue, 1)
	assert.Equal(t, res.Manual.ID, queue[0].ID)
	assert.Equal(t, 1, resolver.Stats("map-1").PendingManual)
}

func TestResolveManuallyAcceptRemote(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())
	record := escalateOne(t, resolver)

	applied, err := resolver.ResolveManually(record.ID, ResolutionAcceptRemote, nil)
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Equal(t, record.Incoming.ID, applied.ID)
	assert.Empty(t, resolver.ManualQueue())
}

func TestResolveManuallyAcceptLocal(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())
	record := escalateOne(t, resolver)

	applied, err := resolver.ResolveManually(record.ID, ResolutionAcceptLocal, nil)
	require.NoError(t, err)
	assert.Nil(t, applied, "local state stands")
	assert.Empty(t, resolver.ManualQueue())

	// A retransmission of the rejected op is deduplicated.
	assert.True(t, resolver.Resolve(record.Incoming.Clone()).Duplicate)
}

func TestResolveManuallyCustomMerge(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())
	record := escalateOne(t, resolver)

	merged := map[string]any{FieldText: "compromise"}
	applied, err := resolver.ResolveManually(record.ID, ResolutionCustomMerge, merged)
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Equal(t, OpUpdate, applied.Type)
	assert.Equal(t, merged, applied.Payload)
	assert.NotEqual(t, record.Incoming.ID, applied.ID, "merge result is a new operation")
}

func TestResolveManuallyCustomMergeRequiresPayload(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())
	record := escalateOne(t, resolver)

	_, err := resolver.ResolveManually(record.ID, ResolutionCustomMerge, nil)
	require.Error(t, err)
}

func TestResolveManuallyUnknownRecord(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())

	_, err := resolver.ResolveManually("missing", ResolutionAcceptLocal, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestConflictStatsRate(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	local := testOp("A", OpUpdate, "node-1", map[string]any{FieldText: "a"}, base)
	local.VectorClock = VectorClock{"A": 1}
	resolver.RecordLocal(local)

	// One conflicting and two clean operations.
	conflicting := testOp("B", OpUpdate, "node-1", map[string]any{FieldText: "b"}, base.Add(time.Second))
	conflicting.VectorClock = VectorClock{"B": 1}
	resolver.Resolve(conflicting)

	for i := 0; i < 2; i++ {
		clean := testOp("B", OpUpdate, "node-other", map[string]any{FieldText: "x"}, base)
		clean.VectorClock = VectorClock{"A": 1, "B": int64(i + 2)}
		resolver.Resolve(clean)
	}

	stats := resolver.Stats("map-1")
	assert.Equal(t, int64(4), stats.TotalOperations)
	assert.Equal(t, int64(1), stats.TotalConflicts)
	assert.InDelta(t, 0.25, stats.ConflictRate, 1e-9)
	assert.GreaterOrEqual(t, stats.AverageResolutionMs, 0.0)
}

func TestResolverReset(t *testing.T) {
	resolver := NewConflictResolver(testutil.NewLogger())
	escalateOne(t, resolver)

	resolver.Reset()
	assert.Empty(t, resolver.ManualQueue())
	assert.Empty(t, resolver.History("map-1"))
	assert.Equal(t, int64(0), resolver.Stats("map-1").TotalOperations)
}

// escalateOne drives the resolver into one manual conflict and returns its
// record.
func escalateOne(t *testing.T, resolver *ConflictResolver) *ConflictRecord {
	t.Helper()
	base := time.Now()

	local := testOp("A", OpCreate, "node-1", map[string]any{FieldText: "a"}, base)
	local.VectorClock = VectorClock{"A": 1}
	resolver.RecordLocal(local)

	remote := testOp("B", OpUpdate, "node-1", map[string]any{FieldText: "b"}, base)
	remote.VectorClock = VectorClock{"B": 1}

	res := resolver.Resolve(remote)
	require.NotNil(t, res.Manual)
	return res.Manual
}
