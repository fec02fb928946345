package mapserver

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmapsync/mapstore"
	"mindmapsync/mapsync"
)

type fakeClient struct {
	id      string
	actorID string
	mapID   string

	mu     sync.Mutex
	sent   []*mapsync.Envelope
	closed bool
}

func newFakeClient(actorID, mapID string) *fakeClient {
	return &fakeClient{id: uuid.NewString(), actorID: actorID, mapID: mapID}
}

func (c *fakeClient) ID() string      { return c.id }
func (c *fakeClient) ActorID() string { return c.actorID }
func (c *fakeClient) MapID() string   { return c.mapID }

func (c *fakeClient) Send(env *mapsync.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) envelopes() []*mapsync.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*mapsync.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeClient) envelopesOf(t mapsync.MessageType) []*mapsync.Envelope {
	var out []*mapsync.Envelope
	for _, env := range c.envelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func serverOp(actorID, targetID string, seq int64) *mapsync.Operation {
	return &mapsync.Operation{
		ID:          uuid.NewString(),
		Type:        mapsync.OpCreate,
		TargetType:  mapsync.TargetNode,
		TargetID:    targetID,
		MapID:       "map-1",
		Payload:     map[string]any{mapsync.FieldText: "node " + targetID},
		OriginActor: actorID,
		Timestamp:   time.Now(),
		VectorClock: mapsync.VectorClock{actorID: seq},
	}
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(mapstore.NewMemoryOperationStore(), nil, nil)
	t.Cleanup(hub.Close)
	return hub
}

func TestSubmitFansOutToOtherClients(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	origin := newFakeClient("A", "map-1")
	peer := newFakeClient("B", "map-1")
	elsewhere := newFakeClient("C", "map-2")
	require.NoError(t, hub.Register(ctx, origin))
	require.NoError(t, hub.Register(ctx, peer))
	require.NoError(t, hub.Register(ctx, elsewhere))

	op := serverOp("A", "n1", 1)
	require.NoError(t, hub.Submit(ctx, origin, op))

	assert.Empty(t, origin.envelopesOf(mapsync.MessageSyncOperation),
		"origin must not receive its own operation")
	assert.Empty(t, elsewhere.envelopes(), "other maps must not see the operation")

	delivered := peer.envelopesOf(mapsync.MessageSyncOperation)
	require.Len(t, delivered, 1)
	assert.True(t, delivered[0].RequiresAck)

	var got mapsync.Operation
	require.NoError(t, json.Unmarshal(delivered[0].Data, &got))
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, "A", got.OriginActor)
}

func TestSubmitCommitsToLog(t *testing.T) {
	ctx := context.Background()
	store := mapstore.NewMemoryOperationStore()
	hub := NewHub(store, nil, nil)
	t.Cleanup(hub.Close)

	origin := newFakeClient("A", "map-1")
	require.NoError(t, hub.Register(ctx, origin))

	require.NoError(t, hub.Submit(ctx, origin, serverOp("A", "n1", 1)))
	require.NoError(t, hub.Submit(ctx, origin, serverOp("A", "n2", 2)))

	stored, err := store.OperationsAfter(ctx, "map-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(1), stored[0].ServerSeq)
	assert.Equal(t, int64(2), stored[1].ServerSeq)
	assert.Equal(t, "A", stored[0].ActorID)
	assert.Equal(t, int64(2), stored[1].ActorSeq)
}

func TestSubmitRejectsForeignMap(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	origin := newFakeClient("A", "map-1")
	require.NoError(t, hub.Register(ctx, origin))

	op := serverOp("A", "n1", 1)
	op.MapID = "map-2"
	err := hub.Submit(ctx, origin, op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match session map")
}

func TestCatchUpReplaysMissedOperations(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	origin := newFakeClient("A", "map-1")
	require.NoError(t, hub.Register(ctx, origin))
	require.NoError(t, hub.Submit(ctx, origin, serverOp("A", "n1", 1)))
	require.NoError(t, hub.Submit(ctx, origin, serverOp("A", "n2", 2)))
	require.NoError(t, hub.Submit(ctx, origin, serverOp("A", "n3", 3)))

	joiner := newFakeClient("B", "map-1")
	require.NoError(t, hub.Register(ctx, joiner))
	require.NoError(t, hub.CatchUp(ctx, joiner, mapsync.VectorClock{"A": 1}))

	replayed := joiner.envelopesOf(mapsync.MessageSyncOperation)
	require.Len(t, replayed, 2)

	var first, second mapsync.Operation
	require.NoError(t, json.Unmarshal(replayed[0].Data, &first))
	require.NoError(t, json.Unmarshal(replayed[1].Data, &second))
	assert.Equal(t, "n2", first.TargetID)
	assert.Equal(t, "n3", second.TargetID)
}

func TestCatchUpWithEmptyClockReplaysEverything(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	origin := newFakeClient("A", "map-1")
	require.NoError(t, hub.Register(ctx, origin))
	require.NoError(t, hub.Submit(ctx, origin, serverOp("A", "n1", 1)))
	require.NoError(t, hub.Submit(ctx, origin, serverOp("A", "n2", 2)))

	joiner := newFakeClient("B", "map-1")
	require.NoError(t, hub.Register(ctx, joiner))
	require.NoError(t, hub.CatchUp(ctx, joiner, nil))

	assert.Len(t, joiner.envelopesOf(mapsync.MessageSyncOperation), 2)
}

func TestSnapshotReflectsCommittedOperations(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	origin := newFakeClient("A", "map-1")
	require.NoError(t, hub.Register(ctx, origin))
	require.NoError(t, hub.Submit(ctx, origin, serverOp("A", "n1", 1)))
	require.NoError(t, hub.Submit(ctx, origin, serverOp("A", "n2", 2)))

	snapshot, err := hub.Snapshot(ctx, "map-1")
	require.NoError(t, err)
	assert.Equal(t, "map-1", snapshot.MapID)
	assert.Equal(t, int64(2), snapshot.Version)
	assert.Equal(t, mapsync.VectorClock{"A": 2}, snapshot.VectorClock)
	assert.Len(t, snapshot.Nodes, 2)
}

func TestReplaceSnapshotOverwritesMaterialization(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	origin := newFakeClient("A", "map-1")
	require.NoError(t, hub.Register(ctx, origin))
	require.NoError(t, hub.Submit(ctx, origin, serverOp("A", "n1", 1)))

	hub.ReplaceSnapshot(&mapsync.MapSnapshot{
		MapID: "map-1",
		Nodes: []*mapsync.Node{
			{ID: "restored", Text: "restored node"},
		},
		VectorClock: mapsync.VectorClock{"admin": 5},
	})

	snapshot, err := hub.Snapshot(ctx, "map-1")
	require.NoError(t, err)
	require.Len(t, snapshot.Nodes, 1)
	assert.Equal(t, "restored", snapshot.Nodes[0].ID)
	assert.Equal(t, mapsync.VectorClock{"admin": 5}, snapshot.VectorClock)
}

func TestUnregisterAnnouncesDeparture(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	leaving := newFakeClient("A", "map-1")
	staying := newFakeClient("B", "map-1")
	require.NoError(t, hub.Register(ctx, leaving))
	require.NoError(t, hub.Register(ctx, staying))
	require.Equal(t, 2, hub.ActiveClients("map-1"))

	hub.Unregister(ctx, leaving)
	assert.Equal(t, 1, hub.ActiveClients("map-1"))

	leaves := staying.envelopesOf(mapsync.MessageUserLeave)
	require.Len(t, leaves, 1)

	var presence mapsync.PresencePayload
	require.NoError(t, json.Unmarshal(leaves[0].Data, &presence))
	assert.Equal(t, "A", presence.ActorID)
}

func TestRegisterRejectsDuplicateConnection(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	client := newFakeClient("A", "map-1")
	require.NoError(t, hub.Register(ctx, client))
	require.Error(t, hub.Register(ctx, client))
}
