package mapserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmapsync/mapstore"
	"mindmapsync/mapsync"
)

// deadlineStore honors context cancellation the way the network-backed
// stores do. The in-memory store never inspects its context, which would
// hide a commit running on a dead one.
type deadlineStore struct {
	*mapstore.MemoryOperationStore
}

func (s *deadlineStore) Append(ctx context.Context, op *mapstore.StoredOperation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryOperationStore.Append(ctx, op)
}

func TestWebsocketSessionOutlivesUpgradeRequest(t *testing.T) {
	store := &deadlineStore{MemoryOperationStore: mapstore.NewMemoryOperationStore()}
	hub := NewHub(store, nil, nil)
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(NewServer(hub, nil).Router())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?mapId=map-1&actorId=A"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	resp.Body.Close()

	waitFor(t, func() bool { return hub.ActiveClients("map-1") == 1 }, "session should register")
	// Give the upgrade handler time to return; its request context is
	// canceled at that point and must not reach the session's commits.
	time.Sleep(50 * time.Millisecond)

	env := envelopeFor(t, mapsync.MessageSyncOperation, serverOp("A", "n1", 1))
	env.RequiresAck = true
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply mapsync.Envelope
	require.NoError(t, json.Unmarshal(frame, &reply))
	require.NotEqual(t, mapsync.MessageSystemError, reply.Type, "commit failed: %s", reply.Data)
	assert.Equal(t, mapsync.MessageAck, reply.Type)

	seq, err := store.LatestSeq(context.Background(), "map-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}
