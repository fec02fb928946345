package mapserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmapsync/mapsync"
)

// pipeConn is an in-memory mapsync.Conn fed by tests.
type pipeConn struct {
	inbound chan []byte
	closed  chan struct{}

	mu      sync.Mutex
	written [][]byte
	once    sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) inject(t *testing.T, env *mapsync.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	c.inbound <- data
}

func (c *pipeConn) frames(t *testing.T) []*mapsync.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*mapsync.Envelope, 0, len(c.written))
	for _, data := range c.written {
		var env mapsync.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		out = append(out, &env)
	}
	return out
}

func (c *pipeConn) framesOf(t *testing.T, msgType mapsync.MessageType) []*mapsync.Envelope {
	var out []*mapsync.Envelope
	for _, env := range c.frames(t) {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func startSession(t *testing.T, hub *Hub, mapID, actorID string) (*ClientSession, *pipeConn) {
	t.Helper()
	ctx := context.Background()
	conn := newPipeConn()
	session := NewClientSession(conn, hub, mapID, actorID, nil)
	require.NoError(t, hub.Register(ctx, session))
	go session.Run(ctx)
	t.Cleanup(func() { session.Close() })
	return session, conn
}

func envelopeFor(t *testing.T, msgType mapsync.MessageType, payload any) *mapsync.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &mapsync.Envelope{
		ID:        mapsync.NewOperationID(),
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}
}

func TestSessionRelaysOperationAndAcks(t *testing.T) {
	hub := newTestHub(t)
	_, conn := startSession(t, hub, "map-1", "A")
	peer := newFakeClient("B", "map-1")
	require.NoError(t, hub.Register(context.Background(), peer))

	op := serverOp("A", "n1", 1)
	env := envelopeFor(t, mapsync.MessageSyncOperation, op)
	env.RequiresAck = true
	conn.inject(t, env)

	waitFor(t, func() bool {
		return len(peer.envelopesOf(mapsync.MessageSyncOperation)) == 1
	}, "peer never received the relayed operation")

	waitFor(t, func() bool {
		return len(conn.framesOf(t, mapsync.MessageAck)) == 1
	}, "sender never received an ack")

	var ack mapsync.AckPayload
	acks := conn.framesOf(t, mapsync.MessageAck)
	require.NoError(t, json.Unmarshal(acks[0].Data, &ack))
	assert.Equal(t, env.ID, ack.MessageID)
}

func TestSessionEchoesPingAsPong(t *testing.T) {
	hub := newTestHub(t)
	_, conn := startSession(t, hub, "map-1", "A")

	ping := envelopeFor(t, mapsync.MessagePing, mapsync.PingPayload{
		MessageID: "ping-1",
		SentAt:    time.Now(),
	})
	conn.inject(t, ping)

	waitFor(t, func() bool {
		return len(conn.framesOf(t, mapsync.MessagePong)) == 1
	}, "ping was never answered")

	pongs := conn.framesOf(t, mapsync.MessagePong)
	assert.JSONEq(t, string(ping.Data), string(pongs[0].Data))
}

func TestSessionRateLimitsCursorUpdates(t *testing.T) {
	hub := newTestHub(t)
	_, conn := startSession(t, hub, "map-1", "A")

	for i := 0; i < mapsync.CursorUpdateRateLimit+1; i++ {
		conn.inject(t, envelopeFor(t, mapsync.MessageCursorUpdate, mapsync.CursorPayload{
			ActorID:  "A",
			Position: mapsync.Position{X: float64(i)},
		}))
	}

	waitFor(t, func() bool {
		return len(conn.framesOf(t, mapsync.MessageRateLimit)) == 1
	}, "excess cursor update was not rate limited")

	var notice mapsync.SystemErrorPayload
	limited := conn.framesOf(t, mapsync.MessageRateLimit)
	require.NoError(t, json.Unmarshal(limited[0].Data, &notice))
	assert.Equal(t, "rate_limited", notice.Code)
}

func TestSessionJoinTriggersCatchUpAndBroadcast(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	seeder := newFakeClient("S", "map-1")
	require.NoError(t, hub.Register(ctx, seeder))
	require.NoError(t, hub.Submit(ctx, seeder, serverOp("S", "n1", 1)))
	require.NoError(t, hub.Submit(ctx, seeder, serverOp("S", "n2", 2)))

	_, conn := startSession(t, hub, "map-1", "A")
	conn.inject(t, envelopeFor(t, mapsync.MessageUserJoin, mapsync.PresencePayload{
		ActorID:     "A",
		MapID:       "map-1",
		VectorClock: mapsync.VectorClock{"S": 1},
	}))

	waitFor(t, func() bool {
		return len(conn.framesOf(t, mapsync.MessageSyncOperation)) == 1
	}, "joiner was not caught up")

	waitFor(t, func() bool {
		return len(seeder.envelopesOf(mapsync.MessageUserJoin)) == 1
	}, "join was not broadcast to the rest of the map")
}

func TestSessionSurvivesMalformedFrame(t *testing.T) {
	hub := newTestHub(t)
	_, conn := startSession(t, hub, "map-1", "A")

	conn.inbound <- []byte("not json at all")
	conn.inject(t, envelopeFor(t, mapsync.MessagePing, mapsync.PingPayload{MessageID: "p"}))

	waitFor(t, func() bool {
		return len(conn.framesOf(t, mapsync.MessagePong)) == 1
	}, "session did not survive a malformed frame")
}

func TestSessionCloseAnnouncesLeave(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)

	session, _ := startSession(t, hub, "map-1", "A")
	peer := newFakeClient("B", "map-1")
	require.NoError(t, hub.Register(ctx, peer))

	session.Close()

	waitFor(t, func() bool {
		return len(peer.envelopesOf(mapsync.MessageUserLeave)) == 1
	}, "departure was never announced")
	waitFor(t, func() bool {
		return hub.ActiveClients("map-1") == 1
	}, "session was never unregistered")
}
