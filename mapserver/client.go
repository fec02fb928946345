package mapserver

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mindmapsync/mapsync"
)

// ClientSession is one server-side websocket session. Its read pump parses
// inbound envelopes and dispatches them; writes from the hub go through
// Send, which stamps a per-connection sequence number.
type ClientSession struct {
	id      string
	actorID string
	mapID   string

	conn    mapsync.Conn
	hub     *Hub
	limiter *mapsync.RateLimiter
	logger  *zap.Logger

	seq       int64
	closeOnce sync.Once
}

// NewClientSession wraps one accepted connection. Each session carries its
// own rate limiter so one noisy client cannot starve the others.
func NewClientSession(conn mapsync.Conn, hub *Hub, mapID, actorID string, logger *zap.Logger) *ClientSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &ClientSession{
		id:      id,
		actorID: actorID,
		mapID:   mapID,
		conn:    conn,
		hub:     hub,
		limiter: mapsync.NewRateLimiter(),
		logger: logger.With(
			zap.String("client_id", id),
			zap.String("actor_id", actorID),
			zap.String("map_id", mapID)),
	}
}

func (s *ClientSession) ID() string      { return s.id }
func (s *ClientSession) ActorID() string { return s.actorID }
func (s *ClientSession) MapID() string   { return s.mapID }

// Send writes one envelope to the connection with the session's next
// sequence number.
func (s *ClientSession) Send(env *mapsync.Envelope) error {
	out := *env
	out.Sequence = atomic.AddInt64(&s.seq, 1)
	data, err := json.Marshal(&out)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(data)
}

// Close tears the underlying connection down. Safe to call more than once.
func (s *ClientSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Run drives the read pump until the connection drops, then unregisters the
// session and announces the departure. It blocks; callers run it on its own
// goroutine.
func (s *ClientSession) Run(ctx context.Context) {
	defer func() {
		s.Close()
		s.hub.Unregister(ctx, s)
	}()

	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("Connection closed", zap.Error(err))
			return
		}

		var env mapsync.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("Dropping malformed envelope", zap.Error(err))
			continue
		}
		s.dispatch(ctx, &env)
	}
}

func (s *ClientSession) dispatch(ctx context.Context, env *mapsync.Envelope) {
	payload := env.Data
	if env.Compressed {
		decoded, err := mapsync.DecompressPayload(payload)
		if err != nil {
			s.logger.Warn("Dropping undecodable compressed envelope",
				zap.String("message_id", env.ID),
				zap.Error(err))
			return
		}
		payload = decoded
	}

	if env.Priority != mapsync.PriorityHigh && !s.limiter.Allow(env.Type) {
		s.sendRateLimit(env)
		return
	}

	switch env.Type {
	case mapsync.MessageSyncOperation:
		s.handleOperation(ctx, env, payload)
	case mapsync.MessagePing:
		s.sendEnvelope(mapsync.MessagePong, env.Data, env.Compressed)
	case mapsync.MessageUserJoin:
		s.handleJoin(ctx, env, payload)
	case mapsync.MessageUserLeave,
		mapsync.MessageCursorUpdate,
		mapsync.MessageEditingStart,
		mapsync.MessageEditingEnd,
		mapsync.MessagePresenceUpdate:
		s.hub.Broadcast(s.mapID, s.id, env)
	case mapsync.MessageAck, mapsync.MessagePong:
		// Server-originated envelopes do not request acks.
	default:
		s.logger.Debug("Ignoring unknown message type", zap.String("type", string(env.Type)))
	}
}

func (s *ClientSession) handleOperation(ctx context.Context, env *mapsync.Envelope, payload []byte) {
	var op mapsync.Operation
	if err := json.Unmarshal(payload, &op); err != nil {
		s.sendError("invalid_operation", "operation payload could not be decoded")
		return
	}
	if op.OriginActor == "" {
		op.OriginActor = s.actorID
	}

	if err := s.hub.Submit(ctx, s, &op); err != nil {
		s.logger.Warn("Failed to commit operation",
			zap.String("operation_id", op.ID),
			zap.Error(err))
		s.sendError("commit_failed", err.Error())
		return
	}
	if env.RequiresAck {
		s.sendAck(env.ID)
	}
}

// handleJoin replays operations the joining actor has not seen, then lets
// the rest of the map know it arrived.
func (s *ClientSession) handleJoin(ctx context.Context, env *mapsync.Envelope, payload []byte) {
	var presence mapsync.PresencePayload
	if err := json.Unmarshal(payload, &presence); err != nil {
		s.sendError("invalid_presence", "presence payload could not be decoded")
		return
	}

	if err := s.hub.CatchUp(ctx, s, presence.VectorClock); err != nil {
		s.logger.Warn("Catch-up failed", zap.Error(err))
		s.sendError("catch_up_failed", err.Error())
	}
	s.hub.Broadcast(s.mapID, s.id, env)
	if env.RequiresAck {
		s.sendAck(env.ID)
	}
}

func (s *ClientSession) sendAck(messageID string) {
	data, err := json.Marshal(mapsync.AckPayload{MessageID: messageID})
	if err != nil {
		return
	}
	s.sendEnvelope(mapsync.MessageAck, data, false)
}

func (s *ClientSession) sendRateLimit(env *mapsync.Envelope) {
	data, err := json.Marshal(mapsync.SystemErrorPayload{
		Code:    "rate_limited",
		Message: "message rate limit exceeded for type " + string(env.Type),
	})
	if err != nil {
		return
	}
	s.sendEnvelope(mapsync.MessageRateLimit, data, false)
	s.logger.Debug("Rate limited inbound message",
		zap.String("type", string(env.Type)),
		zap.String("message_id", env.ID))
}

func (s *ClientSession) sendError(code, message string) {
	data, err := json.Marshal(mapsync.SystemErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	s.sendEnvelope(mapsync.MessageSystemError, data, false)
}

func (s *ClientSession) sendEnvelope(t mapsync.MessageType, data []byte, compressed bool) {
	env := &mapsync.Envelope{
		ID:         uuid.NewString(),
		Type:       t,
		Data:       data,
		Timestamp:  time.Now(),
		Compressed: compressed,
	}
	if err := s.Send(env); err != nil {
		s.logger.Debug("Failed to write envelope",
			zap.String("type", string(t)),
			zap.Error(err))
	}
}
