package mapsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConnectionState is the realtime connection lifecycle state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// Options configures a realtime session.
type Options struct {
	// ServerURL is the websocket endpoint of the relay server.
	ServerURL string

	// AuthToken is passed opaquely at connect time; issuance is external.
	AuthToken string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// HeartbeatInterval is the ping cadence while connected.
	HeartbeatInterval time.Duration

	// HeartbeatAckTimeout bounds the wait for each ping's pong.
	HeartbeatAckTimeout time.Duration

	// MaxReconnectAttempts bounds the reconnect budget before the terminal
	// reconnect_failed event.
	MaxReconnectAttempts int

	// ReconnectBaseDelay is the first backoff delay; subsequent delays
	// double up to ReconnectMaxDelay.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// QueueFlushInterval is the cadence of the periodic outbox drain while
	// connected, so operations re-queued after an ack timeout are retried
	// without waiting for the next local edit.
	QueueFlushInterval time.Duration

	// Dialer opens the duplex connection; defaults to the websocket dialer.
	Dialer Dialer

	// Snapshots is the optional full-sync collaborator.
	Snapshots SnapshotSource

	Queue    OperationQueueOptions
	Messages MessageManagerOptions

	Logger *zap.Logger
}

// DefaultOptions returns the standard session configuration.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatAckTimeout:  3 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		QueueFlushInterval:   5 * time.Second,
		Dialer:               WebsocketDialer{},
		Queue:                DefaultOperationQueueOptions(),
		Messages:             DefaultMessageManagerOptions(),
	}
}

// PerformanceMetrics aggregates the session's live counters.
type PerformanceMetrics struct {
	State             ConnectionState `json:"state"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	QueueLength       int             `json:"queueLength"`
	PendingOperations int             `json:"pendingOperations"`
	Messages          MessageStats    `json:"messages"`
}

// RealtimeCommunication orchestrates one collaborative session: connection
// lifecycle with heartbeats and capped-exponential reconnection, the
// outbound operation queue, inbound conflict resolution, and the
// consumer-facing synchronization API.
type RealtimeCommunication struct {
	mapID   string
	actorID string
	opts    Options

	mu                sync.Mutex
	state             ConnectionState
	conn              Conn
	connEpoch         int64
	heartbeatStop     chan struct{}
	reconnectTimer    *time.Timer
	reconnectAttempts int
	intentional       bool
	closed            bool

	messages *MessageManager
	queue    *OperationQueue
	resolver *ConflictResolver
	stateMgr *SyncStateManager
	doc      *MapDocument
	events   *eventRegistry

	logger *zap.Logger
}

// NewRealtimeCommunication creates a session for one document and one actor.
func NewRealtimeCommunication(mapID, actorID string, opts Options) *RealtimeCommunication {
	defaults := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if opts.HeartbeatAckTimeout <= 0 {
		opts.HeartbeatAckTimeout = defaults.HeartbeatAckTimeout
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = defaults.ReconnectMaxDelay
	}
	if opts.QueueFlushInterval <= 0 {
		opts.QueueFlushInterval = defaults.QueueFlushInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = defaults.Dialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := &RealtimeCommunication{
		mapID:    mapID,
		actorID:  actorID,
		opts:     opts,
		state:    StateDisconnected,
		resolver: NewConflictResolver(opts.Logger),
		stateMgr: NewSyncStateManager(mapID, actorID, opts.Logger),
		doc:      NewMapDocument(mapID),
		events:   newEventRegistry(),
		logger:   opts.Logger,
	}
	r.messages = NewMessageManager(NewRateLimiter(), opts.Messages, opts.Logger)
	r.queue = NewOperationQueue(r.sendOperation, r.messages.Connected, opts.Queue, opts.Logger)
	r.registerHandlers()
	return r
}

// Connect opens the duplex connection for the session's document. An
// existing connection is first torn down cleanly.
func (r *RealtimeCommunication) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.state == StateConnecting {
		r.mu.Unlock()
		return fmt.Errorf("connect already in progress")
	}
	superseded := r.state == StateConnected
	if superseded {
		r.teardownLocked()
	}
	r.state = StateConnecting
	r.connEpoch++
	epoch := r.connEpoch
	r.mu.Unlock()

	if superseded {
		// Reject the old connection's pending acks now rather than letting
		// them run out their timeouts; their operations re-queue at once.
		r.messages.Detach(ErrClosed)
	}

	r.stateMgr.Update("connecting", func(s *SyncState) {
		s.IsConnected = false
	})

	dialCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()

	conn, err := r.opts.Dialer.Dial(dialCtx, r.connectionURL())
	if err != nil {
		r.mu.Lock()
		r.state = StateDisconnected
		r.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, r.opts.ConnectTimeout, err)
		}
		r.stateMgr.AddError(err)
		return err
	}

	r.mu.Lock()
	if r.closed || epoch != r.connEpoch {
		r.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	r.conn = conn
	r.state = StateConnected
	r.reconnectAttempts = 0
	r.intentional = false
	stop := make(chan struct{})
	r.heartbeatStop = stop
	r.mu.Unlock()

	r.messages.Attach(conn)
	r.stateMgr.Update("connected", func(s *SyncState) {
		s.IsConnected = true
		s.IsOnline = true
		s.ConnectionQuality = "good"
	})

	go r.readLoop(conn, epoch)
	go r.heartbeatLoop(stop)
	go r.flushLoop(stop)

	r.announceJoin()
	r.queue.Process()
	r.events.emit(EventConnected, nil)

	r.logger.Info("Realtime session connected",
		zap.String("map_id", r.mapID),
		zap.String("actor_id", r.actorID))
	return nil
}

// Disconnect closes the connection intentionally: heartbeat and reconnect
// timers are stopped, the transport is closed, and all pending
// acknowledgments are rejected so callers are never left hanging.
func (r *RealtimeCommunication) Disconnect() {
	r.mu.Lock()
	r.intentional = true
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	wasConnected := r.state == StateConnected
	r.teardownLocked()
	r.mu.Unlock()

	r.messages.Detach(ErrClosed)
	if wasConnected {
		r.stateMgr.Update("disconnected", func(s *SyncState) {
			s.IsConnected = false
			s.IsOnline = false
		})
		r.events.emit(EventDisconnected, nil)
	}
}

// Cleanup disconnects and clears all queues, history, presence and event
// subscriptions. It is idempotent; the session is unusable afterwards.
func (r *RealtimeCommunication) Cleanup() {
	r.Disconnect()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.queue.Clear()
	r.resolver.Reset()
	r.doc.Clear()
	r.messages.Reset()
	r.stateMgr.Reset()
	r.events.clear()

	r.logger.Info("Realtime session cleaned up",
		zap.String("map_id", r.mapID),
		zap.String("actor_id", r.actorID))
}

// CreateNode originates a node-creation operation and returns its ID.
func (r *RealtimeCommunication) CreateNode(parentID, text string, x, y float64) (string, error) {
	payload := map[string]any{
		FieldText: text,
		FieldX:    x,
		FieldY:    y,
	}
	if parentID != "" {
		payload[FieldParentID] = parentID
	}
	return r.submitLocal(OpCreate, NewOperationID(), payload)
}

// UpdateNode originates a partial field update on a node.
func (r *RealtimeCommunication) UpdateNode(nodeID string, fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("update requires at least one field")
	}
	return r.submitLocal(OpUpdate, nodeID, fields)
}

// DeleteNode originates a node deletion.
func (r *RealtimeCommunication) DeleteNode(nodeID string) (string, error) {
	return r.submitLocal(OpDelete, nodeID, nil)
}

// MoveNode originates a reposition, optionally reparenting.
func (r *RealtimeCommunication) MoveNode(nodeID string, x, y float64, parentID string) (string, error) {
	payload := map[string]any{
		FieldX: x,
		FieldY: y,
	}
	if parentID != "" {
		payload[FieldParentID] = parentID
	}
	return r.submitLocal(OpMove, nodeID, payload)
}

// UpdateCursor broadcasts this actor's cursor position. Cursor updates are
// fire-and-forget: they are never queued on failure.
func (r *RealtimeCommunication) UpdateCursor(pos Position) error {
	_, err := r.messages.Send(MessageCursorUpdate,
		CursorPayload{ActorID: r.actorID, Position: pos},
		SendOptions{Priority: PriorityLow})
	return err
}

// StartEditing claims a target for this actor and broadcasts the claim.
func (r *RealtimeCommunication) StartEditing(targetID string) error {
	r.stateMgr.StartEditing(targetID, r.actorID)
	_, err := r.messages.Send(MessageEditingStart,
		EditingPayload{ActorID: r.actorID, TargetID: targetID},
		SendOptions{QueueOnFailure: true})
	return err
}

// EndEditing releases a target claim and broadcasts the release.
func (r *RealtimeCommunication) EndEditing(targetID string) error {
	r.stateMgr.EndEditing(targetID, r.actorID)
	_, err := r.messages.Send(MessageEditingEnd,
		EditingPayload{ActorID: r.actorID, TargetID: targetID},
		SendOptions{QueueOnFailure: true})
	return err
}

// UpdatePresence broadcasts this actor's status.
func (r *RealtimeCommunication) UpdatePresence(status string) error {
	r.stateMgr.UpdateUserPresence(r.actorID, status)
	_, err := r.messages.Send(MessagePresenceUpdate,
		PresencePayload{ActorID: r.actorID, MapID: r.mapID, Status: status},
		SendOptions{QueueOnFailure: true})
	return err
}

// ForceSync drains the outbound queue while online and returns how many
// operations were handed to the transport.
func (r *RealtimeCommunication) ForceSync() int {
	if !r.messages.Connected() {
		return 0
	}
	return r.queue.Process()
}

// FullSync fetches the authoritative snapshot and reconciles it through the
// regular conflict path: snapshot nodes become authoritative upserts, local
// nodes absent from the snapshot are deleted, and the snapshot clock is
// merged afterwards.
func (r *RealtimeCommunication) FullSync(ctx context.Context) error {
	if r.opts.Snapshots == nil {
		return fmt.Errorf("no snapshot source configured")
	}

	snapshot, err := r.opts.Snapshots.FetchSnapshot(ctx, r.mapID)
	if err != nil {
		r.stateMgr.AddError(err)
		return fmt.Errorf("full sync failed: %w", err)
	}

	seen := make(map[string]struct{}, len(snapshot.Nodes))
	for _, node := range snapshot.Nodes {
		seen[node.ID] = struct{}{}
		r.applyRemote(snapshotUpsert(r.mapID, node, snapshot))
	}
	for _, node := range r.doc.Nodes() {
		if _, ok := seen[node.ID]; ok {
			continue
		}
		r.applyRemote(&Operation{
			ID:          NewOperationID(),
			Type:        OpDelete,
			TargetType:  TargetNode,
			TargetID:    node.ID,
			MapID:       r.mapID,
			OriginActor: "server",
			Timestamp:   snapshot.TakenAt,
			VectorClock: snapshot.VectorClock,
		})
	}

	r.stateMgr.MergeVectorClock(snapshot.VectorClock)
	r.logger.Info("Full sync reconciled",
		zap.String("map_id", r.mapID),
		zap.Int("node_count", len(snapshot.Nodes)),
		zap.Int64("version", snapshot.Version))
	return nil
}

// ResolveConflict settles a parked manual conflict with an explicit
// strategy. The chosen resolution is applied locally and re-broadcast.
func (r *RealtimeCommunication) ResolveConflict(recordID string, strategy ResolutionStrategy, mergedPayload map[string]any) error {
	applied, err := r.resolver.ResolveManually(recordID, strategy, mergedPayload)
	if err != nil {
		return err
	}

	r.stateMgr.Update("conflict_resolved", func(s *SyncState) {
		for i, record := range s.ConflictQueue {
			if record.ID == recordID {
				s.ConflictQueue = append(s.ConflictQueue[:i], s.ConflictQueue[i+1:]...)
				break
			}
		}
	})

	if applied != nil {
		if err := r.doc.Apply(applied); err != nil {
			return fmt.Errorf("failed to apply manual resolution: %w", err)
		}
		if applied.VectorClock != nil {
			r.stateMgr.MergeVectorClock(applied.VectorClock)
		}
		r.events.emit(EventConflictResolved, applied)
		if applied.OriginActor == r.actorID {
			r.queue.Add(applied, PriorityNormal)
		}
	}
	return nil
}

// On registers an event listener and returns its unsubscribe handle.
func (r *RealtimeCommunication) On(t EventType, fn EventListener) func() {
	return r.events.on(t, fn)
}

// OnStateChange subscribes to sync-state diffs.
func (r *RealtimeCommunication) OnStateChange(fn StateSubscriber) func() {
	return r.stateMgr.Subscribe(fn)
}

// ConnectionState returns the lifecycle state.
func (r *RealtimeCommunication) ConnectionState() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// State returns a snapshot of the session's sync state.
func (r *RealtimeCommunication) State() *SyncState {
	return r.stateMgr.State()
}

// Document returns the local materialization of the map.
func (r *RealtimeCommunication) Document() *MapDocument {
	return r.doc
}

// PerformanceMetrics aggregates live counters for the consumer.
func (r *RealtimeCommunication) PerformanceMetrics() PerformanceMetrics {
	r.mu.Lock()
	state := r.state
	attempts := r.reconnectAttempts
	r.mu.Unlock()
	return PerformanceMetrics{
		State:             state,
		ReconnectAttempts: attempts,
		QueueLength:       r.queue.Len(),
		PendingOperations: len(r.queue.Pending()),
		Messages:          r.messages.Stats(),
	}
}

// ConflictStats returns per-document conflict statistics.
func (r *RealtimeCommunication) ConflictStats() ConflictStats {
	return r.resolver.Stats(r.mapID)
}

// ManualConflicts returns the conflicts awaiting manual resolution.
func (r *RealtimeCommunication) ManualConflicts() []*ConflictRecord {
	return r.resolver.ManualQueue()
}

func (r *RealtimeCommunication) registerHandlers() {
	r.messages.Handle(MessageSyncOperation, func(env *Envelope) {
		var op Operation
		if err := json.Unmarshal(env.Data, &op); err != nil {
			r.logger.Warn("Dropping malformed sync operation", zap.Error(err))
			return
		}
		r.applyRemote(&op)
	})

	r.messages.Handle(MessageUserJoin, func(env *Envelope) {
		var p PresencePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		r.stateMgr.AddUserSession(p.ActorID)
		r.events.emit(EventUserJoined, p.ActorID)
	})

	r.messages.Handle(MessageUserLeave, func(env *Envelope) {
		var p PresencePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		r.stateMgr.RemoveUserSession(p.ActorID)
		r.events.emit(EventUserLeft, p.ActorID)
	})

	r.messages.Handle(MessageCursorUpdate, func(env *Envelope) {
		var p CursorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		r.stateMgr.UpdateCursorPosition(p.ActorID, p.Position)
		r.events.emit(EventCursorMoved, p)
	})

	r.messages.Handle(MessageEditingStart, func(env *Envelope) {
		var p EditingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		r.stateMgr.StartEditing(p.TargetID, p.ActorID)
	})

	r.messages.Handle(MessageEditingEnd, func(env *Envelope) {
		var p EditingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		r.stateMgr.EndEditing(p.TargetID, p.ActorID)
	})

	r.messages.Handle(MessagePresenceUpdate, func(env *Envelope) {
		var p PresencePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		r.stateMgr.UpdateUserPresence(p.ActorID, p.Status)
		r.events.emit(EventPresenceUpdated, p)
	})

	r.messages.Handle(MessageSystemError, func(env *Envelope) {
		var p SystemErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		err := fmt.Errorf("server error %s: %s", p.Code, p.Message)
		r.stateMgr.AddError(err)
		r.events.emit(EventError, err)
	})

	r.messages.Handle(MessageRateLimit, func(env *Envelope) {
		r.logger.Warn("Server reported rate limiting",
			zap.String("map_id", r.mapID),
			zap.String("actor_id", r.actorID))
		r.stateMgr.AddError(ErrRateLimited)
	})
}

// applyRemote routes one inbound operation through conflict detection and
// resolution, applies the surviving operation to the document, and merges
// the remote clock afterwards. The merge must come after resolution so
// concurrency is classified against the pre-merge local clock.
func (r *RealtimeCommunication) applyRemote(op *Operation) {
	localClock := r.stateMgr.Clock()
	conflicting := r.resolver.DetectConflict(op.VectorClock, localClock)

	res := r.resolver.Resolve(op)

	if res.Duplicate {
		return
	}

	if res.Manual != nil {
		r.stateMgr.Update("manual_resolution_required", func(s *SyncState) {
			s.ConflictQueue = append(s.ConflictQueue, res.Manual)
		})
		r.events.emit(EventManualResolutionRequired, res.Manual)
		return
	}

	for _, corrected := range res.UpdatedLocal {
		r.events.emit(EventLocalOperationUpdated, corrected)
	}

	if res.Applied != nil {
		if err := r.doc.Apply(res.Applied); err != nil {
			r.stateMgr.AddError(err)
			return
		}
		r.events.emit(EventOperationApplied, res.Applied)
		if conflicting || res.Transformed {
			r.events.emit(EventConflictResolved, res.Applied)
		}
	}

	r.stateMgr.MergeVectorClock(op.VectorClock)
	r.mirrorHistory()
}

// submitLocal originates one local operation: it advances this actor's
// clock component, applies the operation locally, records it for future
// transforms, and enqueues it for transport.
func (r *RealtimeCommunication) submitLocal(opType OperationType, targetID string, payload map[string]any) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.mu.Unlock()

	clock := r.stateMgr.IncrementClock(r.actorID)
	op := &Operation{
		ID:          NewOperationID(),
		Type:        opType,
		TargetType:  TargetNode,
		TargetID:    targetID,
		MapID:       r.mapID,
		Payload:     payload,
		OriginActor: r.actorID,
		Timestamp:   time.Now(),
		VectorClock: clock,
	}

	if err := r.doc.Apply(op); err != nil {
		return "", fmt.Errorf("failed to apply local operation: %w", err)
	}
	r.resolver.RecordLocal(op)
	r.queue.Add(op, PriorityNormal)
	r.mirrorPending()
	return op.ID, nil
}

// sendOperation is the queue's transport hook.
func (r *RealtimeCommunication) sendOperation(op *Operation) error {
	ack, err := r.messages.Send(MessageSyncOperation, op, SendOptions{
		RequiresAck: true,
		Priority:    PriorityNormal,
	})
	if err != nil {
		return err
	}

	opID := op.ID
	go func() {
		if ackErr := <-ack.Done(); ackErr != nil {
			r.queue.Requeue(opID)
			return
		}
		r.queue.Ack(opID)
		r.mirrorPending()
	}()
	return nil
}

func (r *RealtimeCommunication) readLoop(conn Conn, epoch int64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			r.handleConnectionLoss(epoch, err)
			return
		}
		r.messages.HandleInbound(data)
	}
}

func (r *RealtimeCommunication) handleConnectionLoss(epoch int64, cause error) {
	r.mu.Lock()
	if epoch != r.connEpoch || r.state != StateConnected {
		// A newer connection already superseded this one.
		r.mu.Unlock()
		return
	}
	r.teardownLocked()
	intentional := r.intentional
	r.mu.Unlock()

	r.messages.Detach(ErrClosed)
	r.stateMgr.Update("disconnected", func(s *SyncState) {
		s.IsConnected = false
		s.IsOnline = false
	})
	r.events.emit(EventDisconnected, cause)

	r.logger.Warn("Connection lost",
		zap.String("map_id", r.mapID),
		zap.String("actor_id", r.actorID),
		zap.Bool("intentional", intentional),
		zap.Error(cause))

	if !intentional {
		r.scheduleReconnect()
	}
}

// teardownLocked stops the heartbeat, closes the transport and bumps the
// connection epoch so stale read loops cannot act on the new connection.
func (r *RealtimeCommunication) teardownLocked() {
	if r.heartbeatStop != nil {
		close(r.heartbeatStop)
		r.heartbeatStop = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.connEpoch++
	r.state = StateDisconnected
}

func (r *RealtimeCommunication) scheduleReconnect() {
	r.mu.Lock()
	if r.closed || r.intentional {
		r.mu.Unlock()
		return
	}
	if r.reconnectAttempts >= r.opts.MaxReconnectAttempts {
		r.mu.Unlock()
		r.logger.Warn("Reconnect budget exhausted",
			zap.String("map_id", r.mapID),
			zap.Int("attempts", r.opts.MaxReconnectAttempts))
		r.events.emit(EventReconnectFailed, r.opts.MaxReconnectAttempts)
		return
	}
	attempt := r.reconnectAttempts
	r.reconnectAttempts++
	delay := r.reconnectDelay(attempt)
	r.reconnectTimer = time.AfterFunc(delay, r.attemptReconnect)
	r.mu.Unlock()

	r.logger.Info("Reconnect scheduled",
		zap.String("map_id", r.mapID),
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay))
}

// attemptReconnect runs when a backoff timer fires. Disconnect stops the
// timer, but a callback already in flight can still race it, so the
// intentional and closed flags are re-checked before dialing.
func (r *RealtimeCommunication) attemptReconnect() {
	r.mu.Lock()
	skip := r.closed || r.intentional
	r.mu.Unlock()
	if skip {
		return
	}
	if err := r.Connect(context.Background()); err != nil {
		r.scheduleReconnect()
	}
}

// reconnectDelay computes the capped exponential backoff for one attempt:
// base<<attempt, bounded by the configured maximum.
func (r *RealtimeCommunication) reconnectDelay(attempt int) time.Duration {
	if attempt > 30 {
		return r.opts.ReconnectMaxDelay
	}
	delay := r.opts.ReconnectBaseDelay << uint(attempt)
	if delay > r.opts.ReconnectMaxDelay || delay <= 0 {
		delay = r.opts.ReconnectMaxDelay
	}
	return delay
}

func (r *RealtimeCommunication) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ack, err := r.messages.Ping(r.opts.HeartbeatAckTimeout)
			if err != nil {
				r.logger.Debug("Heartbeat send failed", zap.Error(err))
				continue
			}
			go func() {
				if err := <-ack.Done(); err != nil {
					r.stateMgr.Update("heartbeat_missed", func(s *SyncState) {
						s.ConnectionQuality = "poor"
					})
					return
				}
				latency := r.messages.Stats().PingLatencyMs
				r.stateMgr.Update("heartbeat", func(s *SyncState) {
					s.PingLatency = latency
					s.ConnectionQuality = "good"
				})
			}()
		}
	}
}

// flushLoop periodically drains the outbox while connected. Operations
// re-queued after an ack timeout would otherwise sit until the next local
// edit or reconnect.
func (r *RealtimeCommunication) flushLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.opts.QueueFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if r.messages.Connected() && r.queue.Len() > 0 {
				r.queue.Process()
			}
		}
	}
}

// announceJoin broadcasts initial presence including this replica's vector
// clock, so the server can replay operations missed while offline.
func (r *RealtimeCommunication) announceJoin() {
	_, err := r.messages.Send(MessageUserJoin, PresencePayload{
		ActorID:     r.actorID,
		MapID:       r.mapID,
		Status:      "online",
		VectorClock: r.stateMgr.Clock(),
	}, SendOptions{Priority: PriorityHigh})
	if err != nil {
		r.logger.Warn("Failed to announce presence", zap.Error(err))
	}
}

func (r *RealtimeCommunication) connectionURL() string {
	query := url.Values{}
	query.Set("mapId", r.mapID)
	query.Set("actorId", r.actorID)
	if r.opts.AuthToken != "" {
		query.Set("token", r.opts.AuthToken)
	}
	separator := "?"
	if containsQuery(r.opts.ServerURL) {
		separator = "&"
	}
	return r.opts.ServerURL + separator + query.Encode()
}

func containsQuery(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return parsed.RawQuery != ""
}

// mirrorPending refreshes the state's view of the outbox and message
// counters.
func (r *RealtimeCommunication) mirrorPending() {
	pending := r.queue.Pending()
	stats := r.messages.Stats()
	r.stateMgr.Update("pending_operations", func(s *SyncState) {
		s.PendingOperations = pending
		s.MessageCount = stats.MessagesSent + stats.MessagesReceived
		s.BandwidthUsage = stats.BandwidthBytes
	})
}

// mirrorHistory refreshes the state's view of applied history and counters.
func (r *RealtimeCommunication) mirrorHistory() {
	history := r.resolver.History(r.mapID)
	stats := r.messages.Stats()
	r.stateMgr.Update("operation_history", func(s *SyncState) {
		s.OperationHistory = history
		s.MessageCount = stats.MessagesSent + stats.MessagesReceived
		s.BandwidthUsage = stats.BandwidthBytes
		s.PingLatency = stats.PingLatencyMs
	})
}

// snapshotUpsert converts one authoritative snapshot node into an update
// operation flowing through the normal conflict path.
func snapshotUpsert(mapID string, node *Node, snapshot *MapSnapshot) *Operation {
	payload := map[string]any{
		FieldText: node.Text,
		FieldX:    node.X,
		FieldY:    node.Y,
	}
	if node.ParentID != "" {
		payload[FieldParentID] = node.ParentID
	}
	for k, v := range node.Fields {
		payload[k] = v
	}
	return &Operation{
		ID:          NewOperationID(),
		Type:        OpUpdate,
		TargetType:  TargetNode,
		TargetID:    node.ID,
		MapID:       mapID,
		Payload:     payload,
		OriginActor: "server",
		Timestamp:   snapshot.TakenAt,
		VectorClock: snapshot.VectorClock,
	}
}
