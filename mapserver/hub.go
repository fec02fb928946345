package mapserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mindmapsync/mapstore"
	"mindmapsync/mapsync"
)

// Client is one connected session the hub can address.
type Client interface {
	// ID uniquely identifies the connection.
	ID() string

	// ActorID identifies the collaborating actor behind the connection.
	ActorID() string

	// MapID is the document the connection is joined to.
	MapID() string

	// Send frames and writes one envelope to the connection.
	Send(env *mapsync.Envelope) error

	// Close tears the connection down.
	Close() error
}

// fanoutMessage is the cross-node relay payload. NodeID lets each hub skip
// operations it published itself.
type fanoutMessage struct {
	NodeID    string             `json:"nodeId"`
	Operation *mapsync.Operation `json:"operation"`
}

// Hub is the relay core: it registers client sessions per map, commits
// submitted operations to the durable log, maintains the authoritative
// materialization of each map, and fans operations out to the map's other
// clients, locally and across nodes.
type Hub struct {
	nodeID string

	// ctx spans the hub's lifetime. Session read pumps and fanout
	// subscriptions run against it, never against a per-request context
	// that net/http cancels when the upgrade handler returns.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	clients map[string]map[string]Client
	docs    map[string]*mapsync.MapDocument
	clocks  map[string]mapsync.VectorClock
	fanouts map[string]func()

	store    mapstore.OperationStore
	presence *PresenceRegistry
	logger   *zap.Logger
}

// NewHub creates a hub over the given operation log. The presence registry
// is optional; without it the hub serves a single node.
func NewHub(store mapstore.OperationStore, presence *PresenceRegistry, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		nodeID:   uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[string]map[string]Client),
		docs:     make(map[string]*mapsync.MapDocument),
		clocks:   make(map[string]mapsync.VectorClock),
		fanouts:  make(map[string]func()),
		store:    store,
		presence: presence,
		logger:   logger,
	}
}

// Context is the hub's lifecycle context; it is canceled by Close.
func (h *Hub) Context() context.Context {
	return h.ctx
}

// Register adds a client to its map's roster and starts the cross-node
// fanout for that map on first use.
func (h *Hub) Register(ctx context.Context, client Client) error {
	h.mu.Lock()
	roster, ok := h.clients[client.MapID()]
	if !ok {
		roster = make(map[string]Client)
		h.clients[client.MapID()] = roster
	}
	if _, dup := roster[client.ID()]; dup {
		h.mu.Unlock()
		return fmt.Errorf("client already registered: %s", client.ID())
	}
	roster[client.ID()] = client
	needFanout := h.presence != nil && h.fanouts[client.MapID()] == nil
	h.mu.Unlock()

	if needFanout {
		// The subscription outlives the registering request.
		if err := h.startFanout(h.ctx, client.MapID()); err != nil {
			h.logger.Warn("Cross-node fanout unavailable",
				zap.String("map_id", client.MapID()),
				zap.Error(err))
		}
	}
	if h.presence != nil {
		if err := h.presence.Join(ctx, client.MapID(), client.ActorID()); err != nil {
			h.logger.Warn("Failed to record presence",
				zap.String("actor_id", client.ActorID()),
				zap.Error(err))
		}
	}

	h.logger.Info("Client registered",
		zap.String("client_id", client.ID()),
		zap.String("actor_id", client.ActorID()),
		zap.String("map_id", client.MapID()))
	return nil
}

// Unregister removes a client and broadcasts its departure to the rest of
// the map.
func (h *Hub) Unregister(ctx context.Context, client Client) {
	h.mu.Lock()
	roster := h.clients[client.MapID()]
	if roster != nil {
		delete(roster, client.ID())
		if len(roster) == 0 {
			delete(h.clients, client.MapID())
		}
	}
	h.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.Leave(ctx, client.MapID(), client.ActorID()); err != nil {
			h.logger.Warn("Failed to clear presence",
				zap.String("actor_id", client.ActorID()),
				zap.Error(err))
		}
	}

	payload, err := json.Marshal(mapsync.PresencePayload{ActorID: client.ActorID(), MapID: client.MapID()})
	if err == nil {
		h.Broadcast(client.MapID(), client.ID(), &mapsync.Envelope{
			ID:        uuid.NewString(),
			Type:      mapsync.MessageUserLeave,
			Data:      payload,
			Timestamp: time.Now(),
		})
	}

	h.logger.Info("Client unregistered",
		zap.String("client_id", client.ID()),
		zap.String("map_id", client.MapID()))
}

// Submit commits one client-originated operation: durable append, apply to
// the authoritative materialization, then fanout to the map's other clients
// and to peer nodes.
func (h *Hub) Submit(ctx context.Context, origin Client, op *mapsync.Operation) error {
	if op.MapID == "" {
		op.MapID = origin.MapID()
	}
	if op.MapID != origin.MapID() {
		return fmt.Errorf("operation map %s does not match session map %s", op.MapID, origin.MapID())
	}

	stored := &mapstore.StoredOperation{
		ID:        op.ID,
		MapID:     op.MapID,
		ActorID:   op.OriginActor,
		ActorSeq:  op.VectorClock[op.OriginActor],
		Timestamp: op.Timestamp,
		Operation: op,
	}
	if err := h.store.Append(ctx, stored); err != nil {
		return fmt.Errorf("failed to commit operation: %w", err)
	}

	h.applyToMaterialization(op)
	h.broadcastOperation(op.MapID, origin.ID(), op)

	if h.presence != nil {
		if err := h.publishToPeers(ctx, op); err != nil {
			h.logger.Warn("Failed to relay operation to peer nodes",
				zap.String("operation_id", op.ID),
				zap.Error(err))
		}
	}
	return nil
}

// CatchUp streams every operation the presented clock has not seen to one
// client, oldest first.
func (h *Hub) CatchUp(ctx context.Context, client Client, clock mapsync.VectorClock) error {
	missing, err := h.store.MissingOperations(ctx, client.MapID(), clock)
	if err != nil {
		return fmt.Errorf("failed to load missed operations: %w", err)
	}

	for _, stored := range missing {
		env, err := operationEnvelope(stored.Operation)
		if err != nil {
			return err
		}
		if err := client.Send(env); err != nil {
			return fmt.Errorf("failed to send catch-up operation: %w", err)
		}
	}

	h.logger.Info("Client caught up",
		zap.String("client_id", client.ID()),
		zap.String("map_id", client.MapID()),
		zap.Int("operation_count", len(missing)))
	return nil
}

// Broadcast sends an envelope to every client on a map except the origin
// connection. Failed sends are logged and skipped; the read pump notices
// dead connections on its own.
func (h *Hub) Broadcast(mapID, originClientID string, env *mapsync.Envelope) {
	h.mu.RLock()
	targets := make([]Client, 0, len(h.clients[mapID]))
	for id, client := range h.clients[mapID] {
		if id == originClientID {
			continue
		}
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.Send(env); err != nil {
			h.logger.Warn("Failed to deliver broadcast",
				zap.String("client_id", client.ID()),
				zap.String("type", string(env.Type)),
				zap.Error(err))
		}
	}
}

// Snapshot returns the authoritative materialization of one map.
func (h *Hub) Snapshot(ctx context.Context, mapID string) (*mapsync.MapSnapshot, error) {
	latest, err := h.store.LatestSeq(ctx, mapID)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest sequence: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	doc := h.docs[mapID]
	clock := h.clocks[mapID]

	snapshot := &mapsync.MapSnapshot{
		MapID:       mapID,
		VectorClock: clock.Clone(),
		Version:     latest,
		TakenAt:     time.Now(),
	}
	if doc != nil {
		snapshot.Nodes = doc.Nodes()
	}
	return snapshot, nil
}

// ReplaceSnapshot overwrites the authoritative materialization, used by the
// snapshot PUT endpoint when an admin restores a map.
func (h *Hub) ReplaceSnapshot(snapshot *mapsync.MapSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	doc := h.docs[snapshot.MapID]
	if doc == nil {
		doc = mapsync.NewMapDocument(snapshot.MapID)
		h.docs[snapshot.MapID] = doc
	}
	doc.Replace(snapshot.Nodes)
	h.clocks[snapshot.MapID] = snapshot.VectorClock.Clone()
}

// OperationsAfter exposes the durable log for the history endpoint.
func (h *Hub) OperationsAfter(ctx context.Context, mapID string, afterSeq int64) ([]*mapstore.StoredOperation, error) {
	return h.store.OperationsAfter(ctx, mapID, afterSeq)
}

// ActiveClients returns the number of live connections on one map.
func (h *Hub) ActiveClients(mapID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[mapID])
}

// Close stops all cross-node fanouts and disconnects every client.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	fanouts := h.fanouts
	h.fanouts = make(map[string]func())
	clients := h.clients
	h.clients = make(map[string]map[string]Client)
	h.mu.Unlock()

	for _, stop := range fanouts {
		stop()
	}
	for _, roster := range clients {
		for _, client := range roster {
			client.Close()
		}
	}
}

func (h *Hub) applyToMaterialization(op *mapsync.Operation) {
	h.mu.Lock()
	doc := h.docs[op.MapID]
	if doc == nil {
		doc = mapsync.NewMapDocument(op.MapID)
		h.docs[op.MapID] = doc
	}
	clock := h.clocks[op.MapID]
	if clock == nil {
		clock = mapsync.NewVectorClock()
	}
	h.clocks[op.MapID] = clock.Merge(op.VectorClock)
	h.mu.Unlock()

	if err := doc.Apply(op); err != nil {
		h.logger.Warn("Failed to apply operation to materialization",
			zap.String("operation_id", op.ID),
			zap.String("map_id", op.MapID),
			zap.Error(err))
	}
}

func (h *Hub) broadcastOperation(mapID, originClientID string, op *mapsync.Operation) {
	env, err := operationEnvelope(op)
	if err != nil {
		h.logger.Warn("Failed to frame operation", zap.Error(err))
		return
	}
	h.Broadcast(mapID, originClientID, env)
}

func (h *Hub) publishToPeers(ctx context.Context, op *mapsync.Operation) error {
	data, err := json.Marshal(fanoutMessage{NodeID: h.nodeID, Operation: op})
	if err != nil {
		return fmt.Errorf("failed to encode fanout message: %w", err)
	}
	return h.presence.PublishOperation(ctx, op.MapID, data)
}

// startFanout subscribes to the map's cross-node channel and relays peer
// operations to local clients.
func (h *Hub) startFanout(ctx context.Context, mapID string) error {
	stop, err := h.presence.SubscribeOperations(ctx, mapID, func(data []byte) {
		var msg fanoutMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("Dropping malformed fanout message", zap.Error(err))
			return
		}
		if msg.NodeID == h.nodeID || msg.Operation == nil {
			return
		}
		// The originating node already committed the operation; this node
		// only materializes and relays it.
		h.applyToMaterialization(msg.Operation)
		h.broadcastOperation(mapID, "", msg.Operation)
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.fanouts[mapID] = stop
	h.mu.Unlock()
	return nil
}

func operationEnvelope(op *mapsync.Operation) (*mapsync.Envelope, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation: %w", err)
	}
	return &mapsync.Envelope{
		ID:          uuid.NewString(),
		Type:        mapsync.MessageSyncOperation,
		Data:        data,
		Timestamp:   time.Now(),
		RequiresAck: true,
	}, nil
}
