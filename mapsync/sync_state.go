package mapsync

import (
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"
)

// Position is a 2D cursor or node position.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UserPresence is the ephemeral status of one participating user.
type UserPresence struct {
	UserID   string    `json:"userId"`
	Status   string    `json:"status"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// SyncError is one recorded failure, kept in a bounded list.
type SyncError struct {
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// maxRecordedErrors bounds the error list in SyncState.
const maxRecordedErrors = 20

// SyncState is the single source of truth for one session's connection and
// synchronization state, tied to one document and one actor. All mutation
// funnels through SyncStateManager.Update.
type SyncState struct {
	MapID   string `json:"mapId"`
	ActorID string `json:"actorId"`

	IsOnline          bool   `json:"isOnline"`
	IsConnected       bool   `json:"isConnected"`
	ConnectionQuality string `json:"connectionQuality"`

	VectorClock       VectorClock      `json:"vectorClock"`
	PendingOperations []*Operation     `json:"pendingOperations"`
	OperationHistory  []*Operation     `json:"operationHistory"`
	ConflictQueue     []*ConflictRecord `json:"conflictQueue"`

	ActiveUsers     map[string]*UserPresence       `json:"activeUsers"`
	EditingUsers    map[string]map[string]bool     `json:"editingUsers"`
	CursorPositions map[string]Position            `json:"cursorPositions"`

	MessageCount   int64   `json:"messageCount"`
	BandwidthUsage int64   `json:"bandwidthUsage"`
	PingLatency    float64 `json:"pingLatency"`

	Errors    []SyncError `json:"errors"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// StateChange is the diff event delivered to subscribers: the triggering
// event name plus immutable snapshots of the state before and after.
type StateChange struct {
	Event    string
	OldState *SyncState
	NewState *SyncState
}

// StateSubscriber observes state changes. Subscribers are called
// synchronously from the update entry point and must not call back into the
// manager from the callback.
type StateSubscriber func(change StateChange)

// SyncStateManager owns SyncState. Every mutation goes through Update, which
// applies the mutation and synchronously notifies subscribers with
// before/after snapshots. Update is the serialization point that keeps
// observed state consistent across concurrently firing timers and handlers.
type SyncStateManager struct {
	mu      sync.Mutex
	state   *SyncState
	subs    map[int]StateSubscriber
	nextSub int
	logger  *zap.Logger
}

// NewSyncStateManager creates the state for one session.
func NewSyncStateManager(mapID, actorID string, logger *zap.Logger) *SyncStateManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncStateManager{
		state:  newSyncState(mapID, actorID),
		subs:   make(map[int]StateSubscriber),
		logger: logger,
	}
}

func newSyncState(mapID, actorID string) *SyncState {
	return &SyncState{
		MapID:             mapID,
		ActorID:           actorID,
		ConnectionQuality: "unknown",
		VectorClock:       NewVectorClock(),
		ActiveUsers:       make(map[string]*UserPresence),
		EditingUsers:      make(map[string]map[string]bool),
		CursorPositions:   make(map[string]Position),
		UpdatedAt:         time.Now(),
	}
}

// Update applies one mutation to the state and synchronously notifies all
// subscribers with {event, oldState, newState} snapshots.
func (m *SyncStateManager) Update(event string, mutate func(s *SyncState)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldState := m.snapshotLocked()
	mutate(m.state)
	m.state.UpdatedAt = time.Now()
	newState := m.snapshotLocked()

	for _, sub := range m.subs {
		sub(StateChange{Event: event, OldState: oldState, NewState: newState})
	}
}

// State returns an immutable snapshot of the current state.
func (m *SyncStateManager) State() *SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Clock returns a copy of the replica's merged vector clock.
func (m *SyncStateManager) Clock() VectorClock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.VectorClock.Clone()
}

// Subscribe registers a subscriber and returns its unsubscribe handle.
func (m *SyncStateManager) Subscribe(fn StateSubscriber) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// IncrementClock advances this actor's own clock component and returns the
// new clock.
func (m *SyncStateManager) IncrementClock(actorID string) VectorClock {
	var next VectorClock
	m.Update("vector_clock_incremented", func(s *SyncState) {
		s.VectorClock = s.VectorClock.Increment(actorID)
		next = s.VectorClock.Clone()
	})
	return next
}

// MergeVectorClock folds a remote clock into the replica's merged view.
func (m *SyncStateManager) MergeVectorClock(other VectorClock) {
	m.Update("vector_clock_merged", func(s *SyncState) {
		s.VectorClock = s.VectorClock.Merge(other)
	})
}

// AddUserSession records a user joining the session.
func (m *SyncStateManager) AddUserSession(userID string) {
	m.Update("user_joined", func(s *SyncState) {
		now := time.Now()
		s.ActiveUsers[userID] = &UserPresence{
			UserID:   userID,
			Status:   "online",
			JoinedAt: now,
			LastSeen: now,
		}
	})
}

// RemoveUserSession clears every trace of a departed user: presence,
// cursor, and editing claims.
func (m *SyncStateManager) RemoveUserSession(userID string) {
	m.Update("user_left", func(s *SyncState) {
		delete(s.ActiveUsers, userID)
		delete(s.CursorPositions, userID)
		for targetID, editors := range s.EditingUsers {
			delete(editors, userID)
			if len(editors) == 0 {
				delete(s.EditingUsers, targetID)
			}
		}
	})
}

// UpdateCursorPosition records a user's cursor position.
func (m *SyncStateManager) UpdateCursorPosition(userID string, pos Position) {
	m.Update("cursor_moved", func(s *SyncState) {
		s.CursorPositions[userID] = pos
		if presence, ok := s.ActiveUsers[userID]; ok {
			presence.LastSeen = time.Now()
		}
	})
}

// StartEditing records that a user began editing a target.
func (m *SyncStateManager) StartEditing(targetID, userID string) {
	m.Update("editing_started", func(s *SyncState) {
		editors, ok := s.EditingUsers[targetID]
		if !ok {
			editors = make(map[string]bool)
			s.EditingUsers[targetID] = editors
		}
		editors[userID] = true
	})
}

// EndEditing clears a user's editing claim on a target.
func (m *SyncStateManager) EndEditing(targetID, userID string) {
	m.Update("editing_ended", func(s *SyncState) {
		if editors, ok := s.EditingUsers[targetID]; ok {
			delete(editors, userID)
			if len(editors) == 0 {
				delete(s.EditingUsers, targetID)
			}
		}
	})
}

// UpdateUserPresence updates a user's advertised status.
func (m *SyncStateManager) UpdateUserPresence(userID, status string) {
	m.Update("presence_updated", func(s *SyncState) {
		presence, ok := s.ActiveUsers[userID]
		if !ok {
			presence = &UserPresence{UserID: userID, JoinedAt: time.Now()}
			s.ActiveUsers[userID] = presence
		}
		presence.Status = status
		presence.LastSeen = time.Now()
	})
}

// AddError appends to the bounded error list and timestamps the failure.
func (m *SyncStateManager) AddError(err error) {
	if err == nil {
		return
	}
	m.Update("error", func(s *SyncState) {
		s.Errors = append(s.Errors, SyncError{
			Message:    err.Error(),
			OccurredAt: time.Now(),
		})
		if len(s.Errors) > maxRecordedErrors {
			s.Errors = s.Errors[len(s.Errors)-maxRecordedErrors:]
		}
	})
}

// Reset reinitializes the state for the same session, keeping subscribers.
func (m *SyncStateManager) Reset() {
	m.Update("reset", func(s *SyncState) {
		*s = *newSyncState(s.MapID, s.ActorID)
	})
}

func (m *SyncStateManager) snapshotLocked() *SyncState {
	snapshot := &SyncState{}
	if err := copier.CopyWithOption(snapshot, m.state, copier.Option{DeepCopy: true}); err != nil {
		// Deep copy of a plain struct only fails on programming errors;
		// fall back to a shallow copy rather than returning nil.
		m.logger.Error("Failed to snapshot sync state", zap.Error(err))
		shallow := *m.state
		return &shallow
	}
	return snapshot
}
