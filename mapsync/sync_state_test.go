package mapsync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindmapsync/mapsync/testutil"
)

func newTestStateManager(t *testing.T) *SyncStateManager {
	t.Helper()
	return NewSyncStateManager("map-1", "actor-a", testutil.NewLogger())
}

func TestStateManagerInitialState(t *testing.T) {
	m := newTestStateManager(t)

	s := m.State()
	assert.Equal(t, "map-1", s.MapID)
	assert.Equal(t, "actor-a", s.ActorID)
	assert.False(t, s.IsConnected)
	assert.Empty(t, s.VectorClock)
	assert.NotNil(t, s.ActiveUsers)
}

func TestStateSnapshotsAreIsolated(t *testing.T) {
	m := newTestStateManager(t)
	m.AddUserSession("actor-b")

	snapshot := m.State()
	snapshot.ActiveUsers["intruder"] = &UserPresence{UserID: "intruder"}
	snapshot.VectorClock["intruder"] = 99

	fresh := m.State()
	assert.NotContains(t, fresh.ActiveUsers, "intruder")
	assert.NotContains(t, fresh.VectorClock, "intruder")
}

func TestSubscribersSeeBeforeAndAfter(t *testing.T) {
	m := newTestStateManager(t)

	var changes []StateChange
	unsubscribe := m.Subscribe(func(change StateChange) {
		changes = append(changes, change)
	})

	m.Update("connected", func(s *SyncState) {
		s.IsConnected = true
	})

	require.Len(t, changes, 1)
	assert.Equal(t, "connected", changes[0].Event)
	assert.False(t, changes[0].OldState.IsConnected)
	assert.True(t, changes[0].NewState.IsConnected)

	unsubscribe()
	m.Update("disconnected", func(s *SyncState) { s.IsConnected = false })
	assert.Len(t, changes, 1, "unsubscribed listeners see nothing")
}

func TestIncrementClockAdvancesOwnComponent(t *testing.T) {
	m := newTestStateManager(t)

	first := m.IncrementClock("actor-a")
	second := m.IncrementClock("actor-a")

	assert.Equal(t, int64(1), first["actor-a"])
	assert.Equal(t, int64(2), second["actor-a"])
	assert.Equal(t, second, m.Clock())
}

func TestMergeVectorClock(t *testing.T) {
	m := newTestStateManager(t)
	m.IncrementClock("actor-a")

	m.MergeVectorClock(VectorClock{"actor-b": 3})
	assert.Equal(t, VectorClock{"actor-a": 1, "actor-b": 3}, m.Clock())

	// Merging an older view never regresses.
	m.MergeVectorClock(VectorClock{"actor-b": 1})
	assert.Equal(t, VectorClock{"actor-a": 1, "actor-b": 3}, m.Clock())
}

func TestUserSessionLifecycle(t *testing.T) {
	m := newTestStateManager(t)

	m.AddUserSession("actor-b")
	m.UpdateCursorPosition("actor-b", Position{X: 5, Y: 7})
	m.StartEditing("node-1", "actor-b")
	m.StartEditing("node-1", "actor-c")

	s := m.State()
	assert.Contains(t, s.ActiveUsers, "actor-b")
	assert.Equal(t, Position{X: 5, Y: 7}, s.CursorPositions["actor-b"])
	assert.True(t, s.EditingUsers["node-1"]["actor-b"])
	assert.True(t, s.EditingUsers["node-1"]["actor-c"])

	// Departure clears presence, cursor and editing claims in one step.
	m.RemoveUserSession("actor-b")
	s = m.State()
	assert.NotContains(t, s.ActiveUsers, "actor-b")
	assert.NotContains(t, s.CursorPositions, "actor-b")
	assert.False(t, s.EditingUsers["node-1"]["actor-b"])
	assert.True(t, s.EditingUsers["node-1"]["actor-c"], "other editors unaffected")
}

func TestEndEditingDropsEmptyTargetEntry(t *testing.T) {
	m := newTestStateManager(t)

	m.StartEditing("node-1", "actor-b")
	m.EndEditing("node-1", "actor-b")

	s := m.State()
	assert.NotContains(t, s.EditingUsers, "node-1")
}

func TestUpdateUserPresenceCreatesUnknownUser(t *testing.T) {
	m := newTestStateManager(t)

	m.UpdateUserPresence("actor-b", "away")
	s := m.State()
	require.Contains(t, s.ActiveUsers, "actor-b")
	assert.Equal(t, "away", s.ActiveUsers["actor-b"].Status)
}

func TestErrorListIsBounded(t *testing.T) {
	m := newTestStateManager(t)

	for i := 0; i < maxRecordedErrors+5; i++ {
		m.AddError(fmt.Errorf("failure %d", i))
	}

	s := m.State()
	require.Len(t, s.Errors, maxRecordedErrors)
	// Oldest errors were dropped.
	assert.Equal(t, fmt.Sprintf("failure %d", 5), s.Errors[0].Message)

	m.AddError(nil)
	assert.Len(t, m.State().Errors, maxRecordedErrors, "nil errors are ignored")
}

func TestStateReset(t *testing.T) {
	m := newTestStateManager(t)

	m.IncrementClock("actor-a")
	m.AddUserSession("actor-b")
	m.AddError(errors.New("boom"))

	notified := false
	m.Subscribe(func(change StateChange) { notified = true })

	m.Reset()
	s := m.State()
	assert.Empty(t, s.VectorClock)
	assert.Empty(t, s.ActiveUsers)
	assert.Empty(t, s.Errors)
	assert.Equal(t, "map-1", s.MapID)
	assert.True(t, notified, "reset notifies subscribers")
}
