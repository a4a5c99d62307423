package services

import (
	"context"
	"testing"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRoom(t *testing.T, store *memStore, roomID, p1, p2 string) {
	t.Helper()
	room := models.Room{
		RoomID:     roomID,
		GameID:     "game-" + roomID,
		SkillLevel: 1,
		Players: [2]models.RoomPlayer{
			{PlayerID: p1},
			{PlayerID: p2},
		},
		CreatedAt: time.Now().UTC(),
	}
	engine := NewTurnEngine(store, NewEd25519Verifier(), NewReconciler(), &fakeJobs{}, nil, testEngineConfig())
	require.NoError(t, store.CreateRoom(context.Background(), room, engine.InitialState(room)))
}

func backdateState(store *memStore, roomID string, age time.Duration) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.states[roomID].UpdatedAt = time.Now().UTC().Add(-age)
}

func TestSweepEvictsStuckRoom(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	j := NewJanitorService(store, nil)
	seedRoom(t, store, "1-1", "alice", "bob")
	backdateState(store, "1-1", time.Hour)

	j.Sweep(ctx)

	_, err := store.GetRoom(ctx, "1-1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	n, err := store.GetCounter(ctx, "evictions_total")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSweepKeepsRoomWithLivePlayer(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	j := NewJanitorService(store, nil)
	seedRoom(t, store, "1-1", "alice", "bob")
	backdateState(store, "1-1", time.Hour)
	require.NoError(t, store.TouchHeartbeat(ctx, "bob", time.Minute))

	j.Sweep(ctx)

	_, err := store.GetRoom(ctx, "1-1")
	assert.NoError(t, err, "one live heartbeat keeps the room")
}

func TestSweepKeepsRecentlyActiveRoom(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	j := NewJanitorService(store, nil)
	seedRoom(t, store, "1-1", "alice", "bob")
	// Both heartbeats lapsed, but the state is fresh: give them the grace window.

	j.Sweep(ctx)

	_, err := store.GetRoom(ctx, "1-1")
	assert.NoError(t, err)
}

func TestClearForceEvicts(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	j := NewJanitorService(store, nil)
	seedRoom(t, store, "1-1", "alice", "bob")
	seedRoom(t, store, "1-2", "carol", "dave")
	require.NoError(t, store.TouchHeartbeat(ctx, "alice", time.Minute))

	cleared := j.Clear(ctx, []string{"1-1", "no-such-room"})

	assert.Equal(t, []string{"1-1"}, cleared)
	_, err := store.GetRoom(ctx, "1-1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = store.GetRoom(ctx, "1-2")
	assert.NoError(t, err, "unlisted rooms are untouched")
}
