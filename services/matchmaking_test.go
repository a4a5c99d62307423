package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJobs records submitted commit jobs in memory.
type fakeJobs struct {
	mu   sync.Mutex
	jobs []*models.CommitJob
}

func (f *fakeJobs) Submit(job *models.CommitJob) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return job.ID, nil
}

func (f *fakeJobs) byType(jobType string) []*models.CommitJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.CommitJob
	for _, j := range f.jobs {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		CastingTimeout: 30 * time.Second,
		EffectsTimeout: 15 * time.Second,
		MaxMissedTurns: 3,
		StartingHP:     100,
	}
}

func newTestMatchmaking(store RoomStore) (*MatchmakingService, *fakeJobs) {
	jobs := &fakeJobs{}
	engine := NewTurnEngine(store, NewEd25519Verifier(), NewReconciler(), jobs, nil, testEngineConfig())
	return NewMatchmakingService(store, engine, jobs, "test-instance"), jobs
}

func waitingEntry(playerID string, level int) models.WaitingEntry {
	return models.WaitingEntry{
		PlayerID:   playerID,
		SkillLevel: level,
		PublicKey:  "ab",
		SetupHash:  "hash-" + playerID,
	}
}

func TestEnqueueFirstPlayerWaits(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mm, _ := newTestMatchmaking(store)
	require.NoError(t, store.TouchHeartbeat(ctx, "alice", time.Minute))

	require.NoError(t, mm.Enqueue(ctx, waitingEntry("alice", 3)))

	assert.Contains(t, store.eventsFor("alice"), "waiting")
	counts, err := store.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[3])
}

func TestEnqueuePairsTwoPlayers(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mm, jobs := newTestMatchmaking(store)
	require.NoError(t, store.TouchHeartbeat(ctx, "alice", time.Minute))
	require.NoError(t, store.TouchHeartbeat(ctx, "bob", time.Minute))

	require.NoError(t, mm.Enqueue(ctx, waitingEntry("alice", 3)))
	require.NoError(t, mm.Enqueue(ctx, waitingEntry("bob", 3)))

	room, err := store.GetRoom(ctx, "3-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", room.Players[0].PlayerID, "earlier enqueue takes seat 0")
	assert.Equal(t, "bob", room.Players[1].PlayerID)
	assert.NotEmpty(t, room.GameID)

	st, err := store.GetState(ctx, "3-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseSpellCasting, st.Phase)
	assert.Equal(t, 0, st.TurnID)
	assert.Equal(t, 100, st.Players["alice"].HP)

	assert.Contains(t, store.eventsFor("alice"), "matchFound")
	assert.Contains(t, store.eventsFor("bob"), "matchFound")

	created := jobs.byType(models.CommitJobCreateGame)
	require.Len(t, created, 1)
	assert.Equal(t, room.GameID, created[0].GameID)

	// Queue drained
	counts, err := store.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts[3])
}

func TestEnqueueDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mm, _ := newTestMatchmaking(store)
	require.NoError(t, store.TouchHeartbeat(ctx, "alice", time.Minute))

	require.NoError(t, mm.Enqueue(ctx, waitingEntry("alice", 3)))
	err := mm.Enqueue(ctx, waitingEntry("alice", 3))

	assert.ErrorIs(t, err, ErrAlreadyQueued)

	// The original entry keeps its place and stays matchable.
	counts, err := store.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[3])
	require.NoError(t, store.TouchHeartbeat(ctx, "bob", time.Minute))
	require.NoError(t, mm.Enqueue(ctx, waitingEntry("bob", 3)))
	room, err := store.GetRoom(ctx, "3-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", room.Players[0].PlayerID)
}

func TestEnqueueSkipsDeadEntry(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mm, _ := newTestMatchmaking(store)
	// alice queued but her heartbeat has lapsed
	require.NoError(t, mm.Enqueue(ctx, waitingEntry("alice", 3)))
	require.NoError(t, store.TouchHeartbeat(ctx, "bob", time.Minute))

	require.NoError(t, mm.Enqueue(ctx, waitingEntry("bob", 3)))

	_, err := store.GetRoom(ctx, "3-1")
	assert.ErrorIs(t, err, ErrRoomNotFound, "dead entry must not be matched")
	assert.Contains(t, store.eventsFor("bob"), "waiting")
}

func TestEnqueueLevelsDoNotMix(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mm, _ := newTestMatchmaking(store)
	require.NoError(t, store.TouchHeartbeat(ctx, "alice", time.Minute))
	require.NoError(t, store.TouchHeartbeat(ctx, "bob", time.Minute))

	require.NoError(t, mm.Enqueue(ctx, waitingEntry("alice", 2)))
	require.NoError(t, mm.Enqueue(ctx, waitingEntry("bob", 3)))

	n, err := store.RoomCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestEnqueueRejectsPlayerAlreadyInMatch(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mm, _ := newTestMatchmaking(store)
	require.NoError(t, store.TouchHeartbeat(ctx, "alice", time.Minute))
	require.NoError(t, store.TouchHeartbeat(ctx, "bob", time.Minute))
	require.NoError(t, mm.Enqueue(ctx, waitingEntry("alice", 3)))
	require.NoError(t, mm.Enqueue(ctx, waitingEntry("bob", 3)))

	err := mm.Enqueue(ctx, waitingEntry("alice", 3))

	assert.ErrorIs(t, err, ErrAlreadyInMatch)
}

func TestEnqueueRejectsBadSkillLevel(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mm, _ := newTestMatchmaking(store)

	assert.ErrorIs(t, mm.Enqueue(ctx, waitingEntry("alice", 0)), ErrBadSkillLevel)
	assert.ErrorIs(t, mm.Enqueue(ctx, waitingEntry("alice", 999)), ErrBadSkillLevel)
}

func TestDequeue(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mm, _ := newTestMatchmaking(store)
	require.NoError(t, store.TouchHeartbeat(ctx, "alice", time.Minute))
	require.NoError(t, mm.Enqueue(ctx, waitingEntry("alice", 3)))

	removed, err := mm.Dequeue(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = mm.Dequeue(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, removed, "second dequeue is a no-op")
}

func TestRoomIDsAreSequentialPerLevel(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mm, _ := newTestMatchmaking(store)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.TouchHeartbeat(ctx, id, time.Minute))
	}

	require.NoError(t, mm.Enqueue(ctx, waitingEntry("a", 5)))
	require.NoError(t, mm.Enqueue(ctx, waitingEntry("b", 5)))
	require.NoError(t, mm.Enqueue(ctx, waitingEntry("c", 5)))
	require.NoError(t, mm.Enqueue(ctx, waitingEntry("d", 5)))

	_, err := store.GetRoom(ctx, "5-1")
	assert.NoError(t, err)
	_, err = store.GetRoom(ctx, "5-2")
	assert.NoError(t, err)
}
