// services/matchmaking.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/models"
	"github.com/ZkNoid/wizard-battle-sub004/utils"
	"github.com/google/uuid"
)

var (
	ErrAlreadyQueued  = errors.New("player already in the matchmaking queue")
	ErrAlreadyInMatch = errors.New("player already in an active match")
	ErrBadSkillLevel  = errors.New("skill level out of range")
)

// MatchmakingService pairs players of the same skill level into rooms. The
// queue lives in the shared store, so a player enqueued on one instance can be
// matched by any other; the store's atomic pop hands each waiting entry to
// exactly one pairing.
type MatchmakingService struct {
	store      RoomStore
	engine     *TurnEngine
	jobs       JobSubmitter
	instanceID string
	maxLevel   int
}

func NewMatchmakingService(store RoomStore, engine *TurnEngine, jobs JobSubmitter, instanceID string) *MatchmakingService {
	return &MatchmakingService{
		store:      store,
		engine:     engine,
		jobs:       jobs,
		instanceID: instanceID,
		maxLevel:   utils.EnvInt("MAX_SKILL_LEVEL", 10),
	}
}

// Enqueue either pairs the player with someone already waiting at the same
// level or parks them in the queue. Stale queue entries left by crashed
// connections are skipped, not matched.
func (m *MatchmakingService) Enqueue(ctx context.Context, entry models.WaitingEntry) error {
	if entry.PlayerID == "" {
		return errors.New("missing player id")
	}
	if entry.SkillLevel < 1 || entry.SkillLevel > m.maxLevel {
		return fmt.Errorf("%w: %d", ErrBadSkillLevel, entry.SkillLevel)
	}
	if roomID, err := m.store.RoomForPlayer(ctx, entry.PlayerID); err != nil {
		return err
	} else if roomID != "" {
		return ErrAlreadyInMatch
	}
	if queued, err := m.store.IsQueued(ctx, entry.PlayerID); err != nil {
		return err
	} else if queued {
		return ErrAlreadyQueued
	}
	entry.EnqueuedAt = time.Now().UTC()
	entry.InstanceID = m.instanceID

	for {
		opp, err := m.store.PopWaiting(ctx, entry.SkillLevel)
		if err != nil {
			return err
		}
		if opp == nil {
			added, err := m.store.EnqueueWaiting(ctx, entry)
			if err != nil {
				return err
			}
			if !added {
				return ErrAlreadyQueued
			}
			log.Printf("[MATCHMAKING] %s waiting at level %d", entry.PlayerID, entry.SkillLevel)
			return m.store.PublishToPlayer(ctx, entry.PlayerID, NewEvent("waiting", "", map[string]interface{}{
				"message":    "waiting for an opponent",
				"skillLevel": entry.SkillLevel,
			}))
		}
		if opp.PlayerID == entry.PlayerID {
			alive, err := m.store.Alive(ctx, entry.PlayerID)
			if err != nil {
				return err
			}
			if !alive {
				// Leftover entry from a crashed session of the same player.
				continue
			}
			if _, err := m.store.EnqueueWaiting(ctx, *opp); err != nil {
				return err
			}
			return ErrAlreadyQueued
		}
		alive, err := m.store.Alive(ctx, opp.PlayerID)
		if err != nil {
			return err
		}
		if !alive {
			log.Printf("[MATCHMAKING] skipping dead queue entry %s (level %d)", opp.PlayerID, opp.SkillLevel)
			continue
		}
		return m.pair(ctx, *opp, entry)
	}
}

// Dequeue removes a waiting player from the queue. Removing a player who is
// not queued is a no-op.
func (m *MatchmakingService) Dequeue(ctx context.Context, playerID string) (bool, error) {
	e, err := m.store.RemoveWaiting(ctx, playerID)
	if err != nil {
		return false, err
	}
	if e == nil {
		return false, nil
	}
	log.Printf("[MATCHMAKING] %s left the level %d queue", playerID, e.SkillLevel)
	return true, nil
}

// pair creates the room, writes the turn-zero state atomically alongside it,
// enqueues the CREATE_GAME chain commit and notifies both players. first is
// the earlier-enqueued player and takes seat 0.
func (m *MatchmakingService) pair(ctx context.Context, first, second models.WaitingEntry) error {
	seq, err := m.store.NextRoomSeq(ctx, first.SkillLevel)
	if err != nil {
		return err
	}
	roomID := fmt.Sprintf("%d-%d", first.SkillLevel, seq)
	room := models.Room{
		RoomID:     roomID,
		GameID:     uuid.NewString(),
		SkillLevel: first.SkillLevel,
		Players: [2]models.RoomPlayer{
			{PlayerID: first.PlayerID, PublicKey: first.PublicKey, Setup: first.Setup, SetupHash: first.SetupHash, InstanceID: first.InstanceID},
			{PlayerID: second.PlayerID, PublicKey: second.PublicKey, Setup: second.Setup, SetupHash: second.SetupHash, InstanceID: second.InstanceID},
		},
		CreatedAt: time.Now().UTC(),
	}
	st := m.engine.InitialState(room)
	if err := m.store.CreateRoom(ctx, room, st); err != nil {
		return err
	}
	log.Printf("[MATCHMAKING] ✅ paired %s vs %s in room %s (game %s)", first.PlayerID, second.PlayerID, roomID, room.GameID)

	m.enqueueCreate(room)

	for _, p := range room.Players {
		opp := room.Opponent(p.PlayerID)
		payload := map[string]interface{}{
			"roomId":        roomID,
			"gameId":        room.GameID,
			"skillLevel":    room.SkillLevel,
			"opponentId":    opp.PlayerID,
			"opponentSetup": opp.Setup,
			"phase":         st.Phase,
			"turnId":        st.TurnID,
			"deadline":      st.Deadline,
		}
		if err := m.store.PublishToPlayer(ctx, p.PlayerID, NewEvent("matchFound", roomID, payload)); err != nil {
			log.Printf("[MATCHMAKING] notify %s: %v", p.PlayerID, err)
		}
	}
	return nil
}

// enqueueCreate records the CREATE_GAME commit job. A relay outage here never
// blocks the match; the commit queue retries on its own schedule.
func (m *MatchmakingService) enqueueCreate(room models.Room) {
	payload := models.CreateGamePayload{
		GameID:    room.GameID,
		RoomID:    room.RoomID,
		SetupHash: utils.HashStrings(room.Players[0].SetupHash, room.Players[1].SetupHash),
		Players: []models.ChainPlayer{
			{ID: room.Players[0].PlayerID, PublicKey: room.Players[0].PublicKey},
			{ID: room.Players[1].PlayerID, PublicKey: room.Players[1].PublicKey},
		},
		CreatedAt: room.CreatedAt,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[MATCHMAKING] marshal CREATE_GAME payload for %s: %v", room.GameID, err)
		return
	}
	job := &models.CommitJob{
		ID:      uuid.NewString(),
		Type:    models.CommitJobCreateGame,
		GameID:  room.GameID,
		RoomID:  room.RoomID,
		Payload: string(data),
	}
	if _, err := m.jobs.Submit(job); err != nil {
		log.Printf("[MATCHMAKING] ❌ enqueue CREATE_GAME for %s: %v", room.GameID, err)
	}
}
