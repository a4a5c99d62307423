// services/janitor.go
package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/models"
	"github.com/ZkNoid/wizard-battle-sub004/utils"
	"gorm.io/gorm"
)

// JanitorService evicts rooms that can no longer make progress: both players
// gone past their heartbeat TTL and the state untouched for the grace window.
// It cleans live room-store state only and never touches commit job rows, so
// a pending chain commit for an evicted room still settles.
type JanitorService struct {
	store RoomStore
	db    *gorm.DB // eviction archive; nil disables it
	grace time.Duration
}

func NewJanitorService(store RoomStore, db *gorm.DB) *JanitorService {
	return &JanitorService{
		store: store,
		db:    db,
		grace: utils.EnvDuration("JANITOR_GRACE", 5*time.Minute),
	}
}

// Sweep runs one eviction pass and returns the evicted room ids. Safe to run
// concurrently on every instance: room deletion is idempotent and an
// already-deleted room is skipped.
func (j *JanitorService) Sweep(ctx context.Context) []string {
	states, err := j.store.ListStates(ctx)
	if err != nil {
		log.Printf("[JANITOR] listing states: %v", err)
		return nil
	}
	cutoff := time.Now().UTC().Add(-j.grace)
	var evicted []string
	for _, st := range states {
		if !st.UpdatedAt.Before(cutoff) {
			continue
		}
		if !st.Terminal {
			stuck, err := j.bothGone(ctx, st)
			if err != nil {
				log.Printf("[JANITOR] liveness check for room %s: %v", st.RoomID, err)
				continue
			}
			if !stuck {
				continue
			}
		}
		if j.evict(ctx, st) {
			evicted = append(evicted, st.RoomID)
		}
	}
	if len(evicted) > 0 {
		log.Printf("[JANITOR] evicted %d stuck rooms", len(evicted))
	}
	return evicted
}

// Clear force-evicts the named rooms regardless of liveness and returns the
// ids actually removed. Used by the admin clearStuckRooms operation.
func (j *JanitorService) Clear(ctx context.Context, roomIDs []string) []string {
	cleared := make([]string, 0, len(roomIDs))
	for _, id := range roomIDs {
		st, err := j.store.GetState(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrRoomNotFound) {
				log.Printf("[JANITOR] loading room %s for clear: %v", id, err)
			}
			continue
		}
		if j.evict(ctx, *st) {
			cleared = append(cleared, id)
		}
	}
	log.Printf("[JANITOR] admin cleared %d/%d rooms", len(cleared), len(roomIDs))
	return cleared
}

func (j *JanitorService) bothGone(ctx context.Context, st models.GameState) (bool, error) {
	for _, id := range st.Order {
		alive, err := j.store.Alive(ctx, id)
		if err != nil {
			return false, err
		}
		if alive {
			return false, nil
		}
	}
	return true, nil
}

func (j *JanitorService) evict(ctx context.Context, st models.GameState) bool {
	if err := j.store.DeleteRoom(ctx, st.RoomID); err != nil {
		if !errors.Is(err, ErrRoomNotFound) {
			log.Printf("[JANITOR] deleting room %s: %v", st.RoomID, err)
		}
		return false
	}
	if !st.Terminal {
		j.archiveEviction(ctx, st)
		if err := j.store.IncrCounter(ctx, "evictions_total"); err != nil {
			log.Printf("[JANITOR] eviction counter: %v", err)
		}
	}
	log.Printf("[JANITOR] 🧹 evicted room %s (turn %d, phase %s, idle since %s)",
		st.RoomID, st.TurnID, st.Phase, st.UpdatedAt.Format(time.RFC3339))
	return true
}

func (j *JanitorService) archiveEviction(ctx context.Context, st models.GameState) {
	if j.db == nil {
		return
	}
	rec := models.MatchRecord{
		GameID:      st.GameID,
		RoomID:      st.RoomID,
		Player1ID:   st.Order[0],
		Player2ID:   st.Order[1],
		Result:      "evicted",
		Turns:       st.TurnID,
		Desyncs:     st.Desyncs,
		DurationSec: int(st.UpdatedAt.Sub(st.CreatedAt).Seconds()),
	}
	if err := j.db.WithContext(ctx).Create(&rec).Error; err != nil {
		log.Printf("[JANITOR] DB error archiving eviction %s: %v", st.GameID, err)
	}
}
