// services/store.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/models"
	"github.com/redis/go-redis/v9"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrVersionConflict = errors.New("game state version conflict")
	// ErrNoChange aborts an UpdateState mutation without writing anything.
	ErrNoChange = errors.New("no state change")
)

// Event is one realtime message delivered to a player's socket, regardless of
// which instance holds the socket.
type Event struct {
	Event  string          `json:"event"`
	RoomID string          `json:"roomId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into an Event. A payload that fails to marshal is
// sent with empty data rather than dropped.
func NewEvent(name, roomID string, payload interface{}) Event {
	ev := Event{Event: name, RoomID: roomID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Data = data
		} else {
			log.Printf("[STORE] failed to marshal %s event payload: %v", name, err)
		}
	}
	return ev
}

// RoomStore is the process-external source of truth for rooms, game states,
// matchmaking queues and liveness. No in-process copy is authoritative.
type RoomStore interface {
	// Matchmaking queues. Pairing is serialized through the store: PopWaiting
	// hands a given entry to exactly one caller.
	EnqueueWaiting(ctx context.Context, e models.WaitingEntry) (bool, error)
	IsQueued(ctx context.Context, playerID string) (bool, error)
	PopWaiting(ctx context.Context, level int) (*models.WaitingEntry, error)
	RemoveWaiting(ctx context.Context, playerID string) (*models.WaitingEntry, error)
	QueueCounts(ctx context.Context) (map[int]int64, error)
	NextRoomSeq(ctx context.Context, level int) (int64, error)

	// Rooms. CreateRoom persists the room and its initial game state in one
	// atomic write; DeleteRoom removes both.
	CreateRoom(ctx context.Context, room models.Room, st models.GameState) error
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	ListRooms(ctx context.Context) ([]models.Room, error)
	RoomCount(ctx context.Context) (int64, error)
	RoomForPlayer(ctx context.Context, playerID string) (string, error)
	DeleteRoom(ctx context.Context, roomID string) error

	// Game state. UpdateState is a compare-and-swap read-modify-write keyed
	// by roomID; mutate may run more than once and must be idempotent over
	// its input.
	GetState(ctx context.Context, roomID string) (*models.GameState, error)
	ListStates(ctx context.Context) ([]models.GameState, error)
	UpdateState(ctx context.Context, roomID string, mutate func(*models.GameState) error) (*models.GameState, error)

	// Connection liveness, written by the hub and read by the janitor.
	TouchHeartbeat(ctx context.Context, playerID string, ttl time.Duration) error
	Alive(ctx context.Context, playerID string) (bool, error)

	// Operational counters for /health/stats.
	IncrCounter(ctx context.Context, name string) error
	GetCounter(ctx context.Context, name string) (int64, error)

	// Cross-instance event fanout. Every event is addressed to a player; the
	// instance holding that player's socket relays it.
	PublishToPlayer(ctx context.Context, playerID string, ev Event) error
	SubscribePlayer(ctx context.Context, playerID string) (<-chan Event, func(), error)
}

const (
	keyMatches    = "matches"
	keyGameStates = "game_states"
	keyWaiting    = "matchmaking:waiting" // playerID -> WaitingEntry JSON
	keyQueuedSet  = "matchmaking:queued"  // duplicate-enqueue guard
	keyLevelsSet  = "matchmaking:levels"
	keyPlayerRoom = "player_rooms" // playerID -> roomID
)

func queueKey(level int) string            { return fmt.Sprintf("matchmaking:queue:%d", level) }
func seqKey(level int) string              { return fmt.Sprintf("matchmaking:seq:%d", level) }
func versionKey(roomID string) string      { return "game_states:ver:" + roomID }
func heartbeatKey(playerID string) string  { return "heartbeat:" + playerID }
func counterKey(name string) string        { return "stats:" + name }
func playerChannel(playerID string) string { return "player_events:" + playerID }

// redisRoomStore implements RoomStore on a Redis-compatible server.
type redisRoomStore struct {
	rdb *redis.Client
}

func NewRedisRoomStore(rdb *redis.Client) RoomStore {
	return &redisRoomStore{rdb: rdb}
}

const casRetries = 5

func (s *redisRoomStore) EnqueueWaiting(ctx context.Context, e models.WaitingEntry) (bool, error) {
	added, err := s.rdb.SAdd(ctx, keyQueuedSet, e.PlayerID).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue guard: %w", err)
	}
	if added == 0 {
		return false, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		s.rdb.SRem(ctx, keyQueuedSet, e.PlayerID)
		return false, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, keyWaiting, e.PlayerID, data)
		p.RPush(ctx, queueKey(e.SkillLevel), e.PlayerID)
		p.SAdd(ctx, keyLevelsSet, e.SkillLevel)
		return nil
	})
	if err != nil {
		s.rdb.SRem(ctx, keyQueuedSet, e.PlayerID)
		return false, fmt.Errorf("enqueue: %w", err)
	}
	return true, nil
}

func (s *redisRoomStore) IsQueued(ctx context.Context, playerID string) (bool, error) {
	queued, err := s.rdb.SIsMember(ctx, keyQueuedSet, playerID).Result()
	if err != nil {
		return false, fmt.Errorf("queued check: %w", err)
	}
	return queued, nil
}

func (s *redisRoomStore) PopWaiting(ctx context.Context, level int) (*models.WaitingEntry, error) {
	playerID, err := s.rdb.LPop(ctx, queueKey(level)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop waiting: %w", err)
	}
	raw, err := s.rdb.HGet(ctx, keyWaiting, playerID).Result()
	s.rdb.HDel(ctx, keyWaiting, playerID)
	s.rdb.SRem(ctx, keyQueuedSet, playerID)
	if err == redis.Nil {
		// Entry removed between LPop and HGet (explicit leave); treat as empty.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop waiting entry: %w", err)
	}
	var e models.WaitingEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode waiting entry: %w", err)
	}
	return &e, nil
}

func (s *redisRoomStore) RemoveWaiting(ctx context.Context, playerID string) (*models.WaitingEntry, error) {
	raw, err := s.rdb.HGet(ctx, keyWaiting, playerID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remove waiting: %w", err)
	}
	var e models.WaitingEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode waiting entry: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, queueKey(e.SkillLevel), 1, playerID)
		p.HDel(ctx, keyWaiting, playerID)
		p.SRem(ctx, keyQueuedSet, playerID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("remove waiting: %w", err)
	}
	return &e, nil
}

func (s *redisRoomStore) QueueCounts(ctx context.Context) (map[int]int64, error) {
	levels, err := s.rdb.SMembers(ctx, keyLevelsSet).Result()
	if err != nil {
		return nil, err
	}
	counts := make(map[int]int64, len(levels))
	for _, l := range levels {
		var level int
		if _, err := fmt.Sscanf(l, "%d", &level); err != nil {
			continue
		}
		n, err := s.rdb.LLen(ctx, queueKey(level)).Result()
		if err != nil {
			return nil, err
		}
		counts[level] = n
	}
	return counts, nil
}

func (s *redisRoomStore) NextRoomSeq(ctx context.Context, level int) (int64, error) {
	return s.rdb.Incr(ctx, seqKey(level)).Result()
}

func (s *redisRoomStore) CreateRoom(ctx context.Context, room models.Room, st models.GameState) error {
	roomData, err := json.Marshal(room)
	if err != nil {
		return err
	}
	stateData, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, keyMatches, room.RoomID, roomData)
		p.HSet(ctx, keyGameStates, room.RoomID, stateData)
		p.Set(ctx, versionKey(room.RoomID), st.Version, 0)
		p.HSet(ctx, keyPlayerRoom, room.Players[0].PlayerID, room.RoomID)
		p.HSet(ctx, keyPlayerRoom, room.Players[1].PlayerID, room.RoomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create room %s: %w", room.RoomID, err)
	}
	return nil
}

func (s *redisRoomStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	raw, err := s.rdb.HGet(ctx, keyMatches, roomID).Result()
	if err == redis.Nil {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", roomID, err)
	}
	var room models.Room
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	return &room, nil
}

func (s *redisRoomStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	raw, err := s.rdb.HGetAll(ctx, keyMatches).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	rooms := make([]models.Room, 0, len(raw))
	for id, data := range raw {
		var room models.Room
		if err := json.Unmarshal([]byte(data), &room); err != nil {
			log.Printf("[STORE] skipping undecodable room %s: %v", id, err)
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (s *redisRoomStore) RoomCount(ctx context.Context) (int64, error) {
	return s.rdb.HLen(ctx, keyMatches).Result()
}

func (s *redisRoomStore) RoomForPlayer(ctx context.Context, playerID string) (string, error) {
	roomID, err := s.rdb.HGet(ctx, keyPlayerRoom, playerID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return roomID, nil
}

func (s *redisRoomStore) DeleteRoom(ctx context.Context, roomID string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, keyMatches, roomID)
		p.HDel(ctx, keyGameStates, roomID)
		p.Del(ctx, versionKey(roomID))
		p.HDel(ctx, keyPlayerRoom, room.Players[0].PlayerID, room.Players[1].PlayerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	return nil
}

func (s *redisRoomStore) GetState(ctx context.Context, roomID string) (*models.GameState, error) {
	raw, err := s.rdb.HGet(ctx, keyGameStates, roomID).Result()
	if err == redis.Nil {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", roomID, err)
	}
	var st models.GameState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", roomID, err)
	}
	return &st, nil
}

func (s *redisRoomStore) ListStates(ctx context.Context) ([]models.GameState, error) {
	raw, err := s.rdb.HGetAll(ctx, keyGameStates).Result()
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	states := make([]models.GameState, 0, len(raw))
	for id, data := range raw {
		var st models.GameState
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			log.Printf("[STORE] skipping undecodable state %s: %v", id, err)
			continue
		}
		states = append(states, st)
	}
	return states, nil
}

// UpdateState watches the per-room version key so two instances mutating the
// same room serialize: the loser of the race retries against the fresh
// snapshot. Mutations of different rooms never conflict.
func (s *redisRoomStore) UpdateState(ctx context.Context, roomID string, mutate func(*models.GameState) error) (*models.GameState, error) {
	var result *models.GameState
	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGet(ctx, keyGameStates, roomID).Result()
			if err == redis.Nil {
				return ErrRoomNotFound
			}
			if err != nil {
				return err
			}
			var st models.GameState
			if err := json.Unmarshal([]byte(raw), &st); err != nil {
				return fmt.Errorf("decode state %s: %w", roomID, err)
			}
			if err := mutate(&st); err != nil {
				return err
			}
			st.Version++
			st.UpdatedAt = time.Now().UTC()
			data, err := json.Marshal(&st)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.HSet(ctx, keyGameStates, roomID, data)
				p.Set(ctx, versionKey(roomID), st.Version, 0)
				return nil
			})
			if err == nil {
				result = &st
			}
			return err
		}, versionKey(roomID))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, ErrVersionConflict
}

func (s *redisRoomStore) TouchHeartbeat(ctx context.Context, playerID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, heartbeatKey(playerID), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func (s *redisRoomStore) Alive(ctx context.Context, playerID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, heartbeatKey(playerID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisRoomStore) IncrCounter(ctx context.Context, name string) error {
	return s.rdb.Incr(ctx, counterKey(name)).Err()
}

func (s *redisRoomStore) GetCounter(ctx context.Context, name string) (int64, error) {
	n, err := s.rdb.Get(ctx, counterKey(name)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (s *redisRoomStore) PublishToPlayer(ctx context.Context, playerID string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, playerChannel(playerID), data).Err()
}

func (s *redisRoomStore) SubscribePlayer(ctx context.Context, playerID string) (<-chan Event, func(), error) {
	sub := s.rdb.Subscribe(ctx, playerChannel(playerID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", playerID, err)
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("[STORE] dropping undecodable event for %s: %v", playerID, err)
				continue
			}
			select {
			case out <- ev:
			default:
				// Slow consumer; drop rather than stall the relay.
			}
		}
	}()
	unsub := func() { _ = sub.Close() }
	return out, unsub, nil
}
