package services

import (
	"context"
	"sync"
	"time"

	"github.com/ZkNoid/wizard-battle-sub004/models"
)

// memStore is an in-memory RoomStore used across the service tests. It keeps
// the same semantics as the Redis implementation: atomic queue pops, version
// bumps on every state write and per-player event buckets.
type memStore struct {
	mu         sync.Mutex
	waiting    map[string]models.WaitingEntry
	queues     map[int][]string
	rooms      map[string]models.Room
	states     map[string]*models.GameState
	playerRoom map[string]string
	seqs       map[int]int64
	heartbeats map[string]time.Time
	counters   map[string]int64
	published  map[string][]Event
}

func newMemStore() *memStore {
	return &memStore{
		waiting:    make(map[string]models.WaitingEntry),
		queues:     make(map[int][]string),
		rooms:      make(map[string]models.Room),
		states:     make(map[string]*models.GameState),
		playerRoom: make(map[string]string),
		seqs:       make(map[int]int64),
		heartbeats: make(map[string]time.Time),
		counters:   make(map[string]int64),
		published:  make(map[string][]Event),
	}
}

func (s *memStore) EnqueueWaiting(ctx context.Context, e models.WaitingEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waiting[e.PlayerID]; ok {
		return false, nil
	}
	s.waiting[e.PlayerID] = e
	s.queues[e.SkillLevel] = append(s.queues[e.SkillLevel], e.PlayerID)
	return true, nil
}

func (s *memStore) IsQueued(ctx context.Context, playerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.waiting[playerID]
	return ok, nil
}

func (s *memStore) PopWaiting(ctx context.Context, level int) (*models.WaitingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[level]
	for len(q) > 0 {
		id := q[0]
		q = q[1:]
		s.queues[level] = q
		if e, ok := s.waiting[id]; ok {
			delete(s.waiting, id)
			return &e, nil
		}
	}
	return nil, nil
}

func (s *memStore) RemoveWaiting(ctx context.Context, playerID string) (*models.WaitingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.waiting[playerID]
	if !ok {
		return nil, nil
	}
	delete(s.waiting, playerID)
	q := s.queues[e.SkillLevel]
	for i, id := range q {
		if id == playerID {
			s.queues[e.SkillLevel] = append(q[:i], q[i+1:]...)
			break
		}
	}
	return &e, nil
}

func (s *memStore) QueueCounts(ctx context.Context) (map[int]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[int]int64)
	for level, q := range s.queues {
		counts[level] = int64(len(q))
	}
	return counts, nil
}

func (s *memStore) NextRoomSeq(ctx context.Context, level int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[level]++
	return s.seqs[level], nil
}

func (s *memStore) CreateRoom(ctx context.Context, room models.Room, st models.GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.RoomID] = room
	stCopy := st
	s.states[room.RoomID] = &stCopy
	s.playerRoom[room.Players[0].PlayerID] = room.RoomID
	s.playerRoom[room.Players[1].PlayerID] = room.RoomID
	return nil
}

func (s *memStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return &room, nil
}

func (s *memStore) ListRooms(ctx context.Context) ([]models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]models.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	return rooms, nil
}

func (s *memStore) RoomCount(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rooms)), nil
}

func (s *memStore) RoomForPlayer(ctx context.Context, playerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerRoom[playerID], nil
}

func (s *memStore) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	delete(s.rooms, roomID)
	delete(s.states, roomID)
	delete(s.playerRoom, room.Players[0].PlayerID)
	delete(s.playerRoom, room.Players[1].PlayerID)
	return nil
}

func (s *memStore) GetState(ctx context.Context, roomID string) (*models.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	stCopy := *st
	return &stCopy, nil
}

func (s *memStore) ListStates(ctx context.Context) ([]models.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make([]models.GameState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, *st)
	}
	return states, nil
}

func (s *memStore) UpdateState(ctx context.Context, roomID string, mutate func(*models.GameState) error) (*models.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if err := mutate(st); err != nil {
		return nil, err
	}
	st.Version++
	st.UpdatedAt = time.Now().UTC()
	stCopy := *st
	return &stCopy, nil
}

func (s *memStore) TouchHeartbeat(ctx context.Context, playerID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[playerID] = time.Now().Add(ttl)
	return nil
}

func (s *memStore) Alive(ctx context.Context, playerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.heartbeats[playerID]
	return ok && exp.After(time.Now()), nil
}

func (s *memStore) IncrCounter(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
	return nil
}

func (s *memStore) GetCounter(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name], nil
}

func (s *memStore) PublishToPlayer(ctx context.Context, playerID string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published[playerID] = append(s.published[playerID], ev)
	return nil
}

func (s *memStore) SubscribePlayer(ctx context.Context, playerID string) (<-chan Event, func(), error) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}, nil
}

// eventsFor returns the event names published to a player, in order.
func (s *memStore) eventsFor(playerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.published[playerID]))
	for _, ev := range s.published[playerID] {
		names = append(names, ev.Event)
	}
	return names
}

// lastEvent returns the most recent event of the given name for a player.
func (s *memStore) lastEvent(playerID, name string) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.published[playerID]
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Event == name {
			return &evs[i]
		}
	}
	return nil
}

var _ RoomStore = (*memStore)(nil)
