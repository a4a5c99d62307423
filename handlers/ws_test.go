package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ZkNoid/wizard-battle-sub004/models"
	"github.com/ZkNoid/wizard-battle-sub004/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relayStore stubs the two store calls the gameMessage relay makes. The
// embedded interface panics on anything else, which no relay path reaches.
type relayStore struct {
	services.RoomStore
	room      models.Room
	published map[string][]services.Event
}

func (s *relayStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	if roomID != s.room.RoomID {
		return nil, services.ErrRoomNotFound
	}
	r := s.room
	return &r, nil
}

func (s *relayStore) PublishToPlayer(ctx context.Context, playerID string, ev services.Event) error {
	if s.published == nil {
		s.published = make(map[string][]services.Event)
	}
	s.published[playerID] = append(s.published[playerID], ev)
	return nil
}

func TestGameMessageRelaysDocumentedShape(t *testing.T) {
	store := &relayStore{room: models.Room{
		RoomID:  "3-1",
		Players: [2]models.RoomPlayer{{PlayerID: "alice"}, {PlayerID: "bob"}},
	}}
	deps := &RealtimeDeps{Store: store}
	pc := &services.PlayerConn{PlayerID: "alice"}

	handleGameMessage(context.Background(), deps, pc,
		json.RawMessage(`{"roomId":"3-1","message":{"emote":"wave"}}`))

	evs := store.published["bob"]
	require.Len(t, evs, 1)
	assert.Equal(t, "gameMessage", evs[0].Event)
	assert.Equal(t, "3-1", evs[0].RoomID)

	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(evs[0].Data, &payload))
	require.Contains(t, payload, "message")
	assert.JSONEq(t, `{"emote":"wave"}`, string(payload["message"]))
	assert.Len(t, payload, 1, "payload carries only the message key")
	assert.Empty(t, store.published["alice"], "sender gets no echo")
}
