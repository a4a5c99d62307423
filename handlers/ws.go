// handlers/ws.go
package handlers

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"github.com/ZkNoid/wizard-battle-sub004/models"
	"github.com/ZkNoid/wizard-battle-sub004/services"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// RealtimeDeps bundles everything the websocket endpoint needs.
type RealtimeDeps struct {
	Hub         *services.Hub
	Store       services.RoomStore
	Matchmaking *services.MatchmakingService
	Engine      *services.TurnEngine
	Janitor     *services.JanitorService
}

// clientMessage is the envelope every client frame uses.
type clientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func SetupRealtimeRoutes(app *fiber.App, deps *RealtimeDeps) {
	adminToken := os.Getenv("ADMIN_SERVICE_TOKEN")

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/:playerId", websocket.New(func(conn *websocket.Conn) {
		playerID := conn.Params("playerId")
		if playerID == "" {
			conn.Close()
			return
		}
		ctx := context.Background()
		pc := deps.Hub.Register(ctx, playerID, conn)
		defer deps.Hub.Unregister(pc)

		log.Printf("[WS] %s connected", playerID)
		resyncIfInMatch(ctx, deps, pc)

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				log.Printf("[WS] %s disconnected: %v", playerID, err)
				return
			}
			var msg clientMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				writeError(pc, "", "malformed message")
				continue
			}
			dispatch(ctx, deps, pc, msg, adminToken)
		}
	}))
}

// resyncIfInMatch pushes the current room and state to a player who already
// has a live match, so a refreshed client can pick up mid-turn.
func resyncIfInMatch(ctx context.Context, deps *RealtimeDeps, pc *services.PlayerConn) {
	roomID, err := deps.Engine.HandleReconnect(ctx, pc.PlayerID)
	if err != nil {
		log.Printf("[WS] reconnect check for %s: %v", pc.PlayerID, err)
		return
	}
	if roomID == "" {
		return
	}
	room, err := deps.Store.GetRoom(ctx, roomID)
	if err != nil {
		log.Printf("[WS] resync room %s: %v", roomID, err)
		return
	}
	st, err := deps.Store.GetState(ctx, roomID)
	if err != nil {
		log.Printf("[WS] resync state %s: %v", roomID, err)
		return
	}
	_ = pc.WriteEvent(services.NewEvent("resync", roomID, fiber.Map{
		"room":  room,
		"state": st,
	}))
	if err := deps.Store.PublishToPlayer(ctx, st.OpponentID(pc.PlayerID),
		services.NewEvent("opponentReconnected", roomID, nil)); err != nil {
		log.Printf("[WS] notify opponent of %s: %v", pc.PlayerID, err)
	}
}

func dispatch(ctx context.Context, deps *RealtimeDeps, pc *services.PlayerConn, msg clientMessage, adminToken string) {
	switch msg.Event {
	case "joinMatchmaking":
		handleJoinMatchmaking(ctx, deps, pc, msg.Data)
	case "leaveMatchmaking":
		handleLeaveMatchmaking(ctx, deps, pc)
	case "castSpell":
		handleCastSpell(ctx, deps, pc, msg.Data)
	case "trustedState":
		handleTrustedState(ctx, deps, pc, msg.Data)
	case "gameMessage":
		handleGameMessage(ctx, deps, pc, msg.Data)
	case "forfeit":
		handleForfeit(ctx, deps, pc, msg.Data)
	case "clearStuckRooms":
		handleClearStuckRooms(ctx, deps, pc, msg.Data, adminToken)
	default:
		writeError(pc, "", "unknown event: "+msg.Event)
	}
}

func handleJoinMatchmaking(ctx context.Context, deps *RealtimeDeps, pc *services.PlayerConn, data json.RawMessage) {
	var req struct {
		SkillLevel int    `json:"skillLevel"`
		PublicKey  string `json:"publicKey"`
		Setup      string `json:"setup"`
		SetupHash  string `json:"setupHash"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		writeError(pc, "", "malformed joinMatchmaking payload")
		return
	}
	err := deps.Matchmaking.Enqueue(ctx, models.WaitingEntry{
		PlayerID:   pc.PlayerID,
		SkillLevel: req.SkillLevel,
		PublicKey:  req.PublicKey,
		Setup:      req.Setup,
		SetupHash:  req.SetupHash,
	})
	if err != nil {
		writeError(pc, "", err.Error())
	}
}

func handleLeaveMatchmaking(ctx context.Context, deps *RealtimeDeps, pc *services.PlayerConn) {
	removed, err := deps.Matchmaking.Dequeue(ctx, pc.PlayerID)
	if err != nil {
		writeError(pc, "", err.Error())
		return
	}
	_ = pc.WriteEvent(services.NewEvent("leftMatchmaking", "", fiber.Map{"removed": removed}))
}

func handleCastSpell(ctx context.Context, deps *RealtimeDeps, pc *services.PlayerConn, data json.RawMessage) {
	var req struct {
		RoomID string              `json:"roomId"`
		Action models.SignedAction `json:"action"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		writeError(pc, "", "malformed castSpell payload")
		return
	}
	req.Action.PlayerID = pc.PlayerID
	if err := deps.Engine.SubmitAction(ctx, req.RoomID, &req.Action); err != nil {
		writeError(pc, req.RoomID, err.Error())
		return
	}
	_ = pc.WriteEvent(services.NewEvent("actionAccepted", req.RoomID, nil))
}

func handleTrustedState(ctx context.Context, deps *RealtimeDeps, pc *services.PlayerConn, data json.RawMessage) {
	var req struct {
		RoomID string              `json:"roomId"`
		State  models.TrustedState `json:"state"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		writeError(pc, "", "malformed trustedState payload")
		return
	}
	req.State.PlayerID = pc.PlayerID
	if err := deps.Engine.SubmitTrustedState(ctx, req.RoomID, &req.State); err != nil {
		writeError(pc, req.RoomID, err.Error())
	}
}

// handleGameMessage relays an opaque client-to-client payload to the
// opponent. The server does not interpret it; it only checks room membership.
func handleGameMessage(ctx context.Context, deps *RealtimeDeps, pc *services.PlayerConn, data json.RawMessage) {
	var req struct {
		RoomID  string          `json:"roomId"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		writeError(pc, "", "malformed gameMessage payload")
		return
	}
	room, err := deps.Store.GetRoom(ctx, req.RoomID)
	if err != nil {
		writeError(pc, req.RoomID, "room not found")
		return
	}
	opp := room.Opponent(pc.PlayerID)
	if opp == nil {
		writeError(pc, req.RoomID, "not a member of this room")
		return
	}
	ev := services.NewEvent("gameMessage", req.RoomID, fiber.Map{
		"message": req.Message,
	})
	if err := deps.Store.PublishToPlayer(ctx, opp.PlayerID, ev); err != nil {
		writeError(pc, req.RoomID, "relay failed")
	}
}

func handleForfeit(ctx context.Context, deps *RealtimeDeps, pc *services.PlayerConn, data json.RawMessage) {
	var req struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		writeError(pc, "", "malformed forfeit payload")
		return
	}
	if err := deps.Engine.Forfeit(ctx, req.RoomID, pc.PlayerID); err != nil {
		writeError(pc, req.RoomID, err.Error())
	}
}

func handleClearStuckRooms(ctx context.Context, deps *RealtimeDeps, pc *services.PlayerConn, data json.RawMessage, adminToken string) {
	var req struct {
		AdminToken string   `json:"adminToken"`
		RoomIDs    []string `json:"roomIds"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		writeError(pc, "", "malformed clearStuckRooms payload")
		return
	}
	if adminToken == "" || req.AdminToken != adminToken {
		log.Printf("🚫 [WS] rejected clearStuckRooms from %s", pc.PlayerID)
		writeError(pc, "", "unauthorized")
		return
	}
	cleared := deps.Janitor.Clear(ctx, req.RoomIDs)
	_ = pc.WriteEvent(services.NewEvent("stuckRoomsCleared", "", fiber.Map{
		"success": true,
		"roomIds": cleared,
	}))
}

func writeError(pc *services.PlayerConn, roomID, msg string) {
	_ = pc.WriteEvent(services.NewEvent("error", roomID, fiber.Map{"message": msg}))
}
