// services/hub.go
package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// PlayerConn wraps one websocket with a write lock. Fiber's websocket conns
// are not safe for concurrent writes; the event pump and the handler's error
// replies both go through WriteEvent.
type PlayerConn struct {
	PlayerID string

	conn   *websocket.Conn
	cancel context.CancelFunc
	mu     sync.Mutex
}

func (c *PlayerConn) WriteEvent(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

// Hub tracks which players hold a socket on this instance. Events for players
// connected elsewhere travel through the store's pub/sub; the hub only relays
// the local leg.
type Hub struct {
	store        RoomStore
	heartbeatTTL time.Duration
	onDisconnect func(ctx context.Context, playerID string)

	mu    sync.RWMutex
	conns map[string]*PlayerConn
}

func NewHub(store RoomStore, heartbeatTTL time.Duration, onDisconnect func(ctx context.Context, playerID string)) *Hub {
	return &Hub{
		store:        store,
		heartbeatTTL: heartbeatTTL,
		onDisconnect: onDisconnect,
		conns:        make(map[string]*PlayerConn),
	}
}

// Register binds a socket to a player id and starts its event pump and
// heartbeat refresher. A second connection for the same player replaces the
// first; the old socket is closed.
func (h *Hub) Register(ctx context.Context, playerID string, conn *websocket.Conn) *PlayerConn {
	connCtx, cancel := context.WithCancel(ctx)
	pc := &PlayerConn{PlayerID: playerID, conn: conn, cancel: cancel}

	h.mu.Lock()
	old := h.conns[playerID]
	h.conns[playerID] = pc
	h.mu.Unlock()
	if old != nil {
		log.Printf("[HUB] replacing existing connection for %s", playerID)
		old.cancel()
		old.conn.Close()
	}

	if err := h.store.TouchHeartbeat(connCtx, playerID, h.heartbeatTTL); err != nil {
		log.Printf("[HUB] heartbeat for %s: %v", playerID, err)
	}
	go h.refreshHeartbeat(connCtx, playerID)
	go h.pumpEvents(connCtx, pc)
	return pc
}

// Unregister detaches pc if it is still the active connection for its player
// and reports the drop. A replaced connection unregistering is a no-op.
func (h *Hub) Unregister(pc *PlayerConn) {
	h.mu.Lock()
	current := h.conns[pc.PlayerID] == pc
	if current {
		delete(h.conns, pc.PlayerID)
	}
	h.mu.Unlock()
	pc.cancel()
	if !current {
		return
	}
	if h.onDisconnect != nil {
		go h.onDisconnect(context.Background(), pc.PlayerID)
	}
}

// SendLocal writes an event straight to a locally connected player. Returns
// false when the player has no socket on this instance.
func (h *Hub) SendLocal(playerID string, ev Event) bool {
	h.mu.RLock()
	pc := h.conns[playerID]
	h.mu.RUnlock()
	if pc == nil {
		return false
	}
	if err := pc.WriteEvent(ev); err != nil {
		log.Printf("[HUB] write to %s: %v", playerID, err)
		return false
	}
	return true
}

func (h *Hub) LocalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// refreshHeartbeat keeps the player's liveness key alive while the socket is
// open. The key expiring is what lets the janitor and matchmaker treat the
// player as gone.
func (h *Hub) refreshHeartbeat(ctx context.Context, playerID string) {
	ticker := time.NewTicker(h.heartbeatTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.store.TouchHeartbeat(ctx, playerID, h.heartbeatTTL); err != nil {
				log.Printf("[HUB] heartbeat for %s: %v", playerID, err)
			}
		}
	}
}

// pumpEvents relays the player's cross-instance event channel onto their
// socket until the connection context is cancelled.
func (h *Hub) pumpEvents(ctx context.Context, pc *PlayerConn) {
	ch, unsub, err := h.store.SubscribePlayer(ctx, pc.PlayerID)
	if err != nil {
		log.Printf("[HUB] subscribing %s: %v", pc.PlayerID, err)
		return
	}
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := pc.WriteEvent(ev); err != nil {
				log.Printf("[HUB] relay %s to %s: %v", ev.Event, pc.PlayerID, err)
				return
			}
		}
	}
}
