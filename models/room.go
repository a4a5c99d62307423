// models/room.go
package models

import (
	"encoding/json"
	"time"
)

// Phase is the lifecycle stage of a single turn. The turn engine owns the
// transition table; values outside this set never reach the store.
type Phase string

const (
	PhaseSpellCasting     Phase = "SPELL_CASTING"
	PhaseSpellPropagation Phase = "SPELL_PROPAGATION"
	PhaseSpellEffects     Phase = "SPELL_EFFECTS"
	PhaseEndOfRound       Phase = "END_OF_ROUND"
	PhaseStateUpdate      Phase = "STATE_UPDATE"
	PhaseGameEnd          Phase = "GAME_END"
)

// WaitingEntry is one player sitting in a matchmaking queue bucket.
type WaitingEntry struct {
	PlayerID   string    `json:"player_id"`
	SkillLevel int       `json:"skill_level"`
	PublicKey  string    `json:"public_key"` // hex ed25519
	Setup      string    `json:"setup"`      // opaque public setup blob shared with the opponent
	SetupHash  string    `json:"setup_hash"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	InstanceID string    `json:"instance_id"` // server instance holding the socket
}

// RoomPlayer is one seat of a room.
type RoomPlayer struct {
	PlayerID   string `json:"player_id"`
	PublicKey  string `json:"public_key"`
	Setup      string `json:"setup"`
	SetupHash  string `json:"setup_hash"`
	InstanceID string `json:"instance_id"`
}

// Room pairs exactly two players for one match. Players[0] is always the
// earlier-enqueued player.
type Room struct {
	RoomID     string        `json:"room_id"` // "{level}-{sequence}"
	GameID     string        `json:"game_id"` // stable key for chain commits
	SkillLevel int           `json:"skill_level"`
	Players    [2]RoomPlayer `json:"players"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Opponent returns the other seat for playerID, or nil when playerID is not
// in the room.
func (r *Room) Opponent(playerID string) *RoomPlayer {
	if r.Players[0].PlayerID == playerID {
		return &r.Players[1]
	}
	if r.Players[1].PlayerID == playerID {
		return &r.Players[0]
	}
	return nil
}

func (r *Room) HasPlayer(playerID string) bool {
	return r.Players[0].PlayerID == playerID || r.Players[1].PlayerID == playerID
}

// SignedAction is a player's move for one SPELL_CASTING phase. Immutable once
// accepted; the signature binds spell, cast info and nonce to the caster key.
type SignedAction struct {
	CasterID  string          `json:"caster_id"`
	PlayerID  string          `json:"player_id"`
	SpellID   string          `json:"spell_id"`
	CastInfo  json.RawMessage `json:"cast_info,omitempty"`
	Nonce     uint64          `json:"nonce"`
	Signature string          `json:"signature"`
	Pass      bool            `json:"pass,omitempty"` // synthesized when a player misses the phase
}

// PassAction is the no-op move substituted for a player who did not submit
// before the phase deadline.
func PassAction(playerID string) *SignedAction {
	return &SignedAction{CasterID: playerID, PlayerID: playerID, Pass: true}
}

// TrustedState is a player-signed commitment to their locally computed
// post-effects state for one turn.
type TrustedState struct {
	PlayerID        string          `json:"player_id"`
	StateCommitment string          `json:"state_commitment"`
	PublicState     json.RawMessage `json:"public_state,omitempty"`
	Signature       string          `json:"signature"`
	SubmittedAt     time.Time       `json:"submitted_at"`
}

// PublicSnapshot is the server-readable slice of a TrustedState's public
// state. Everything else in PublicState stays opaque to the server.
type PublicSnapshot struct {
	HP map[string]int `json:"hp"`
}

// PlayerTurn is the per-player slice of a GameState.
type PlayerTurn struct {
	PendingAction *SignedAction  `json:"pending_action,omitempty"`
	Trusted       *TrustedState  `json:"trusted_state,omitempty"`
	Ready         bool           `json:"ready"`
	LastNonce     uint64         `json:"last_nonce"`
	Cooldowns     map[string]int `json:"cooldowns,omitempty"` // spellID -> first turn it is usable again
	HP            int            `json:"hp"`
	Connected     bool           `json:"connected"`
	MissedTurns   int            `json:"missed_turns"`
	Forfeited     bool           `json:"forfeited"`
}

// GameState is the live state of a room, shared across instances through the
// room store. All mutation goes through a compare-and-swap keyed by Version.
type GameState struct {
	RoomID    string                 `json:"room_id"`
	GameID    string                 `json:"game_id"`
	TurnID    int                    `json:"turn_id"`
	Phase     Phase                  `json:"phase"`
	Deadline  time.Time              `json:"deadline"`
	Order     [2]string              `json:"order"` // player ids, Order[0] == Room.Players[0]
	Players   map[string]*PlayerTurn `json:"players"`
	Terminal  bool                   `json:"terminal"`
	WinnerID  string                 `json:"winner_id,omitempty"`
	Desyncs   int                    `json:"desyncs"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func (st *GameState) Player(id string) *PlayerTurn {
	return st.Players[id]
}

// OpponentID returns the other player's id, or "" when id is unknown.
func (st *GameState) OpponentID(id string) string {
	if st.Order[0] == id {
		return st.Order[1]
	}
	if st.Order[1] == id {
		return st.Order[0]
	}
	return ""
}

// BothReady reports whether both ready bits for the current phase are set.
func (st *GameState) BothReady() bool {
	for _, pt := range st.Players {
		if !pt.Ready {
			return false
		}
	}
	return len(st.Players) == 2
}
