// models/commit_job.go
package models

import (
	"encoding/json"
	"time"
)

const (
	CommitJobCreateGame = "CREATE_GAME"
	CommitJobFinishGame = "FINISH_GAME"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// CommitJob is one durable unit of work anchoring a match start or end to the
// chain. Jobs for the same GameID are executed in Seq order; a FINISH_GAME
// row never runs before its CREATE_GAME row has completed.
type CommitJob struct {
	ID     string `json:"id" gorm:"primaryKey"`
	Type   string `json:"type" gorm:"type:varchar(16);not null;index"`
	GameID string `json:"game_id" gorm:"index;not null"`
	RoomID string `json:"room_id" gorm:"index"`
	Seq    int    `json:"seq" gorm:"not null"`

	Payload string `json:"payload" gorm:"type:jsonb"`

	Status        string     `json:"status" gorm:"type:varchar(16);index;default:'pending'"`
	Attempts      int        `json:"attempts" gorm:"default:0"`
	NextAttemptAt time.Time  `json:"next_attempt_at" gorm:"index"`
	LastError     string     `json:"last_error,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	Timestamps
}

// ChainPlayer identifies one participant in a chain commitment.
type ChainPlayer struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey,omitempty"`
}

// CreateGamePayload is the CREATE_GAME job body submitted to the chain relay.
type CreateGamePayload struct {
	GameID    string        `json:"gameId"`
	RoomID    string        `json:"roomId"`
	SetupHash string        `json:"setupHash"`
	Players   []ChainPlayer `json:"players"`
	CreatedAt time.Time     `json:"createdAt"`
}

// FinishGamePayload is the FINISH_GAME job body. ResultHash is derived from
// the final reconciled states, not from either client's claim alone.
type FinishGamePayload struct {
	GameID      string                     `json:"gameId"`
	RoomID      string                     `json:"roomId"`
	ResultHash  string                     `json:"resultHash"`
	Winner      string                     `json:"winner,omitempty"`
	FinalStates map[string]json.RawMessage `json:"finalStates"`
	FinishedAt  time.Time                  `json:"finishedAt"`
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
