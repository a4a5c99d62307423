package models

// MatchRecord archives a finished (or evicted) match for audit and stats.
// The live Room/GameState live in the room store; this row is written once
// at GAME_END and never mutated by gameplay.
type MatchRecord struct {
	ID         string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	GameID     string `gorm:"index;not null" json:"game_id"`
	RoomID     string `gorm:"index;not null" json:"room_id"`
	SkillLevel int    `json:"skill_level"`

	Player1ID string `gorm:"index" json:"player1_id"`
	Player2ID string `gorm:"index" json:"player2_id"`

	// Outcome
	WinnerID    string `json:"winner_id,omitempty"`
	Result      string `json:"result" gorm:"type:varchar(16);check:result IN ('win','draw','forfeit','evicted')"`
	Turns       int    `json:"turns" gorm:"default:0"`
	Desyncs     int    `json:"desyncs" gorm:"default:0"`
	DurationSec int    `json:"duration_sec" gorm:"default:0"`

	Timestamps
}
