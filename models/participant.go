package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Participant states within a race.
const (
	ParticipantActive   = "active"
	ParticipantFinished = "finished"
)

// Position is one recorded GPS sample for a participant. Speed is m/s as
// reported by the device.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

// Participant is one user's standing in a race. FinalTime is set exactly once,
// on finish, and is immutable afterwards.
type Participant struct {
	bun.BaseModel `bun:"table:participants,alias:p"`

	ID        string     `bun:"id,pk" json:"id"`
	RaceID    string     `bun:"race_id,notnull,unique:participants_no_dupes" json:"race_id"`
	UserID    string     `bun:"user_id,notnull,unique:participants_no_dupes" json:"user_id"`
	UserName  string     `bun:"user_name,notnull" json:"user_name"`
	Status    string     `bun:"status,notnull,default:'active'" json:"status"`
	FinalTime *float64   `bun:"final_time" json:"final_time,omitempty"`
	Positions []Position `bun:"positions,type:jsonb" json:"positions"`
	CreatedAt time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
