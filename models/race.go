package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Race lifecycle states. Status only ever advances waiting → active → completed.
const (
	RaceWaiting   = "waiting"
	RaceActive    = "active"
	RaceCompleted = "completed"
)

// Race is one timed competitive instance run over a circuit.
type Race struct {
	bun.BaseModel `bun:"table:races,alias:rc"`

	ID           string     `bun:"id,pk" json:"id"`
	CircuitID    string     `bun:"circuit_id,notnull" json:"circuit_id"`
	CircuitName  string     `bun:"circuit_name,notnull" json:"circuit_name"`
	CreatorID    string     `bun:"creator_id,notnull" json:"creator_id"`
	CreatorName  string     `bun:"creator_name,notnull" json:"creator_name"`
	Status       string     `bun:"status,notnull,default:'waiting'" json:"status"`
	StartTime    *time.Time `bun:"start_time" json:"start_time,omitempty"`
	EndTime      *time.Time `bun:"end_time" json:"end_time,omitempty"`
	Participants []string   `bun:"participants,notnull,type:jsonb" json:"participants"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
