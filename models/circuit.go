package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Coordinate is one waypoint on a circuit, degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Circuit is a fixed route: an ordered waypoint sequence with a precomputed
// total distance in kilometres. Circuits are immutable once a race references them.
type Circuit struct {
	bun.BaseModel `bun:"table:circuits,alias:c"`

	ID          string       `bun:"id,pk" json:"id"`
	Name        string       `bun:"name,notnull" json:"name"`
	CreatorID   string       `bun:"creator_id,notnull" json:"creator_id"`
	CreatorName string       `bun:"creator_name,notnull" json:"creator_name"`
	Coordinates []Coordinate `bun:"coordinates,notnull,type:jsonb" json:"coordinates"`
	Distance    float64      `bun:"distance,notnull" json:"distance"`
	IsPublic    bool         `bun:"is_public,notnull,default:true" json:"is_public"`
	CreatedAt   time.Time    `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
