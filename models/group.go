package models

import (
	"time"

	"github.com/uptrace/bun"
)

// GroupMember is one member entry kept on the group row.
type GroupMember struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Group is a named set of users for racing together. The creator is always a
// member.
type Group struct {
	bun.BaseModel `bun:"table:groups,alias:g"`

	ID        string        `bun:"id,pk" json:"id"`
	Name      string        `bun:"name,notnull" json:"name"`
	CreatorID string        `bun:"creator_id,notnull" json:"creator_id"`
	Members   []GroupMember `bun:"members,notnull,type:jsonb" json:"members"`
	CreatedAt time.Time     `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
