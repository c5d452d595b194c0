package models

import (
	"time"

	"github.com/uptrace/bun"
)

// UserStats is denormalised racing history kept on the user row.
type UserStats struct {
	TotalRaces    int     `json:"total_races"`
	Wins          int     `json:"wins"`
	TotalDistance float64 `json:"total_distance"`
}

// User is an account with bcrypt-hashed password.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID             string    `bun:"id,pk" json:"id"`
	Email          string    `bun:"email,notnull,unique" json:"email"`
	Name           string    `bun:"name,notnull" json:"name"`
	Password       string    `bun:"password,notnull" json:"-"`
	ProfilePicture *string   `bun:"profile_picture" json:"profile_picture,omitempty"`
	Stats          UserStats `bun:"stats,type:jsonb" json:"stats"`
	CreatedAt      time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
