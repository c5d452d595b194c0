package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Friendship states.
const (
	FriendPending  = "pending"
	FriendAccepted = "accepted"
)

// Friend is a directed friend request; once accepted it counts for both sides.
type Friend struct {
	bun.BaseModel `bun:"table:friends,alias:f"`

	ID          string    `bun:"id,pk" json:"id"`
	UserID      string    `bun:"user_id,notnull,unique:friends_no_dupes" json:"user_id"`
	FriendID    string    `bun:"friend_id,notnull,unique:friends_no_dupes" json:"friend_id"`
	FriendName  string    `bun:"friend_name,notnull" json:"friend_name"`
	FriendEmail string    `bun:"friend_email,notnull" json:"friend_email"`
	Status      string    `bun:"status,notnull,default:'pending'" json:"status"`
	CreatedAt   time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}
