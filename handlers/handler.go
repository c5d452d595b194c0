package handlers

import (
	"github.com/uptrace/bun"

	"github.com/padraicbc/raceway/live"
)

// Handler holds shared dependencies used by all route handlers.
type Handler struct {
	db        *bun.DB
	hub       *live.Hub
	positions *live.PositionStore
	JWTKey    []byte
}

// New creates a Handler with the given database connection, live hub,
// position cache and JWT signing key.
func New(db *bun.DB, hub *live.Hub, positions *live.PositionStore, jwtKey []byte) *Handler {
	return &Handler{db: db, hub: hub, positions: positions, JWTKey: jwtKey}
}
