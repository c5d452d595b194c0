package live

import (
	"sync"

	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Hub owns every live websocket connection, one per user, and the broadcast
// group per race. A connection is exclusively owned by the hub from register
// to unregister.
type Hub struct {
	db        *bun.DB
	positions *PositionStore
	log       *zap.Logger

	mu    sync.Mutex
	conns map[string]*client
	races map[string]map[string]struct{}
}

// NewHub creates a Hub backed by the given database and position store.
func NewHub(db *bun.DB, positions *PositionStore, log *zap.Logger) *Hub {
	return &Hub{
		db:        db,
		positions: positions,
		log:       log,
		conns:     make(map[string]*client),
		races:     make(map[string]map[string]struct{}),
	}
}

// register binds a connection to a user id. A newer connection for the same
// user replaces the old one, which is closed.
func (h *Hub) register(userID string, cl *client) {
	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = cl
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
}

// unregister removes the user's connection, but only if it is still the one
// being torn down; a replacement connection must not be dropped.
func (h *Hub) unregister(userID string, cl *client) {
	h.mu.Lock()
	if h.conns[userID] == cl {
		delete(h.conns, userID)
	}
	h.mu.Unlock()
	cl.close()
}

// AddToRace puts a user in a race's broadcast group.
func (h *Hub) AddToRace(raceID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.races[raceID]
	if !ok {
		group = make(map[string]struct{})
		h.races[raceID] = group
	}
	group[userID] = struct{}{}
}

// RemoveFromRace drops a user from a race's broadcast group.
func (h *Hub) RemoveFromRace(raceID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if group, ok := h.races[raceID]; ok {
		delete(group, userID)
		if len(group) == 0 {
			delete(h.races, raceID)
		}
	}
}

// DropGroup removes a race's broadcast group entirely.
func (h *Hub) DropGroup(raceID string) {
	h.mu.Lock()
	delete(h.races, raceID)
	h.mu.Unlock()
}

// GroupMembers returns the user ids currently in a race's broadcast group.
func (h *Hub) GroupMembers(raceID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.races[raceID]))
	for userID := range h.races[raceID] {
		out = append(out, userID)
	}
	return out
}

// BroadcastToRace sends an event to every connected member of a race's group.
// A member whose send buffer is full or who has no connection is skipped; the
// channel is best-effort, authoritative state is fetched over REST.
func (h *Hub) BroadcastToRace(raceID string, e Event) {
	raw, err := Marshal(e)
	if err != nil {
		h.log.Error("marshal broadcast event", zap.String("type", e.Type()), zap.Error(err))
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.races[raceID]))
	for userID := range h.races[raceID] {
		if cl, ok := h.conns[userID]; ok {
			targets = append(targets, cl)
		}
	}
	h.mu.Unlock()

	for _, cl := range targets {
		cl.trySend(raw)
	}
}

// SendTo delivers an event to a single user if connected.
func (h *Hub) SendTo(userID string, e Event) {
	raw, err := Marshal(e)
	if err != nil {
		h.log.Error("marshal event", zap.String("type", e.Type()), zap.Error(err))
		return
	}

	h.mu.Lock()
	cl, ok := h.conns[userID]
	h.mu.Unlock()

	if ok {
		cl.trySend(raw)
	}
}
