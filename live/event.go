// Package live implements the real-time race channel: a per-user websocket
// connection, race broadcast groups and the JSON event vocabulary shared with
// the client session package.
package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownEvent is returned by Unmarshal for event types outside the known
// vocabulary. Receivers log and ignore these rather than failing.
var ErrUnknownEvent = errors.New("unknown event type")

// Event is one message on the race channel. The concrete type carries the
// payload; Type is the wire tag.
type Event interface {
	Type() string
}

// Client → server events.

// JoinRace associates the connection with a race's broadcast group.
type JoinRace struct {
	RaceID string `json:"race_id"`
}

// PositionUpdate is one GPS sample from a racing participant. Speed is m/s.
type PositionUpdate struct {
	RaceID    string  `json:"race_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
}

// FinishRace reports the sender's final elapsed time in seconds.
type FinishRace struct {
	RaceID    string  `json:"race_id"`
	FinalTime float64 `json:"final_time"`
}

// Server → client events.

// RaceStarted tells every participant the race is now active.
type RaceStarted struct {
	RaceID    string    `json:"race_id"`
	StartTime time.Time `json:"start_time"`
}

// ParticipantPosition relays another participant's latest sample.
type ParticipantPosition struct {
	UserID    string    `json:"user_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Timestamp time.Time `json:"timestamp"`
}

// ParticipantFinished signals one participant's accepted finish. Clients treat
// it as a cache-invalidation signal and reload race and leaderboard state.
type ParticipantFinished struct {
	UserID    string  `json:"user_id"`
	FinalTime float64 `json:"final_time"`
}

// RaceCompleted signals the race reached its terminal state.
type RaceCompleted struct {
	RaceID string `json:"race_id"`
}

func (JoinRace) Type() string            { return "join_race" }
func (PositionUpdate) Type() string      { return "position_update" }
func (FinishRace) Type() string          { return "finish_race" }
func (RaceStarted) Type() string         { return "race_started" }
func (ParticipantPosition) Type() string { return "participant_position" }
func (ParticipantFinished) Type() string { return "participant_finished" }
func (RaceCompleted) Type() string       { return "race_completed" }

// Marshal encodes an event to its flat wire form with a "type" tag.
func Marshal(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	m := map[string]interface{}{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["type"] = e.Type()

	return json.Marshal(m)
}

// Unmarshal decodes a wire message into its concrete event type.
// Unknown type tags return ErrUnknownEvent.
func Unmarshal(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	var e Event
	switch envelope.Type {
	case "join_race":
		e = &JoinRace{}
	case "position_update":
		e = &PositionUpdate{}
	case "finish_race":
		e = &FinishRace{}
	case "race_started":
		e = &RaceStarted{}
	case "participant_position":
		e = &ParticipantPosition{}
	case "participant_finished":
		e = &ParticipantFinished{}
	case "race_completed":
		e = &RaceCompleted{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Type)
	}

	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}
