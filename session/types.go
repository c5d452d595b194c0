// Package session drives one race from a single participant's point of view:
// snapshot loading, the live event channel, lifecycle actions and the local
// racing timer with fire-and-forget position telemetry. Transport, channel
// and device location are pluggable collaborators.
package session

import (
	"context"
	"time"

	"github.com/padraicbc/raceway/live"
)

// Race is the client-side view of a race snapshot.
type Race struct {
	ID           string     `json:"id"`
	CircuitID    string     `json:"circuit_id"`
	CircuitName  string     `json:"circuit_name"`
	CreatorID    string     `json:"creator_id"`
	CreatorName  string     `json:"creator_name"`
	Status       string     `json:"status"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Participants []string   `json:"participants"`
}

// Race lifecycle states as observed by the client.
const (
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Coordinate is a latitude/longitude pair in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Circuit is the client-side view of a route definition.
type Circuit struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	CreatorID   string       `json:"creator_id"`
	CreatorName string       `json:"creator_name"`
	Coordinates []Coordinate `json:"coordinates"`
	Distance    float64      `json:"distance"`
	IsPublic    bool         `json:"is_public"`
}

// LeaderboardEntry is one participant's standing. FinalTime is present iff
// the participant has finished; entries without one sort last and render as
// still racing.
type LeaderboardEntry struct {
	UserID    string   `json:"user_id"`
	UserName  string   `json:"user_name"`
	Status    string   `json:"status"`
	FinalTime *float64 `json:"final_time,omitempty"`
}

// Marker is another participant's latest live position, most recent wins.
type Marker struct {
	Latitude  float64
	Longitude float64
	SpeedKmh  float64
	Seen      time.Time
}

// API is the race service's REST surface as consumed by a session.
type API interface {
	Race(ctx context.Context, id string) (*Race, error)
	Circuit(ctx context.Context, id string) (*Circuit, error)
	Leaderboard(ctx context.Context, raceID string) ([]LeaderboardEntry, error)
	Join(ctx context.Context, raceID string) error
	Start(ctx context.Context, raceID string) error
}

// Channel is a live bidirectional event connection scoped to one user.
type Channel interface {
	// Events yields inbound events until the channel closes.
	Events() <-chan live.Event
	// Send delivers one outbound event.
	Send(e live.Event) error
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// Dialer opens the user's live channel.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// Sample is one device position reading. Speed is m/s as reported by the
// provider.
type Sample struct {
	Latitude  float64
	Longitude float64
	Speed     float64
	Time      time.Time
}

// SamplePolicy tunes the location subscription. These are sampling hints,
// not correctness guarantees.
type SamplePolicy struct {
	// Interval is the target cadence between samples.
	Interval time.Duration
	// MinDistance is the minimum spatial change in metres between samples.
	MinDistance float64
}

// Locator provides periodic device positions. Subscribe requests location
// permission first and returns ErrPermissionDenied when refused; the stop
// function cancels the subscription and is safe to call more than once.
type Locator interface {
	Subscribe(ctx context.Context, policy SamplePolicy) (<-chan Sample, func(), error)
}
