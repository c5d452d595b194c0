package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/padraicbc/raceway/models"
)

const positionTTL = 6 * time.Hour

// PositionStore keeps the latest known sample per participant in a Redis hash,
// keyed race:<id>:positions. Late joiners fetch it once over REST instead of
// waiting for the next broadcast.
type PositionStore struct {
	rdb *redis.Client
}

// NewPositionStore wraps an existing Redis client.
func NewPositionStore(rdb *redis.Client) *PositionStore {
	return &PositionStore{rdb: rdb}
}

// OpenRedis connects and pings within a short timeout.
func OpenRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func positionsKey(raceID string) string {
	return "race:" + raceID + ":positions"
}

// Save records the latest sample for a participant, most recent wins.
func (s *PositionStore) Save(ctx context.Context, raceID, userID string, p models.Position) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}

	key := positionsKey(raceID)
	if err := s.rdb.HSet(ctx, key, userID, raw).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, key, positionTTL).Err()
}

// Latest returns the most recent sample per participant for a race.
func (s *PositionStore) Latest(ctx context.Context, raceID string) (map[string]models.Position, error) {
	fields, err := s.rdb.HGetAll(ctx, positionsKey(raceID)).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.Position, len(fields))
	for userID, raw := range fields {
		var p models.Position
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		out[userID] = p
	}
	return out, nil
}

// Clear drops all cached positions for a race, called when it completes.
func (s *PositionStore) Clear(ctx context.Context, raceID string) error {
	return s.rdb.Del(ctx, positionsKey(raceID)).Err()
}
