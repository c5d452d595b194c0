package live

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/padraicbc/raceway/models"
)

// jsonOf marshals a value for inline jsonb parameters. Marshalling our own
// structs cannot fail.
func jsonOf(v interface{}) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

// handlePosition records a participant's latest sample and relays it to the
// race group. Failures are logged, never sent back: telemetry is best-effort
// and must not interrupt the race.
func (h *Hub) handlePosition(ctx context.Context, userID string, ev *PositionUpdate) {
	now := time.Now().UTC()
	pos := models.Position{
		Latitude:  ev.Latitude,
		Longitude: ev.Longitude,
		Speed:     ev.Speed,
		Timestamp: now,
	}

	if err := h.positions.Save(ctx, ev.RaceID, userID, pos); err != nil {
		h.log.Warn("cache position", zap.String("race_id", ev.RaceID), zap.Error(err))
	}

	_, err := h.db.NewUpdate().Model((*models.Participant)(nil)).
		Set("positions = coalesce(positions, '[]'::jsonb) || ?::jsonb", jsonOf(pos)).
		Where("race_id = ? AND user_id = ?", ev.RaceID, userID).
		Exec(ctx)
	if err != nil {
		h.log.Warn("persist position", zap.String("race_id", ev.RaceID), zap.Error(err))
	}

	h.BroadcastToRace(ev.RaceID, &ParticipantPosition{
		UserID:    userID,
		Latitude:  ev.Latitude,
		Longitude: ev.Longitude,
		Speed:     ev.Speed,
		Timestamp: now,
	})
}

// handleFinish accepts a participant's final time exactly once. A repeated
// finish for the same participant is a no-op: final_time is immutable.
func (h *Hub) handleFinish(ctx context.Context, userID string, ev *FinishRace) {
	if ev.FinalTime < 0 {
		h.log.Warn("rejecting negative final time",
			zap.String("race_id", ev.RaceID),
			zap.String("user_id", userID),
			zap.Float64("final_time", ev.FinalTime))
		return
	}

	res, err := h.db.NewUpdate().Model((*models.Participant)(nil)).
		Set("status = ?", models.ParticipantFinished).
		Set("final_time = ?", ev.FinalTime).
		Where("race_id = ? AND user_id = ? AND status = ?", ev.RaceID, userID, models.ParticipantActive).
		Exec(ctx)
	if err != nil {
		h.log.Error("finish participant", zap.String("race_id", ev.RaceID), zap.Error(err))
		return
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Already finished, or never joined: nothing to record.
		return
	}

	_, err = h.db.NewUpdate().Model((*models.User)(nil)).
		Set("stats = jsonb_set(stats, '{total_races}', (coalesce(stats->>'total_races', '0')::int + 1)::text::jsonb)").
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		h.log.Warn("update user stats", zap.String("user_id", userID), zap.Error(err))
	}

	h.BroadcastToRace(ev.RaceID, &ParticipantFinished{UserID: userID, FinalTime: ev.FinalTime})

	if _, err := h.CompleteIfDone(ctx, ev.RaceID); err != nil {
		h.log.Error("complete race", zap.String("race_id", ev.RaceID), zap.Error(err))
	}
}

// CompleteIfDone moves an active race to completed once every participant has
// finished, then broadcasts race_completed and releases per-race resources.
// The background sweeper calls this too, covering participants whose finish
// never arrived over a dropped connection.
func (h *Hub) CompleteIfDone(ctx context.Context, raceID string) (bool, error) {
	remaining, err := h.db.NewSelect().Model((*models.Participant)(nil)).
		Where("race_id = ? AND status = ?", raceID, models.ParticipantActive).
		Count(ctx)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}

	now := time.Now().UTC()
	res, err := h.db.NewUpdate().Model((*models.Race)(nil)).
		Set("status = ?", models.RaceCompleted).
		Set("end_time = ?", now).
		Where("id = ? AND status = ?", raceID, models.RaceActive).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Not active: still waiting, or a concurrent caller got there first.
		return false, nil
	}

	h.awardWin(ctx, raceID)

	h.BroadcastToRace(raceID, &RaceCompleted{RaceID: raceID})
	h.DropGroup(raceID)

	if err := h.positions.Clear(ctx, raceID); err != nil {
		h.log.Warn("clear positions", zap.String("race_id", raceID), zap.Error(err))
	}

	h.log.Info("race completed", zap.String("race_id", raceID))
	return true, nil
}

// awardWin bumps the winner's stats: lowest accepted final time takes it.
func (h *Hub) awardWin(ctx context.Context, raceID string) {
	winner := &models.Participant{}
	err := h.db.NewSelect().Model(winner).
		Where("race_id = ? AND final_time IS NOT NULL", raceID).
		OrderExpr("final_time ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			h.log.Warn("find winner", zap.String("race_id", raceID), zap.Error(err))
		}
		return
	}

	_, err = h.db.NewUpdate().Model((*models.User)(nil)).
		Set("stats = jsonb_set(stats, '{wins}', (coalesce(stats->>'wins', '0')::int + 1)::text::jsonb)").
		Where("id = ?", winner.UserID).
		Exec(ctx)
	if err != nil {
		h.log.Warn("award win", zap.String("user_id", winner.UserID), zap.Error(err))
	}
}
