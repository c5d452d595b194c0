package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/padraicbc/raceway/live"
	"github.com/padraicbc/raceway/models"
)

type createRaceRequest struct {
	CircuitID string `json:"circuit_id"`
}

// jsonString renders a string as a jsonb array element for || appends.
func jsonString(s string) string {
	raw, _ := json.Marshal([]string{s})
	return string(raw)
}

// Races returns races, optionally filtered by ?status=waiting|active|completed.
func (h *Handler) Races(c echo.Context) error {
	status := c.QueryParam("status")

	var races []models.Race
	q := h.db.NewSelect().Model(&races).OrderExpr("created_at DESC")

	if status != "" {
		if status != models.RaceWaiting && status != models.RaceActive && status != models.RaceCompleted {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status filter")
		}
		q = q.Where("status = ?", status)
	}

	if err := q.Scan(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, races)
}

// Race returns a single race by id.
func (h *Handler) Race(c echo.Context) error {
	race := &models.Race{}
	err := h.db.NewSelect().Model(race).
		Where("id = ?", c.Param("id")).
		Scan(c.Request().Context())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "race not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, race)
}

// CreateRace opens a waiting race on a circuit. The creator joins
// automatically.
func (h *Handler) CreateRace(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	name, _ := c.Get("name").(string)
	ctx := c.Request().Context()

	var req createRaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	circuit := &models.Circuit{}
	err := h.db.NewSelect().Model(circuit).
		Where("id = ?", req.CircuitID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "circuit not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	race := &models.Race{
		ID:           uuid.NewString(),
		CircuitID:    circuit.ID,
		CircuitName:  circuit.Name,
		CreatorID:    userID,
		CreatorName:  name,
		Status:       models.RaceWaiting,
		Participants: []string{userID},
	}
	participant := &models.Participant{
		ID:       uuid.NewString(),
		RaceID:   race.ID,
		UserID:   userID,
		UserName: name,
		Status:   models.ParticipantActive,
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer tx.Rollback()

	if _, err := tx.NewInsert().Model(race).Exec(ctx); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if _, err := tx.NewInsert().Model(participant).Exec(ctx); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusCreated, race)
}

// JoinRace adds the user to a waiting race's participant set.
func (h *Handler) JoinRace(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	name, _ := c.Get("name").(string)
	ctx := c.Request().Context()
	raceID := c.Param("id")

	race := &models.Race{}
	err := h.db.NewSelect().Model(race).
		Where("id = ?", raceID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "race not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if race.Status != models.RaceWaiting {
		return echo.NewHTTPError(http.StatusBadRequest, "race has already started or completed")
	}
	for _, id := range race.Participants {
		if id == userID {
			return echo.NewHTTPError(http.StatusBadRequest, "already joined this race")
		}
	}

	participant := &models.Participant{
		ID:       uuid.NewString(),
		RaceID:   raceID,
		UserID:   userID,
		UserName: name,
		Status:   models.ParticipantActive,
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer tx.Rollback()

	res, err := tx.NewUpdate().Model((*models.Race)(nil)).
		Set("participants = participants || ?::jsonb", jsonString(userID)).
		Where("id = ? AND status = ?", raceID, models.RaceWaiting).
		Exec(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// Race left waiting between the select above and this update.
		return echo.NewHTTPError(http.StatusBadRequest, "race has already started or completed")
	}
	if _, err := tx.NewInsert().Model(participant).Exec(ctx); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "joined race"})
}

// StartRace transitions a waiting race to active. Creator only, and only with
// at least one participant. The transition is announced over the live channel;
// clients flip state on race_started, never on this HTTP response.
func (h *Handler) StartRace(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	ctx := c.Request().Context()
	raceID := c.Param("id")

	race := &models.Race{}
	err := h.db.NewSelect().Model(race).
		Where("id = ?", raceID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "race not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if race.CreatorID != userID {
		return echo.NewHTTPError(http.StatusForbidden, "only the race creator can start the race")
	}
	if race.Status != models.RaceWaiting {
		return echo.NewHTTPError(http.StatusBadRequest, "race has already started or completed")
	}
	if len(race.Participants) < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "race has no participants")
	}

	now := time.Now().UTC()
	res, err := h.db.NewUpdate().Model((*models.Race)(nil)).
		Set("status = ?", models.RaceActive).
		Set("start_time = ?", now).
		Where("id = ? AND status = ?", raceID, models.RaceWaiting).
		Exec(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "race has already started or completed")
	}

	h.hub.BroadcastToRace(raceID, &live.RaceStarted{RaceID: raceID, StartTime: now})

	return c.JSON(http.StatusOK, map[string]string{"message": "race started"})
}

// Leaderboard returns a race's participants ranked by final time, unfinished
// entries last. Position trails are omitted.
func (h *Handler) Leaderboard(c echo.Context) error {
	raceID := c.Param("id")

	var entries []models.Participant
	err := h.db.NewSelect().Model(&entries).
		Column("id", "race_id", "user_id", "user_name", "status", "final_time", "created_at").
		Where("race_id = ?", raceID).
		OrderExpr("final_time ASC NULLS LAST, created_at ASC").
		Scan(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, entries)
}

// Positions returns the latest known sample per participant for a race, from
// the live cache. Useful for drawing markers before the first broadcast lands.
func (h *Handler) Positions(c echo.Context) error {
	latest, err := h.positions.Latest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, latest)
}
