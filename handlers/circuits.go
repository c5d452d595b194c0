package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/padraicbc/raceway/geo"
	"github.com/padraicbc/raceway/models"
)

type createCircuitRequest struct {
	Name        string              `json:"name"`
	Coordinates []models.Coordinate `json:"coordinates"`
	IsPublic    *bool               `json:"is_public"`
}

// ValidateCircuit checks circuit input: a nonempty name and at least two
// waypoints.
func ValidateCircuit(name string, coordinates []models.Coordinate) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name is required")
	}
	if len(coordinates) < 2 {
		return errors.New("at least 2 coordinates are required")
	}
	return nil
}

// CircuitDistance computes the total route length in kilometres. The server
// always recomputes it; a client-supplied distance is never trusted.
func CircuitDistance(coordinates []models.Coordinate) float64 {
	points := make([]geo.Point, len(coordinates))
	for i, c := range coordinates {
		points[i] = geo.Point{Lat: c.Latitude, Lng: c.Longitude}
	}
	return geo.Distance(points)
}

// Circuits returns circuits visible to the user. ?public=true limits to
// public circuits, ?public=false to the user's own; the default is both.
func (h *Handler) Circuits(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	public := c.QueryParam("public")

	var circuits []models.Circuit
	q := h.db.NewSelect().Model(&circuits).OrderExpr("created_at DESC")

	switch public {
	case "true":
		q = q.Where("is_public = TRUE")
	case "false":
		q = q.Where("creator_id = ?", userID)
	default:
		q = q.Where("is_public = TRUE OR creator_id = ?", userID)
	}

	if err := q.Scan(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, circuits)
}

// Circuit returns a single circuit by id.
func (h *Handler) Circuit(c echo.Context) error {
	circuit := &models.Circuit{}
	err := h.db.NewSelect().Model(circuit).
		Where("id = ?", c.Param("id")).
		Scan(c.Request().Context())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "circuit not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, circuit)
}

// CreateCircuit validates and inserts a circuit, recomputing its distance
// from the waypoint sequence.
func (h *Handler) CreateCircuit(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	name, _ := c.Get("name").(string)

	var req createCircuitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	req.Name = strings.TrimSpace(req.Name)
	if err := ValidateCircuit(req.Name, req.Coordinates); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	isPublic := true
	if req.IsPublic != nil {
		isPublic = *req.IsPublic
	}

	circuit := &models.Circuit{
		ID:          uuid.NewString(),
		Name:        req.Name,
		CreatorID:   userID,
		CreatorName: name,
		Coordinates: req.Coordinates,
		Distance:    CircuitDistance(req.Coordinates),
		IsPublic:    isPublic,
	}

	if _, err := h.db.NewInsert().Model(circuit).Exec(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusCreated, circuit)
}

// DeleteCircuit removes a circuit. Only the creator may delete, and never
// while a race references it.
func (h *Handler) DeleteCircuit(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	ctx := c.Request().Context()
	id := c.Param("id")

	circuit := &models.Circuit{}
	err := h.db.NewSelect().Model(circuit).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "circuit not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if circuit.CreatorID != userID {
		return echo.NewHTTPError(http.StatusForbidden, "not authorized to delete this circuit")
	}

	referenced, err := h.db.NewSelect().Model((*models.Race)(nil)).
		Where("circuit_id = ?", id).
		Exists(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if referenced {
		return echo.NewHTTPError(http.StatusConflict, "circuit is referenced by a race")
	}

	if _, err := h.db.NewDelete().Model((*models.Circuit)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "circuit deleted"})
}
