package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/padraicbc/raceway/models"
)

type friendRequest struct {
	FriendEmail string `json:"friend_email"`
}

// friendView flattens a friendship row from the requesting user's side.
type friendView struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	FriendID    string `json:"friend_id"`
	FriendName  string `json:"friend_name"`
	FriendEmail string `json:"friend_email"`
	Status      string `json:"status"`
}

// RequestFriend creates a pending friend request addressed by email.
func (h *Handler) RequestFriend(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	ctx := c.Request().Context()

	var req friendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.FriendEmail = strings.ToLower(strings.TrimSpace(req.FriendEmail))

	friend := &models.User{}
	err := h.db.NewSelect().Model(friend).
		Where("email = ?", req.FriendEmail).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if friend.ID == userID {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot add yourself as a friend")
	}

	exists, err := h.db.NewSelect().Model((*models.Friend)(nil)).
		Where("(user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)",
			userID, friend.ID, friend.ID, userID).
		Exists(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if exists {
		return echo.NewHTTPError(http.StatusBadRequest, "friend request already exists")
	}

	row := &models.Friend{
		ID:          uuid.NewString(),
		UserID:      userID,
		FriendID:    friend.ID,
		FriendName:  friend.Name,
		FriendEmail: friend.Email,
		Status:      models.FriendPending,
	}
	if _, err := h.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "friend request sent"})
}

// Friends returns friendships involving the user, optionally filtered by
// ?status=pending|accepted, each flattened so the other party is "the friend".
func (h *Handler) Friends(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	status := c.QueryParam("status")
	ctx := c.Request().Context()

	var rows []models.Friend
	q := h.db.NewSelect().Model(&rows).
		Where("user_id = ? OR friend_id = ?", userID, userID).
		OrderExpr("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Scan(ctx); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := make([]friendView, 0, len(rows))
	for _, f := range rows {
		view := friendView{
			ID:          f.ID,
			UserID:      f.UserID,
			FriendID:    f.FriendID,
			FriendName:  f.FriendName,
			FriendEmail: f.FriendEmail,
			Status:      f.Status,
		}

		if f.FriendID == userID {
			// Row was created by the other side; look them up for display.
			other := &models.User{}
			err := h.db.NewSelect().Model(other).
				Where("id = ?", f.UserID).
				Scan(ctx)
			if err == nil {
				view.FriendID = other.ID
				view.FriendName = other.Name
				view.FriendEmail = other.Email
			}
		}

		out = append(out, view)
	}

	return c.JSON(http.StatusOK, out)
}

// AcceptFriend accepts a pending request addressed to the user.
func (h *Handler) AcceptFriend(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)

	res, err := h.db.NewUpdate().Model((*models.Friend)(nil)).
		Set("status = ?", models.FriendAccepted).
		Where("id = ? AND friend_id = ? AND status = ?", c.Param("id"), userID, models.FriendPending).
		Exec(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "friend request not found")
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "friend request accepted"})
}
