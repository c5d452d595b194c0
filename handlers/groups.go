package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/padraicbc/raceway/models"
)

type createGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

// memberCandidates drops the creator and duplicates from a requested member
// list, preserving order. The creator is added separately, always first.
func memberCandidates(creatorID string, ids []string) []string {
	seen := map[string]struct{}{creatorID: {}}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// CreateGroup creates a named group from a member id list. Unknown member ids
// are skipped rather than failing the request.
func (h *Handler) CreateGroup(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	name, _ := c.Get("name").(string)
	ctx := c.Request().Context()

	var req createGroupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	members := []models.GroupMember{{ID: userID, Name: name}}
	for _, id := range memberCandidates(userID, req.MemberIDs) {
		member := &models.User{}
		err := h.db.NewSelect().Model(member).
			Where("id = ?", id).
			Scan(ctx)
		if err != nil {
			continue
		}
		members = append(members, models.GroupMember{ID: member.ID, Name: member.Name})
	}

	group := &models.Group{
		ID:        uuid.NewString(),
		Name:      req.Name,
		CreatorID: userID,
		Members:   members,
	}

	if _, err := h.db.NewInsert().Model(group).Exec(ctx); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusCreated, group)
}

// Groups returns the groups the user is a member of, newest first.
func (h *Handler) Groups(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)

	// jsonb containment on the member id, any position in the array.
	needle, _ := json.Marshal([]map[string]string{{"id": userID}})

	var groups []models.Group
	err := h.db.NewSelect().Model(&groups).
		Where("members @> ?::jsonb", string(needle)).
		OrderExpr("created_at DESC").
		Scan(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, groups)
}
