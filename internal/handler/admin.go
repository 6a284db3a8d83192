package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/bookstore-auth/internal/model"
	"github.com/iliyamo/bookstore-auth/internal/service"
)

// AdminHandler exposes read-only role inspection and session kill for
// operators. Routes are gated by role and permission in the router.
type AdminHandler struct {
	svc *service.AuthService
	log *zap.Logger
}

func NewAdminHandler(svc *service.AuthService, log *zap.Logger) *AdminHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{svc: svc, log: log}
}

type userRolesResp struct {
	UserID      uint64       `json:"user_id"`
	Roles       []model.Role `json:"roles"`
	Permissions []string     `json:"permissions"`
}

// GetUserRoles returns the roles and effective permissions of :id.
func (h *AdminHandler) GetUserRoles(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	roles, err := h.svc.UserRoles(ctx, id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, userRolesResp{
		UserID:      id,
		Roles:       roles,
		Permissions: nonNil(model.PermissionNames(roles)),
	})
}

// RevokeUserSessions kills every refresh session of :id. Access tokens
// already handed out stay valid until they expire.
func (h *AdminHandler) RevokeUserSessions(c echo.Context) error {
	id, ok := parseID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid user id"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	n, err := h.svc.RevokeSessions(ctx, id, "admin")
	if err != nil {
		return writeError(c, h.log, err)
	}
	h.log.Info("sessions revoked by admin", zap.Uint64("user_id", id), zap.Int("sessions", n))
	return c.NoContent(http.StatusNoContent)
}

func parseID(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}
