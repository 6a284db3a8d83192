package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/bookstore-auth/internal/security"
	"github.com/iliyamo/bookstore-auth/internal/service"
)

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	svc     *service.AuthService
	cookies CookieConfig
	log     *zap.Logger
}

func NewAuthHandler(svc *service.AuthService, cookies CookieConfig, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{svc: svc, cookies: cookies, log: log}
}

// ----- DTOs -----

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type sessionResp struct {
	User        service.PublicUser `json:"user"`
	Roles       []string           `json:"roles"`
	Permissions []string           `json:"permissions"`
	Access      tokenPart          `json:"access"`
	Refresh     tokenPart          `json:"refresh"`
}

type meResp struct {
	UserID      string    `json:"user_id"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Register creates an account and returns its public profile. No
// session is opened; the client logs in afterwards.
func (h *AuthHandler) Register(c echo.Context) error {
	var req service.RegisterInput
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	u, err := h.svc.Register(ctx, req)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, u)
}

// Login verifies credentials and returns a new pair, in the body and as
// cookies.
func (h *AuthHandler) Login(c echo.Context) error {
	var req service.LoginInput
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	s, err := h.svc.Login(ctx, req)
	if err != nil {
		return writeError(c, h.log, err)
	}
	h.setSessionCookies(c, s.AccessToken, s.RefreshToken)
	return c.JSON(http.StatusOK, toSessionResp(s))
}

// Refresh exchanges the refresh token from the body or the refresh_token
// cookie for a new pair. The old token is consumed. On failure both
// cookies are cleared so the browser falls back to a full login.
func (h *AuthHandler) Refresh(c echo.Context) error {
	raw := h.refreshToken(c)
	if raw == "" {
		h.clearSessionCookies(c)
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "refresh_token required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	s, err := h.svc.Refresh(ctx, raw)
	if err != nil {
		h.clearSessionCookies(c)
		return writeError(c, h.log, err)
	}
	h.setSessionCookies(c, s.AccessToken, s.RefreshToken)
	return c.JSON(http.StatusOK, toSessionResp(s))
}

// Logout revokes the presented refresh token, if any, and clears the
// session cookies. It answers 204 whatever the token state.
func (h *AuthHandler) Logout(c echo.Context) error {
	raw := h.refreshToken(c)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.svc.Logout(ctx, raw); err != nil {
		h.log.Error("logout failed", zap.Error(err))
	}
	h.clearSessionCookies(c)
	return c.NoContent(http.StatusNoContent)
}

// LogoutAll revokes every refresh session of the caller (protected).
func (h *AuthHandler) LogoutAll(c echo.Context) error {
	claims, ok := security.ClaimsFromContext(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if _, err := h.svc.RevokeSessions(ctx, claims.UserID(), "logout_all"); err != nil {
		return writeError(c, h.log, err)
	}
	h.clearSessionCookies(c)
	return c.NoContent(http.StatusNoContent)
}

// Me returns the identity carried by the access token (protected).
func (h *AuthHandler) Me(c echo.Context) error {
	claims, ok := security.ClaimsFromContext(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	resp := meResp{
		UserID:      claims.Subject,
		Roles:       nonNil(claims.Roles),
		Permissions: nonNil(claims.Permissions),
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time
	}
	return c.JSON(http.StatusOK, resp)
}

// refreshToken reads the token from the JSON body, then the cookie.
// An unreadable body is treated as absent.
func (h *AuthHandler) refreshToken(c echo.Context) string {
	var req refreshReq
	_ = c.Bind(&req)
	if raw := strings.TrimSpace(req.RefreshToken); raw != "" {
		return raw
	}
	if ck, err := c.Cookie(refreshTokenCookie); err == nil {
		return strings.TrimSpace(ck.Value)
	}
	return ""
}

func toSessionResp(s service.Session) sessionResp {
	return sessionResp{
		User:        s.User,
		Roles:       nonNil(s.Roles),
		Permissions: nonNil(s.Permissions),
		Access:      tokenPart{Token: s.AccessToken, Expires: s.AccessExpiresAt},
		Refresh:     tokenPart{Token: s.RefreshToken, Expires: s.RefreshExpiresAt},
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
