package router

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bookstore-auth/internal/handler"
	"github.com/iliyamo/bookstore-auth/internal/middleware"
)

// RegisterRoutes registers the unauthenticated operational endpoints.
// A nil metrics handler leaves /metrics unrouted.
func RegisterRoutes(e *echo.Echo, health echo.HandlerFunc, metrics http.Handler) {
	e.GET("/healthz", health)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
}

// RegisterAuth registers the session endpoints. Register, login, refresh
// and logout are public; register and login additionally pass through
// limiter. Everything under /v1 outside /v1/auth requires a valid access
// token.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, v middleware.AccessTokenValidator, limiter echo.MiddlewareFunc) {
	authn := middleware.Authenticate(v)

	g := e.Group("/v1/auth")
	g.POST("/register", a.Register, limiter)
	g.POST("/login", a.Login, limiter)
	// Rotates the refresh token; the presented one is consumed.
	g.POST("/refresh", a.Refresh)
	g.POST("/logout", a.Logout)
	g.POST("/logout-all", a.LogoutAll, authn)

	protected := e.Group("/v1", authn)
	protected.GET("/me", a.Me)
}

// RegisterAdmin registers operator endpoints. Gates run in a fixed
// order: authentication, then role ADMIN, then the per-route permission.
func RegisterAdmin(e *echo.Echo, h *handler.AdminHandler, v middleware.AccessTokenValidator) {
	g := e.Group("/v1/admin", middleware.Authenticate(v), middleware.RequireRole("ADMIN"))
	g.GET("/users/:id/roles", h.GetUserRoles, middleware.RequirePermission("users.read"))
	g.DELETE("/users/:id/sessions", h.RevokeUserSessions, middleware.RequirePermission("sessions.revoke"))
}
