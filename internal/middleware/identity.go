package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bookstore-auth/internal/security"
)

// claimsOf returns the claims attached by Authenticate.
func claimsOf(c echo.Context) (*security.AccessClaims, bool) {
	return security.ClaimsFromContext(c.Request().Context())
}

// userID returns the authenticated subject, or "anon" on public routes.
func userID(c echo.Context) string {
	if claims, ok := claimsOf(c); ok && claims.Subject != "" {
		return claims.Subject
	}
	return "anon"
}
