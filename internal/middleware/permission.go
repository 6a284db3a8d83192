package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequirePermission admits the request only when the caller holds every
// one of perms. A denial lists the missing names, in the order they were
// required, under "missing".
func RequirePermission(perms ...string) echo.MiddlewareFunc {
	required := make([]string, 0, len(perms))
	for _, p := range perms {
		required = append(required, strings.ToLower(strings.TrimSpace(p)))
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, ok := claimsOf(c)
			if !ok {
				return unauthorized(c, "missing access token")
			}
			held := make(map[string]struct{}, len(claims.Permissions))
			for _, p := range claims.Permissions {
				held[p] = struct{}{}
			}
			var missing []string
			for _, p := range required {
				if _, ok := held[p]; !ok {
					missing = append(missing, p)
				}
			}
			if len(missing) > 0 {
				return c.JSON(http.StatusForbidden, echo.Map{
					"error":   "missing permissions",
					"missing": missing,
				})
			}
			return next(c)
		}
	}
}
