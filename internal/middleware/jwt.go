package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bookstore-auth/internal/security"
)

// AccessTokenCookie is the cookie that carries the access token for
// browser clients.
const AccessTokenCookie = "access_token"

// AccessTokenValidator checks an access token and returns its claims.
type AccessTokenValidator interface {
	ValidateAccessToken(raw string) (*security.AccessClaims, error)
}

// Authenticate is the authentication gate. It reads the access token
// from the Authorization header ("Bearer <token>") or, failing that,
// from the access_token cookie, validates it and stores the claims in
// the request context. Any failure ends the request with 401 before the
// next handler runs.
func Authenticate(v AccessTokenValidator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearerToken(c.Request())
			if raw == "" {
				if ck, err := c.Cookie(AccessTokenCookie); err == nil {
					raw = ck.Value
				}
			}
			if raw == "" {
				return unauthorized(c, "missing access token")
			}

			claims, err := v.ValidateAccessToken(raw)
			if err != nil {
				if errors.Is(err, security.ErrTokenExpired) {
					return unauthorized(c, "access token expired")
				}
				return unauthorized(c, "invalid access token")
			}

			req := c.Request()
			c.SetRequest(req.WithContext(security.ContextWithClaims(req.Context(), claims)))
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get(echo.HeaderAuthorization)
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func unauthorized(c echo.Context, msg string) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, `Bearer realm="api"`)
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": msg})
}
