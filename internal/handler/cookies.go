package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bookstore-auth/internal/middleware"
)

const (
	refreshTokenCookie = "refresh_token"
	refreshCookiePath  = "/v1/auth"
)

// CookieConfig controls the session cookies set for browser clients.
type CookieConfig struct {
	Secure     bool
	Domain     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func (h *AuthHandler) setSessionCookies(c echo.Context, access, refresh string) {
	c.SetCookie(h.cookie(middleware.AccessTokenCookie, access, "/", h.cookies.AccessTTL))
	c.SetCookie(h.cookie(refreshTokenCookie, refresh, refreshCookiePath, h.cookies.RefreshTTL))
}

func (h *AuthHandler) clearSessionCookies(c echo.Context) {
	c.SetCookie(h.cookie(middleware.AccessTokenCookie, "", "/", -1))
	c.SetCookie(h.cookie(refreshTokenCookie, "", refreshCookiePath, -1))
}

// cookie builds an HttpOnly cookie; a negative ttl deletes it.
func (h *AuthHandler) cookie(name, value, path string, ttl time.Duration) *http.Cookie {
	maxAge := int(ttl / time.Second)
	if ttl < 0 {
		maxAge = -1
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   h.cookies.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
