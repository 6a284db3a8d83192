package security

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	accessSecret  = "access-secret-access-secret-0123456789"
	refreshSecret = "refresh-secret-refresh-secret-012345678"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestIssuer(t *testing.T) (*TokenIssuer, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	iss, err := NewTokenIssuer(accessSecret, refreshSecret, WithClock(clock.Now))
	require.NoError(t, err)
	return iss, clock
}

func TestAccessToken_ValidThenExpired(t *testing.T) {
	iss, clock := newTestIssuer(t)

	tok, err := iss.GenerateAccessToken(42, []string{"USER"}, []string{"books.read"}, 15)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(15*time.Minute), tok.Exp)

	claims, err := iss.ValidateAccessToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), claims.UserID())
	assert.Equal(t, []string{"USER"}, claims.Roles)
	assert.Equal(t, []string{"books.read"}, claims.Permissions)
	assert.NotEmpty(t, claims.ID)

	clock.Advance(15*time.Minute + time.Second)
	_, err = iss.ValidateAccessToken(tok.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshToken_CarriesNoAuthorization(t *testing.T) {
	iss, clock := newTestIssuer(t)

	tok, err := iss.GenerateRefreshToken(7, 7)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(7*24*time.Hour), tok.Exp)

	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(tok.Token, claims)
	require.NoError(t, err)
	assert.NotContains(t, claims, "roles")
	assert.NotContains(t, claims, "permissions")

	id, err := iss.ValidateRefreshToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)

	clock.Advance(7*24*time.Hour + time.Second)
	_, err = iss.ValidateRefreshToken(tok.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokens_DomainSeparation(t *testing.T) {
	iss, _ := newTestIssuer(t)

	access, err := iss.GenerateAccessToken(1, []string{"ADMIN"}, nil, 15)
	require.NoError(t, err)
	refresh, err := iss.GenerateRefreshToken(1, 7)
	require.NoError(t, err)

	_, err = iss.ValidateRefreshToken(access.Token)
	assert.ErrorIs(t, err, ErrTokenSignature, "access token must not validate as refresh")

	_, err = iss.ValidateAccessToken(refresh.Token)
	assert.ErrorIs(t, err, ErrTokenSignature, "refresh token must not validate as access")
}

func TestValidateAccessToken_Malformed(t *testing.T) {
	iss, _ := newTestIssuer(t)

	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := iss.ValidateAccessToken(raw)
		assert.ErrorIs(t, err, ErrTokenMalformed, "input %q", raw)
	}

	// alg=none is rejected before any key is consulted.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "1", "exp": time.Now().Add(time.Hour).Unix()}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = iss.ValidateAccessToken(unsigned)
	assert.Error(t, err)

	// A correctly signed token without a numeric subject is malformed.
	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice", "iat": time.Now().Unix(), "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(accessSecret))
	require.NoError(t, err)
	iss2, err := NewTokenIssuer(accessSecret, refreshSecret)
	require.NoError(t, err)
	_, err = iss2.ValidateAccessToken(bad)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestValidateAccessToken_TamperedPayload(t *testing.T) {
	iss, _ := newTestIssuer(t)
	tok, err := iss.GenerateAccessToken(5, []string{"USER"}, nil, 15)
	require.NoError(t, err)

	other, err := iss.GenerateAccessToken(5, []string{"ADMIN"}, nil, 15)
	require.NoError(t, err)

	parts := strings.Split(tok.Token, ".")
	otherParts := strings.Split(other.Token, ".")
	forged := parts[0] + "." + otherParts[1] + "." + parts[2]

	_, err = iss.ValidateAccessToken(forged)
	assert.ErrorIs(t, err, ErrTokenSignature)
}

func TestHashRefreshToken(t *testing.T) {
	iss, _ := newTestIssuer(t)
	a, err := iss.GenerateRefreshToken(1, 1)
	require.NoError(t, err)
	b, err := iss.GenerateRefreshToken(1, 1)
	require.NoError(t, err)

	assert.Equal(t, iss.HashRefreshToken(a.Token), iss.HashRefreshToken(a.Token), "hash must be deterministic")
	assert.NotEqual(t, iss.HashRefreshToken(a.Token), iss.HashRefreshToken(b.Token), "tokens minted in the same second must differ")
	assert.Len(t, iss.HashRefreshToken(a.Token), 64)

	peppered, err := NewTokenIssuer(accessSecret, refreshSecret, WithHashKey("a-different-pepper-a-different-pepper"))
	require.NoError(t, err)
	assert.NotEqual(t, iss.HashRefreshToken(a.Token), peppered.HashRefreshToken(a.Token))
}

func TestNewTokenIssuer_RejectsWeakSecrets(t *testing.T) {
	tests := []struct {
		name            string
		access, refresh string
		field           string
	}{
		{"short access", "short", refreshSecret, "access_secret"},
		{"short refresh", accessSecret, "short", "refresh_secret"},
		{"identical", accessSecret, accessSecret, "refresh_secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenIssuer(tt.access, tt.refresh)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestClaimsContext(t *testing.T) {
	_, ok := ClaimsFromContext(context.Background())
	assert.False(t, ok)

	claims := &AccessClaims{Roles: []string{"USER"}}
	got, ok := ClaimsFromContext(ContextWithClaims(context.Background(), claims))
	require.True(t, ok)
	assert.Same(t, claims, got)
	assert.True(t, got.HasRole("USER"))
	assert.False(t, got.HasPermission("users.read"))
}
