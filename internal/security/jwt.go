package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLen is the minimum length of each signing secret.
const MinSecretLen = 32

// AccessClaims is the payload of an access token. Roles and permissions
// are a snapshot taken when the token was minted; the token is never
// looked up server-side, so the snapshot lives until exp.
type AccessClaims struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// UserID returns the numeric subject of the token.
func (c *AccessClaims) UserID() uint64 {
	id, _ := strconv.ParseUint(c.Subject, 10, 64)
	return id
}

// HasRole reports whether name is one of the token's roles.
func (c *AccessClaims) HasRole(name string) bool {
	for _, r := range c.Roles {
		if r == name {
			return true
		}
	}
	return false
}

// HasPermission reports whether name is one of the token's permissions.
func (c *AccessClaims) HasPermission(name string) bool {
	for _, p := range c.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// SignedToken is a serialized JWT along with the times embedded in it.
type SignedToken struct {
	Token    string
	IssuedAt time.Time
	Exp      time.Time
}

// TokenIssuer mints and validates access and refresh tokens. The two
// token types are signed with different secrets so neither can stand in
// for the other. A TokenIssuer holds only immutable key material and is
// safe for concurrent use.
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	hashKey       []byte
	now           func() time.Time
}

// IssuerOption customises a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithClock replaces time.Now for minting and validation.
func WithClock(now func() time.Time) IssuerOption {
	return func(t *TokenIssuer) { t.now = now }
}

// WithHashKey sets the HMAC key used by HashRefreshToken. When unset the
// refresh secret is used.
func WithHashKey(key string) IssuerOption {
	return func(t *TokenIssuer) {
		if key != "" {
			t.hashKey = []byte(key)
		}
	}
}

// NewTokenIssuer validates the secrets and returns an issuer. Both
// secrets must be at least MinSecretLen bytes and must differ.
func NewTokenIssuer(accessSecret, refreshSecret string, opts ...IssuerOption) (*TokenIssuer, error) {
	if len(accessSecret) < MinSecretLen {
		return nil, &ConfigError{Field: "access_secret", Reason: fmt.Sprintf("must be at least %d characters", MinSecretLen)}
	}
	if len(refreshSecret) < MinSecretLen {
		return nil, &ConfigError{Field: "refresh_secret", Reason: fmt.Sprintf("must be at least %d characters", MinSecretLen)}
	}
	if accessSecret == refreshSecret {
		return nil, &ConfigError{Field: "refresh_secret", Reason: "must differ from access_secret"}
	}
	t := &TokenIssuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		hashKey:       []byte(refreshSecret),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// GenerateAccessToken signs {sub, roles, permissions, iat, exp, jti}
// with the access secret.
func (t *TokenIssuer) GenerateAccessToken(userID uint64, roles, permissions []string, ttlMin int) (SignedToken, error) {
	iat := t.now().UTC().Truncate(time.Second)
	exp := iat.Add(time.Duration(ttlMin) * time.Minute)
	if roles == nil {
		roles = []string{}
	}
	if permissions == nil {
		permissions = []string{}
	}
	claims := AccessClaims{
		Roles:       roles,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.accessSecret)
	if err != nil {
		return SignedToken{}, fmt.Errorf("signing access token: %w", err)
	}
	return SignedToken{Token: signed, IssuedAt: iat, Exp: exp}, nil
}

// GenerateRefreshToken signs {sub, iat, exp, jti} with the refresh
// secret. It carries no roles or permissions; those are re-read from the
// user store on every refresh. The jti makes every refresh token, and
// therefore every stored hash, unique even within the same second.
func (t *TokenIssuer) GenerateRefreshToken(userID uint64, ttlDays int) (SignedToken, error) {
	iat := t.now().UTC().Truncate(time.Second)
	exp := iat.Add(time.Duration(ttlDays) * 24 * time.Hour)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(userID, 10),
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.refreshSecret)
	if err != nil {
		return SignedToken{}, fmt.Errorf("signing refresh token: %w", err)
	}
	return SignedToken{Token: signed, IssuedAt: iat, Exp: exp}, nil
}

// ValidateAccessToken verifies an access token against the access
// secret. Errors are ErrTokenExpired, ErrTokenSignature or
// ErrTokenMalformed.
func (t *TokenIssuer) ValidateAccessToken(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, err := t.parser().ParseWithClaims(raw, claims, keyFunc(t.accessSecret)); err != nil {
		return nil, classify(err)
	}
	if _, err := strconv.ParseUint(claims.Subject, 10, 64); err != nil {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// ValidateRefreshToken verifies a refresh token against the refresh
// secret and returns its subject.
func (t *TokenIssuer) ValidateRefreshToken(raw string) (uint64, error) {
	claims := &jwt.RegisteredClaims{}
	if _, err := t.parser().ParseWithClaims(raw, claims, keyFunc(t.refreshSecret)); err != nil {
		return 0, classify(err)
	}
	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrTokenMalformed
	}
	return id, nil
}

// HashRefreshToken returns the hex HMAC-SHA256 of raw. It is the lookup
// key in the refresh store and is independent of the JWT signature.
func (t *TokenIssuer) HashRefreshToken(raw string) string {
	mac := hmac.New(sha256.New, t.hashKey)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// Now exposes the issuer's clock so collaborators share one time source.
func (t *TokenIssuer) Now() time.Time { return t.now() }

func (t *TokenIssuer) parser() *jwt.Parser {
	return jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(t.now),
	)
}

func keyFunc(secret []byte) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) { return secret, nil }
}

// classify collapses jwt's error set onto the three validation outcomes.
// The signature is checked before claims, so a token signed with the
// other domain's secret is ErrTokenSignature even when also expired.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrTokenSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	default:
		return ErrTokenMalformed
	}
}
