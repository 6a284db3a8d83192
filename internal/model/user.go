package model

import "time"

// User represents an account as stored in the `users` table. The
// password hash is the user's credential: an Argon2id PHC string that
// embeds its own salt and cost parameters. It is tagged so that it can
// never leak through JSON encoding; handlers build separate response
// types for anything that leaves the process.
//
// Fields:
//
//	ID           – primary key identifier of the user.
//	Email        – unique, lower-cased email address.
//	FirstName    – given name.
//	LastName     – family name.
//	PasswordHash – Argon2id PHC string.
//	IsActive     – whether the account may log in.
//	CreatedAt    – timestamp of creation.
//	UpdatedAt    – timestamp of last update.
type User struct {
	ID           uint64    `json:"id"`
	Email        string    `json:"email"`
	FirstName    string    `json:"fname"`
	LastName     string    `json:"lname"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role represents a row in the `roles` table together with the
// permissions granted through `role_permissions`. Names are unique and
// stored upper-cased (e.g. ADMIN, USER).
type Role struct {
	ID          uint64       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
}

// Permission represents a row in the `permissions` table. Names are
// unique and stored lower-cased (e.g. users.read).
type Permission struct {
	ID          uint64 `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RefreshToken models one server-side session. Only a keyed hash of
// the raw refresh token is kept; the raw value lives with the client.
// A record that is present and not expired is a valid session; a
// missing record means the session was revoked or never existed.
//
// Fields:
//
//	UserID    – owner of the session.
//	TokenHash – hex HMAC-SHA256 of the raw refresh token.
//	IssuedAt  – when the refresh token was minted.
//	ExpiresAt – natural expiry; the store reclaims the record at this time.
type RefreshToken struct {
	UserID    uint64    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RoleNames returns the names of the given roles in their stored order.
func RoleNames(roles []Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.Name)
	}
	return out
}

// PermissionNames returns the de-duplicated union of permission names
// granted by the given roles, in first-seen order.
func PermissionNames(roles []Role) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, r := range roles {
		for _, p := range r.Permissions {
			if _, ok := seen[p.Name]; ok {
				continue
			}
			seen[p.Name] = struct{}{}
			out = append(out, p.Name)
		}
	}
	return out
}
