// Package queue defines message payloads exchanged over the message broker.
package queue

// Routing keys, used as durable queue names on the default exchange.
const (
	UserRegisteredKey = "user.registered"
	SessionRevokedKey = "session.revoked"
)

// UserRegisteredEvent is published after a new account has been
// persisted. It never carries credentials.
type UserRegisteredEvent struct {
	UserID       uint64 `json:"user_id"`
	Email        string `json:"email"`
	FirstName    string `json:"fname"`
	LastName     string `json:"lname"`
	RegisteredAt string `json:"registered_at"`
}

// SessionRevokedEvent is published when refresh sessions are killed
// server-side, either by the owner (logout everywhere) or by an admin.
// Sessions is the number of live records removed.
type SessionRevokedEvent struct {
	UserID    uint64 `json:"user_id"`
	Sessions  int    `json:"sessions"`
	Reason    string `json:"reason"`
	RevokedAt string `json:"revoked_at"`
}
