package security

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenExpired is returned when a token's signature is valid but its
	// exp claim is in the past.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenSignature is returned when a token was not signed with the
	// expected secret or algorithm.
	ErrTokenSignature = errors.New("token signature invalid")
	// ErrTokenMalformed covers every other structural problem: bad
	// encoding, missing claims, unparsable subject.
	ErrTokenMalformed = errors.New("token malformed")

	// ErrMalformedHash signals that a stored credential hash cannot be
	// parsed. It is a data-integrity problem, not a failed login.
	ErrMalformedHash = errors.New("malformed password hash")
)

// ConfigError reports a security parameter outside its safe bounds. It
// is produced at construction time so that a misconfigured process
// refuses to start.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("security config: %s %s", e.Field, e.Reason)
}
