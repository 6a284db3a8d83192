// Package service implements the authentication orchestrator: account
// registration, login, refresh-token rotation and session revocation.
package service

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error classes. Handlers map them to HTTP statuses with errors.Is.
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("email already registered")
	ErrNotFound     = errors.New("not found")
	ErrInternal     = errors.New("internal error")
)

// Unauthorized variants. Every login failure, including an unknown
// email, is ErrInvalidCredentials; every refresh failure is
// ErrInvalidRefreshToken.
var (
	ErrInvalidCredentials  = fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	ErrInvalidRefreshToken = fmt.Errorf("%w: invalid or expired refresh token", ErrUnauthorized)
)

// ValidationError lists rejected input fields with a short reason each.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// internalErr tags err as ErrInternal while keeping it in the chain for
// server-side logging.
func internalErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
}
