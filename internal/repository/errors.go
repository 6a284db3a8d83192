// Package repository holds the persistence adapters used by the auth
// service: a MySQL-backed user/role store and a Redis-backed refresh
// token store. The sentinel values below let the service layer tell
// storage outcomes apart without inspecting driver errors.
package repository

import "errors"

// ErrNotFound is returned when a looked-up row or key does not exist.
// For refresh tokens this also covers records that have expired or
// were revoked, since the store cannot distinguish them.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when inserting a refresh token whose hash is
// already active. Token ids make this impossible in practice, so the
// service reports it as an internal failure.
var ErrDuplicate = errors.New("duplicate key")

// ErrEmailExists is returned by UserRepo.Create when the unique index on
// users.email rejects the insert.
var ErrEmailExists = errors.New("email already exists")

// ErrExpired is returned when asked to persist a record whose expiry is
// already in the past.
var ErrExpired = errors.New("record already expired")
