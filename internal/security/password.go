package security

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

// Safe lower bounds for Argon2id cost parameters.
const (
	MinMemoryKB    = 1024
	MinIterations  = 1
	MinParallelism = 1
	MinKeyLen      = 16

	saltLen = 16
	algID   = "argon2id"
)

// HashParams are the tunable Argon2id costs. They are embedded in every
// hash produced so that verification never depends on current config.
type HashParams struct {
	MemoryKB    uint32
	Iterations  uint32
	Parallelism uint8
	KeyLen      uint32
}

// DefaultHashParams follows the OWASP Argon2id baseline.
func DefaultHashParams() HashParams {
	return HashParams{MemoryKB: 64 * 1024, Iterations: 3, Parallelism: 1, KeyLen: 32}
}

// Validate checks the parameters against the safe minimums.
func (p HashParams) Validate() error {
	switch {
	case p.MemoryKB < MinMemoryKB:
		return &ConfigError{Field: "memory_kb", Reason: fmt.Sprintf("must be at least %d, got %d", MinMemoryKB, p.MemoryKB)}
	case p.Iterations < MinIterations:
		return &ConfigError{Field: "time_cost", Reason: fmt.Sprintf("must be at least %d, got %d", MinIterations, p.Iterations)}
	case p.Parallelism < MinParallelism:
		return &ConfigError{Field: "parallelism", Reason: fmt.Sprintf("must be at least %d, got %d", MinParallelism, p.Parallelism)}
	case p.MemoryKB < 8*uint32(p.Parallelism):
		return &ConfigError{Field: "memory_kb", Reason: "must be at least 8 KB per lane"}
	case p.KeyLen < MinKeyLen:
		return &ConfigError{Field: "output_len", Reason: fmt.Sprintf("must be at least %d, got %d", MinKeyLen, p.KeyLen)}
	}
	return nil
}

// Hasher produces and verifies Argon2id PHC strings of the form
//
//	$argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>
//
// Each computation reserves a slot in a bounded pool before running, so
// a burst of logins cannot allocate more than workers*MemoryKB at once
// and request handling on the remaining cores carries on.
type Hasher struct {
	params  HashParams
	workers *semaphore.Weighted
}

// NewHasher validates params and sizes the worker pool. It fails with a
// *ConfigError if the parameters are outside the safe bounds.
func NewHasher(params HashParams, workers int) (*Hasher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if workers < 1 {
		return nil, &ConfigError{Field: "workers", Reason: fmt.Sprintf("must be at least 1, got %d", workers)}
	}
	return &Hasher{params: params, workers: semaphore.NewWeighted(int64(workers))}, nil
}

// Params returns the parameters new hashes are produced with.
func (h *Hasher) Params() HashParams { return h.params }

// Hash salts and hashes password, returning a self-describing PHC string.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	if err := h.workers.Acquire(ctx, 1); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, h.params.Iterations, h.params.MemoryKB, h.params.Parallelism, h.params.KeyLen)
	h.workers.Release(1)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algID,
		argon2.Version,
		h.params.MemoryKB, h.params.Iterations, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches the encoded hash. A mismatch
// is (false, nil); an unparsable hash returns an error wrapping
// ErrMalformedHash.
func (h *Hasher) Verify(ctx context.Context, password, encoded string) (bool, error) {
	params, salt, want, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}

	if err := h.workers.Acquire(ctx, 1); err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, params.Iterations, params.MemoryKB, params.Parallelism, uint32(len(want))) //nolint:gosec // G115: decoded digest length fits uint32
	h.workers.Release(1)

	return subtle.ConstantTimeCompare(want, got) == 1, nil
}

// decodePHC parses an Argon2id PHC string into its components.
func decodePHC(encoded string) (params HashParams, salt, hash []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" { //nolint:mnd // PHC format has exactly 6 $-delimited parts
		return params, nil, nil, fmt.Errorf("%w: expected 6 segments", ErrMalformedHash)
	}
	if parts[1] != algID {
		return params, nil, nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedHash, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return params, nil, nil, fmt.Errorf("%w: parsing version: %v", ErrMalformedHash, err)
	}
	if version != argon2.Version {
		return params, nil, nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedHash, version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.MemoryKB, &params.Iterations, &params.Parallelism); err != nil {
		return params, nil, nil, fmt.Errorf("%w: parsing parameters: %v", ErrMalformedHash, err)
	}
	if params.MemoryKB == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		return params, nil, nil, fmt.Errorf("%w: zero cost parameter", ErrMalformedHash)
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return params, nil, nil, fmt.Errorf("%w: decoding salt", ErrMalformedHash)
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return params, nil, nil, fmt.Errorf("%w: decoding digest", ErrMalformedHash)
	}
	params.KeyLen = uint32(len(hash)) //nolint:gosec // G115: decoded digest length fits uint32
	return params, salt, hash, nil
}
