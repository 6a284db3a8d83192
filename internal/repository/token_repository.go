package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/bookstore-auth/internal/model"
)

// Key layout:
//
//	refresh:<hash>          JSON model.RefreshToken, PX = time until ExpiresAt
//	refresh_user:<user_id>  SET of active hashes, PX = longest member TTL
//
// Both keys expire natively so no sweep job is needed.
const (
	tokenKeyPrefix = "refresh:"
	userKeyPrefix  = "refresh_user:"
)

// storeScript inserts a record only if its hash is not already active,
// then adds it to the owner's index and stretches the index TTL.
var storeScript = redis.NewScript(`
	if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
		return 0
	end
	redis.call('SADD', KEYS[2], ARGV[3])
	if redis.call('PTTL', KEYS[2]) < tonumber(ARGV[2]) then
		redis.call('PEXPIRE', KEYS[2], ARGV[2])
	end
	return 1
`)

// rotateScript replaces KEYS[1] with KEYS[2] as one step. It returns -1
// if the old record is gone (revoked, expired or already rotated) and -2
// if the new hash is already taken; in both cases nothing is written.
var rotateScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[2]) == 1 then
		return -2
	end
	if redis.call('DEL', KEYS[1]) == 0 then
		return -1
	end
	redis.call('SREM', KEYS[3], ARGV[1])
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
	redis.call('SADD', KEYS[3], ARGV[4])
	if redis.call('PTTL', KEYS[3]) < tonumber(ARGV[3]) then
		redis.call('PEXPIRE', KEYS[3], ARGV[3])
	end
	return 1
`)

// revokeAllScript deletes every record listed in a user's index and the
// index itself, returning how many live records were removed.
var revokeAllScript = redis.NewScript(`
	local hashes = redis.call('SMEMBERS', KEYS[1])
	local n = 0
	for _, h in ipairs(hashes) do
		n = n + redis.call('DEL', ARGV[1] .. h)
	end
	redis.call('DEL', KEYS[1])
	return n
`)

// TokenRepo is the refresh token store. Only keyed hashes of refresh
// tokens are kept; presence of a record means the session is live.
type TokenRepo struct {
	rdb *redis.Client
	now func() time.Time
}

// TokenRepoOption customises a TokenRepo.
type TokenRepoOption func(*TokenRepo)

// WithTokenClock sets the clock used to compute TTLs and to treat
// records past ExpiresAt as absent.
func WithTokenClock(now func() time.Time) TokenRepoOption {
	return func(r *TokenRepo) { r.now = now }
}

func NewTokenRepo(rdb *redis.Client, opts ...TokenRepoOption) *TokenRepo {
	r := &TokenRepo{rdb: rdb, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store persists rec with a native expiry at rec.ExpiresAt. It returns
// ErrDuplicate if the hash is already active and ErrExpired if the
// record would expire immediately.
func (r *TokenRepo) Store(ctx context.Context, rec model.RefreshToken) error {
	payload, ttl, err := r.encode(rec)
	if err != nil {
		return err
	}
	n, err := storeScript.Run(ctx, r.rdb,
		[]string{tokenKey(rec.TokenHash), userKey(rec.UserID)},
		payload, ttl.Milliseconds(), rec.TokenHash,
	).Int64()
	if err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// Get returns the live record for tokenHash or ErrNotFound.
func (r *TokenRepo) Get(ctx context.Context, tokenHash string) (model.RefreshToken, error) {
	raw, err := r.rdb.Get(ctx, tokenKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return model.RefreshToken{}, fmt.Errorf("get refresh token: %w", err)
	}
	var rec model.RefreshToken
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.RefreshToken{}, fmt.Errorf("decode refresh token: %w", err)
	}
	// Redis expiry has millisecond granularity and its own clock.
	if !r.now().Before(rec.ExpiresAt) {
		return model.RefreshToken{}, ErrNotFound
	}
	return rec, nil
}

// Revoke deletes the record for tokenHash. Revoking an absent hash is
// not an error.
func (r *TokenRepo) Revoke(ctx context.Context, tokenHash string) error {
	raw, err := r.rdb.Get(ctx, tokenKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	var rec model.RefreshToken
	if err := json.Unmarshal(raw, &rec); err != nil {
		// Unreadable record: drop it without touching any index.
		return r.rdb.Del(ctx, tokenKey(tokenHash)).Err()
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, tokenKey(tokenHash))
		p.SRem(ctx, userKey(rec.UserID), tokenHash)
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// Rotate atomically revokes oldHash and stores next. Exactly one of two
// concurrent rotations of the same hash succeeds; the other gets
// ErrNotFound and nothing is written on its behalf.
func (r *TokenRepo) Rotate(ctx context.Context, oldHash string, next model.RefreshToken) error {
	payload, ttl, err := r.encode(next)
	if err != nil {
		return err
	}
	n, err := rotateScript.Run(ctx, r.rdb,
		[]string{tokenKey(oldHash), tokenKey(next.TokenHash), userKey(next.UserID)},
		oldHash, payload, ttl.Milliseconds(), next.TokenHash,
	).Int64()
	if err != nil {
		return fmt.Errorf("rotate refresh token: %w", err)
	}
	switch n {
	case -1:
		return ErrNotFound
	case -2:
		return ErrDuplicate
	}
	return nil
}

// RevokeAllForUser deletes every live refresh record of userID and
// returns how many were removed.
func (r *TokenRepo) RevokeAllForUser(ctx context.Context, userID uint64) (int, error) {
	n, err := revokeAllScript.Run(ctx, r.rdb, []string{userKey(userID)}, tokenKeyPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return n, nil
}

func (r *TokenRepo) encode(rec model.RefreshToken) ([]byte, time.Duration, error) {
	ttl := rec.ExpiresAt.Sub(r.now())
	if ttl < time.Millisecond {
		return nil, 0, ErrExpired
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, 0, fmt.Errorf("encode refresh token: %w", err)
	}
	return payload, ttl, nil
}

func tokenKey(hash string) string { return tokenKeyPrefix + hash }

func userKey(userID uint64) string { return userKeyPrefix + strconv.FormatUint(userID, 10) }
