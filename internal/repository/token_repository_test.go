package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bookstore-auth/internal/model"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTokenRepo(t *testing.T) (*TokenRepo, *miniredis.Miniredis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewTokenRepo(rdb, WithTokenClock(clock.Now)), mr, clock
}

func record(clock *testClock, userID uint64, hash string, ttl time.Duration) model.RefreshToken {
	now := clock.Now()
	return model.RefreshToken{UserID: userID, TokenHash: hash, IssuedAt: now, ExpiresAt: now.Add(ttl)}
}

func TestTokenRepo_StoreGetRevoke(t *testing.T) {
	repo, _, clock := newTokenRepo(t)
	ctx := context.Background()

	rec := record(clock, 9, "abc", time.Hour)
	require.NoError(t, repo.Store(ctx, rec))

	got, err := repo.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, rec.UserID, got.UserID)
	assert.Equal(t, rec.TokenHash, got.TokenHash)
	assert.True(t, rec.IssuedAt.Equal(got.IssuedAt))
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, repo.Revoke(ctx, "abc"))
	_, err = repo.Get(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)

	// Revoke is idempotent.
	require.NoError(t, repo.Revoke(ctx, "abc"))
	require.NoError(t, repo.Revoke(ctx, "never-stored"))
}

func TestTokenRepo_NativeExpiry(t *testing.T) {
	repo, mr, clock := newTokenRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, record(clock, 1, "short", time.Minute)))
	assert.Equal(t, time.Minute, mr.TTL(tokenKey("short")))
	assert.Equal(t, time.Minute, mr.TTL(userKey(1)))

	mr.FastForward(time.Minute + time.Second)
	clock.Advance(time.Minute + time.Second)

	assert.False(t, mr.Exists(tokenKey("short")), "record must be reclaimed by redis")
	assert.False(t, mr.Exists(userKey(1)), "index must be reclaimed by redis")
	_, err := repo.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenRepo_GetHonoursClockBeforeRedisExpiry(t *testing.T) {
	repo, _, clock := newTokenRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, record(clock, 1, "h", time.Minute)))
	clock.Advance(time.Minute)

	_, err := repo.Get(ctx, "h")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenRepo_StoreRejectsDuplicateAndExpired(t *testing.T) {
	repo, _, clock := newTokenRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, record(clock, 1, "dup", time.Hour)))
	err := repo.Store(ctx, record(clock, 2, "dup", time.Hour))
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := repo.Get(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.UserID, "first record must be untouched")

	err = repo.Store(ctx, record(clock, 1, "stale", -time.Second))
	assert.ErrorIs(t, err, ErrExpired)
}

func TestTokenRepo_IndexTTLTracksLongestRecord(t *testing.T) {
	repo, mr, clock := newTokenRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, record(clock, 3, "long", 2*time.Hour)))
	require.NoError(t, repo.Store(ctx, record(clock, 3, "short", time.Hour)))
	assert.Equal(t, 2*time.Hour, mr.TTL(userKey(3)))
}

func TestTokenRepo_Rotate(t *testing.T) {
	repo, mr, clock := newTokenRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, record(clock, 4, "old", time.Hour)))
	require.NoError(t, repo.Rotate(ctx, "old", record(clock, 4, "new", 2*time.Hour)))

	_, err := repo.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := repo.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.UserID)

	members, err := mr.Members(userKey(4))
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, members)

	// Second rotation of the same old hash loses and writes nothing.
	err = repo.Rotate(ctx, "old", record(clock, 4, "newer", time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists(tokenKey("newer")))
}

func TestTokenRepo_RotateRejectsTakenHashWithoutRevoking(t *testing.T) {
	repo, _, clock := newTokenRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, record(clock, 5, "old", time.Hour)))
	require.NoError(t, repo.Store(ctx, record(clock, 5, "taken", time.Hour)))

	err := repo.Rotate(ctx, "old", record(clock, 5, "taken", time.Hour))
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = repo.Get(ctx, "old")
	assert.NoError(t, err, "old record must survive a failed rotation")
}

func TestTokenRepo_ConcurrentRotateOneWinner(t *testing.T) {
	repo, _, clock := newTokenRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Store(ctx, record(clock, 6, "race", time.Hour)))

	const racers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := record(clock, 6, "next-"+string(rune('a'+i)), time.Hour)
			if err := repo.Rotate(ctx, "race", next); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestTokenRepo_RevokeAllForUser(t *testing.T) {
	repo, mr, clock := newTokenRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Store(ctx, record(clock, 7, "a", time.Hour)))
	require.NoError(t, repo.Store(ctx, record(clock, 7, "b", time.Hour)))
	require.NoError(t, repo.Store(ctx, record(clock, 8, "c", time.Hour)))
	require.NoError(t, repo.Revoke(ctx, "b"))

	n, err := repo.RevokeAllForUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, mr.Exists(userKey(7)))

	_, err = repo.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.Get(ctx, "c")
	assert.NoError(t, err, "other users' sessions are untouched")

	n, err = repo.RevokeAllForUser(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, n)
}
