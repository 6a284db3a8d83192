package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iliyamo/bookstore-auth/internal/config"
)

// limiterScript is a token bucket kept in a Redis hash. It returns
// {allowed, remaining, retry_after_ms}.
var limiterScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill_tokens = tonumber(ARGV[3])
	local interval_ms = tonumber(ARGV[4])
	local ttl_seconds = tonumber(ARGV[5])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 and refill_tokens > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + (intervals * refill_tokens))
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		local until_next = interval_ms - (now_ms - last_refill)
		if until_next < 0 then until_next = 0 end
		retry_after_ms = until_next
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

// NewTokenBucket rate-limits requests per key (see buildRateKey). With a
// Redis client the bucket is shared by every instance; without one each
// process keeps its own per-key limiters. A Redis failure lets the
// request through.
func NewTokenBucket(cfg config.RateLimitConfig, rdb *redis.Client, log *zap.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	if log == nil {
		log = zap.NewNop()
	}
	if rdb == nil {
		return newLocalBucket(cfg)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c)
			args := []any{
				time.Now().UnixMilli(),
				cfg.Capacity,
				cfg.RefillTokens,
				cfg.RefillInterval.Milliseconds(),
				int64(cfg.TTL / time.Second),
			}

			vals, err := limiterScript.Run(c.Request().Context(), rdb, []string{key}, args...).Int64Slice()
			if err != nil || len(vals) != 3 {
				log.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
				return next(c)
			}

			setLimitHeaders(c, cfg.Capacity, vals[1])
			if vals[0] != 1 {
				if cfg.Debug {
					log.Debug("rate limit block", zap.String("key", key), zap.Int64("retry_ms", vals[2]))
				}
				return tooManyRequests(c, time.Duration(vals[2])*time.Millisecond)
			}
			return next(c)
		}
	}
}

// localBucket holds one x/time/rate limiter per key and drops keys that
// have been idle for longer than the configured TTL.
type localBucket struct {
	cfg      config.RateLimitConfig
	mu       sync.Mutex
	limiters map[string]*localEntry
	lastGC   time.Time
}

type localEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newLocalBucket(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	b := &localBucket{cfg: cfg, limiters: make(map[string]*localEntry), lastGC: time.Now()}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			lim := b.limiter(buildRateKey(cfg, c))
			r := lim.Reserve()
			if delay := r.Delay(); delay > 0 {
				r.Cancel()
				setLimitHeaders(c, cfg.Capacity, 0)
				return tooManyRequests(c, delay)
			}
			setLimitHeaders(c, cfg.Capacity, int64(lim.Tokens()))
			return next(c)
		}
	}
}

func (b *localBucket) limiter(key string) *rate.Limiter {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastGC) > b.cfg.TTL {
		for k, e := range b.limiters {
			if now.Sub(e.seen) > b.cfg.TTL {
				delete(b.limiters, k)
			}
		}
		b.lastGC = now
	}

	e, ok := b.limiters[key]
	if !ok {
		every := b.cfg.RefillInterval / time.Duration(b.cfg.RefillTokens)
		e = &localEntry{lim: rate.NewLimiter(rate.Every(every), b.cfg.Capacity)}
		b.limiters[key] = e
	}
	e.seen = now
	return e.lim
}

func setLimitHeaders(c echo.Context, capacity int, remaining int64) {
	if remaining < 0 {
		remaining = 0
	}
	c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(capacity))
	c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
}

func tooManyRequests(c echo.Context, retry time.Duration) error {
	secs := int(math.Ceil(retry.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	return c.JSON(http.StatusTooManyRequests, echo.Map{
		"error":       "rate limit exceeded",
		"retry_after": secs,
	})
}

func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
	parts := []string{cfg.Prefix}
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	uid := userID(c)
	route := c.Request().Method + " " + c.Path()

	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", ip)
	case "user":
		parts = append(parts, "user", uid)
	case "route":
		parts = append(parts, "route", route)
	case "ip_user":
		parts = append(parts, "ip", ip, "user", uid)
	case "user_route":
		parts = append(parts, "user", uid, "route", route)
	case "ip_user_route":
		parts = append(parts, "ip", ip, "user", uid, "route", route)
	default:
		parts = append(parts, "ip", ip, "route", route)
	}
	return strings.Join(parts, ":")
}
