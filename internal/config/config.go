// Package config loads application configuration from environment
// variables. Configuration is read once at startup; every violation is
// collected and reported together so the process refuses to start with
// a complete list of what to fix.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/iliyamo/bookstore-auth/internal/security"
)

// Bounds enforced by Load.
const (
	MaxAccessTTLMin   = 24 * 60
	MaxRefreshTTLDays = 90
	MaxParallelism    = 255
)

// Config holds all runtime configuration values. It is immutable after
// Load returns.
type Config struct {
	Env  string // development, staging or production
	Port string // HTTP port to listen on

	DBUser string
	DBPass string
	DBHost string
	DBPort string
	DBName string

	AccessSecret  string // signs access tokens
	RefreshSecret string // signs refresh tokens
	RefreshPepper string // HMAC key for stored refresh hashes; empty means RefreshSecret

	AccessTTLMin   int
	RefreshTTLDays int
	DefaultRole    string // granted at registration

	Hashing HashingConfig

	CookieSecure bool
	CookieDomain string

	LogLevel  string
	LogFormat string

	AMQPURL string // empty disables domain events

	RateLimit RateLimitConfig
}

// HashingConfig holds the Argon2id costs and the worker pool size.
type HashingConfig struct {
	MemoryKB    int
	TimeCost    int
	Parallelism int
	Workers     int
}

// Params converts the configuration into hasher parameters. Call it only
// on a configuration that passed validation.
func (h HashingConfig) Params() security.HashParams {
	return security.HashParams{
		MemoryKB:    uint32(h.MemoryKB),   //nolint:gosec // G115: validated range
		Iterations:  uint32(h.TimeCost),   //nolint:gosec // G115: validated range
		Parallelism: uint8(h.Parallelism), //nolint:gosec // G115: validated range
		KeyLen:      security.DefaultHashParams().KeyLen,
	}
}

// IsProduction reports whether the service runs in production.
func (c Config) IsProduction() bool { return c.Env == "production" }

// Load reads and validates the configuration.
func Load() (Config, error) {
	var l loader
	cfg := Config{
		Env:  strings.ToLower(l.strOr("APP_ENV", "development")),
		Port: l.strOr("APP_PORT", "8080"),

		DBUser: l.must("DB_USER"),
		DBPass: os.Getenv("DB_PASS"),
		DBHost: l.must("DB_HOST"),
		DBPort: l.strOr("DB_PORT", "3306"),
		DBName: l.must("DB_NAME"),

		AccessSecret:  l.must("JWT_ACCESS_SECRET"),
		RefreshSecret: l.must("JWT_REFRESH_SECRET"),
		RefreshPepper: os.Getenv("REFRESH_TOKEN_PEPPER"),

		AccessTTLMin:   l.intOr("ACCESS_TOKEN_TTL_MIN", 15),
		RefreshTTLDays: l.intOr("REFRESH_TOKEN_TTL_DAYS", 7),
		DefaultRole:    strings.ToUpper(strings.TrimSpace(l.strOr("DEFAULT_ROLE", "USER"))),

		Hashing: loadHashing(&l),

		CookieSecure: l.boolOr("COOKIE_SECURE", true),
		CookieDomain: os.Getenv("COOKIE_DOMAIN"),

		LogLevel:  l.strOr("LOG_LEVEL", "info"),
		LogFormat: l.strOr("LOG_FORMAT", "json"),

		AMQPURL: firstNonEmpty(os.Getenv("AMQP_URL"), os.Getenv("RABBITMQ_URL")),

		RateLimit: LoadRateLimitConfig(),
	}
	l.validate(cfg)
	return cfg, l.err()
}

// LoadHashing reads only the hashing configuration. It serves commands
// that hash passwords without touching any store.
func LoadHashing() (HashingConfig, error) {
	var l loader
	h := loadHashing(&l)
	l.validateHashing(h)
	return h, l.err()
}

func loadHashing(l *loader) HashingConfig {
	return HashingConfig{
		MemoryKB:    l.intOr("ARGON2_MEMORY_KB", 64*1024),
		TimeCost:    l.intOr("ARGON2_TIME_COST", 3),
		Parallelism: l.intOr("ARGON2_PARALLELISM", 1),
		Workers:     l.intOr("ARGON2_WORKERS", runtime.NumCPU()),
	}
}

// loader reads variables and accumulates problems instead of exiting on
// the first one.
type loader struct {
	errs []error
}

func (l *loader) fail(format string, args ...any) {
	l.errs = append(l.errs, fmt.Errorf(format, args...))
}

func (l *loader) err() error { return errors.Join(l.errs...) }

// must retrieves a required variable.
func (l *loader) must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		l.fail("missing required env var: %s", key)
	}
	return v
}

func (l *loader) strOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (l *loader) intOr(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		l.fail("invalid int for %s: %q", key, s)
		return def
	}
	return n
}

func (l *loader) boolOr(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		l.fail("invalid bool for %s: %q", key, s)
		return def
	}
	return b
}

func (l *loader) validate(c Config) {
	switch c.Env {
	case "development", "staging", "production":
	default:
		l.fail("APP_ENV must be development, staging or production, got %q", c.Env)
	}

	if c.AccessSecret != "" && len(c.AccessSecret) < security.MinSecretLen {
		l.fail("JWT_ACCESS_SECRET must be at least %d characters", security.MinSecretLen)
	}
	if c.RefreshSecret != "" && len(c.RefreshSecret) < security.MinSecretLen {
		l.fail("JWT_REFRESH_SECRET must be at least %d characters", security.MinSecretLen)
	}
	if c.AccessSecret != "" && c.AccessSecret == c.RefreshSecret {
		l.fail("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	if c.RefreshPepper != "" && len(c.RefreshPepper) < security.MinSecretLen {
		l.fail("REFRESH_TOKEN_PEPPER must be at least %d characters when set", security.MinSecretLen)
	}

	if c.AccessTTLMin < 1 || c.AccessTTLMin > MaxAccessTTLMin {
		l.fail("ACCESS_TOKEN_TTL_MIN must be between 1 and %d, got %d", MaxAccessTTLMin, c.AccessTTLMin)
	}
	if c.RefreshTTLDays < 1 || c.RefreshTTLDays > MaxRefreshTTLDays {
		l.fail("REFRESH_TOKEN_TTL_DAYS must be between 1 and %d, got %d", MaxRefreshTTLDays, c.RefreshTTLDays)
	}
	if c.RefreshTTLDays*24*60 <= c.AccessTTLMin {
		l.fail("refresh tokens must outlive access tokens")
	}

	l.validateHashing(c.Hashing)
}

func (l *loader) validateHashing(h HashingConfig) {
	if h.MemoryKB < security.MinMemoryKB {
		l.fail("ARGON2_MEMORY_KB must be at least %d, got %d", security.MinMemoryKB, h.MemoryKB)
	}
	if h.TimeCost < security.MinIterations {
		l.fail("ARGON2_TIME_COST must be at least %d, got %d", security.MinIterations, h.TimeCost)
	}
	if h.Parallelism < security.MinParallelism || h.Parallelism > MaxParallelism {
		l.fail("ARGON2_PARALLELISM must be between %d and %d, got %d", security.MinParallelism, MaxParallelism, h.Parallelism)
	}
	if h.Workers < 1 {
		l.fail("ARGON2_WORKERS must be at least 1, got %d", h.Workers)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
