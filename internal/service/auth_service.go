package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/bookstore-auth/internal/metrics"
	"github.com/iliyamo/bookstore-auth/internal/model"
	"github.com/iliyamo/bookstore-auth/internal/queue"
	"github.com/iliyamo/bookstore-auth/internal/repository"
	"github.com/iliyamo/bookstore-auth/internal/security"
)

// UserStore is the authoritative user/role store. The service only
// reads from it, apart from Create at registration.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (model.User, error)
	FindByID(ctx context.Context, id uint64) (model.User, error)
	FindRoles(ctx context.Context, userID uint64) ([]model.Role, error)
	Create(ctx context.Context, u *model.User, defaultRole string) error
}

// TokenStore persists refresh token hashes. Get returns
// repository.ErrNotFound for unknown, revoked or expired hashes.
type TokenStore interface {
	Store(ctx context.Context, rec model.RefreshToken) error
	Get(ctx context.Context, tokenHash string) (model.RefreshToken, error)
	Revoke(ctx context.Context, tokenHash string) error
	Rotate(ctx context.Context, oldHash string, next model.RefreshToken) error
	RevokeAllForUser(ctx context.Context, userID uint64) (int, error)
}

// PasswordHasher hashes and verifies credentials.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
	Verify(ctx context.Context, password, encoded string) (bool, error)
}

// TokenIssuer mints and checks signed tokens.
type TokenIssuer interface {
	GenerateAccessToken(userID uint64, roles, permissions []string, ttlMin int) (security.SignedToken, error)
	GenerateRefreshToken(userID uint64, ttlDays int) (security.SignedToken, error)
	ValidateRefreshToken(raw string) (uint64, error)
	HashRefreshToken(raw string) string
}

// Config holds the session lifetimes and the role granted to new
// accounts. An empty DefaultRole registers users without any role.
type Config struct {
	AccessTTLMin   int
	RefreshTTLDays int
	DefaultRole    string
}

// PublicUser is the part of a user that may leave the service.
type PublicUser struct {
	ID        uint64 `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"fname"`
	LastName  string `json:"lname"`
}

// Session is a freshly minted access/refresh pair together with the
// identity it was minted for.
type Session struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	User             PublicUser
	Roles            []string
	Permissions      []string
}

// AuthService coordinates the hasher, token issuer, refresh store and
// user store. It is safe for concurrent use.
type AuthService struct {
	users  UserStore
	tokens TokenStore
	hasher PasswordHasher
	issuer TokenIssuer
	cfg    Config
	log    *zap.Logger
	events EventPublisher

	dummyOnce sync.Once
	dummyHash string

	wg sync.WaitGroup
}

// Option customises an AuthService.
type Option func(*AuthService)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(s *AuthService) {
		if log != nil {
			s.log = log
		}
	}
}

// WithPublisher enables domain events. Publishing is best-effort and
// never fails the operation that triggered it.
func WithPublisher(p EventPublisher) Option {
	return func(s *AuthService) { s.events = p }
}

func NewAuthService(users UserStore, tokens TokenStore, hasher PasswordHasher, issuer TokenIssuer, cfg Config, opts ...Option) *AuthService {
	s := &AuthService{
		users:  users,
		tokens: tokens,
		hasher: hasher,
		issuer: issuer,
		cfg:    cfg,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates in, hashes the password and persists the account.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (_ PublicUser, err error) {
	defer func() { metrics.ObserveOperation("register", outcome(err)) }()

	in.normalize()
	if err := validateStruct(in); err != nil {
		return PublicUser{}, err
	}

	_, err = s.users.FindByEmail(ctx, in.Email)
	switch {
	case err == nil:
		return PublicUser{}, ErrConflict
	case !errors.Is(err, repository.ErrNotFound):
		return PublicUser{}, internalErr("register: lookup email", err)
	}

	hash, err := s.hash(ctx, in.Password)
	if err != nil {
		return PublicUser{}, internalErr("register: hash password", err)
	}

	u := model.User{
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := s.users.Create(ctx, &u, s.cfg.DefaultRole); err != nil {
		// Lost a race with a concurrent registration of the same email.
		if errors.Is(err, repository.ErrEmailExists) {
			return PublicUser{}, ErrConflict
		}
		return PublicUser{}, internalErr("register: create user", err)
	}

	s.publish(queue.UserRegisteredKey, queue.UserRegisteredEvent{
		UserID:       u.ID,
		Email:        u.Email,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		RegisteredAt: time.Now().UTC().Format(time.RFC3339),
	})
	return publicUser(u), nil
}

// Login checks the credentials and opens a new session. Unknown email,
// wrong password and disabled account all return ErrInvalidCredentials
// after the same amount of hashing work.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (_ Session, err error) {
	defer func() { metrics.ObserveOperation("login", outcome(err)) }()

	in.Email = NormalizeEmail(in.Email)
	if err := validateStruct(in); err != nil {
		return Session{}, err
	}

	u, err := s.users.FindByEmail(ctx, in.Email)
	if errors.Is(err, repository.ErrNotFound) {
		s.burnVerify(ctx, in.Password)
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, internalErr("login: lookup user", err)
	}

	ok, err := s.verify(ctx, in.Password, u.PasswordHash)
	if err != nil {
		if errors.Is(err, security.ErrMalformedHash) {
			s.log.Error("stored password hash is malformed", zap.Uint64("user_id", u.ID), zap.Error(err))
		}
		return Session{}, internalErr("login: verify password", err)
	}
	if !ok || !u.IsActive {
		return Session{}, ErrInvalidCredentials
	}

	return s.openSession(ctx, u, "")
}

// Refresh exchanges a live refresh token for a new pair. Roles and
// permissions are re-read from the user store, so a privilege change
// applies from the next refresh on. The presented token is consumed:
// of two concurrent refreshes with the same token only one succeeds.
func (s *AuthService) Refresh(ctx context.Context, raw string) (_ Session, err error) {
	defer func() { metrics.ObserveOperation("refresh", outcome(err)) }()

	if raw == "" {
		return Session{}, ErrInvalidRefreshToken
	}
	userID, err := s.issuer.ValidateRefreshToken(raw)
	if err != nil {
		s.log.Debug("refresh token rejected", zap.Error(err))
		return Session{}, ErrInvalidRefreshToken
	}

	oldHash := s.issuer.HashRefreshToken(raw)
	rec, err := s.tokens.Get(ctx, oldHash)
	if errors.Is(err, repository.ErrNotFound) {
		return Session{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return Session{}, internalErr("refresh: load session", err)
	}
	if rec.UserID != userID {
		s.log.Warn("refresh record owner mismatch", zap.Uint64("token_user_id", userID), zap.Uint64("record_user_id", rec.UserID))
		return Session{}, ErrInvalidRefreshToken
	}

	u, err := s.users.FindByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !u.IsActive) {
		if err := s.tokens.Revoke(ctx, oldHash); err != nil {
			s.log.Warn("revoke refresh token of inactive user", zap.Uint64("user_id", userID), zap.Error(err))
		}
		return Session{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return Session{}, internalErr("refresh: load user", err)
	}

	return s.openSession(ctx, u, oldHash)
}

// Logout revokes the session behind raw. Unknown, expired and malformed
// tokens are ignored; only a store failure is reported.
func (s *AuthService) Logout(ctx context.Context, raw string) (err error) {
	defer func() { metrics.ObserveOperation("logout", outcome(err)) }()

	if raw == "" {
		return nil
	}
	if err := s.tokens.Revoke(ctx, s.issuer.HashRefreshToken(raw)); err != nil {
		return internalErr("logout: revoke", err)
	}
	return nil
}

// RevokeSessions kills every refresh session of userID and reports how
// many were live. reason is recorded in the published event.
func (s *AuthService) RevokeSessions(ctx context.Context, userID uint64, reason string) (_ int, err error) {
	defer func() { metrics.ObserveOperation("revoke_sessions", outcome(err)) }()

	n, err := s.tokens.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, internalErr("revoke sessions", err)
	}
	s.publish(queue.SessionRevokedKey, queue.SessionRevokedEvent{
		UserID:    userID,
		Sessions:  n,
		Reason:    reason,
		RevokedAt: time.Now().UTC().Format(time.RFC3339),
	})
	return n, nil
}

// UserRoles returns the current roles and permissions of userID as held
// by the user store.
func (s *AuthService) UserRoles(ctx context.Context, userID uint64) ([]model.Role, error) {
	if _, err := s.users.FindByID(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, internalErr("user roles: load user", err)
	}
	roles, err := s.users.FindRoles(ctx, userID)
	if err != nil {
		return nil, internalErr("user roles: load roles", err)
	}
	return roles, nil
}

// Wait blocks until in-flight event publications have finished.
func (s *AuthService) Wait() { s.wg.Wait() }

// openSession loads the user's current authorization, mints a pair and
// persists the refresh hash. With a non-empty oldHash the new record
// replaces it atomically.
func (s *AuthService) openSession(ctx context.Context, u model.User, oldHash string) (Session, error) {
	op := "login"
	if oldHash != "" {
		op = "refresh"
	}

	roles, err := s.users.FindRoles(ctx, u.ID)
	if err != nil {
		return Session{}, internalErr(op+": load roles", err)
	}
	roleNames := model.RoleNames(roles)
	permNames := model.PermissionNames(roles)

	access, err := s.issuer.GenerateAccessToken(u.ID, roleNames, permNames, s.cfg.AccessTTLMin)
	if err != nil {
		return Session{}, internalErr(op+": sign access token", err)
	}
	refresh, err := s.issuer.GenerateRefreshToken(u.ID, s.cfg.RefreshTTLDays)
	if err != nil {
		return Session{}, internalErr(op+": sign refresh token", err)
	}

	rec := model.RefreshToken{
		UserID:    u.ID,
		TokenHash: s.issuer.HashRefreshToken(refresh.Token),
		IssuedAt:  refresh.IssuedAt,
		ExpiresAt: refresh.Exp,
	}
	if oldHash == "" {
		err = s.tokens.Store(ctx, rec)
	} else {
		err = s.tokens.Rotate(ctx, oldHash, rec)
		if errors.Is(err, repository.ErrNotFound) {
			return Session{}, ErrInvalidRefreshToken
		}
	}
	if err != nil {
		return Session{}, internalErr(op+": persist refresh token", err)
	}

	return Session{
		AccessToken:      access.Token,
		AccessExpiresAt:  access.Exp,
		RefreshToken:     refresh.Token,
		RefreshExpiresAt: refresh.Exp,
		User:             publicUser(u),
		Roles:            roleNames,
		Permissions:      permNames,
	}, nil
}

func (s *AuthService) hash(ctx context.Context, password string) (string, error) {
	defer metrics.ObserveHash("hash", time.Now())
	return s.hasher.Hash(ctx, password)
}

func (s *AuthService) verify(ctx context.Context, password, encoded string) (bool, error) {
	defer metrics.ObserveHash("verify", time.Now())
	return s.hasher.Verify(ctx, password, encoded)
}

// burnVerify spends one verification on a throwaway hash so an unknown
// email costs as much as a wrong password.
func (s *AuthService) burnVerify(ctx context.Context, password string) {
	s.dummyOnce.Do(func() {
		h, err := s.hasher.Hash(context.WithoutCancel(ctx), "dummy-password-"+strconv.FormatInt(time.Now().UnixNano(), 36))
		if err != nil {
			s.log.Warn("prepare dummy hash", zap.Error(err))
			return
		}
		s.dummyHash = h
	})
	if s.dummyHash == "" {
		return
	}
	_, _ = s.verify(ctx, password, s.dummyHash)
}

func (s *AuthService) publish(routingKey string, event any) {
	if s.events == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.events.Publish(ctx, routingKey, event); err != nil {
			s.log.Warn("publish event failed", zap.String("routing_key", routingKey), zap.Error(err))
		}
	}()
}

func publicUser(u model.User) PublicUser {
	return PublicUser{ID: u.ID, Email: u.Email, FirstName: u.FirstName, LastName: u.LastName}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrValidation):
		return metrics.OutcomeValidation
	case errors.Is(err, ErrUnauthorized):
		return metrics.OutcomeUnauthorized
	case errors.Is(err, ErrConflict):
		return metrics.OutcomeConflict
	default:
		return metrics.OutcomeError
	}
}
