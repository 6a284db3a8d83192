package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bookstore-auth/internal/model"
	"github.com/iliyamo/bookstore-auth/internal/queue"
	"github.com/iliyamo/bookstore-auth/internal/repository"
	"github.com/iliyamo/bookstore-auth/internal/security"
)

const (
	testAccessSecret  = "test-access-secret-test-access-secret"
	testRefreshSecret = "test-refresh-secret-test-refresh-secret"
)

// fakeUsers is an in-memory UserStore with mutable role assignments.
type fakeUsers struct {
	mu        sync.Mutex
	nextID    uint64
	byID      map[uint64]model.User
	roles     map[string]model.Role
	userRoles map[uint64][]string
	createErr error
	findCalls int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		byID: make(map[uint64]model.User),
		roles: map[string]model.Role{
			"USER":  {ID: 1, Name: "USER", Permissions: []model.Permission{{ID: 1, Name: "books.read"}}},
			"ADMIN": {ID: 2, Name: "ADMIN", Permissions: []model.Permission{{ID: 2, Name: "users.read"}, {ID: 3, Name: "sessions.revoke"}}},
		},
		userRoles: make(map[uint64][]string),
	}
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (f *fakeUsers) FindByID(_ context.Context, id uint64) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) FindRoles(_ context.Context, userID uint64) ([]model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Role, 0)
	for _, name := range f.userRoles[userID] {
		out = append(out, f.roles[name])
	}
	return out, nil
}

func (f *fakeUsers) Create(_ context.Context, u *model.User, defaultRole string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	u.ID = f.nextID
	f.byID[u.ID] = *u
	if defaultRole != "" {
		f.userRoles[u.ID] = []string{defaultRole}
	}
	return nil
}

func (f *fakeUsers) setRoles(userID uint64, roles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userRoles[userID] = roles
}

func (f *fakeUsers) deactivate(userID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.byID[userID]
	u.IsActive = false
	f.byID[userID] = u
}

// fakeTokens is an in-memory TokenStore honouring ExpiresAt.
type fakeTokens struct {
	mu   sync.Mutex
	now  func() time.Time
	recs map[string]model.RefreshToken
	err  error
}

func newFakeTokens(now func() time.Time) *fakeTokens {
	return &fakeTokens{now: now, recs: make(map[string]model.RefreshToken)}
}

func (f *fakeTokens) live(hash string) (model.RefreshToken, bool) {
	rec, ok := f.recs[hash]
	if !ok || !f.now().Before(rec.ExpiresAt) {
		return model.RefreshToken{}, false
	}
	return rec, true
}

func (f *fakeTokens) Store(_ context.Context, rec model.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.live(rec.TokenHash); ok {
		return repository.ErrDuplicate
	}
	f.recs[rec.TokenHash] = rec
	return nil
}

func (f *fakeTokens) Get(_ context.Context, hash string) (model.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.RefreshToken{}, f.err
	}
	rec, ok := f.live(hash)
	if !ok {
		return model.RefreshToken{}, repository.ErrNotFound
	}
	return rec, nil
}

func (f *fakeTokens) Revoke(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, hash)
	return nil
}

func (f *fakeTokens) Rotate(_ context.Context, oldHash string, next model.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live(oldHash); !ok {
		return repository.ErrNotFound
	}
	delete(f.recs, oldHash)
	f.recs[next.TokenHash] = next
	return nil
}

func (f *fakeTokens) RevokeAllForUser(_ context.Context, userID uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for h, rec := range f.recs {
		if rec.UserID == userID {
			if _, ok := f.live(h); ok {
				n++
			}
			delete(f.recs, h)
		}
	}
	return n, nil
}

func (f *fakeTokens) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string][]any
}

func (p *recordingPublisher) Publish(_ context.Context, key string, ev any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]any)
	}
	p.events[key] = append(p.events[key], ev)
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc    *AuthService
	users  *fakeUsers
	tokens *fakeTokens
	issuer *security.TokenIssuer
	clock  *clock
	events *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	hasher, err := security.NewHasher(security.HashParams{MemoryKB: 1024, Iterations: 1, Parallelism: 1, KeyLen: 32}, 4)
	require.NoError(t, err)
	issuer, err := security.NewTokenIssuer(testAccessSecret, testRefreshSecret, security.WithClock(clk.Now))
	require.NoError(t, err)

	h := &harness{
		users:  newFakeUsers(),
		tokens: newFakeTokens(clk.Now),
		issuer: issuer,
		clock:  clk,
		events: &recordingPublisher{},
	}
	h.svc = NewAuthService(h.users, h.tokens, hasher, issuer,
		Config{AccessTTLMin: 15, RefreshTTLDays: 7, DefaultRole: "USER"},
		WithPublisher(h.events))
	return h
}

func (h *harness) register(t *testing.T, email, password string) PublicUser {
	t.Helper()
	u, err := h.svc.Register(context.Background(), RegisterInput{Email: email, FirstName: "Ann", LastName: "Lee", Password: password})
	require.NoError(t, err)
	return u
}

func TestRegister(t *testing.T) {
	h := newHarness(t)

	u := h.register(t, "  A@X.com ", "Secret123")
	assert.NotZero(t, u.ID)
	assert.Equal(t, "a@x.com", u.Email)

	stored, err := h.users.FindByID(context.Background(), u.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "Secret123", stored.PasswordHash)
	assert.Contains(t, stored.PasswordHash, "$argon2id$")

	h.svc.Wait()
	require.Len(t, h.events.events[queue.UserRegisteredKey], 1)
	ev := h.events.events[queue.UserRegisteredKey][0].(queue.UserRegisteredEvent)
	assert.Equal(t, u.ID, ev.UserID)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com", "Secret123")

	_, err := h.svc.Register(context.Background(), RegisterInput{Email: "A@x.com", FirstName: "B", LastName: "C", Password: "Secret123"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegister_RaceOnCreateIsConflict(t *testing.T) {
	h := newHarness(t)
	h.users.createErr = repository.ErrEmailExists

	_, err := h.svc.Register(context.Background(), RegisterInput{Email: "a@x.com", FirstName: "B", LastName: "C", Password: "Secret123"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRegister_ValidationBeforeStore(t *testing.T) {
	tests := []struct {
		name  string
		in    RegisterInput
		field string
	}{
		{"short password", RegisterInput{Email: "a@x.com", FirstName: "A", LastName: "B", Password: "short"}, "password"},
		{"no dotted domain", RegisterInput{Email: "a@localhost", FirstName: "A", LastName: "B", Password: "Secret123"}, "email"},
		{"not an email", RegisterInput{Email: "nobody", FirstName: "A", LastName: "B", Password: "Secret123"}, "email"},
		{"blank first name", RegisterInput{Email: "a@x.com", FirstName: "   ", LastName: "B", Password: "Secret123"}, "fname"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.Register(context.Background(), tt.in)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Contains(t, verr.Fields, tt.field)
			assert.Zero(t, h.users.findCalls, "validation must happen before any store call")
		})
	}
}

func TestLogin_EmbedsCurrentRoles(t *testing.T) {
	h := newHarness(t)
	u := h.register(t, "a@x.com", "Secret123")

	sess, err := h.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "Secret123"})
	require.NoError(t, err)
	assert.Equal(t, u, sess.User)
	assert.Equal(t, []string{"USER"}, sess.Roles)
	assert.Equal(t, []string{"books.read"}, sess.Permissions)
	assert.Equal(t, h.clock.Now().Add(15*time.Minute), sess.AccessExpiresAt)
	assert.Equal(t, h.clock.Now().Add(7*24*time.Hour), sess.RefreshExpiresAt)

	claims, err := h.issuer.ValidateAccessToken(sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UserID())
	assert.Equal(t, []string{"USER"}, claims.Roles)

	rec, err := h.tokens.Get(context.Background(), h.issuer.HashRefreshToken(sess.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, u.ID, rec.UserID)
}

func TestLogin_UniformFailure(t *testing.T) {
	h := newHarness(t)
	u := h.register(t, "a@x.com", "Secret123")

	_, errUnknown := h.svc.Login(context.Background(), LoginInput{Email: "b@x.com", Password: "Secret123"})
	_, errWrong := h.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "Secret124"})
	require.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	require.ErrorIs(t, errWrong, ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())

	h.users.deactivate(u.ID)
	_, errInactive := h.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "Secret123"})
	assert.ErrorIs(t, errInactive, ErrInvalidCredentials)
	assert.Zero(t, h.tokens.count())
}

func TestLogin_MalformedStoredHashIsInternal(t *testing.T) {
	h := newHarness(t)
	u := h.register(t, "a@x.com", "Secret123")
	h.users.mu.Lock()
	stored := h.users.byID[u.ID]
	stored.PasswordHash = "$argon2id$garbage"
	h.users.byID[u.ID] = stored
	h.users.mu.Unlock()

	_, err := h.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "Secret123"})
	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, security.ErrMalformedHash)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestRefresh_ReloadsRoles(t *testing.T) {
	h := newHarness(t)
	u := h.register(t, "a@x.com", "Secret123")
	sess, err := h.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "Secret123"})
	require.NoError(t, err)

	h.users.setRoles(u.ID, "USER", "ADMIN")

	next, err := h.svc.Refresh(context.Background(), sess.RefreshToken)
	require.NoError(t, err)
	claims, err := h.issuer.ValidateAccessToken(next.AccessToken)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"USER", "ADMIN"}, claims.Roles)
	assert.ElementsMatch(t, []string{"books.read", "users.read", "sessions.revoke"}, claims.Permissions)

	h.users.setRoles(u.ID)
	last, err := h.svc.Refresh(context.Background(), next.RefreshToken)
	require.NoError(t, err)
	claims, err = h.issuer.ValidateAccessToken(last.AccessToken)
	require.NoError(t, err)
	assert.Empty(t, claims.Roles)
}

func TestRefresh_RotatesAndConsumesOldToken(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com", "Secret123")
	sess, err := h.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "Secret123"})
	require.NoError(t, err)

	next, err := h.svc.Refresh(context.Background(), sess.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, sess.RefreshToken, next.RefreshToken)
	assert.Equal(t, 1, h.tokens.count())

	_, err = h.svc.Refresh(context.Background(), sess.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken, "a rotated token is single use")
}

func TestRefresh_ConcurrentOnlyOneWins(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com", "Secret123")
	sess, err := h.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "Secret123"})
	require.NoError(t, err)

	const racers = 6
	results := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Refresh(context.Background(), sess.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrUnauthorized)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, h.tokens.count())
}

func TestRefresh_ExpiredRevokedAndForged(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com", "Secret123")
	login := func() Session {
		sess, err := h.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "Secret123"})
		require.NoError(t, err)
		return sess
	}

	revoked := login()
	require.NoError(t, h.svc.Logout(context.Background(), revoked.RefreshToken))
	_, err := h.svc.Refresh(context.Background(), revoked.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	// An access token is not a refresh token.
	_, err = h.svc.Refresh(context.Background(), revoked.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = h.svc.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	expired := login()
	h.clock.Advance(7*24*time.Hour + time.Second)
	_, err = h.svc.Refresh(context.Background(), expired.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefresh_InactiveUserLosesSession(t *testing.T) {
	h := newHarness(t)
	u := h.register(t, "a@x.com", "Secret123")
	sess, err := h.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "Secret123"})
	require.NoError(t, err)

	h.users.deactivate(u.ID)
	_, err = h.svc.Refresh(context.Background(), sess.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.Zero(t, h.tokens.count())
}

func TestRefresh_StoreFailureIsInternal(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com", "Secret123")
	sess, err := h.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "Secret123"})
	require.NoError(t, err)

	h.tokens.err = errors.New("connection refused")
	_, err = h.svc.Refresh(context.Background(), sess.RefreshToken)
	assert.ErrorIs(t, err, ErrInternal)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestLogout_AlwaysSucceeds(t *testing.T) {
	h := newHarness(t)
	h.register(t, "a@x.com", "Secret123")
	sess, err := h.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "Secret123"})
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(context.Background(), sess.RefreshToken))
	require.NoError(t, h.svc.Logout(context.Background(), sess.RefreshToken))
	require.NoError(t, h.svc.Logout(context.Background(), "garbage"))
	require.NoError(t, h.svc.Logout(context.Background(), ""))
	assert.Zero(t, h.tokens.count())
}

func TestRevokeSessions(t *testing.T) {
	h := newHarness(t)
	u := h.register(t, "a@x.com", "Secret123")
	for i := 0; i < 3; i++ {
		_, err := h.svc.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "Secret123"})
		require.NoError(t, err)
	}

	n, err := h.svc.RevokeSessions(context.Background(), u.ID, "logout_all")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, h.tokens.count())

	h.svc.Wait()
	require.Len(t, h.events.events[queue.SessionRevokedKey], 1)
	ev := h.events.events[queue.SessionRevokedKey][0].(queue.SessionRevokedEvent)
	assert.Equal(t, 3, ev.Sessions)
	assert.Equal(t, "logout_all", ev.Reason)
}

func TestUserRoles(t *testing.T) {
	h := newHarness(t)
	u := h.register(t, "a@x.com", "Secret123")

	roles, err := h.svc.UserRoles(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"USER"}, model.RoleNames(roles))

	_, err = h.svc.UserRoles(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}
