package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postboard/backend/internal/audit"
	"postboard/backend/internal/security"
	userdomain "postboard/backend/internal/user/domain"
	"postboard/backend/internal/user/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) LogEvent(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingAudit) actions() []audit.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Action, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Action)
	}
	return out
}

type fixture struct {
	svc   *SessionService
	repo  *repository.MemoryRepository
	clock *fakeClock
	audit *recordingAudit
}

const testPassword = "correct horse battery staple"

func newFixture(t *testing.T, maxSessions int) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := repository.NewMemoryRepository()
	rec := &recordingAudit{}
	svc := NewSessionService(repo, security.NewTestTokenCodec(clock.Now), security.NewHasher(4), Config{
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  7 * 24 * time.Hour,
		MaxSessions: maxSessions,
	}, WithAuditLogger(rec))
	return &fixture{svc: svc, repo: repo, clock: clock, audit: rec}
}

func (f *fixture) createUser(t *testing.T, username string) *userdomain.User {
	t.Helper()
	hash, err := security.NewHasher(4).Hash([]byte(testPassword))
	require.NoError(t, err)
	u, err := f.repo.Create(context.Background(), &userdomain.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: hash,
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) tokens(t *testing.T, id string) []string {
	t.Helper()
	u, err := f.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return u.RefreshTokens
}

func TestLogin_ThenAuthenticate(t *testing.T) {
	f := newFixture(t, 0)
	u := f.createUser(t, "alice")
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	assert.Equal(t, u.ID, pair.UserID)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), pair.AccessExpiresAt)
	assert.Equal(t, f.clock.Now().Add(7*24*time.Hour), pair.RefreshExpiresAt)

	id, err := f.svc.AuthenticateRequest(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id)

	// Refresh tokens are not accepted as access tokens.
	_, err = f.svc.AuthenticateRequest(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, security.ErrBadSignature)

	assert.Equal(t, []audit.Action{audit.ActionLoginSuccess}, f.audit.actions())
}

func TestLogin_StoresDigestNotToken(t *testing.T) {
	f := newFixture(t, 0)
	u := f.createUser(t, "alice")

	pair, err := f.svc.Login(context.Background(), "alice", testPassword)
	require.NoError(t, err)

	list := f.tokens(t, u.ID)
	require.Len(t, list, 1)
	assert.Equal(t, security.RefreshTokenDigest(pair.RefreshToken), list[0])
	assert.NotEqual(t, pair.RefreshToken, list[0])
}

func TestLogin_Failures(t *testing.T) {
	f := newFixture(t, 0)
	u := f.createUser(t, "alice")
	ctx := context.Background()

	_, err := f.svc.Login(ctx, "bob", testPassword)
	assert.ErrorIs(t, err, userdomain.ErrUserNotFound)

	_, err = f.svc.Login(ctx, "alice", "wrong password")
	assert.ErrorIs(t, err, userdomain.ErrInvalidCredentials)

	_, err = f.svc.Login(ctx, "alice", "")
	assert.ErrorIs(t, err, userdomain.ErrInvalidCredentials)

	assert.Empty(t, f.tokens(t, u.ID))
	assert.Equal(t, []audit.Action{audit.ActionLoginFailure, audit.ActionLoginFailure}, f.audit.actions())
}

func TestRefresh_RotatesInPlace(t *testing.T) {
	f := newFixture(t, 0)
	u := f.createUser(t, "alice")
	ctx := context.Background()

	first, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	second, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	rotated, err := f.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, rotated.UserID)
	assert.NotEqual(t, first.RefreshToken, rotated.RefreshToken)

	assert.Equal(t, []string{
		security.RefreshTokenDigest(rotated.RefreshToken),
		security.RefreshTokenDigest(second.RefreshToken),
	}, f.tokens(t, u.ID))
}

func TestRefresh_ReuseRevokesAllSessions(t *testing.T) {
	f := newFixture(t, 0)
	u := f.createUser(t, "alice")
	ctx := context.Background()

	// Alice logs in on a laptop and a phone.
	laptop, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	phone, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)

	// The laptop rotates; an attacker then replays the old laptop token.
	rotated, err := f.svc.Refresh(ctx, laptop.RefreshToken)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, laptop.RefreshToken)
	assert.Equal(t, ErrUnauthorized, err)
	assert.Empty(t, f.tokens(t, u.ID))

	// Every session is dead, including the legitimate ones.
	_, err = f.svc.Refresh(ctx, rotated.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.svc.Refresh(ctx, phone.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Access tokens already issued stay valid until they expire.
	_, err = f.svc.AuthenticateRequest(ctx, phone.AccessToken)
	assert.NoError(t, err)

	assert.Contains(t, f.audit.actions(), audit.ActionRefreshReuseDetected)
}

func TestRefresh_InvalidTokenLeavesListAlone(t *testing.T) {
	f := newFixture(t, 0)
	u := f.createUser(t, "alice")
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	before := f.tokens(t, u.ID)

	_, err = f.svc.Refresh(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, security.ErrMalformedToken)

	_, err = f.svc.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, security.ErrBadSignature)

	f.clock.Advance(8 * 24 * time.Hour)
	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, security.ErrTokenExpired)

	assert.Equal(t, before, f.tokens(t, u.ID))
}

func TestRefresh_DeletedUser(t *testing.T) {
	f := newFixture(t, 0)
	u := f.createUser(t, "alice")
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	require.NoError(t, f.repo.Delete(ctx, u.ID))

	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, userdomain.ErrUserNotFound)
}

func TestRefresh_ConcurrentDifferentTokensBothSucceed(t *testing.T) {
	f := newFixture(t, 0)
	u := f.createUser(t, "alice")
	ctx := context.Background()

	a, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	b, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i, tok := range []string{a.RefreshToken, b.RefreshToken} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pair, err := f.svc.Refresh(ctx, tok)
			errs[i] = err
			if err == nil {
				results[i] = pair.RefreshToken
			}
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.ElementsMatch(t, []string{
		security.RefreshTokenDigest(results[0]),
		security.RefreshTokenDigest(results[1]),
	}, f.tokens(t, u.ID))

	for _, tok := range results {
		_, err := f.svc.Refresh(ctx, tok)
		assert.NoError(t, err)
	}
}

func TestRefresh_ConcurrentSameTokenOneWins(t *testing.T) {
	f := newFixture(t, 0)
	u := f.createUser(t, "alice")
	ctx := context.Background()

	pair, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)

	const n = 2
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Refresh(ctx, pair.RefreshToken)
		}()
	}
	wg.Wait()

	var ok, unauthorized int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrUnauthorized):
			unauthorized++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, unauthorized)
	assert.Empty(t, f.tokens(t, u.ID))
}

type contendedStore struct {
	*repository.MemoryRepository
	mu    sync.Mutex
	calls int
}

func (s *contendedStore) CompareAndSetRefreshTokens(context.Context, string, []string, []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return userdomain.ErrTokensChanged
}

func TestLogin_ContentionExhausted(t *testing.T) {
	f := newFixture(t, 0)
	f.createUser(t, "alice")
	store := &contendedStore{MemoryRepository: f.repo}
	svc := NewSessionService(store, security.NewTestTokenCodec(f.clock.Now), security.NewHasher(4), Config{
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
	})

	_, err := svc.Login(context.Background(), "alice", testPassword)
	assert.ErrorIs(t, err, ErrStoreContention)
	assert.Equal(t, maxCASAttempts, store.calls)
}

func TestLogin_SessionCapDropsOldest(t *testing.T) {
	f := newFixture(t, 2)
	u := f.createUser(t, "alice")
	ctx := context.Background()

	var pairs []string
	for range 3 {
		pair, err := f.svc.Login(ctx, "alice", testPassword)
		require.NoError(t, err)
		pairs = append(pairs, pair.RefreshToken)
	}

	assert.Equal(t, []string{
		security.RefreshTokenDigest(pairs[1]),
		security.RefreshTokenDigest(pairs[2]),
	}, f.tokens(t, u.ID))

	// The evicted token now looks like reuse.
	_, err := f.svc.Refresh(ctx, pairs[0])
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, f.tokens(t, u.ID))
}

func TestLogout_Idempotent(t *testing.T) {
	f := newFixture(t, 0)
	u := f.createUser(t, "alice")
	ctx := context.Background()

	a, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	b, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, a.RefreshToken))
	require.NoError(t, f.svc.Logout(ctx, a.RefreshToken))
	assert.Equal(t, []string{security.RefreshTokenDigest(b.RefreshToken)}, f.tokens(t, u.ID))

	err = f.svc.Logout(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUnauthorized)

	require.NoError(t, f.repo.Delete(ctx, u.ID))
	assert.NoError(t, f.svc.Logout(ctx, b.RefreshToken))

	assert.Equal(t, []audit.Action{audit.ActionLoginSuccess, audit.ActionLoginSuccess, audit.ActionLogout}, f.audit.actions())
}

func TestRevokeAll(t *testing.T) {
	f := newFixture(t, 0)
	u := f.createUser(t, "alice")
	ctx := context.Background()

	for range 3 {
		_, err := f.svc.Login(ctx, "alice", testPassword)
		require.NoError(t, err)
	}
	require.NoError(t, f.svc.RevokeAll(ctx, u.ID))
	assert.Empty(t, f.tokens(t, u.ID))

	// Already empty: still succeeds.
	require.NoError(t, f.svc.RevokeAll(ctx, u.ID))

	assert.ErrorIs(t, f.svc.RevokeAll(ctx, "missing"), ErrUnauthorized)
}

type panicStore struct{}

func (panicStore) FindByUsername(context.Context, string) (*userdomain.User, error) {
	panic("store accessed")
}

func (panicStore) FindByID(context.Context, string) (*userdomain.User, error) {
	panic("store accessed")
}

func (panicStore) CompareAndSetRefreshTokens(context.Context, string, []string, []string) error {
	panic("store accessed")
}

func TestAuthenticateRequest_NeverTouchesStore(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	codec := security.NewTestTokenCodec(clock.Now)
	svc := NewSessionService(panicStore{}, codec, security.NewHasher(4), Config{AccessTTL: time.Minute, RefreshTTL: time.Hour})

	tok, _, err := codec.Issue("user-1", security.RoleAccess, time.Minute)
	require.NoError(t, err)

	id, err := svc.AuthenticateRequest(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)

	clock.Advance(2 * time.Minute)
	_, err = svc.AuthenticateRequest(context.Background(), tok)
	assert.ErrorIs(t, err, security.ErrTokenExpired)
}

func TestAliceTwoDevices(t *testing.T) {
	f := newFixture(t, 0)
	u := f.createUser(t, "alice")
	ctx := context.Background()

	p1, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	p2, err := f.svc.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	r1, r2 := p1.RefreshToken, p2.RefreshToken
	require.NotEqual(t, r1, r2)
	require.Len(t, f.tokens(t, u.ID), 2)

	p1b, err := f.svc.Refresh(ctx, r1)
	require.NoError(t, err)
	r1b := p1b.RefreshToken

	require.NoError(t, f.svc.Logout(ctx, r2))
	assert.Equal(t, []string{security.RefreshTokenDigest(r1b)}, f.tokens(t, u.ID))

	_, err = f.svc.Refresh(ctx, r2)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.Refresh(ctx, r1)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, f.tokens(t, u.ID))

	_, err = f.svc.Refresh(ctx, r1b)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
