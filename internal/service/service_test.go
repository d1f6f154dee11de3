package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"session_service/internal/auth"
	"session_service/internal/metrics"
	"session_service/internal/models"
	"session_service/internal/storage"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeDirectory struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]models.User
	findErr error
	creates int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{byID: make(map[uuid.UUID]models.User)}
}

func (f *fakeDirectory) FindByEmail(_ context.Context, email string) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return models.User{}, f.findErr
	}
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, fmt.Errorf("fake.FindByEmail: %w", storage.ErrUserNotFound)
}

func (f *fakeDirectory) FindByID(_ context.Context, id uuid.UUID) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return models.User{}, f.findErr
	}
	u, ok := f.byID[id]
	if !ok {
		return models.User{}, fmt.Errorf("fake.FindByID: %w", storage.ErrUserNotFound)
	}
	return u, nil
}

func (f *fakeDirectory) Create(_ context.Context, nu models.NewUser) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if u.Email == nu.Email {
			return models.User{}, fmt.Errorf("fake.Create: %w", storage.ErrUserExists)
		}
	}
	now := time.Now().UTC()
	u := models.User{
		ID:           uuid.Must(uuid.NewV4()),
		Email:        nu.Email,
		PasswordHash: nu.PasswordHash,
		Name:         nu.Name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.byID[u.ID] = u
	f.creates++
	return u, nil
}

func (f *fakeDirectory) delete(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
}

type testEnv struct {
	svc    *SessionManager
	users  *fakeDirectory
	store  *storage.RedisCredentialStore
	mr     *miniredis.Miniredis
	issuer *auth.Issuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	hasher, err := auth.NewHasher(bcrypt.MinCost)
	require.NoError(t, err)
	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		Issuer:     "test",
	})
	require.NoError(t, err)

	users := newFakeDirectory()
	store := storage.NewRedisCredentialStore(rdb)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := NewSessionManager(users, store, hasher, issuer, log)
	require.NoError(t, err)

	return &testEnv{svc: svc, users: users, store: store, mr: mr, issuer: issuer}
}

func (e *testEnv) registerAndLogin(t *testing.T, email string) (models.PublicUser, models.TokenPair) {
	t.Helper()
	ctx := context.Background()

	_, err := e.svc.Register(ctx, email, "pw12345678", nil)
	require.NoError(t, err)
	user, err := e.svc.Authenticate(ctx, email, "pw12345678")
	require.NoError(t, err)
	pair, err := e.svc.Login(ctx, user)
	require.NoError(t, err)
	return user, pair
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	name := "Alice"

	user, err := env.svc.Register(ctx, "alice@example.com", "pw12345678", &name)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
	require.NotNil(t, user.Name)
	assert.Equal(t, "Alice", *user.Name)

	stored, err := env.users.FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "pw12345678", stored.PasswordHash)
	assert.True(t, strings.HasPrefix(stored.PasswordHash, "$2a$"))
}

func TestRegister_Conflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Register(ctx, "alice@example.com", "pw12345678", nil)
	require.NoError(t, err)

	_, err = env.svc.Register(ctx, "alice@example.com", "another-password", nil)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, env.users.creates)
}

func TestRegister_InvalidInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"empty email", "", "pw12345678"},
		{"malformed email", "alice", "pw12345678"},
		{"display name form", "Alice <alice@example.com>", "pw12345678"},
		{"domain without tld", "a@b", "pw12345678"},
		{"single label host", "alice@localhost", "pw12345678"},
		{"missing local part", "@example.com", "pw12345678"},
		{"short password", "alice@example.com", "short"},
		{"password too long", "alice@example.com", strings.Repeat("p", 73)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Register(context.Background(), tt.email, tt.password, nil)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Equal(t, 0, env.users.creates)
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	registered, err := env.svc.Register(ctx, "alice@example.com", "pw12345678", nil)
	require.NoError(t, err)

	user, err := env.svc.Authenticate(ctx, "alice@example.com", "pw12345678")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, user.ID)

	_, wrongPassword := env.svc.Authenticate(ctx, "alice@example.com", "wrong-password")
	_, unknownEmail := env.svc.Authenticate(ctx, "bob@example.com", "pw12345678")

	assert.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
	assert.ErrorIs(t, unknownEmail, ErrInvalidCredentials)
	assert.Equal(t, wrongPassword.Error(), unknownEmail.Error())
}

func TestAuthenticate_DirectoryUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.users.findErr = fmt.Errorf("storage.FindByEmail: %w: %w", storage.ErrDirectoryUnavailable, errors.New("connection refused"))

	_, err := env.svc.Authenticate(context.Background(), "alice@example.com", "pw12345678")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_StoresRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	user, pair := env.registerAndLogin(t, "alice@example.com")

	key := storage.RefreshTokenKey(user.ID)
	got, err := env.mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, got)
	assert.Equal(t, auth.DefaultRefreshTTL, env.mr.TTL(key))

	claims, err := env.issuer.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.Equal(t, "alice@example.com", claims.Email)
}

func TestLogin_ReplacesPreviousSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, first := env.registerAndLogin(t, "alice@example.com")

	second, err := env.svc.Login(ctx, user)
	require.NoError(t, err)

	_, err = env.svc.Refresh(ctx, user.ID, first.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshRejected)

	_, err = env.svc.Refresh(ctx, user.ID, second.RefreshToken)
	assert.NoError(t, err)
}

func TestRefresh_RotationOnUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, pair := env.registerAndLogin(t, "alice@example.com")

	next, err := env.svc.Refresh(ctx, user.ID, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)

	stored, err := env.mr.Get(storage.RefreshTokenKey(user.ID))
	require.NoError(t, err)
	assert.Equal(t, next.RefreshToken, stored)

	_, err = env.svc.Refresh(ctx, user.ID, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshRejected)

	_, err = env.svc.Refresh(ctx, user.ID, next.RefreshToken)
	assert.NoError(t, err)
}

func TestRefresh_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, alicePair := env.registerAndLogin(t, "alice@example.com")
	bob, bobPair := env.registerAndLogin(t, "bob@example.com")

	forger, err := auth.NewIssuer(auth.IssuerConfig{SigningKey: []byte("ffffffffffffffffffffffffffffffff"), Issuer: "test"})
	require.NoError(t, err)
	forged, err := forger.IssueRefreshToken(alice.ID)
	require.NoError(t, err)

	tests := []struct {
		name   string
		userID uuid.UUID
		token  string
	}{
		{"forged signature", alice.ID, forged},
		{"access token presented", alice.ID, alicePair.AccessToken},
		{"someone else's token", alice.ID, bobPair.RefreshToken},
		{"own token for other user", bob.ID, alicePair.RefreshToken},
		{"garbage", alice.ID, "garbage"},
		{"empty", alice.ID, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Refresh(ctx, tt.userID, tt.token)
			assert.ErrorIs(t, err, ErrRefreshRejected)
			assert.Equal(t, ErrRefreshRejected.Error(), err.Error())
		})
	}

	// rejected attempts leave the slots untouched
	_, err = env.svc.Refresh(ctx, alice.ID, alicePair.RefreshToken)
	assert.NoError(t, err)
	_, err = env.svc.Refresh(ctx, bob.ID, bobPair.RefreshToken)
	assert.NoError(t, err)
}

func TestRefresh_AfterLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, pair := env.registerAndLogin(t, "alice@example.com")

	require.NoError(t, env.svc.Logout(ctx, user.ID))
	assert.False(t, env.mr.Exists(storage.RefreshTokenKey(user.ID)))

	_, err := env.svc.Refresh(ctx, user.ID, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshRejected)

	// logging out twice is fine
	assert.NoError(t, env.svc.Logout(ctx, user.ID))
}

func TestRefresh_AfterStoreEviction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, pair := env.registerAndLogin(t, "alice@example.com")

	_, wrongValue := env.svc.Refresh(ctx, user.ID, pair.AccessToken)

	env.mr.FastForward(auth.DefaultRefreshTTL + time.Second)

	_, evicted := env.svc.Refresh(ctx, user.ID, pair.RefreshToken)
	assert.ErrorIs(t, evicted, ErrRefreshRejected)
	assert.Equal(t, wrongValue.Error(), evicted.Error())
}

func TestRefresh_UserDeleted(t *testing.T) {
	env := newTestEnv(t)
	user, pair := env.registerAndLogin(t, "alice@example.com")
	env.users.delete(user.ID)

	_, err := env.svc.Refresh(context.Background(), user.ID, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshRejected)
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	user, pair := env.registerAndLogin(t, "alice@example.com")

	const n = 16
	var wg sync.WaitGroup
	type result struct {
		pair models.TokenPair
		err  error
	}
	results := make(chan result, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := env.svc.Refresh(context.Background(), user.ID, pair.RefreshToken)
			results <- result{pair: p, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var winner models.TokenPair
	success, rejected := 0, 0
	for r := range results {
		switch {
		case r.err == nil:
			success++
			winner = r.pair
		case errors.Is(r.err, ErrRefreshRejected):
			rejected++
		default:
			t.Fatalf("unexpected refresh error: %v", r.err)
		}
	}

	assert.Equal(t, 1, success)
	assert.Equal(t, n-1, rejected)

	stored, err := env.mr.Get(storage.RefreshTokenKey(user.ID))
	require.NoError(t, err)
	assert.Equal(t, winner.RefreshToken, stored, "the returned token must be the live one")
}

func TestStoreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, pair := env.registerAndLogin(t, "alice@example.com")
	env.mr.Close()

	_, err := env.svc.Login(ctx, user)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = env.svc.Refresh(ctx, user.ID, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrRefreshRejected)

	err = env.svc.Logout(ctx, user.ID)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, _ := env.registerAndLogin(t, "alice@example.com")

	success := metrics.Operations.WithLabelValues("profile", metrics.ResultSuccess)
	rejected := metrics.Operations.WithLabelValues("profile", metrics.ResultRejected)
	successBefore, rejectedBefore := testutil.ToFloat64(success), testutil.ToFloat64(rejected)

	got, err := env.svc.Profile(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user, got)

	_, err = env.svc.Profile(ctx, uuid.Must(uuid.NewV4()))
	assert.ErrorIs(t, err, ErrUserNotFound)

	assert.Equal(t, successBefore+1, testutil.ToFloat64(success))
	assert.Equal(t, rejectedBefore+1, testutil.ToFloat64(rejected))
}

// register -> login -> refresh -> logout -> refresh fails.
func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	registered, err := env.svc.Register(ctx, "alice@example.com", "pw12345678", nil)
	require.NoError(t, err)

	user, err := env.svc.Authenticate(ctx, "alice@example.com", "pw12345678")
	require.NoError(t, err)
	assert.Equal(t, registered, user)

	first, err := env.svc.Login(ctx, user)
	require.NoError(t, err)

	second, err := env.svc.Refresh(ctx, user.ID, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, second.AccessToken)
	assert.NotEmpty(t, second.RefreshToken)

	_, err = env.svc.Refresh(ctx, user.ID, first.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshRejected)

	require.NoError(t, env.svc.Logout(ctx, user.ID))

	_, err = env.svc.Refresh(ctx, user.ID, second.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshRejected)
}

func TestNewSessionManager_MissingDependency(t *testing.T) {
	_, err := NewSessionManager(nil, nil, nil, nil, nil)
	assert.Error(t, err)
}
