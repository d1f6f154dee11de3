package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"session_service/internal/auth"
	"session_service/internal/metrics"
	"session_service/internal/models"
	"session_service/internal/storage"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
)

const (
	minPasswordLen = 8
	// bcrypt refuses anything past 72 bytes.
	maxPasswordLen = 72
)

var validate = validator.New()

// Service is the inbound API of the session subsystem.
type Service interface {
	Register(ctx context.Context, email, password string, name *string) (models.PublicUser, error)
	Authenticate(ctx context.Context, email, password string) (models.PublicUser, error)
	Login(ctx context.Context, user models.PublicUser) (models.TokenPair, error)
	Refresh(ctx context.Context, userID uuid.UUID, refreshToken string) (models.TokenPair, error)
	Logout(ctx context.Context, userID uuid.UUID) error
	Profile(ctx context.Context, userID uuid.UUID) (models.PublicUser, error)
}

type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

type TokenIssuer interface {
	IssueAccessToken(userID uuid.UUID, email string) (string, error)
	IssueRefreshToken(userID uuid.UUID) (string, error)
	VerifyRefresh(token string) (*auth.Claims, error)
	RefreshTTL() time.Duration
}

// SessionManager keeps no session state in memory. The only copy of a
// user's live refresh token is the credential store entry, and at most one
// exists per user.
type SessionManager struct {
	users  storage.UserDirectory
	creds  storage.CredentialStore
	hasher PasswordHasher
	issuer TokenIssuer
	log    *slog.Logger

	// verified when the email is unknown so both failure paths cost the same
	dummyHash string
}

func NewSessionManager(
	users storage.UserDirectory,
	creds storage.CredentialStore,
	hasher PasswordHasher,
	issuer TokenIssuer,
	log *slog.Logger,
) (*SessionManager, error) {
	const op = "service.NewSessionManager"

	if users == nil || creds == nil || hasher == nil || issuer == nil || log == nil {
		return nil, fmt.Errorf("%s: missing dependency", op)
	}

	dummyHash, err := hasher.Hash(uuid.Must(uuid.NewV4()).String())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &SessionManager{
		users:     users,
		creds:     creds,
		hasher:    hasher,
		issuer:    issuer,
		log:       log,
		dummyHash: dummyHash,
	}, nil
}

func (s *SessionManager) Register(ctx context.Context, email, password string, name *string) (_ models.PublicUser, err error) {
	const op = "service.Register"
	defer observe("register", time.Now(), &err)

	log := s.log.With(slog.String("op", op))

	if err := validateCredentials(email, password); err != nil {
		return models.PublicUser{}, err
	}

	_, err = s.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return models.PublicUser{}, ErrConflict
	case !errors.Is(err, storage.ErrUserNotFound):
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, err)
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, err)
	}

	user, err := s.users.Create(ctx, models.NewUser{Email: email, PasswordHash: passwordHash, Name: name})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return models.PublicUser{}, ErrConflict
		}
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.String("user_id", user.ID.String()))

	return user.Public(), nil
}

func (s *SessionManager) Authenticate(ctx context.Context, email, password string) (_ models.PublicUser, err error) {
	const op = "service.Authenticate"
	defer observe("authenticate", time.Now(), &err)

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			s.hasher.Verify(password, s.dummyHash)
			return models.PublicUser{}, ErrInvalidCredentials
		}
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, err)
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return models.PublicUser{}, ErrInvalidCredentials
	}

	return user.Public(), nil
}

// Login mints a new pair and overwrites the user's refresh slot, which
// invalidates any refresh token issued before.
func (s *SessionManager) Login(ctx context.Context, user models.PublicUser) (_ models.TokenPair, err error) {
	const op = "service.Login"
	defer observe("login", time.Now(), &err)

	log := s.log.With(slog.String("op", op))

	pair, err := s.issuePair(user.ID, user.Email)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.creds.Set(ctx, storage.RefreshTokenKey(user.ID), pair.RefreshToken, s.issuer.RefreshTTL()); err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in", slog.String("user_id", user.ID.String()))

	return pair, nil
}

// Refresh consumes the presented refresh token and returns a new pair. A
// token can be used once; the slot is swapped only if it still holds the
// presented value, so of two concurrent calls with the same token one fails.
func (s *SessionManager) Refresh(ctx context.Context, userID uuid.UUID, refreshToken string) (_ models.TokenPair, err error) {
	const op = "service.Refresh"
	defer observe("refresh", time.Now(), &err)

	log := s.log.With(slog.String("op", op), slog.String("user_id", userID.String()))

	claims, err := s.issuer.VerifyRefresh(refreshToken)
	if err != nil {
		log.Debug("refresh token rejected", slog.Any("reason", err))
		return models.TokenPair{}, ErrRefreshRejected
	}
	if claims.Subject != userID.String() {
		log.Debug("refresh token rejected", slog.String("reason", "subject mismatch"))
		return models.TokenPair{}, ErrRefreshRejected
	}

	key := storage.RefreshTokenKey(userID)

	stored, err := s.creds.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Debug("refresh token rejected", slog.String("reason", "no active session"))
			return models.TokenPair{}, ErrRefreshRejected
		}
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(refreshToken)) != 1 {
		log.Debug("refresh token rejected", slog.String("reason", "stale token"))
		return models.TokenPair{}, ErrRefreshRejected
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Debug("refresh token rejected", slog.String("reason", "user not found"))
			return models.TokenPair{}, ErrRefreshRejected
		}
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := s.issuePair(user.ID, user.Email)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	swapped, err := s.creds.CompareAndSwap(ctx, key, refreshToken, pair.RefreshToken, s.issuer.RefreshTTL())
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}
	if !swapped {
		log.Debug("refresh token rejected", slog.String("reason", "lost rotation race"))
		return models.TokenPair{}, ErrRefreshRejected
	}

	return pair, nil
}

func (s *SessionManager) Logout(ctx context.Context, userID uuid.UUID) (err error) {
	const op = "service.Logout"
	defer observe("logout", time.Now(), &err)

	if err := s.creds.Del(ctx, storage.RefreshTokenKey(userID)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("user logged out", slog.String("op", op), slog.String("user_id", userID.String()))

	return nil
}

func (s *SessionManager) Profile(ctx context.Context, userID uuid.UUID) (_ models.PublicUser, err error) {
	const op = "service.Profile"
	defer observe("profile", time.Now(), &err)

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return models.PublicUser{}, ErrUserNotFound
		}
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, err)
	}

	return user.Public(), nil
}

func (s *SessionManager) issuePair(userID uuid.UUID, email string) (models.TokenPair, error) {
	access, err := s.issuer.IssueAccessToken(userID, email)
	if err != nil {
		return models.TokenPair{}, err
	}

	refresh, err := s.issuer.IssueRefreshToken(userID)
	if err != nil {
		return models.TokenPair{}, err
	}

	return models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func validateCredentials(email, password string) error {
	if err := validate.Var(email, "required,email"); err != nil {
		return fmt.Errorf("%w: not valid email", ErrInvalidInput)
	}
	if err := validate.Var(password, fmt.Sprintf("required,min=%d", minPasswordLen)); err != nil {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	// length in bytes, not runes
	if len(password) > maxPasswordLen {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPasswordLen)
	}
	return nil
}

func observe(operation string, started time.Time, errp *error) {
	result := metrics.ResultSuccess
	switch err := *errp; {
	case err == nil:
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrRefreshRejected),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrUserNotFound):
		result = metrics.ResultRejected
	default:
		result = metrics.ResultError
	}
	metrics.Observe(operation, result, started)
}
