package storage

import (
	"context"
	"errors"
	"session_service/internal/models"
	"time"

	"github.com/gofrs/uuid"
)

const refreshTokenKeyPrefix = "refresh_token:"

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUserExists    = errors.New("user already exists")
	ErrTokenNotFound = errors.New("refresh token not found")

	ErrStoreUnavailable     = errors.New("credential store unavailable")
	ErrDirectoryUnavailable = errors.New("user directory unavailable")
)

// CredentialStore holds at most one value per key with a per-key TTL.
// Single-key operations are atomic.
type CredentialStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns ErrTokenNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
	// CompareAndSwap replaces the value only if it currently equals expected.
	CompareAndSwap(ctx context.Context, key, expected, next string, ttl time.Duration) (bool, error)
}

type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (models.User, error)
	FindByID(ctx context.Context, id uuid.UUID) (models.User, error)
	Create(ctx context.Context, user models.NewUser) (models.User, error)
}

func RefreshTokenKey(userID uuid.UUID) string {
	return refreshTokenKeyPrefix + userID.String()
}
