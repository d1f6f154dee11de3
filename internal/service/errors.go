package service

import (
	"errors"
	"session_service/internal/storage"
)

var (
	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrConflict           = errors.New("email already registered")
	// ErrRefreshRejected covers a missing, rotated, expired, logged-out or
	// forged refresh token alike.
	ErrRefreshRejected = errors.New("invalid refresh token")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUserNotFound    = errors.New("user not found")

	ErrStoreUnavailable     = storage.ErrStoreUnavailable
	ErrDirectoryUnavailable = storage.ErrDirectoryUnavailable
)
