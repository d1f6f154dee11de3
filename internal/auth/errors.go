package auth

import "errors"

var (
	ErrTokenInvalid  = errors.New("token invalid")
	ErrTokenExpired  = errors.New("token expired")
	ErrInvalidConfig = errors.New("invalid auth config")
)
