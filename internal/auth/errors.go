package auth

import "errors"

var (
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrMissingSecret = errors.New("auth: token secret is not configured")
)
