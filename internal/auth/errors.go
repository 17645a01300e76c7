package auth

import "errors"

var (
	ErrNotFound         = errors.New("auth: not found")
	ErrInvalidInput     = errors.New("auth: invalid input")
	ErrInvalidRole      = errors.New("auth: invalid role")
	ErrPermissionDenied = errors.New("auth: permission denied")
)
