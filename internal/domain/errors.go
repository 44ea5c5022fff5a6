package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrNotClaimed    = errors.New("job not in expected state")
	ErrDuplicate     = errors.New("content already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrUnknownMentor = errors.New("unknown mentor")
	ErrNoThemes      = errors.New("no themes configured")
	ErrNoGenerator   = errors.New("no generator for mentor")
	ErrInvalidMode   = errors.New("invalid mode")
)
