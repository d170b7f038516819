package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates an authentication failure. The same
	// sentinel covers bad passwords, unknown or inactive accounts and
	// invalid, expired or revoked tokens so callers cannot tell which
	// part was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrForbidden indicates the principal lacks a required role or permission.
	ErrForbidden = errors.New("forbidden")
	// ErrDuplicate indicates a unique-constraint conflict.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
)
