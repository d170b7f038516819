// Package session persists refresh-token sessions and implements the
// store-level claim semantics the refresh-rotation protocol relies on.
package session

import (
	"context"
	"errors"
)

// ErrNotFound indicates that no usable session matches the token. A
// revoked or expired session is reported identically to a missing one
// so a caller cannot learn why the lookup failed.
var ErrNotFound = errors.New("session: not found")

// Repository defines persistence operations for refresh sessions.
type Repository interface {
	// Create inserts the session. Adapter errors propagate unchanged:
	// a session that silently failed to persist would let a client
	// believe it is logged in when it is not.
	Create(ctx context.Context, s *Session) error
	// Get returns the session only while it is non-revoked and unexpired.
	Get(ctx context.Context, refreshToken string) (*Session, error)
	// Revoke marks the session revoked. The update is conditional on
	// the row not already being revoked; ErrNotFound means another
	// caller claimed the session first and this one lost the race.
	Revoke(ctx context.Context, refreshToken string) error
	// RevokeAll bulk-revokes every non-revoked session for the user.
	RevokeAll(ctx context.Context, userID int64) error
	// TouchActivity updates last-seen metadata without affecting validity.
	TouchActivity(ctx context.Context, refreshToken, userAgent, ip string) error
	// Cleanup deletes expired or revoked rows, returning the count.
	// Runs off the request path on a periodic timer.
	Cleanup(ctx context.Context) (int64, error)
}
