package session

import "time"

// Session is the durable record of a refresh-token login session. A
// user may hold many concurrent non-revoked sessions (multi-device).
type Session struct {
	ID           int64
	UserID       int64
	RefreshToken string
	IsRevoked    bool
	ExpiresAt    time.Time
	UserAgent    string
	IPAddress    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Live reports whether the session can still be presented for refresh.
func (s *Session) Live(now time.Time) bool {
	return s != nil && !s.IsRevoked && s.ExpiresAt.After(now)
}
