package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts a session row.
func (r *PGRepository) Create(ctx context.Context, s *Session) error {
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO sessions (user_id, refresh_token, is_revoked, expires_at, user_agent, ip_address, created_at, updated_at)
		VALUES ($1, $2, FALSE, $3, $4, $5, $6, $6)
		RETURNING id`,
		s.UserID, s.RefreshToken, s.ExpiresAt.UTC(), optionalText(s.UserAgent), optionalText(s.IPAddress), now)
	if err := row.Scan(&s.ID); err != nil {
		return err
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

// Get fetches a live session by refresh token.
func (r *PGRepository) Get(ctx context.Context, refreshToken string) (*Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, refresh_token, is_revoked, expires_at, user_agent, ip_address, created_at, updated_at
		FROM sessions
		WHERE refresh_token = $1 AND is_revoked = FALSE AND expires_at > NOW()`,
		refreshToken)

	var (
		s         Session
		ua, ip    pgtype.Text
		expiresAt pgtype.Timestamptz
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&s.ID, &s.UserID, &s.RefreshToken, &s.IsRevoked, &expiresAt, &ua, &ip, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.ExpiresAt = expiresAt.Time
	s.CreatedAt = createdAt.Time
	s.UpdatedAt = updatedAt.Time
	s.UserAgent = ua.String
	s.IPAddress = ip.String
	return &s, nil
}

// Revoke conditionally claims the session. The affected-row count is
// how the caller learns whether it won a concurrent refresh race.
func (r *PGRepository) Revoke(ctx context.Context, refreshToken string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions SET is_revoked = TRUE, updated_at = NOW()
		WHERE refresh_token = $1 AND is_revoked = FALSE`,
		refreshToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAll revokes every non-revoked session for the user.
func (r *PGRepository) RevokeAll(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET is_revoked = TRUE, updated_at = NOW()
		WHERE user_id = $1 AND is_revoked = FALSE`,
		userID)
	return err
}

// TouchActivity records last-seen metadata for the session.
func (r *PGRepository) TouchActivity(ctx context.Context, refreshToken, userAgent, ip string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET user_agent = COALESCE($2, user_agent), ip_address = COALESCE($3, ip_address), updated_at = NOW()
		WHERE refresh_token = $1`,
		refreshToken, optionalText(userAgent), optionalText(ip))
	return err
}

// Cleanup removes rows that can never become usable again.
func (r *PGRepository) Cleanup(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < NOW() OR is_revoked = TRUE`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

var _ Repository = (*PGRepository)(nil)
