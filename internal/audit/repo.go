package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRecorder implements Recorder using PostgreSQL.
type PGRecorder struct {
	pool *pgxpool.Pool
}

// NewRecorder constructs a PostgreSQL recorder.
func NewRecorder(pool *pgxpool.Pool) *PGRecorder {
	return &PGRecorder{pool: pool}
}

// Insert appends the entry to audit_logs.
func (r *PGRecorder) Insert(ctx context.Context, e Entry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_logs (user_id, action, ip_address, user_agent, details, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		e.UserID, e.Action, optionalText(e.IPAddress), optionalText(e.UserAgent), marshalDetails(e.Details), optionalTime(e.CreatedAt))
	return err
}

// List returns entries newest first, honoring the filters. The caller
// passes PageSize already padded by one to detect a next page.
func (r *PGRecorder) List(ctx context.Context, filters ListFilters) ([]Entry, error) {
	offset := (filters.Page - 1) * (filters.PageSize - 1)
	if offset < 0 {
		offset = 0
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, action, ip_address, user_agent, details, created_at
		FROM audit_logs
		WHERE ($1 = 0 OR user_id = $1)
		  AND ($2 = '' OR action = $2)
		ORDER BY created_at DESC, id DESC
		OFFSET $3 LIMIT $4`,
		filters.UserID, filters.Action, offset, filters.PageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			ua, ip    pgtype.Text
			details   []byte
			createdAt pgtype.Timestamptz
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &ip, &ua, &details, &createdAt); err != nil {
			return nil, err
		}
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		e.CreatedAt = createdAt.Time
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func optionalTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

var _ Recorder = (*PGRecorder)(nil)
