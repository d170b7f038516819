// Package audit records security-relevant events. Recording is best
// effort: a failed write is logged locally and swallowed so the
// triggering operation never fails or rolls back on audit problems.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Security event actions recorded by the kernel.
const (
	ActionRegister    = "auth.register"
	ActionLogin       = "auth.login"
	ActionRefresh     = "auth.refresh"
	ActionLogout      = "auth.logout"
	ActionLogoutAll   = "auth.logout_all"
	ActionRoleCreated = "rbac.role_created"
	ActionRoleUpdated = "rbac.role_updated"
	ActionRoleGranted = "rbac.role_granted"
	ActionRoleRevoked = "rbac.role_revoked"
	ActionRolePerms   = "rbac.role_permissions_set"
)

// Entry is an append-only audit record.
type Entry struct {
	ID        int64
	UserID    int64
	Action    string
	IPAddress string
	UserAgent string
	Details   map[string]any
	CreatedAt time.Time
}

// Recorder persists audit entries.
type Recorder interface {
	Insert(ctx context.Context, e Entry) error
	List(ctx context.Context, filters ListFilters) ([]Entry, error)
}

// Emitter writes audit entries fire-and-forget.
type Emitter struct {
	recorder Recorder
	logger   *slog.Logger
}

// NewEmitter constructs an Emitter.
func NewEmitter(recorder Recorder, logger *slog.Logger) *Emitter {
	return &Emitter{recorder: recorder, logger: logger}
}

// Record persists the entry. Failures never propagate to the caller.
func (e *Emitter) Record(ctx context.Context, entry Entry) {
	if e == nil || e.recorder == nil {
		return
	}
	if err := e.recorder.Insert(ctx, entry); err != nil {
		if e.logger != nil {
			e.logger.Warn("audit record",
				slog.String("action", entry.Action),
				slog.Int64("user_id", entry.UserID),
				slog.Any("error", err))
		}
	}
}

// ListFilters narrows the audit listing.
type ListFilters struct {
	UserID   int64
	Action   string
	Page     int
	PageSize int
}

// PagingInfo describes the listing window.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result bundles listed entries with paging information.
type Result struct {
	Entries []Entry
	Paging  PagingInfo
}

// Service provides the read side of the audit trail for the admin surface.
type Service struct {
	recorder Recorder
}

// NewService constructs a Service.
func NewService(recorder Recorder) *Service {
	return &Service{recorder: recorder}
}

// Timeline lists audit entries with paging.
func (s *Service) Timeline(ctx context.Context, filters ListFilters) (Result, error) {
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	filters.Page = page
	filters.PageSize = pageSize + 1
	entries, err := s.recorder.List(ctx, filters)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(entries) > pageSize
	if hasNext {
		entries = entries[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Entries: entries, Paging: paging}, nil
}

func marshalDetails(details map[string]any) []byte {
	if len(details) == 0 {
		return []byte("{}")
	}
	data, err := json.Marshal(details)
	if err != nil {
		return []byte("{}")
	}
	return data
}
