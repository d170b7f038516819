// Package audithttp exposes the audit trail read surface.
package audithttp

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atlas-capital/atlas-portal/internal/audit"
	"github.com/atlas-capital/atlas-portal/internal/platform/httpx"
	"github.com/atlas-capital/atlas-portal/internal/rbac"
	"github.com/atlas-capital/atlas-portal/internal/shared"
)

// Handler serves the audit timeline to administrators.
type Handler struct {
	logger  *slog.Logger
	service *audit.Service
	guard   rbac.Guard
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *audit.Service, guard rbac.Guard) *Handler {
	return &Handler{logger: logger, service: service, guard: guard}
}

// MountRoutes registers audit routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(rbac.Policy{AnyPermission: []string{shared.PermAuditView}}))
		r.Get("/", h.timeline)
	})
}

type entryResponse struct {
	ID        int64          `json:"id"`
	UserID    int64          `json:"user_id"`
	Action    string         `json:"action"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	filters := audit.ListFilters{
		Action:   r.URL.Query().Get("action"),
		Page:     queryInt(r, "page"),
		PageSize: queryInt(r, "page_size"),
	}
	if id := queryInt(r, "user_id"); id > 0 {
		filters.UserID = int64(id)
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	entries := make([]entryResponse, len(result.Entries))
	for i, e := range result.Entries {
		entries[i] = entryResponse{
			ID:        e.ID,
			UserID:    e.UserID,
			Action:    e.Action,
			IPAddress: e.IPAddress,
			UserAgent: e.UserAgent,
			Details:   e.Details,
			CreatedAt: e.CreatedAt,
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"paging": map[string]any{
			"page":      result.Paging.Page,
			"page_size": result.Paging.PageSize,
			"has_next":  result.Paging.HasNext,
		},
	})
}

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}
