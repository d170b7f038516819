package rbac

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-capital/atlas-portal/internal/platform/httpx"
	"github.com/atlas-capital/atlas-portal/internal/shared"
)

// Handler wires the role and assignment administration endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     Guard
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard Guard) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		guard:     guard,
		validator: validator.New(),
	}
}

// MountRoutes registers the admin routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(Policy{AnyPermission: []string{shared.PermRolesView, shared.PermRolesEdit}}))
		r.Get("/roles", h.listRoles)
		r.Get("/roles/{id}", h.getRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(Policy{AnyPermission: []string{shared.PermRolesEdit}}))
		r.Post("/roles", h.createRole)
		r.Put("/roles/{id}", h.updateRole)
		r.Post("/roles/{id}/permissions", h.setRolePermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(Policy{AnyPermission: []string{shared.PermPermissionsView}}))
		r.Get("/permissions", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(Policy{AnyPermission: []string{shared.PermUsersEdit}}))
		r.Post("/users/{id}/roles", h.assignRole)
		r.Delete("/users/{id}/roles/{roleID}", h.revokeRole)
		r.Post("/users/roles/bulk", h.bulkAssignRoles)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Require(Policy{AnyPermission: []string{shared.PermUsersView, shared.PermUsersEdit}}))
		r.Get("/users/{id}/assignments", h.listAssignments)
	})
}

// MountMe registers the current-principal endpoint.
func (h *Handler) MountMe(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAuthenticated())
		r.Get("/me", h.me)
	})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if principal == nil {
		httpx.RespondError(w, shared.ErrInvalidCredentials)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"id":          principal.ID,
		"email":       principal.Email,
		"roles":       principal.Roles,
		"permissions": principal.Permissions,
	})
}

type roleResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toRoleResponse(role *Role) roleResponse {
	return roleResponse{
		ID:          role.ID,
		Name:        role.Name,
		Description: role.Description,
		IsActive:    role.IsActive,
		IsDefault:   role.IsDefault,
		CreatedAt:   role.CreatedAt,
		UpdatedAt:   role.UpdatedAt,
	}
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("list roles", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]roleResponse, len(roles))
	for i := range roles {
		out[i] = toRoleResponse(&roles[i])
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, shared.ErrValidation)
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=255"`
	IsDefault   bool   `json:"is_default"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.CreateRole(r.Context(), CreateRoleInput{
		Name:        req.Name,
		Description: req.Description,
		IsDefault:   req.IsDefault,
		ActorID:     actorID(r),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

type updateRoleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=64"`
	Description string `json:"description" validate:"max=255"`
	IsActive    bool   `json:"is_active"`
	IsDefault   bool   `json:"is_default"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, shared.ErrValidation)
		return
	}
	var req updateRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.UpdateRole(r.Context(), id, UpdateRoleInput{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive,
		IsDefault:   req.IsDefault,
		ActorID:     actorID(r),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

type setRolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, shared.ErrValidation)
		return
	}
	var req setRolePermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SetRolePermissions(r.Context(), id, req.PermissionIDs, actorID(r)); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.logger.Error("list permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	type permissionResponse struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		Resource string `json:"resource"`
		Action   string `json:"action"`
	}
	out := make([]permissionResponse, len(perms))
	for i, p := range perms {
		out[i] = permissionResponse{ID: p.ID, Name: p.Name, Resource: p.Resource, Action: p.Action}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

type assignRoleRequest struct {
	RoleID int64  `json:"role_id" validate:"required"`
	Reason string `json:"reason" validate:"max=255"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, shared.ErrValidation)
		return
	}
	var req assignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	err = h.service.AssignRole(r.Context(), AssignRoleInput{
		UserID:     userID,
		RoleID:     req.RoleID,
		AssignedBy: actorID(r),
		Reason:     req.Reason,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type revokeRoleRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, shared.ErrValidation)
		return
	}
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.RespondError(w, shared.ErrValidation)
		return
	}
	var req revokeRoleRequest
	_ = httpx.DecodeJSON(r, &req)
	err = h.service.RevokeRole(r.Context(), RevokeRoleInput{
		UserID:    userID,
		RoleID:    roleID,
		RevokedBy: actorID(r),
		Reason:    req.Reason,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkAssignRequest struct {
	UserIDs []int64 `json:"user_ids" validate:"required,min=1"`
	RoleID  int64   `json:"role_id" validate:"required"`
	Reason  string  `json:"reason" validate:"max=255"`
}

func (h *Handler) bulkAssignRoles(w http.ResponseWriter, r *http.Request) {
	var req bulkAssignRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.BulkAssignRoles(r.Context(), BulkAssignInput{
		UserIDs:    req.UserIDs,
		RoleID:     req.RoleID,
		AssignedBy: actorID(r),
		Reason:     req.Reason,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "id")
	if err != nil {
		httpx.RespondError(w, shared.ErrValidation)
		return
	}
	assignments, err := h.service.ListAssignments(r.Context(), userID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	type assignmentResponse struct {
		ID           int64      `json:"id"`
		UserID       int64      `json:"user_id"`
		RoleID       int64      `json:"role_id"`
		AssignedBy   int64      `json:"assigned_by"`
		Reason       string     `json:"reason"`
		IsActive     bool       `json:"is_active"`
		RevokedBy    int64      `json:"revoked_by,omitempty"`
		RevokeReason string     `json:"revoke_reason,omitempty"`
		CreatedAt    time.Time  `json:"created_at"`
		RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	}
	out := make([]assignmentResponse, len(assignments))
	for i, a := range assignments {
		out[i] = assignmentResponse{
			ID:           a.ID,
			UserID:       a.UserID,
			RoleID:       a.RoleID,
			AssignedBy:   a.AssignedBy,
			Reason:       a.Reason,
			IsActive:     a.IsActive,
			RevokedBy:    a.RevokedBy,
			RevokeReason: a.RevokeReason,
			CreatedAt:    a.CreatedAt,
		}
		if !a.RevokedAt.IsZero() {
			revokedAt := a.RevokedAt
			out[i].RevokedAt = &revokedAt
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": out})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		fields := make(map[string]string)
		for _, fieldErr := range err.(validator.ValidationErrors) {
			fields[fieldErr.Field()] = fieldErr.Tag()
		}
		httpx.ValidationProblem(w, fields)
		return false
	}
	return true
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func actorID(r *http.Request) int64 {
	if p := shared.PrincipalFromContext(r.Context()); p != nil {
		return p.ID
	}
	return 0
}
