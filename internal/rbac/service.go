package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/atlas-capital/atlas-portal/internal/audit"
	"github.com/atlas-capital/atlas-portal/internal/shared"
)

// Service orchestrates role and assignment administration. Every
// mutation runs in a single transaction per affected user; the audit
// entry is emitted after commit, fire-and-forget.
type Service struct {
	repo     Repository
	resolver *Resolver
	audit    *audit.Emitter
}

// NewService constructs a Service.
func NewService(repo Repository, resolver *Resolver, emitter *audit.Emitter) *Service {
	return &Service{repo: repo, resolver: resolver, audit: emitter}
}

// CreateRoleInput carries the fields for a new role.
type CreateRoleInput struct {
	Name        string
	Description string
	IsDefault   bool
	ActorID     int64
}

// CreateRole inserts a new role. Flipping the new role to default
// atomically unsets any previous default within the same transaction.
func (s *Service) CreateRole(ctx context.Context, in CreateRoleInput) (*Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name required", shared.ErrValidation)
	}
	var role *Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created, err := tx.CreateRole(ctx, name, strings.TrimSpace(in.Description), in.IsDefault)
		if err != nil {
			return err
		}
		if in.IsDefault {
			if err := tx.ClearDefault(ctx, created.ID); err != nil {
				return err
			}
		}
		role = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		UserID:  in.ActorID,
		Action:  audit.ActionRoleCreated,
		Details: map[string]any{"role_id": role.ID, "name": role.Name, "is_default": role.IsDefault},
	})
	return role, nil
}

// UpdateRoleInput carries the fields for a role update.
type UpdateRoleInput struct {
	Name        string
	Description string
	IsActive    bool
	IsDefault   bool
	ActorID     int64
}

// UpdateRole updates an existing role, preserving the at-most-one
// default invariant.
func (s *Service) UpdateRole(ctx context.Context, id int64, in UpdateRoleInput) (*Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name required", shared.ErrValidation)
	}
	var role *Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		updated, err := tx.UpdateRole(ctx, id, name, strings.TrimSpace(in.Description), in.IsActive, in.IsDefault)
		if err != nil {
			return err
		}
		if in.IsDefault {
			if err := tx.ClearDefault(ctx, id); err != nil {
				return err
			}
		}
		role = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.resolver.Invalidate(ctx)
	s.audit.Record(ctx, audit.Entry{
		UserID:  in.ActorID,
		Action:  audit.ActionRoleUpdated,
		Details: map[string]any{"role_id": role.ID, "name": role.Name, "is_active": role.IsActive, "is_default": role.IsDefault},
	})
	return role, nil
}

// GetRole fetches a role by id.
func (s *Service) GetRole(ctx context.Context, id int64) (*Role, error) {
	return s.repo.GetRole(ctx, id)
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// ListAssignments returns the assignment history for a user.
func (s *Service) ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	return s.repo.ListAssignments(ctx, userID)
}

// AssignRoleInput identifies the target of a role grant.
type AssignRoleInput struct {
	UserID     int64
	RoleID     int64
	AssignedBy int64
	Reason     string
}

// AssignRole grants the role to the user: the user/role link and the
// opening of the assignment history record commit as one unit.
func (s *Service) AssignRole(ctx context.Context, in AssignRoleInput) error {
	role, err := s.repo.GetRole(ctx, in.RoleID)
	if err != nil {
		return err
	}
	if !role.IsActive {
		return fmt.Errorf("%w: role %s is inactive", shared.ErrValidation, role.Name)
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.ActivateUserRole(ctx, in.UserID, in.RoleID); err != nil {
			return err
		}
		return tx.OpenAssignment(ctx, in.UserID, in.RoleID, in.AssignedBy, in.Reason)
	})
	if err != nil {
		return err
	}
	s.resolver.InvalidateUser(ctx, in.UserID)
	s.audit.Record(ctx, audit.Entry{
		UserID:  in.AssignedBy,
		Action:  audit.ActionRoleGranted,
		Details: map[string]any{"target_user_id": in.UserID, "role_id": in.RoleID, "reason": in.Reason},
	})
	return nil
}

// AssignDefaultRole grants the configured default role to a freshly
// registered user. Absence of a default role is a no-op.
func (s *Service) AssignDefaultRole(ctx context.Context, userID int64) error {
	role, err := s.repo.GetDefaultRole(ctx)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return err
	}
	err = s.AssignRole(ctx, AssignRoleInput{
		UserID: userID,
		RoleID: role.ID,
		Reason: "default role on registration",
	})
	if errors.Is(err, shared.ErrDuplicate) {
		return nil
	}
	return err
}

// RevokeRoleInput identifies the target of a role revocation.
type RevokeRoleInput struct {
	UserID    int64
	RoleID    int64
	RevokedBy int64
	Reason    string
}

// RevokeRole soft-deactivates the user/role link and closes the open
// assignment record, retaining history.
func (s *Service) RevokeRole(ctx context.Context, in RevokeRoleInput) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.DeactivateUserRole(ctx, in.UserID, in.RoleID); err != nil {
			return err
		}
		return tx.CloseAssignment(ctx, in.UserID, in.RoleID, in.RevokedBy, in.Reason)
	})
	if err != nil {
		return err
	}
	s.resolver.InvalidateUser(ctx, in.UserID)
	s.audit.Record(ctx, audit.Entry{
		UserID:  in.RevokedBy,
		Action:  audit.ActionRoleRevoked,
		Details: map[string]any{"target_user_id": in.UserID, "role_id": in.RoleID, "reason": in.Reason},
	})
	return nil
}

// BulkAssignInput names the users to receive a role.
type BulkAssignInput struct {
	UserIDs    []int64
	RoleID     int64
	AssignedBy int64
	Reason     string
}

// BulkFailure reports one failed target of a bulk assignment.
type BulkFailure struct {
	UserID int64  `json:"user_id"`
	Error  string `json:"error"`
}

// BulkAssignResult summarizes a bulk assignment.
type BulkAssignResult struct {
	SuccessCount int           `json:"success_count"`
	Failures     []BulkFailure `json:"failures"`
}

// BulkAssignRoles grants the role to each user independently, one
// transaction per user, continuing past per-user failures instead of
// aborting the batch.
func (s *Service) BulkAssignRoles(ctx context.Context, in BulkAssignInput) (BulkAssignResult, error) {
	result := BulkAssignResult{Failures: []BulkFailure{}}
	for _, userID := range in.UserIDs {
		err := s.AssignRole(ctx, AssignRoleInput{
			UserID:     userID,
			RoleID:     in.RoleID,
			AssignedBy: in.AssignedBy,
			Reason:     in.Reason,
		})
		if err != nil {
			result.Failures = append(result.Failures, BulkFailure{UserID: userID, Error: err.Error()})
			continue
		}
		result.SuccessCount++
	}
	return result, nil
}

// SetRolePermissions replaces the active permission set of a role by
// soft-activating the wanted junctions and soft-deactivating the rest.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64, actorID int64) error {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.ActiveRolePermissionIDs(ctx, roleID)
		if err != nil {
			return err
		}
		existing := make(map[int64]struct{}, len(current))
		for _, id := range current {
			existing[id] = struct{}{}
		}
		keep := make(map[int64]struct{}, len(permissionIDs))
		for _, id := range permissionIDs {
			keep[id] = struct{}{}
			if _, ok := existing[id]; !ok {
				if err := tx.SetRolePermission(ctx, roleID, id, true); err != nil {
					return err
				}
			}
		}
		for id := range existing {
			if _, ok := keep[id]; !ok {
				if err := tx.SetRolePermission(ctx, roleID, id, false); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.resolver.Invalidate(ctx)
	s.audit.Record(ctx, audit.Entry{
		UserID:  actorID,
		Action:  audit.ActionRolePerms,
		Details: map[string]any{"role_id": roleID, "permission_ids": permissionIDs},
	})
	return nil
}
