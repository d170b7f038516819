package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-capital/atlas-portal/internal/platform/db"
	"github.com/atlas-capital/atlas-portal/internal/shared"
)

// Repository defines persistence operations for the RBAC module.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRole(ctx context.Context, id int64) (*Role, error)
	GetDefaultRole(ctx context.Context) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	UserGrantRows(ctx context.Context, userID int64) ([]GrantRow, error)
	ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error)
}

// TxRepository exposes the mutations that must share one transaction.
type TxRepository interface {
	CreateRole(ctx context.Context, name, description string, isDefault bool) (*Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string, isActive, isDefault bool) (*Role, error)
	// ClearDefault unsets is_default on every role except the given one.
	ClearDefault(ctx context.Context, exceptRoleID int64) error
	// ActivateUserRole inserts or reactivates the user/role link. It
	// reports shared.ErrDuplicate when the link is already active.
	ActivateUserRole(ctx context.Context, userID, roleID int64) error
	// DeactivateUserRole soft-deactivates the link; shared.ErrNotFound
	// when no active link exists.
	DeactivateUserRole(ctx context.Context, userID, roleID int64) error
	OpenAssignment(ctx context.Context, userID, roleID, assignedBy int64, reason string) error
	CloseAssignment(ctx context.Context, userID, roleID, revokedBy int64, reason string) error
	SetRolePermission(ctx context.Context, roleID, permissionID int64, active bool) error
	ActiveRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// WithTx runs fn inside a single transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

// GetRole fetches a role by id.
func (r *PGRepository) GetRole(ctx context.Context, id int64) (*Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `
		SELECT id, name, description, is_active, is_default, created_at, updated_at
		FROM roles WHERE id = $1`, id))
}

// GetDefaultRole returns the active default role, or ErrNotFound when
// none is configured.
func (r *PGRepository) GetDefaultRole(ctx context.Context) (*Role, error) {
	return scanRole(r.pool.QueryRow(ctx, `
		SELECT id, name, description, is_active, is_default, created_at, updated_at
		FROM roles WHERE is_default = TRUE AND is_active = TRUE`))
}

// ListRoles returns all roles ordered by name.
func (r *PGRepository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, description, is_active, is_default, created_at, updated_at
		FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRoleRow(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// ListPermissions returns the permission catalog ordered by name.
func (r *PGRepository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, resource, action FROM permissions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// UserGrantRows fetches the active-only grants join for a user: active
// user_roles joined to active roles, each left-joined to its active
// role_permissions and active permissions.
func (r *PGRepository) UserGrantRows(ctx context.Context, userID int64) ([]GrantRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.name, COALESCE(p.name, '')
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id AND r.is_active = TRUE
		LEFT JOIN role_permissions rp ON rp.role_id = r.id AND rp.is_active = TRUE
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1 AND ur.is_active = TRUE`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []GrantRow
	for rows.Next() {
		var g GrantRow
		if err := rows.Scan(&g.RoleName, &g.PermissionName); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// ListAssignments returns the full assignment history for a user,
// newest first. Closed records are retained.
func (r *PGRepository) ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, role_id, assigned_by, reason, is_active,
		       COALESCE(revoked_by, 0), COALESCE(revoke_reason, ''), created_at, revoked_at
		FROM role_assignments
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []RoleAssignment
	for rows.Next() {
		var (
			a         RoleAssignment
			createdAt pgtype.Timestamptz
			revokedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.AssignedBy, &a.Reason, &a.IsActive,
			&a.RevokedBy, &a.RevokeReason, &createdAt, &revokedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = createdAt.Time
		if revokedAt.Valid {
			a.RevokedAt = revokedAt.Time
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

type pgTxRepository struct {
	tx pgx.Tx
}

func (r *pgTxRepository) CreateRole(ctx context.Context, name, description string, isDefault bool) (*Role, error) {
	role, err := scanRole(r.tx.QueryRow(ctx, `
		INSERT INTO roles (name, description, is_active, is_default, created_at, updated_at)
		VALUES ($1, $2, TRUE, $3, NOW(), NOW())
		RETURNING id, name, description, is_active, is_default, created_at, updated_at`,
		name, description, isDefault))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, shared.ErrDuplicate
		}
		return nil, err
	}
	return role, nil
}

func (r *pgTxRepository) UpdateRole(ctx context.Context, id int64, name, description string, isActive, isDefault bool) (*Role, error) {
	role, err := scanRole(r.tx.QueryRow(ctx, `
		UPDATE roles SET name = $2, description = $3, is_active = $4, is_default = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING id, name, description, is_active, is_default, created_at, updated_at`,
		id, name, description, isActive, isDefault))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, shared.ErrDuplicate
		}
		return nil, err
	}
	return role, nil
}

func (r *pgTxRepository) ClearDefault(ctx context.Context, exceptRoleID int64) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE roles SET is_default = FALSE, updated_at = NOW()
		WHERE is_default = TRUE AND id <> $1`,
		exceptRoleID)
	return err
}

func (r *pgTxRepository) ActivateUserRole(ctx context.Context, userID, roleID int64) error {
	// The conditional upsert claims the link only when it is new or
	// currently inactive; zero affected rows means a duplicate active
	// assignment.
	tag, err := r.tx.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id, is_active, assigned_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (user_id, role_id)
		DO UPDATE SET is_active = TRUE, assigned_at = NOW()
		WHERE user_roles.is_active = FALSE`,
		userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrDuplicate
	}
	return nil
}

func (r *pgTxRepository) DeactivateUserRole(ctx context.Context, userID, roleID int64) error {
	tag, err := r.tx.Exec(ctx, `
		UPDATE user_roles SET is_active = FALSE
		WHERE user_id = $1 AND role_id = $2 AND is_active = TRUE`,
		userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *pgTxRepository) OpenAssignment(ctx context.Context, userID, roleID, assignedBy int64, reason string) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO role_assignments (user_id, role_id, assigned_by, reason, is_active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, NOW())`,
		userID, roleID, assignedBy, reason)
	return err
}

func (r *pgTxRepository) CloseAssignment(ctx context.Context, userID, roleID, revokedBy int64, reason string) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE role_assignments
		SET is_active = FALSE, revoked_by = $3, revoke_reason = $4, revoked_at = NOW()
		WHERE user_id = $1 AND role_id = $2 AND is_active = TRUE`,
		userID, roleID, revokedBy, reason)
	return err
}

func (r *pgTxRepository) SetRolePermission(ctx context.Context, roleID, permissionID int64, active bool) error {
	_, err := r.tx.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id, is_active, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (role_id, permission_id)
		DO UPDATE SET is_active = $3`,
		roleID, permissionID, active)
	return err
}

func (r *pgTxRepository) ActiveRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `
		SELECT permission_id FROM role_permissions
		WHERE role_id = $1 AND is_active = TRUE`,
		roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type roleScanner interface {
	Scan(dest ...any) error
}

func scanRole(row roleScanner) (*Role, error) {
	role, err := scanRoleRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return role, nil
}

func scanRoleRow(row roleScanner) (*Role, error) {
	var (
		role      Role
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.IsDefault, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	role.CreatedAt = createdAt.Time
	role.UpdatedAt = updatedAt.Time
	return &role, nil
}

var _ Repository = (*PGRepository)(nil)
var _ TxRepository = (*pgTxRepository)(nil)
