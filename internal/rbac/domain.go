package rbac

import "time"

// Role represents a high-level permission grouping. At most one role
// is the system-wide default; flipping a role to default atomically
// unsets the previous one.
type Role struct {
	ID          int64
	Name        string
	Description string
	IsActive    bool
	IsDefault   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission represents an atomic capability over a resource.
type Permission struct {
	ID       int64
	Name     string
	Resource string
	Action   string
}

// RolePermission ties a permission to a role. The permission counts
// toward the role only while the junction, the permission and the
// role are all active.
type RolePermission struct {
	RoleID       int64
	PermissionID int64
	IsActive     bool
	CreatedAt    time.Time
}

// UserRole links a user to a role. Soft-deactivated, never deleted.
type UserRole struct {
	UserID     int64
	RoleID     int64
	IsActive   bool
	AssignedAt time.Time
}

// RoleAssignment is the append-style history record behind a user/role
// link. Revocation closes the record rather than deleting it.
type RoleAssignment struct {
	ID           int64
	UserID       int64
	RoleID       int64
	AssignedBy   int64
	Reason       string
	IsActive     bool
	RevokedBy    int64
	RevokeReason string
	CreatedAt    time.Time
	RevokedAt    time.Time
}

// Grants is a user's resolved set of role and permission names.
type Grants struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// GrantRow is one row of the grants join: a qualifying role name and,
// when the role carries an active permission, that permission's name.
type GrantRow struct {
	RoleName       string
	PermissionName string
}
