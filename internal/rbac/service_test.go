package rbac

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-capital/atlas-portal/internal/audit"
	"github.com/atlas-capital/atlas-portal/internal/shared"
)

type pairKey struct {
	a int64
	b int64
}

// fakeRepo keeps the whole RBAC state in maps and serves as its own
// transaction scope.
type fakeRepo struct {
	roles       map[int64]*Role
	nextRoleID  int64
	userRoles   map[pairKey]bool
	assignments []*RoleAssignment
	nextAssign  int64
	rolePerms   map[pairKey]bool
	perms       map[int64]*Permission
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		roles:     map[int64]*Role{},
		userRoles: map[pairKey]bool{},
		rolePerms: map[pairKey]bool{},
		perms:     map[int64]*Permission{},
	}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) GetRole(ctx context.Context, id int64) (*Role, error) {
	role, ok := f.roles[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *role
	return &copied, nil
}

func (f *fakeRepo) GetDefaultRole(ctx context.Context) (*Role, error) {
	for _, role := range f.roles {
		if role.IsDefault && role.IsActive {
			copied := *role
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (f *fakeRepo) ListRoles(ctx context.Context) ([]Role, error) {
	out := make([]Role, 0, len(f.roles))
	for _, role := range f.roles {
		out = append(out, *role)
	}
	return out, nil
}

func (f *fakeRepo) ListPermissions(ctx context.Context) ([]Permission, error) {
	out := make([]Permission, 0, len(f.perms))
	for _, p := range f.perms {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeRepo) UserGrantRows(ctx context.Context, userID int64) ([]GrantRow, error) {
	var rows []GrantRow
	for key, active := range f.userRoles {
		if key.a != userID || !active {
			continue
		}
		role := f.roles[key.b]
		if role == nil || !role.IsActive {
			continue
		}
		emitted := false
		for rp, rpActive := range f.rolePerms {
			if rp.a != role.ID || !rpActive {
				continue
			}
			perm := f.perms[rp.b]
			if perm == nil {
				continue
			}
			rows = append(rows, GrantRow{RoleName: role.Name, PermissionName: perm.Name})
			emitted = true
		}
		if !emitted {
			rows = append(rows, GrantRow{RoleName: role.Name})
		}
	}
	return rows, nil
}

func (f *fakeRepo) ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	var out []RoleAssignment
	for _, a := range f.assignments {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateRole(ctx context.Context, name, description string, isDefault bool) (*Role, error) {
	for _, role := range f.roles {
		if role.Name == name {
			return nil, shared.ErrDuplicate
		}
	}
	f.nextRoleID++
	role := &Role{ID: f.nextRoleID, Name: name, Description: description, IsActive: true, IsDefault: isDefault}
	f.roles[role.ID] = role
	copied := *role
	return &copied, nil
}

func (f *fakeRepo) UpdateRole(ctx context.Context, id int64, name, description string, isActive, isDefault bool) (*Role, error) {
	role, ok := f.roles[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	role.Name = name
	role.Description = description
	role.IsActive = isActive
	role.IsDefault = isDefault
	copied := *role
	return &copied, nil
}

func (f *fakeRepo) ClearDefault(ctx context.Context, exceptRoleID int64) error {
	for _, role := range f.roles {
		if role.ID != exceptRoleID {
			role.IsDefault = false
		}
	}
	return nil
}

func (f *fakeRepo) ActivateUserRole(ctx context.Context, userID, roleID int64) error {
	key := pairKey{a: userID, b: roleID}
	if active, ok := f.userRoles[key]; ok && active {
		return shared.ErrDuplicate
	}
	f.userRoles[key] = true
	return nil
}

func (f *fakeRepo) DeactivateUserRole(ctx context.Context, userID, roleID int64) error {
	key := pairKey{a: userID, b: roleID}
	if active, ok := f.userRoles[key]; !ok || !active {
		return shared.ErrNotFound
	}
	f.userRoles[key] = false
	return nil
}

func (f *fakeRepo) OpenAssignment(ctx context.Context, userID, roleID, assignedBy int64, reason string) error {
	f.nextAssign++
	f.assignments = append(f.assignments, &RoleAssignment{
		ID:         f.nextAssign,
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		Reason:     reason,
		IsActive:   true,
		CreatedAt:  time.Now(),
	})
	return nil
}

func (f *fakeRepo) CloseAssignment(ctx context.Context, userID, roleID, revokedBy int64, reason string) error {
	for _, a := range f.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.IsActive {
			a.IsActive = false
			a.RevokedBy = revokedBy
			a.RevokeReason = reason
			a.RevokedAt = time.Now()
		}
	}
	return nil
}

func (f *fakeRepo) SetRolePermission(ctx context.Context, roleID, permissionID int64, active bool) error {
	f.rolePerms[pairKey{a: roleID, b: permissionID}] = active
	return nil
}

func (f *fakeRepo) ActiveRolePermissionIDs(ctx context.Context, roleID int64) ([]int64, error) {
	var out []int64
	for key, active := range f.rolePerms {
		if key.a == roleID && active {
			out = append(out, key.b)
		}
	}
	return out, nil
}

var (
	_ Repository   = (*fakeRepo)(nil)
	_ TxRepository = (*fakeRepo)(nil)
)

type recorderStub struct {
	entries []audit.Entry
}

func (r *recorderStub) Insert(ctx context.Context, e audit.Entry) error {
	r.entries = append(r.entries, e)
	return nil
}

func (r *recorderStub) List(ctx context.Context, filters audit.ListFilters) ([]audit.Entry, error) {
	return nil, nil
}

func newRbacFixture(t *testing.T) (*Service, *fakeRepo, *recorderStub) {
	t.Helper()
	repo := newFakeRepo()
	recorder := &recorderStub{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := NewResolver(repo, nil, time.Minute, logger)
	svc := NewService(repo, resolver, audit.NewEmitter(recorder, logger))
	return svc, repo, recorder
}

func TestCreateRoleDefaultUniqueness(t *testing.T) {
	svc, repo, _ := newRbacFixture(t)
	ctx := context.Background()

	first, err := svc.CreateRole(ctx, CreateRoleInput{Name: "INVESTOR", IsDefault: true})
	require.NoError(t, err)
	assert.True(t, first.IsDefault)

	second, err := svc.CreateRole(ctx, CreateRoleInput{Name: "GUEST", IsDefault: true})
	require.NoError(t, err)
	assert.True(t, second.IsDefault)

	// The old default must have been unset in the same operation.
	stale, err := repo.GetRole(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, stale.IsDefault)

	current, err := repo.GetDefaultRole(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
}

func TestCreateRoleRequiresName(t *testing.T) {
	svc, _, _ := newRbacFixture(t)
	_, err := svc.CreateRole(context.Background(), CreateRoleInput{Name: "   "})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdateRoleFlipsDefault(t *testing.T) {
	svc, repo, _ := newRbacFixture(t)
	ctx := context.Background()

	investor, err := svc.CreateRole(ctx, CreateRoleInput{Name: "INVESTOR", IsDefault: true})
	require.NoError(t, err)
	guest, err := svc.CreateRole(ctx, CreateRoleInput{Name: "GUEST"})
	require.NoError(t, err)

	_, err = svc.UpdateRole(ctx, guest.ID, UpdateRoleInput{Name: "GUEST", IsActive: true, IsDefault: true})
	require.NoError(t, err)

	stale, err := repo.GetRole(ctx, investor.ID)
	require.NoError(t, err)
	assert.False(t, stale.IsDefault)
}

func TestAssignRole(t *testing.T) {
	svc, repo, recorder := newRbacFixture(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "ADMIN"})
	require.NoError(t, err)

	err = svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: role.ID, AssignedBy: 1, Reason: "onboarding"})
	require.NoError(t, err)

	assert.True(t, repo.userRoles[pairKey{a: 7, b: role.ID}])
	history, err := repo.ListAssignments(ctx, 7)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].IsActive)
	assert.Equal(t, int64(1), history[0].AssignedBy)
	assert.Equal(t, "onboarding", history[0].Reason)

	var actions []string
	for _, e := range recorder.entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, audit.ActionRoleGranted)
}

func TestAssignRoleRejectsInactiveRole(t *testing.T) {
	svc, _, _ := newRbacFixture(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "LEGACY"})
	require.NoError(t, err)
	_, err = svc.UpdateRole(ctx, role.ID, UpdateRoleInput{Name: "LEGACY", IsActive: false})
	require.NoError(t, err)

	err = svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: role.ID})
	assert.ErrorIs(t, err, shared.ErrValidation)
}

func TestAssignRoleRejectsDuplicate(t *testing.T) {
	svc, _, _ := newRbacFixture(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "ADMIN"})
	require.NoError(t, err)

	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: role.ID}))
	err = svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: role.ID})
	assert.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestRevokeRoleClosesAssignment(t *testing.T) {
	svc, repo, _ := newRbacFixture(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "ADMIN"})
	require.NoError(t, err)
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: role.ID, AssignedBy: 1}))

	err = svc.RevokeRole(ctx, RevokeRoleInput{UserID: 7, RoleID: role.ID, RevokedBy: 2, Reason: "offboarding"})
	require.NoError(t, err)

	assert.False(t, repo.userRoles[pairKey{a: 7, b: role.ID}])
	history, err := repo.ListAssignments(ctx, 7)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].IsActive)
	assert.Equal(t, int64(2), history[0].RevokedBy)
	assert.Equal(t, "offboarding", history[0].RevokeReason)
}

func TestRevokeRoleWithoutAssignment(t *testing.T) {
	svc, _, _ := newRbacFixture(t)

	err := svc.RevokeRole(context.Background(), RevokeRoleInput{UserID: 7, RoleID: 99})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestReassignAfterRevokeKeepsHistory(t *testing.T) {
	svc, repo, _ := newRbacFixture(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "ADMIN"})
	require.NoError(t, err)
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: role.ID}))
	require.NoError(t, svc.RevokeRole(ctx, RevokeRoleInput{UserID: 7, RoleID: role.ID}))
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 7, RoleID: role.ID}))

	assert.True(t, repo.userRoles[pairKey{a: 7, b: role.ID}])
	history, err := repo.ListAssignments(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAssignDefaultRole(t *testing.T) {
	svc, repo, _ := newRbacFixture(t)
	ctx := context.Background()

	// Without a configured default the grant is a no-op.
	require.NoError(t, svc.AssignDefaultRole(ctx, 7))
	assert.Empty(t, repo.userRoles)

	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "INVESTOR", IsDefault: true})
	require.NoError(t, err)

	require.NoError(t, svc.AssignDefaultRole(ctx, 7))
	assert.True(t, repo.userRoles[pairKey{a: 7, b: role.ID}])

	// Repeating the grant is tolerated.
	assert.NoError(t, svc.AssignDefaultRole(ctx, 7))
}

func TestBulkAssignRolesContinuesPastFailures(t *testing.T) {
	svc, _, _ := newRbacFixture(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "ADMIN"})
	require.NoError(t, err)
	require.NoError(t, svc.AssignRole(ctx, AssignRoleInput{UserID: 2, RoleID: role.ID}))

	result, err := svc.BulkAssignRoles(ctx, BulkAssignInput{
		UserIDs: []int64{1, 2, 3},
		RoleID:  role.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, int64(2), result.Failures[0].UserID)
	assert.NotEmpty(t, result.Failures[0].Error)
}

func TestSetRolePermissionsDiffs(t *testing.T) {
	svc, repo, _ := newRbacFixture(t)
	ctx := context.Background()

	role, err := svc.CreateRole(ctx, CreateRoleInput{Name: "ADMIN"})
	require.NoError(t, err)
	repo.perms[1] = &Permission{ID: 1, Name: "users.view"}
	repo.perms[2] = &Permission{ID: 2, Name: "users.edit"}
	repo.perms[3] = &Permission{ID: 3, Name: "audit.view"}

	require.NoError(t, svc.SetRolePermissions(ctx, role.ID, []int64{1, 2}, 1))
	active, err := repo.ActiveRolePermissionIDs(ctx, role.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, active)

	require.NoError(t, svc.SetRolePermissions(ctx, role.ID, []int64{2, 3}, 1))
	active, err = repo.ActiveRolePermissionIDs(ctx, role.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, active)
}

func TestSetRolePermissionsUnknownRole(t *testing.T) {
	svc, _, _ := newRbacFixture(t)
	err := svc.SetRolePermissions(context.Background(), 99, []int64{1}, 1)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
