package rbac

import (
	"fmt"

	"github.com/atlas-capital/atlas-portal/internal/shared"
)

// Policy declares the role and permission requirements for a route. It
// is attached explicitly at route registration; there is no runtime
// metadata lookup. Each non-empty list is checked independently and
// the route is authorized only when all of them pass. An empty list is
// vacuously satisfied.
type Policy struct {
	Public         bool
	AllRoles       []string
	AnyRole        []string
	AllPermissions []string
	AnyPermission  []string
}

// DenialError names the requirement category that failed and what it
// required. It is safe to log server-side; callers receive only the
// generic forbidden response.
type DenialError struct {
	Category string
	Required []string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("authorization denied: %s requires %v", e.Category, e.Required)
}

// Unwrap lets errors.Is match shared.ErrForbidden.
func (e *DenialError) Unwrap() error {
	return shared.ErrForbidden
}

// Check decides allow or deny for the principal under the policy.
// Public routes allow unconditionally. Otherwise a verified active
// principal is required, and every non-empty requirement list must
// individually pass: ALL/ANY applies within a category, AND across
// categories. The first failing category is reported.
func Check(policy Policy, p *shared.Principal) error {
	if policy.Public {
		return nil
	}
	if p == nil || !p.IsActive {
		return shared.ErrInvalidCredentials
	}
	if len(policy.AllRoles) > 0 && !matchAll(policy.AllRoles, p.HasRole) {
		return &DenialError{Category: "requireAllRoles", Required: policy.AllRoles}
	}
	if len(policy.AnyRole) > 0 && !matchAny(policy.AnyRole, p.HasRole) {
		return &DenialError{Category: "requireAnyRole", Required: policy.AnyRole}
	}
	if len(policy.AllPermissions) > 0 && !matchAll(policy.AllPermissions, p.HasPermission) {
		return &DenialError{Category: "requireAllPermissions", Required: policy.AllPermissions}
	}
	if len(policy.AnyPermission) > 0 && !matchAny(policy.AnyPermission, p.HasPermission) {
		return &DenialError{Category: "requireAnyPermission", Required: policy.AnyPermission}
	}
	return nil
}

func matchAll(required []string, has func(string) bool) bool {
	for _, want := range required {
		if !has(want) {
			return false
		}
	}
	return true
}

func matchAny(required []string, has func(string) bool) bool {
	for _, want := range required {
		if has(want) {
			return true
		}
	}
	return false
}
