package shared

import "strings"

// Principal describes the authenticated actor of a request, together
// with its resolved roles and permissions. It is computed per request
// and never persisted.
type Principal struct {
	ID          int64
	Email       string
	Roles       []string
	Permissions []string
	IsActive    bool
}

// HasRole reports whether the principal holds the named role.
func (p *Principal) HasRole(name string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal holds the named permission.
func (p *Principal) HasPermission(name string) bool {
	if p == nil {
		return false
	}
	for _, perm := range p.Permissions {
		if strings.EqualFold(perm, name) {
			return true
		}
	}
	return false
}
