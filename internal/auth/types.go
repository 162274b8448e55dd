package auth

import "errors"

// Role represents an authorisation tier carried in the token.
type Role string

const (
	// RolePanel is a wall panel identity. Read-only on the bridge.
	RolePanel Role = "panel"

	// RoleUser is a household member. May read state and operate the pool.
	RoleUser Role = "user"

	// RoleAdmin may additionally read the command audit log and send raw requests.
	RoleAdmin Role = "admin"

	// RoleOwner has everything admin can do.
	RoleOwner Role = "owner"
)

// ValidRoles is the set of roles accepted in tokens.
var ValidRoles = []Role{RolePanel, RoleUser, RoleAdmin, RoleOwner}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Principal is the authenticated caller of an API request.
type Principal struct {
	Subject string
	Role    Role
}

// Can reports whether the principal holds perm.
func (p Principal) Can(perm Permission) bool {
	return HasPermission(p.Role, perm)
}

// Sentinel errors.
var (
	ErrTokenMissing = errors.New("auth: bearer token missing")
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrForbidden    = errors.New("auth: insufficient permissions")
)
