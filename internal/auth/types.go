package auth

import "errors"

// Role is the access tier carried in a token.
type Role string

// Roles, lowest to highest.
const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", ErrUnknownRole
	}
	return r, nil
}

// Authentication errors.
var (
	ErrTokenInvalid = errors.New("auth: token invalid")
	ErrNoSecret     = errors.New("auth: signing secret not configured")
	ErrUnknownRole  = errors.New("auth: unknown role")
)
