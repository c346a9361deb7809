package auth

import "slices"

// Permission is a named capability.
type Permission string

// Permissions.
const (
	PermStateRead   Permission = "state:read"
	PermAuditRead   Permission = "audit:read"
	PermZoneOperate Permission = "zone:operate"
	PermAllOff      Permission = "amp:all_off"
	PermRaw         Permission = "amp:raw"
	PermSystemAdmin Permission = "system:admin"
)

var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermStateRead,
		PermAuditRead,
	},
	RoleOperator: {
		PermStateRead,
		PermAuditRead,
		PermZoneOperate,
		PermAllOff,
	},
	RoleAdmin: {
		PermStateRead,
		PermAuditRead,
		PermZoneOperate,
		PermAllOff,
		PermRaw,
		PermSystemAdmin,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns a copy of the role's permissions, or nil for an
// unknown role.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
