package auth

// Permission represents a named capability on the bridge.
type Permission string

// Permission constants.
const (
	PermDeviceRead    Permission = "device:read"
	PermDeviceOperate Permission = "device:operate"
	PermDeviceRaw     Permission = "device:raw"
	PermAuditRead     Permission = "audit:read"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RolePanel: {
		PermDeviceRead,
	},
	RoleUser: {
		PermDeviceRead,
		PermDeviceOperate,
	},
	RoleAdmin: {
		PermDeviceRead,
		PermDeviceOperate,
		PermDeviceRaw,
		PermAuditRead,
	},
	RoleOwner: {
		PermDeviceRead,
		PermDeviceOperate,
		PermDeviceRaw,
		PermAuditRead,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
