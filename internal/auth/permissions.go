package auth

// Permission names a guarded action on the HTTP surface.
type Permission string

const (
	PermDeviceRead       Permission = "device:read"
	PermDeviceOperate    Permission = "device:operate"
	PermDeviceConfigure  Permission = "device:configure"
	PermAlertAcknowledge Permission = "alert:acknowledge"
	PermAuditRead        Permission = "audit:read"
)

// Roles are cumulative: each tier holds every permission of the tiers
// below it.
var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// minRole is the least privileged role granted each permission.
var minRole = map[Permission]Role{
	PermDeviceRead:       RoleViewer,
	PermDeviceOperate:    RoleOperator,
	PermAlertAcknowledge: RoleOperator,
	PermDeviceConfigure:  RoleAdmin,
	PermAuditRead:        RoleAdmin,
}

// HasPermission reports whether role is at or above the tier perm needs.
// Unknown roles and permissions are always denied.
func HasPermission(role Role, perm Permission) bool {
	need, ok := minRole[perm]
	have := roleRank[role]
	return ok && have > 0 && have >= roleRank[need]
}
