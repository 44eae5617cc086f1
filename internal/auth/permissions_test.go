package auth

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role  Role
		perm  Permission
		allow bool
	}{
		{RoleViewer, PermDeviceRead, true},
		{RoleViewer, PermDeviceOperate, false},
		{RoleViewer, PermAlertAcknowledge, false},
		{RoleOperator, PermDeviceOperate, true},
		{RoleOperator, PermAlertAcknowledge, true},
		{RoleOperator, PermDeviceConfigure, false},
		{RoleAdmin, PermDeviceConfigure, true},
		{RoleAdmin, PermDeviceRead, true},
		{RoleAdmin, PermAuditRead, true},
		{RoleOperator, PermAuditRead, false},
		{Role("owner"), PermDeviceRead, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			if got := HasPermission(tt.role, tt.perm); got != tt.allow {
				t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.allow)
			}
		})
	}
}

func TestRolesAreCumulative(t *testing.T) {
	perms := []Permission{PermDeviceRead, PermDeviceOperate, PermDeviceConfigure, PermAlertAcknowledge, PermAuditRead}
	lower := map[Role]Role{RoleOperator: RoleViewer, RoleAdmin: RoleOperator}

	for higher, lo := range lower {
		for _, p := range perms {
			if HasPermission(lo, p) && !HasPermission(higher, p) {
				t.Errorf("%s holds %s but %s does not", lo, p, higher)
			}
		}
	}
	if HasPermission(RoleAdmin, Permission("device:explode")) {
		t.Error("unknown permission granted")
	}
}

func TestIsValidRole(t *testing.T) {
	for _, r := range []Role{RoleViewer, RoleOperator, RoleAdmin} {
		if !IsValidRole(r) {
			t.Errorf("IsValidRole(%q) = false", r)
		}
	}
	if IsValidRole("") || IsValidRole("owner") {
		t.Error("IsValidRole accepted an unknown role")
	}
}

func TestNilClaimsCannotDoAnything(t *testing.T) {
	var c *Claims
	if c.Can(PermDeviceRead) {
		t.Error("nil claims granted a permission")
	}
}
