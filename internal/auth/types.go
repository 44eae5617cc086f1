package auth

import "errors"

// Role is the authorisation tier carried in a token.
type Role string

const (
	// RoleViewer reads devices, sensors and alerts.
	RoleViewer Role = "viewer"
	// RoleOperator is a game master: commands devices and acknowledges alerts.
	RoleOperator Role = "operator"
	// RoleAdmin also removes devices and reads the audit trail.
	RoleAdmin Role = "admin"
)

var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrTokenMissing = errors.New("auth: missing bearer token")
	ErrInvalidRole  = errors.New("auth: invalid role")
	ErrForbidden    = errors.New("auth: insufficient permissions")
)

// IsValidRole reports whether r is a known tier.
func IsValidRole(r Role) bool {
	_, ok := roleRank[r]
	return ok
}
