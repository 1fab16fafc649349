package types

// UserRole represents the roles that can act on appointments
type UserRole string

const (
	RoleClient        UserRole = "client"
	RoleProvider      UserRole = "provider"
	RoleAdministrator UserRole = "admin"
)

// UserClaims represents JWT token claims
type UserClaims struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
}

// IsAdmin reports whether the caller is an administrator
func (c *UserClaims) IsAdmin() bool {
	return c != nil && c.Role == RoleAdministrator
}

// HasRole reports whether the caller holds one of roles
func (c *UserClaims) HasRole(roles ...UserRole) bool {
	if c == nil {
		return false
	}
	for _, r := range roles {
		if c.Role == r {
			return true
		}
	}
	return false
}
