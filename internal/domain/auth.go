package domain

// Role represents a caller authorization role as issued by the identity
// provider in front of this core.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleEditor  Role = "editor"
	RoleAnalyst Role = "analyst"
	RoleViewer  Role = "viewer"
)

// AllRoles lists every valid role for configuration validation.
var AllRoles = []Role{RoleAdmin, RoleEditor, RoleAnalyst, RoleViewer}

// IsValidRole returns true if the given string represents a known role.
func IsValidRole(s string) bool {
	for _, r := range AllRoles {
		if string(r) == s {
			return true
		}
	}
	return false
}

// StringsToRoles converts a string slice to a Role slice, skipping any
// unrecognized values.
func StringsToRoles(ss []string) []Role {
	roles := make([]Role, 0, len(ss))
	for _, s := range ss {
		if IsValidRole(s) {
			roles = append(roles, Role(s))
		}
	}
	return roles
}

// RolesIntersect reports whether any caller role appears in allowed.
func RolesIntersect(caller, allowed []Role) bool {
	for _, c := range caller {
		for _, a := range allowed {
			if c == a {
				return true
			}
		}
	}
	return false
}
