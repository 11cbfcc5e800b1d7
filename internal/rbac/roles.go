package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts and
// match lines.Role.
const (
	RoleOperator   = "operator"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleOperator, RoleSupervisor, RoleAdmin:
		return true
	default:
		return false
	}
}
