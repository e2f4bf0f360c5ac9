package rbac

// Role is a user's standing inside one space. RoleNone means the user is not
// a member at all.
type Role string
type Action string

const (
	RoleNone   Role = ""
	RoleGuest  Role = "guest"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead            Action = "read"
	ActionPropose         Action = "propose"
	ActionVote            Action = "vote"
	ActionManageWorkflows Action = "manage_workflows"
	ActionAdmin           Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionPropose || action == ActionVote
	case RoleGuest:
		return action == ActionRead
	default:
		return false
	}
}

// IsMember reports whether the role counts as a full space member for
// space_member grants and reviewer assignments.
func IsMember(role Role) bool {
	return role == RoleMember || role == RoleAdmin
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleGuest, RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleNone
	}
}
