package authz

import "github.com/codocs/codocs/internal/domain"

// Role is a team-scoped permission level.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
	// RoleNone marks the absence of any relation to the team.
	RoleNone Role = ""
)

// Normalize validates a role string from a request body.
func Normalize(role string) (Role, bool) {
	switch Role(role) {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return Role(role), true
	default:
		return RoleNone, false
	}
}

// EffectiveRole resolves the caller's role for a team. Team ownership
// wins over the membership role; a missing membership yields RoleNone.
// The gate performs no I/O: team and membership are loaded by the caller.
func EffectiveRole(userID string, team *domain.Team, membership *domain.TeamMember) Role {
	if team == nil || userID == "" {
		return RoleNone
	}
	if team.OwnerID == userID {
		return RoleOwner
	}
	if membership == nil {
		return RoleNone
	}
	if r, ok := Normalize(membership.Role); ok {
		return r
	}
	return RoleNone
}

// Allow reports whether the role may perform an action restricted to the
// given roles. The owner bypasses the explicit list.
func Allow(role Role, allowed ...Role) bool {
	if role == RoleOwner {
		return true
	}
	for _, a := range allowed {
		if role == a && role != RoleNone {
			return true
		}
	}
	return false
}
