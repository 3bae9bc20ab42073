package models

import (
	"strings"
	"time"
)

// Role is a member's position within a team.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// ParseRole normalizes a role name. Unknown names report false.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleOwner:
		return RoleOwner, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleMember:
		return RoleMember, true
	case RoleViewer:
		return RoleViewer, true
	default:
		return "", false
	}
}

// CanManageMembers reports whether the role may invite and remove members
// and edit team settings.
func (r Role) CanManageMembers() bool {
	return r == RoleOwner || r == RoleAdmin
}

// CanChangeRoles reports whether the role may change other members' roles.
func (r Role) CanChangeRoles() bool {
	return r == RoleOwner
}

// Profile is the identity-service profile joined onto a membership.
type Profile struct {
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Member is a user's membership in a team. Removal is a soft delete that
// clears IsActive.
type Member struct {
	ID       string    `json:"id"`
	TeamID   string    `json:"team_id"`
	UserID   string    `json:"user_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
	IsActive bool      `json:"is_active"`
	Profile  *Profile  `json:"profile,omitempty"`
}
