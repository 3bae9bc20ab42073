package models

import (
	"encoding/json"
	"time"
)

// ActivityAction names what happened in a team activity entry.
type ActivityAction string

const (
	ActionMemberInvited       ActivityAction = "member_invited"
	ActionMemberJoined        ActivityAction = "member_joined"
	ActionMemberRemoved       ActivityAction = "member_removed"
	ActionMemberRoleUpdated   ActivityAction = "member_role_updated"
	ActionTeamSettingsUpdated ActivityAction = "team_settings_updated"
	ActionPropertyAdded       ActivityAction = "property_added"
	ActionPropertyUpdated     ActivityAction = "property_updated"
	ActionPropertyDeleted     ActivityAction = "property_deleted"
	ActionRatingAdded         ActivityAction = "rating_added"
	ActionRatingUpdated       ActivityAction = "rating_updated"
	ActionMediaUploaded       ActivityAction = "media_uploaded"
	ActionMediaDeleted        ActivityAction = "media_deleted"
	ActionChecklistUpdated    ActivityAction = "checklist_updated"
	ActionCommentAdded        ActivityAction = "comment_added"
)

var knownActions = map[ActivityAction]struct{}{
	ActionMemberInvited:       {},
	ActionMemberJoined:        {},
	ActionMemberRemoved:       {},
	ActionMemberRoleUpdated:   {},
	ActionTeamSettingsUpdated: {},
	ActionPropertyAdded:       {},
	ActionPropertyUpdated:     {},
	ActionPropertyDeleted:     {},
	ActionRatingAdded:         {},
	ActionRatingUpdated:       {},
	ActionMediaUploaded:       {},
	ActionMediaDeleted:        {},
	ActionChecklistUpdated:    {},
	ActionCommentAdded:        {},
}

// Valid reports whether the action is one of the known values.
func (a ActivityAction) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// Activity is an append-only entry in a team's activity log.
type Activity struct {
	ID           string          `json:"id"`
	TeamID       string          `json:"team_id"`
	UserID       string          `json:"user_id"`
	Action       ActivityAction  `json:"action"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
