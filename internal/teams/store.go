// Package teams persists teams, memberships, invites, activity and presence.
package teams

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/haasonsaas/househunt/pkg/models"
)

var (
	ErrNotFound      = errors.New("teams: not found")
	ErrAlreadyExists = errors.New("teams: already exists")
	// ErrInviteExhausted is returned when an invite cannot be consumed
	// because it is inactive, expired or out of uses.
	ErrInviteExhausted = errors.New("teams: invite exhausted")
	// ErrForbidden is returned when the caller's row policy denies access.
	ErrForbidden = errors.New("teams: forbidden")
)

// Store is the data store used by the collaboration service.
type Store interface {
	// Ping is a light read used as a connectivity probe.
	Ping(ctx context.Context) error

	CreateTeam(ctx context.Context, team *models.Team) error
	GetTeam(ctx context.Context, teamID string) (*models.Team, error)
	UpdateTeamSettings(ctx context.Context, teamID string, settings json.RawMessage) error

	UpsertProfile(ctx context.Context, userID string, profile models.Profile) error

	// AddMember inserts an active membership. It returns ErrAlreadyExists
	// when the user already has an active membership in the team.
	AddMember(ctx context.Context, member *models.Member) error
	GetMember(ctx context.Context, memberID string) (*models.Member, error)
	// GetMembership returns the caller's active membership in a team.
	GetMembership(ctx context.Context, teamID, userID string) (*models.Member, error)
	// ListMembers returns active members ordered by join time with profiles.
	ListMembers(ctx context.Context, teamID string) ([]*models.Member, error)
	CountActiveMembers(ctx context.Context, teamID string) (int, error)
	UpdateMemberRole(ctx context.Context, memberID string, role models.Role) error
	DeactivateMember(ctx context.Context, memberID string) error

	CreateInvite(ctx context.Context, invite *models.Invite) error
	GetInviteByCode(ctx context.Context, code string) (*models.Invite, error)
	// ConsumeInvite atomically takes one use of a redeemable invite.
	ConsumeInvite(ctx context.Context, inviteID string, now time.Time) error
	// ReleaseInvite gives back a use taken by ConsumeInvite.
	ReleaseInvite(ctx context.Context, inviteID string) error
	// ExpireInvites deactivates invites past their expiry.
	ExpireInvites(ctx context.Context, now time.Time) (int64, error)

	AppendActivity(ctx context.Context, activity *models.Activity) error
	// ListActivities returns the newest entries first.
	ListActivities(ctx context.Context, teamID string, limit int) ([]*models.Activity, error)

	UpsertPresence(ctx context.Context, presence *models.Presence) error
	ListPresence(ctx context.Context, teamID string) ([]*models.Presence, error)
	MarkStalePresenceOffline(ctx context.Context, before time.Time) (int64, error)
}

func cloneMember(m *models.Member) *models.Member {
	if m == nil {
		return nil
	}
	out := *m
	if m.Profile != nil {
		profile := *m.Profile
		out.Profile = &profile
	}
	return &out
}

func cloneTeam(t *models.Team) *models.Team {
	if t == nil {
		return nil
	}
	out := *t
	out.Settings = cloneRaw(t.Settings)
	return &out
}

func cloneInvite(i *models.Invite) *models.Invite {
	if i == nil {
		return nil
	}
	out := *i
	return &out
}

func cloneActivity(a *models.Activity) *models.Activity {
	if a == nil {
		return nil
	}
	out := *a
	out.Metadata = cloneRaw(a.Metadata)
	return &out
}

func clonePresence(p *models.Presence) *models.Presence {
	if p == nil {
		return nil
	}
	out := *p
	if p.Cursor != nil {
		cursor := *p.Cursor
		out.Cursor = &cursor
	}
	if p.Selection != nil {
		selection := *p.Selection
		out.Selection = &selection
	}
	out.Metadata = cloneRaw(p.Metadata)
	return &out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
