package teams

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/haasonsaas/househunt/internal/identity"
	"github.com/haasonsaas/househunt/pkg/models"
)

// PolicyStore wraps a Store with row-level access rules evaluated against
// the user attached to the request context. Team rows are visible only to
// active members, and membership, presence and activity rows may only be
// written for the caller's own user id. Denials return ErrForbidden.
type PolicyStore struct {
	store Store
}

// NewPolicyStore wraps store with caller-scoped access rules.
func NewPolicyStore(store Store) *PolicyStore {
	return &PolicyStore{store: store}
}

func caller(ctx context.Context) (string, error) {
	user, ok := identity.UserFromContext(ctx)
	if !ok {
		return "", ErrForbidden
	}
	return user.ID, nil
}

// membership returns the caller's active membership in teamID.
func (p *PolicyStore) membership(ctx context.Context, teamID string) (string, *models.Member, error) {
	userID, err := caller(ctx)
	if err != nil {
		return "", nil, err
	}
	member, err := p.store.GetMembership(ctx, teamID, userID)
	if errors.Is(err, ErrNotFound) {
		return userID, nil, ErrForbidden
	}
	if err != nil {
		return userID, nil, err
	}
	return userID, member, nil
}

func (p *PolicyStore) requireMember(ctx context.Context, teamID string) error {
	_, _, err := p.membership(ctx, teamID)
	return err
}

func (p *PolicyStore) requireRole(ctx context.Context, teamID string, allowed func(models.Role) bool) error {
	_, member, err := p.membership(ctx, teamID)
	if err != nil {
		return err
	}
	if !allowed(member.Role) {
		return ErrForbidden
	}
	return nil
}

func (p *PolicyStore) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}

func (p *PolicyStore) CreateTeam(ctx context.Context, team *models.Team) error {
	userID, err := caller(ctx)
	if err != nil {
		return err
	}
	if team == nil || team.OwnerID != userID {
		return ErrForbidden
	}
	return p.store.CreateTeam(ctx, team)
}

// GetTeam is open to any signed-in user so an invitee can see the team
// and its capacity before joining.
func (p *PolicyStore) GetTeam(ctx context.Context, teamID string) (*models.Team, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return p.store.GetTeam(ctx, teamID)
}

func (p *PolicyStore) UpdateTeamSettings(ctx context.Context, teamID string, settings json.RawMessage) error {
	if err := p.requireRole(ctx, teamID, models.Role.CanManageMembers); err != nil {
		return err
	}
	return p.store.UpdateTeamSettings(ctx, teamID, settings)
}

func (p *PolicyStore) UpsertProfile(ctx context.Context, userID string, profile models.Profile) error {
	self, err := caller(ctx)
	if err != nil {
		return err
	}
	if userID != self {
		return ErrForbidden
	}
	return p.store.UpsertProfile(ctx, userID, profile)
}

func (p *PolicyStore) AddMember(ctx context.Context, member *models.Member) error {
	self, err := caller(ctx)
	if err != nil {
		return err
	}
	if member == nil || member.UserID != self {
		return ErrForbidden
	}
	return p.store.AddMember(ctx, member)
}

func (p *PolicyStore) GetMember(ctx context.Context, memberID string) (*models.Member, error) {
	member, err := p.store.GetMember(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if err := p.requireMember(ctx, member.TeamID); err != nil {
		return nil, err
	}
	return member, nil
}

func (p *PolicyStore) GetMembership(ctx context.Context, teamID, userID string) (*models.Member, error) {
	self, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if userID != self {
		if err := p.requireMember(ctx, teamID); err != nil {
			return nil, err
		}
	}
	return p.store.GetMembership(ctx, teamID, userID)
}

func (p *PolicyStore) ListMembers(ctx context.Context, teamID string) ([]*models.Member, error) {
	if err := p.requireMember(ctx, teamID); err != nil {
		return nil, err
	}
	return p.store.ListMembers(ctx, teamID)
}

// CountActiveMembers is open to any signed-in user so that a joiner can
// check capacity before becoming a member.
func (p *PolicyStore) CountActiveMembers(ctx context.Context, teamID string) (int, error) {
	if _, err := caller(ctx); err != nil {
		return 0, err
	}
	return p.store.CountActiveMembers(ctx, teamID)
}

func (p *PolicyStore) UpdateMemberRole(ctx context.Context, memberID string, role models.Role) error {
	member, err := p.store.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	if err := p.requireRole(ctx, member.TeamID, models.Role.CanChangeRoles); err != nil {
		return err
	}
	return p.store.UpdateMemberRole(ctx, memberID, role)
}

func (p *PolicyStore) DeactivateMember(ctx context.Context, memberID string) error {
	member, err := p.store.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	if err := p.requireRole(ctx, member.TeamID, models.Role.CanManageMembers); err != nil {
		return err
	}
	return p.store.DeactivateMember(ctx, memberID)
}

func (p *PolicyStore) CreateInvite(ctx context.Context, invite *models.Invite) error {
	if invite == nil {
		return ErrForbidden
	}
	self, member, err := p.membership(ctx, invite.TeamID)
	if err != nil {
		return err
	}
	if invite.CreatedBy != self || !member.Role.CanManageMembers() {
		return ErrForbidden
	}
	return p.store.CreateInvite(ctx, invite)
}

// GetInviteByCode is readable by any signed-in user holding the code.
func (p *PolicyStore) GetInviteByCode(ctx context.Context, code string) (*models.Invite, error) {
	if _, err := caller(ctx); err != nil {
		return nil, err
	}
	return p.store.GetInviteByCode(ctx, code)
}

func (p *PolicyStore) ConsumeInvite(ctx context.Context, inviteID string, now time.Time) error {
	if _, err := caller(ctx); err != nil {
		return err
	}
	return p.store.ConsumeInvite(ctx, inviteID, now)
}

func (p *PolicyStore) ReleaseInvite(ctx context.Context, inviteID string) error {
	if _, err := caller(ctx); err != nil {
		return err
	}
	return p.store.ReleaseInvite(ctx, inviteID)
}

// ExpireInvites is a maintenance operation and is never allowed for users.
func (p *PolicyStore) ExpireInvites(context.Context, time.Time) (int64, error) {
	return 0, ErrForbidden
}

func (p *PolicyStore) AppendActivity(ctx context.Context, activity *models.Activity) error {
	if activity == nil {
		return ErrForbidden
	}
	self, _, err := p.membership(ctx, activity.TeamID)
	if err != nil {
		return err
	}
	if activity.UserID != self {
		return ErrForbidden
	}
	return p.store.AppendActivity(ctx, activity)
}

func (p *PolicyStore) ListActivities(ctx context.Context, teamID string, limit int) ([]*models.Activity, error) {
	if err := p.requireMember(ctx, teamID); err != nil {
		return nil, err
	}
	return p.store.ListActivities(ctx, teamID, limit)
}

func (p *PolicyStore) UpsertPresence(ctx context.Context, presence *models.Presence) error {
	if presence == nil {
		return ErrForbidden
	}
	self, _, err := p.membership(ctx, presence.TeamID)
	if err != nil {
		return err
	}
	if presence.UserID != self {
		return ErrForbidden
	}
	return p.store.UpsertPresence(ctx, presence)
}

func (p *PolicyStore) ListPresence(ctx context.Context, teamID string) ([]*models.Presence, error) {
	if err := p.requireMember(ctx, teamID); err != nil {
		return nil, err
	}
	return p.store.ListPresence(ctx, teamID)
}

// MarkStalePresenceOffline is a maintenance operation and is never allowed
// for users.
func (p *PolicyStore) MarkStalePresenceOffline(context.Context, time.Time) (int64, error) {
	return 0, ErrForbidden
}
