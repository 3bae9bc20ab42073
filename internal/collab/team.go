package collab

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/househunt/pkg/models"
)

const (
	maxTeamNameLength = 100
	maxTeamMembers    = 50
)

const (
	MsgInvalidTeamName   = "Team name is required and must be at most 100 characters"
	MsgInvalidMaxMembers = "Maximum members must be between 1 and 50"
)

// CreateTeam creates a team owned by the caller and makes the caller its
// first member. A maxMembers of zero uses the default capacity.
func (s *Service) CreateTeam(ctx context.Context, name string, maxMembers int) (team *models.Team, err error) {
	ctx, span := s.startSpan(ctx, "CreateTeam")
	defer func() { s.finish(span, "create_team", err) }()

	if s.caller.UserID == "" {
		return nil, permissionError(MsgNotSignedIn)
	}
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxTeamNameLength {
		return nil, validationError(MsgInvalidTeamName)
	}
	if maxMembers == 0 {
		maxMembers = models.DefaultMaxMembers
	}
	if maxMembers < 1 || maxMembers > maxTeamMembers {
		return nil, validationError(MsgInvalidMaxMembers)
	}

	now := s.now().UTC()
	team = &models.Team{
		Name:       name,
		OwnerID:    s.caller.UserID,
		MaxMembers: maxMembers,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateTeam(ctx, team); err != nil {
		return nil, storeError("create team", err)
	}
	s.upsertOwnProfile(ctx)
	owner := &models.Member{
		TeamID:   team.ID,
		UserID:   s.caller.UserID,
		Role:     models.RoleOwner,
		JoinedAt: now,
	}
	if err := s.store.AddMember(ctx, owner); err != nil {
		return nil, storeError("add owner", err)
	}
	s.logger.Info("team created", "team_id", team.ID)
	return team, nil
}

// TeamFromChannel returns the team id encoded in a team channel name.
func TeamFromChannel(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, "team:")
	if !ok {
		return "", false
	}
	teamID, kind, ok := strings.Cut(rest, ":")
	if !ok || teamID == "" {
		return "", false
	}
	switch kind {
	case "presence", "members", "activity":
		return teamID, true
	default:
		return "", false
	}
}
