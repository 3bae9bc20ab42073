package teams

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/househunt/pkg/models"
)

// MemoryStore provides an in-memory store for tests and local usage.
type MemoryStore struct {
	mu           sync.RWMutex
	teams        map[string]*models.Team
	profiles     map[string]models.Profile
	members      map[string]*models.Member
	invites      map[string]*models.Invite
	inviteByCode map[string]string
	activities   map[string][]*models.Activity
	presence     map[string]*models.Presence
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		teams:        map[string]*models.Team{},
		profiles:     map[string]models.Profile{},
		members:      map[string]*models.Member{},
		invites:      map[string]*models.Invite{},
		inviteByCode: map[string]string{},
		activities:   map[string][]*models.Activity{},
		presence:     map[string]*models.Presence{},
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateTeam(_ context.Context, team *models.Team) error {
	if team == nil {
		return ErrNotFound
	}
	if team.ID == "" {
		team.ID = uuid.NewString()
	}
	if team.MaxMembers <= 0 {
		team.MaxMembers = models.DefaultMaxMembers
	}
	now := time.Now().UTC()
	if team.CreatedAt.IsZero() {
		team.CreatedAt = now
	}
	if team.UpdatedAt.IsZero() {
		team.UpdatedAt = team.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.teams[team.ID]; exists {
		return ErrAlreadyExists
	}
	s.teams[team.ID] = cloneTeam(team)
	return nil
}

func (s *MemoryStore) GetTeam(_ context.Context, teamID string) (*models.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, ok := s.teams[teamID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTeam(team), nil
}

func (s *MemoryStore) UpdateTeamSettings(_ context.Context, teamID string, settings json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, ok := s.teams[teamID]
	if !ok {
		return ErrNotFound
	}
	team.Settings = cloneRaw(settings)
	team.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpsertProfile(_ context.Context, userID string, profile models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = profile
	return nil
}

func (s *MemoryStore) AddMember(_ context.Context, member *models.Member) error {
	if member == nil || member.TeamID == "" || member.UserID == "" {
		return ErrNotFound
	}
	if member.ID == "" {
		member.ID = uuid.NewString()
	}
	if member.JoinedAt.IsZero() {
		member.JoinedAt = time.Now().UTC()
	}
	member.IsActive = true

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[member.TeamID]; !ok {
		return ErrNotFound
	}
	if _, exists := s.members[member.ID]; exists {
		return ErrAlreadyExists
	}
	if s.activeMembershipLocked(member.TeamID, member.UserID) != nil {
		return ErrAlreadyExists
	}
	stored := cloneMember(member)
	stored.Profile = nil
	s.members[member.ID] = stored
	return nil
}

func (s *MemoryStore) activeMembershipLocked(teamID, userID string) *models.Member {
	for _, m := range s.members {
		if m.TeamID == teamID && m.UserID == userID && m.IsActive {
			return m
		}
	}
	return nil
}

func (s *MemoryStore) withProfileLocked(m *models.Member) *models.Member {
	out := cloneMember(m)
	if profile, ok := s.profiles[m.UserID]; ok {
		out.Profile = &profile
	}
	return out
}

func (s *MemoryStore) GetMember(_ context.Context, memberID string) (*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.withProfileLocked(m), nil
}

func (s *MemoryStore) GetMembership(_ context.Context, teamID, userID string) (*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.activeMembershipLocked(teamID, userID)
	if m == nil {
		return nil, ErrNotFound
	}
	return s.withProfileLocked(m), nil
}

func (s *MemoryStore) ListMembers(_ context.Context, teamID string) ([]*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Member{}
	for _, m := range s.members {
		if m.TeamID == teamID && m.IsActive {
			out = append(out, s.withProfileLocked(m))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (s *MemoryStore) CountActiveMembers(_ context.Context, teamID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, m := range s.members {
		if m.TeamID == teamID && m.IsActive {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpdateMemberRole(_ context.Context, memberID string, role models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok {
		return ErrNotFound
	}
	m.Role = role
	return nil
}

func (s *MemoryStore) DeactivateMember(_ context.Context, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok {
		return ErrNotFound
	}
	m.IsActive = false
	return nil
}

func (s *MemoryStore) CreateInvite(_ context.Context, invite *models.Invite) error {
	if invite == nil || invite.InviteCode == "" {
		return ErrNotFound
	}
	if invite.ID == "" {
		invite.ID = uuid.NewString()
	}
	if invite.CreatedAt.IsZero() {
		invite.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invites[invite.ID]; exists {
		return ErrAlreadyExists
	}
	if _, exists := s.inviteByCode[invite.InviteCode]; exists {
		return ErrAlreadyExists
	}
	s.invites[invite.ID] = cloneInvite(invite)
	s.inviteByCode[invite.InviteCode] = invite.ID
	return nil
}

func (s *MemoryStore) GetInviteByCode(_ context.Context, code string) (*models.Invite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.inviteByCode[code]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInvite(s.invites[id]), nil
}

func (s *MemoryStore) ConsumeInvite(_ context.Context, inviteID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[inviteID]
	if !ok {
		return ErrNotFound
	}
	if !invite.IsActive || invite.Expired(now) || invite.Exhausted() {
		return ErrInviteExhausted
	}
	invite.CurrentUses++
	return nil
}

func (s *MemoryStore) ReleaseInvite(_ context.Context, inviteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[inviteID]
	if !ok {
		return ErrNotFound
	}
	if invite.CurrentUses > 0 {
		invite.CurrentUses--
	}
	return nil
}

func (s *MemoryStore) ExpireInvites(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, invite := range s.invites {
		if invite.IsActive && invite.Expired(now) {
			invite.IsActive = false
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AppendActivity(_ context.Context, activity *models.Activity) error {
	if activity == nil || activity.TeamID == "" {
		return ErrNotFound
	}
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities[activity.TeamID] = append(s.activities[activity.TeamID], cloneActivity(activity))
	return nil
}

func (s *MemoryStore) ListActivities(_ context.Context, teamID string, limit int) ([]*models.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.activities[teamID]
	out := make([]*models.Activity, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, cloneActivity(entries[i]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func presenceKey(teamID, userID string) string {
	return teamID + "/" + userID
}

func (s *MemoryStore) UpsertPresence(_ context.Context, presence *models.Presence) error {
	if presence == nil || presence.TeamID == "" || presence.UserID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[presenceKey(presence.TeamID, presence.UserID)] = clonePresence(presence)
	return nil
}

func (s *MemoryStore) ListPresence(_ context.Context, teamID string) ([]*models.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Presence{}
	for _, p := range s.presence {
		if p.TeamID == teamID {
			out = append(out, clonePresence(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) MarkStalePresenceOffline(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.presence {
		if p.Status != models.PresenceOffline && p.LastSeen.Before(before) {
			p.Status = models.PresenceOffline
			n++
		}
	}
	return n, nil
}
