package collab

import (
	"encoding/json"
	"sort"

	"github.com/haasonsaas/househunt/internal/realtime"
	"github.com/haasonsaas/househunt/internal/teams"
	"github.com/haasonsaas/househunt/pkg/models"
)

// PresenceChannel names the channel carrying who is online in a team.
func PresenceChannel(teamID string) string { return "team:" + teamID + ":presence" }

// MembersChannel names the channel carrying team_members row changes.
func MembersChannel(teamID string) string { return "team:" + teamID + ":members" }

// ActivityChannel names the channel carrying new team activity rows.
func ActivityChannel(teamID string) string { return "team:" + teamID + ":activity" }

// onConnection subscribes the team channels when the connection becomes
// ready and forgets them when it drops; the manager has already discarded
// the physical channels by then.
func (s *Service) onConnection(status realtime.Status) {
	if status != realtime.StatusConnected {
		s.mu.Lock()
		if !s.live {
			s.mu.Unlock()
			return
		}
		s.live = false
		s.subGen++
		unsubs := s.unsubs
		s.unsubs = nil
		s.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		return
	}

	s.mu.Lock()
	if s.closed || s.teamID == "" || s.live {
		s.mu.Unlock()
		return
	}
	s.live = true
	s.subGen++
	teamID, gen := s.teamID, s.subGen
	s.mu.Unlock()

	ctx := s.background()
	s.rt.UpdatePresence(ctx, realtime.PresencePatch{UserID: s.caller.UserID, TeamID: teamID})

	filter := "team_id=eq." + teamID
	unsubs := []func(){
		s.rt.SubscribeWith(ctx, PresenceChannel(teamID), realtime.ChannelOptions{Presence: true},
			s.guard(gen, s.handlePresence)),
		s.rt.SubscribeWith(ctx, MembersChannel(teamID), realtime.ChannelOptions{
			Changes: []realtime.ChangeFilter{{Table: teams.TableMembers, Event: realtime.ChangeAll, Filter: filter}},
		}, s.guard(gen, s.handleMemberChange)),
		s.rt.SubscribeWith(ctx, ActivityChannel(teamID), realtime.ChannelOptions{
			Changes: []realtime.ChangeFilter{{Table: teams.TableActivities, Event: realtime.ChangeInsert, Filter: filter}},
		}, s.guard(gen, s.handleActivityChange)),
	}

	s.mu.Lock()
	if gen != s.subGen {
		s.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		return
	}
	s.unsubs = unsubs
	s.mu.Unlock()
	s.logger.Debug("team channels subscribed", "team_id", teamID)
}

// guard drops messages delivered for a generation that is no longer
// current.
func (s *Service) guard(gen uint64, handle func(uint64, realtime.Message)) realtime.Callback {
	return func(msg realtime.Message) {
		s.mu.Lock()
		stale := gen != s.subGen
		s.mu.Unlock()
		if stale {
			return
		}
		handle(gen, msg)
	}
}

func (s *Service) handlePresence(gen uint64, msg realtime.Message) {
	if msg.Kind != realtime.KindPresence || msg.Presence == nil {
		return
	}
	s.mu.Lock()
	if gen != s.subGen {
		s.mu.Unlock()
		return
	}
	switch msg.Presence.Type {
	case realtime.PresenceSync:
		next := make(map[string]models.Presence, len(msg.Presence.Presences))
		for _, p := range msg.Presence.Presences {
			if p.UserID != "" {
				next[p.UserID] = p
			}
		}
		s.presence = next
	case realtime.PresenceJoin:
		for _, p := range msg.Presence.Presences {
			if p.UserID != "" {
				s.presence[p.UserID] = p
			}
		}
	case realtime.PresenceLeave:
		for _, p := range msg.Presence.Presences {
			delete(s.presence, p.UserID)
		}
	}
	s.mu.Unlock()
	s.notify(UpdatePresence)
}

func (s *Service) handleMemberChange(gen uint64, msg realtime.Message) {
	if msg.Kind != realtime.KindChange || msg.Change == nil {
		return
	}
	change := msg.Change
	switch change.Type {
	case realtime.ChangeInsert:
		// Inserts carry no profile data, so reload the joined view.
		s.reloadMembers(gen)
	case realtime.ChangeUpdate:
		var row models.Member
		if err := json.Unmarshal(change.New, &row); err != nil || row.ID == "" {
			s.logger.Debug("member change decode failed", "error", err)
			return
		}
		if !row.IsActive {
			s.dropMember(row.ID)
			return
		}
		s.patchMember(row)
	case realtime.ChangeDelete:
		var row models.Member
		if err := json.Unmarshal(change.Old, &row); err != nil || row.ID == "" {
			s.logger.Debug("member change decode failed", "error", err)
			return
		}
		s.dropMember(row.ID)
	}
}

func (s *Service) reloadMembers(gen uint64) {
	s.mu.Lock()
	if gen != s.subGen || s.closed {
		s.mu.Unlock()
		return
	}
	teamID := s.teamID
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		members, err := s.store.ListMembers(s.background(), teamID)
		if err != nil {
			s.logger.Warn("member reload failed", "team_id", teamID, "error", err)
			return
		}
		s.mu.Lock()
		if gen != s.subGen {
			s.mu.Unlock()
			return
		}
		s.members = members
		s.mu.Unlock()
		s.notify(UpdateMembers)
	}()
}

func (s *Service) handleActivityChange(_ uint64, msg realtime.Message) {
	if msg.Kind != realtime.KindChange || msg.Change == nil || msg.Change.Type != realtime.ChangeInsert {
		return
	}
	var activity models.Activity
	if err := json.Unmarshal(msg.Change.New, &activity); err != nil || activity.ID == "" {
		s.logger.Debug("activity change decode failed", "error", err)
		return
	}
	s.applyActivity(&activity)
}

// applyMember inserts or replaces a member by id, keeping join order. A
// known profile is kept when the update carries none.
func (s *Service) applyMember(member *models.Member) {
	s.mu.Lock()
	replaced := false
	for i, existing := range s.members {
		if existing.ID == member.ID {
			cp := *member
			if cp.Profile == nil {
				cp.Profile = existing.Profile
			}
			s.members[i] = &cp
			replaced = true
			break
		}
	}
	if !replaced {
		cp := *member
		s.members = append(s.members, &cp)
		sort.SliceStable(s.members, func(i, j int) bool {
			return s.members[i].JoinedAt.Before(s.members[j].JoinedAt)
		})
	}
	s.mu.Unlock()
	s.notify(UpdateMembers)
}

// patchMember updates the fields of a known member. Unknown ids are ignored.
func (s *Service) patchMember(row models.Member) {
	s.mu.Lock()
	found := false
	for i, existing := range s.members {
		if existing.ID == row.ID {
			cp := *existing
			cp.Role = row.Role
			cp.IsActive = row.IsActive
			s.members[i] = &cp
			found = true
			break
		}
	}
	s.mu.Unlock()
	if found {
		s.notify(UpdateMembers)
	}
}

// dropMember removes a member by id; removing an unknown id is a no-op.
func (s *Service) dropMember(memberID string) {
	s.mu.Lock()
	kept := s.members[:0:0]
	for _, m := range s.members {
		if m.ID != memberID {
			kept = append(kept, m)
		}
	}
	changed := len(kept) != len(s.members)
	s.members = kept
	s.mu.Unlock()
	if changed {
		s.notify(UpdateMembers)
	}
}

// applyActivity prepends an activity unless its id is already present and
// keeps the list within the configured limit.
func (s *Service) applyActivity(activity *models.Activity) {
	s.mu.Lock()
	for _, existing := range s.activities {
		if existing.ID == activity.ID {
			s.mu.Unlock()
			return
		}
	}
	cp := *activity
	next := make([]*models.Activity, 0, len(s.activities)+1)
	next = append(next, &cp)
	next = append(next, s.activities...)
	s.activities = truncateActivities(next, s.config.ActivityLimit)
	s.mu.Unlock()
	s.notify(UpdateActivities)
}
