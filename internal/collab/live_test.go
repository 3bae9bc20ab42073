package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/househunt/internal/hub"
	"github.com/haasonsaas/househunt/internal/identity"
	"github.com/haasonsaas/househunt/internal/realtime"
	"github.com/haasonsaas/househunt/internal/teams"
	"github.com/haasonsaas/househunt/pkg/models"
)

func asUser(userID string) context.Context {
	return identity.WithUser(context.Background(), identity.User{ID: userID})
}

func realtimePatch(page string) realtime.PresencePatch {
	return realtime.PresencePatch{CurrentPage: &page}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectedManager(t *testing.T, h *hub.Hub, userID string) *realtime.Manager {
	t.Helper()
	m := realtime.NewManager(realtime.Config{HeartbeatInterval: time.Hour}, hub.NewLocalTransport(h, userID), nil, nil)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(m.Disconnect)
	return m
}

type liveFixture struct {
	*fixture
	hub  *hub.Hub
	feed *teams.ChangeFeed
}

func newLiveFixture(t *testing.T) *liveFixture {
	f := newFixture(t, 0, nil)
	h := hub.New(nil, nil)
	return &liveFixture{fixture: f, hub: h, feed: teams.NewChangeFeed(f.store, h, nil)}
}

func (f *liveFixture) liveService(t *testing.T, userID, teamID string, config Config) *Service {
	t.Helper()
	config.TeamID = teamID
	svc := NewService(config, f.feed, connectedManager(t, f.hub, userID), Caller{UserID: userID}, nil)
	t.Cleanup(svc.Close)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return svc
}

func hasMember(list []*models.Member, userID string) bool {
	for _, m := range list {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

func hasActivity(list []*models.Activity, action models.ActivityAction, resourceID string) bool {
	for _, a := range list {
		if a.Action == action && (resourceID == "" || a.ResourceID == resourceID) {
			return true
		}
	}
	return false
}

func TestLive_JoinIsSeenByTeammates(t *testing.T) {
	ctx := context.Background()
	f := newLiveFixture(t)
	owner := f.liveService(t, "owner", f.team.ID, Config{})

	invite, err := owner.InviteTeamMember(ctx, "")
	if err != nil {
		t.Fatalf("InviteTeamMember: %v", err)
	}

	sam := f.liveService(t, "sam", "", Config{})
	sam.caller.DisplayName = "Sam"
	member, err := sam.JoinTeam(ctx, invite.InviteCode)
	if err != nil {
		t.Fatalf("JoinTeam: %v", err)
	}

	waitFor(t, "owner to see the new member with a profile", func() bool {
		for _, m := range owner.Members() {
			if m.UserID == "sam" && m.Profile != nil && m.Profile.DisplayName == "Sam" {
				return true
			}
		}
		return false
	})
	waitFor(t, "owner to see the join activity", func() bool {
		return hasActivity(owner.Activities(), models.ActionMemberJoined, member.ID)
	})

	if err := sam.SetTeam(ctx, f.team.ID); err != nil {
		t.Fatalf("SetTeam: %v", err)
	}
	if !hasMember(sam.Members(), "owner") {
		t.Fatalf("joiner view = %+v", sam.Members())
	}
	waitFor(t, "owner to see sam's presence", func() bool {
		p, ok := owner.Presence()["sam"]
		return ok && p.Status == models.PresenceOnline
	})
	waitFor(t, "sam to see the owner's presence", func() bool {
		_, ok := sam.Presence()["owner"]
		return ok
	})

	if err := owner.RemoveTeamMember(ctx, member.ID); err != nil {
		t.Fatalf("RemoveTeamMember: %v", err)
	}
	waitFor(t, "sam's view to drop the removed member", func() bool {
		return !hasMember(sam.Members(), "sam")
	})
}

func TestLive_RoleChangePatchesMembers(t *testing.T) {
	ctx := context.Background()
	f := newLiveFixture(t)
	target := f.add(t, "sam", models.RoleMember)
	owner := f.liveService(t, "owner", f.team.ID, Config{})
	sam := f.liveService(t, "sam", f.team.ID, Config{})

	if err := owner.UpdateMemberRole(ctx, target.ID, "admin"); err != nil {
		t.Fatalf("UpdateMemberRole: %v", err)
	}
	waitFor(t, "sam to see the new role", func() bool {
		for _, m := range sam.Members() {
			if m.ID == target.ID {
				return m.Role == models.RoleAdmin
			}
		}
		return false
	})
}

func TestLive_ActivityLimitAppliesToPushedEntries(t *testing.T) {
	ctx := context.Background()
	f := newLiveFixture(t)
	f.add(t, "sam", models.RoleMember)
	owner := f.liveService(t, "owner", f.team.ID, Config{ActivityLimit: 2})
	sam := f.liveService(t, "sam", f.team.ID, Config{})

	for _, id := range []string{"p1", "p2", "p3"} {
		sam.MarkActivity(ctx, models.ActionPropertyAdded, "property", id, nil)
	}
	waitFor(t, "owner to receive the latest activity", func() bool {
		list := owner.Activities()
		return len(list) > 0 && list[0].ResourceID == "p3"
	})
	list := owner.Activities()
	if len(list) != 2 || list[1].ResourceID != "p2" {
		t.Fatalf("activities = %+v", list)
	}
}

func TestLive_SetTeamIgnoresPreviousTeam(t *testing.T) {
	ctx := context.Background()
	f := newLiveFixture(t)
	other := &models.Team{Name: "Elm Court", OwnerID: "owner"}
	if err := f.store.CreateTeam(ctx, other); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if err := f.store.AddMember(ctx, &models.Member{TeamID: other.ID, UserID: "owner", Role: models.RoleOwner}); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	f.add(t, "sam", models.RoleMember)

	owner := f.liveService(t, "owner", f.team.ID, Config{})
	sam := f.liveService(t, "sam", f.team.ID, Config{})

	if err := owner.SetTeam(ctx, other.ID); err != nil {
		t.Fatalf("SetTeam: %v", err)
	}
	if owner.TeamID() != other.ID {
		t.Fatalf("team = %s", owner.TeamID())
	}
	sam.MarkActivity(ctx, models.ActionCommentAdded, "comment", "old-team", nil)
	owner.MarkActivity(ctx, models.ActionCommentAdded, "comment", "new-team", nil)

	// Entries for the new team arrive after anything queued for the old one.
	waitFor(t, "new team activity", func() bool {
		return hasActivity(owner.Activities(), models.ActionCommentAdded, "new-team")
	})
	time.Sleep(20 * time.Millisecond)
	if hasActivity(owner.Activities(), models.ActionCommentAdded, "old-team") {
		t.Fatal("activity from the previous team leaked into the view")
	}
	if hasMember(owner.Members(), "sam") {
		t.Fatal("members from the previous team leaked into the view")
	}
}

func TestLive_ResubscribesAfterReconnect(t *testing.T) {
	ctx := context.Background()
	f := newLiveFixture(t)
	f.add(t, "sam", models.RoleMember)

	rt := connectedManager(t, f.hub, "owner")
	owner := NewService(Config{TeamID: f.team.ID}, f.feed, rt, Caller{UserID: "owner"}, nil)
	t.Cleanup(owner.Close)
	if err := owner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sam := f.liveService(t, "sam", f.team.ID, Config{})

	rt.Disconnect()
	if err := rt.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "team channels to be restored", func() bool {
		return len(rt.State().Channels) == 3
	})

	sam.MarkActivity(ctx, models.ActionRatingAdded, "rating", "r1", nil)
	waitFor(t, "activity after reconnect", func() bool {
		return hasActivity(owner.Activities(), models.ActionRatingAdded, "r1")
	})
}

func TestHandlers_IgnoreMalformedMessages(t *testing.T) {
	f := newFixture(t, 0, nil)
	svc := f.service(t, "owner", Config{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := len(svc.Members())

	svc.handleMemberChange(svc.subGen, realtime.Message{Kind: realtime.KindChange, Change: &realtime.Change{
		Table: teams.TableMembers, Type: realtime.ChangeUpdate, New: json.RawMessage(`{"id":`),
	}})
	svc.handleActivityChange(svc.subGen, realtime.Message{Kind: realtime.KindChange, Change: &realtime.Change{
		Table: teams.TableActivities, Type: realtime.ChangeInsert, New: json.RawMessage(`{}`),
	}})
	svc.handlePresence(svc.subGen, realtime.Message{Kind: realtime.KindBroadcast})

	if got := len(svc.Members()); got != before {
		t.Fatalf("members = %d, want %d", got, before)
	}
	if got := len(svc.Activities()); got != 0 {
		t.Fatalf("activities = %d", got)
	}
}

func TestHandlePresence_SyncJoinLeave(t *testing.T) {
	f := newFixture(t, 0, nil)
	svc := f.service(t, "owner", Config{})
	now := fixedNow

	presence := func(typ realtime.PresenceEventType, users ...string) realtime.Message {
		event := &realtime.PresenceEvent{Type: typ}
		for _, u := range users {
			event.Presences = append(event.Presences, models.Presence{UserID: u, TeamID: f.team.ID, Status: models.PresenceOnline, LastSeen: now})
		}
		return realtime.Message{Kind: realtime.KindPresence, Presence: event}
	}

	svc.handlePresence(svc.subGen, presence(realtime.PresenceSync, "a", "b"))
	svc.handlePresence(svc.subGen, presence(realtime.PresenceJoin, "c"))
	svc.handlePresence(svc.subGen, presence(realtime.PresenceLeave, "a"))
	got := svc.Presence()
	if len(got) != 2 || got["b"].UserID != "b" || got["c"].UserID != "c" {
		t.Fatalf("presence = %+v", got)
	}

	svc.handlePresence(svc.subGen+1, presence(realtime.PresenceSync))
	if len(svc.Presence()) != 2 {
		t.Fatal("stale generation replaced presence")
	}
	svc.handlePresence(svc.subGen, presence(realtime.PresenceSync, "d"))
	if got := svc.Presence(); len(got) != 1 || got["d"].UserID != "d" {
		t.Fatalf("presence after sync = %+v", got)
	}
}
