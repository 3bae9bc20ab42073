package teams

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/househunt/pkg/models"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?_time_format=sqlite")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigratorSQLite(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	migrator, err := NewMigrator(db, DialectSQLite)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	total := len(migrator.Migrations())
	if total == 0 {
		t.Fatal("expected embedded migrations")
	}

	applied, err := migrator.Up(ctx, 1)
	if err != nil || len(applied) != 1 {
		t.Fatalf("Up(1) = %v, %v", applied, err)
	}
	applied, err = migrator.Up(ctx, 0)
	if err != nil || len(applied) != total-1 {
		t.Fatalf("Up(all) = %v, %v", applied, err)
	}
	done, pending, err := migrator.Status(ctx)
	if err != nil || len(done) != total || len(pending) != 0 {
		t.Fatalf("Status = %d applied, %d pending, %v", len(done), len(pending), err)
	}

	rolled, err := migrator.Down(ctx, 1)
	if err != nil || len(rolled) != 1 || rolled[0] != done[len(done)-1].ID {
		t.Fatalf("Down(1) = %v, %v", rolled, err)
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
}

func TestSQLStoreSQLite(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	migrator, err := NewMigrator(db, DialectSQLite)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		t.Fatalf("Up: %v", err)
	}
	store := NewSQLStore(db, DialectSQLite)
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	team := seedTeam(t, store, "owner-1")
	got, err := store.GetTeam(ctx, team.ID)
	if err != nil {
		t.Fatalf("GetTeam: %v", err)
	}
	if got.Name != team.Name || got.Capacity() != models.DefaultMaxMembers {
		t.Fatalf("unexpected team: %+v", got)
	}

	if err := store.UpsertProfile(ctx, "owner-1", models.Profile{Email: "owner@example.com", DisplayName: "Owner"}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := store.AddMember(ctx, &models.Member{TeamID: team.ID, UserID: "owner-1", Role: models.RoleMember}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate active membership, got %v", err)
	}
	membership, err := store.GetMembership(ctx, team.ID, "owner-1")
	if err != nil {
		t.Fatalf("GetMembership: %v", err)
	}
	if membership.Role != models.RoleOwner || membership.Profile == nil || membership.Profile.Email != "owner@example.com" {
		t.Fatalf("unexpected membership: %+v", membership)
	}

	now := time.Now().UTC()
	invite := &models.Invite{
		TeamID:     team.ID,
		InviteCode: "SQLT0001",
		CreatedBy:  "owner-1",
		ExpiresAt:  now.Add(models.InviteTTL),
		MaxUses:    1,
		IsActive:   true,
	}
	if err := store.CreateInvite(ctx, invite); err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	if err := store.CreateInvite(ctx, &models.Invite{TeamID: team.ID, InviteCode: "SQLT0001", CreatedBy: "owner-1", ExpiresAt: now, MaxUses: 1}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected duplicate invite code rejection, got %v", err)
	}
	if err := store.ConsumeInvite(ctx, invite.ID, now); err != nil {
		t.Fatalf("ConsumeInvite: %v", err)
	}
	if err := store.ConsumeInvite(ctx, invite.ID, now); !errors.Is(err, ErrInviteExhausted) {
		t.Fatalf("second consume: expected ErrInviteExhausted, got %v", err)
	}
	loaded, err := store.GetInviteByCode(ctx, "SQLT0001")
	if err != nil {
		t.Fatalf("GetInviteByCode: %v", err)
	}
	if loaded.CurrentUses != 1 || loaded.Email != "" {
		t.Fatalf("unexpected invite: %+v", loaded)
	}
	if n, err := store.ExpireInvites(ctx, now.Add(48*time.Hour)); err != nil || n != 1 {
		t.Fatalf("ExpireInvites = %d, %v", n, err)
	}

	member := &models.Member{TeamID: team.ID, UserID: "user-2", Role: models.RoleMember}
	if err := store.AddMember(ctx, member); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := store.UpdateMemberRole(ctx, member.ID, models.RoleAdmin); err != nil {
		t.Fatalf("UpdateMemberRole: %v", err)
	}
	if err := store.DeactivateMember(ctx, member.ID); err != nil {
		t.Fatalf("DeactivateMember: %v", err)
	}
	if count, err := store.CountActiveMembers(ctx, team.ID); err != nil || count != 1 {
		t.Fatalf("CountActiveMembers = %d, %v", count, err)
	}

	for i := 0; i < 3; i++ {
		err := store.AppendActivity(ctx, &models.Activity{
			TeamID:    team.ID,
			UserID:    "owner-1",
			Action:    models.ActionRatingAdded,
			Metadata:  []byte(`{"score":4}`),
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}
	activities, err := store.ListActivities(ctx, team.ID, 2)
	if err != nil {
		t.Fatalf("ListActivities: %v", err)
	}
	if len(activities) != 2 || activities[0].CreatedAt.Before(activities[1].CreatedAt) {
		t.Fatalf("unexpected activities: %+v", activities)
	}
	if string(activities[0].Metadata) != `{"score":4}` {
		t.Fatalf("metadata = %s", activities[0].Metadata)
	}

	presence := &models.Presence{
		UserID:      "owner-1",
		TeamID:      team.ID,
		Status:      models.PresenceOnline,
		LastSeen:    now.Add(-10 * time.Minute),
		CurrentPage: "/properties/42",
		Cursor:      &models.Cursor{X: 10, Y: 20},
	}
	if err := store.UpsertPresence(ctx, presence); err != nil {
		t.Fatalf("UpsertPresence: %v", err)
	}
	if n, err := store.MarkStalePresenceOffline(ctx, now.Add(-models.PresenceStaleAfter)); err != nil || n != 1 {
		t.Fatalf("MarkStalePresenceOffline = %d, %v", n, err)
	}
	list, err := store.ListPresence(ctx, team.ID)
	if err != nil {
		t.Fatalf("ListPresence: %v", err)
	}
	if len(list) != 1 || list[0].Status != models.PresenceOffline || list[0].Cursor == nil || list[0].Cursor.Y != 20 {
		t.Fatalf("unexpected presence: %+v", list)
	}
}
