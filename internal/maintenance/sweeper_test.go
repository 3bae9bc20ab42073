package maintenance

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/househunt/internal/observability"
	"github.com/haasonsaas/househunt/internal/teams"
	"github.com/haasonsaas/househunt/pkg/models"
)

var sweepNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) (*teams.MemoryStore, *models.Team) {
	t.Helper()
	ctx := context.Background()
	store := teams.NewMemoryStore()
	team := &models.Team{Name: "Harbor view", OwnerID: "owner"}
	if err := store.CreateTeam(ctx, team); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	invites := []*models.Invite{
		{TeamID: team.ID, InviteCode: "EXPIRED1", ExpiresAt: sweepNow.Add(-time.Minute), MaxUses: 10, IsActive: true},
		{TeamID: team.ID, InviteCode: "EXPIRED2", ExpiresAt: sweepNow.Add(-48 * time.Hour), MaxUses: 1, IsActive: true},
		{TeamID: team.ID, InviteCode: "CURRENT1", ExpiresAt: sweepNow.Add(time.Hour), MaxUses: 10, IsActive: true},
	}
	for _, inv := range invites {
		if err := store.CreateInvite(ctx, inv); err != nil {
			t.Fatalf("CreateInvite: %v", err)
		}
	}
	presence := []*models.Presence{
		{UserID: "stale", TeamID: team.ID, Status: models.PresenceOnline, LastSeen: sweepNow.Add(-10 * time.Minute)},
		{UserID: "fresh", TeamID: team.ID, Status: models.PresenceAway, LastSeen: sweepNow.Add(-time.Minute)},
	}
	for _, p := range presence {
		if err := store.UpsertPresence(ctx, p); err != nil {
			t.Fatalf("UpsertPresence: %v", err)
		}
	}
	return store, team
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	store, team := seed(t)
	reg := prometheus.NewRegistry()
	sweeper, err := NewSweeper(store, Config{Metrics: observability.NewMetrics(reg)}, nil)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sweeper.now = func() time.Time { return sweepNow }

	result, err := sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if result.ExpiredInvites != 2 || result.StalePresence != 1 {
		t.Fatalf("result = %+v", result)
	}

	for code, wantActive := range map[string]bool{"EXPIRED1": false, "EXPIRED2": false, "CURRENT1": true} {
		inv, err := store.GetInviteByCode(ctx, code)
		if err != nil {
			t.Fatalf("GetInviteByCode %s: %v", code, err)
		}
		if inv.IsActive != wantActive {
			t.Fatalf("%s active = %v, want %v", code, inv.IsActive, wantActive)
		}
	}
	list, err := store.ListPresence(ctx, team.ID)
	if err != nil {
		t.Fatalf("ListPresence: %v", err)
	}
	statuses := map[string]models.PresenceStatus{}
	for _, p := range list {
		statuses[p.UserID] = p.Status
	}
	if statuses["stale"] != models.PresenceOffline || statuses["fresh"] != models.PresenceAway {
		t.Fatalf("statuses = %v", statuses)
	}

	want := `
# HELP househunt_maintenance_rows_total Total number of rows updated by maintenance jobs
# TYPE househunt_maintenance_rows_total counter
househunt_maintenance_rows_total{job="expire_invites"} 2
househunt_maintenance_rows_total{job="stale_presence"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "househunt_maintenance_rows_total"); err != nil {
		t.Fatalf("metrics: %v", err)
	}

	// A second sweep finds nothing left to do.
	result, err = sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if result != (Result{}) {
		t.Fatalf("second result = %+v", result)
	}
}

type brokenStore struct {
	teams.Store
	presenceCalls atomic.Int32
}

func (*brokenStore) ExpireInvites(context.Context, time.Time) (int64, error) {
	return 0, errors.New("invites table locked")
}

func (b *brokenStore) MarkStalePresenceOffline(context.Context, time.Time) (int64, error) {
	b.presenceCalls.Add(1)
	return 3, nil
}

func TestRunOnceContinuesAfterFailure(t *testing.T) {
	store := &brokenStore{Store: teams.NewMemoryStore()}
	sweeper, err := NewSweeper(store, Config{}, nil)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	result, err := sweeper.RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), JobExpireInvites) {
		t.Fatalf("expected expire_invites error, got %v", err)
	}
	if store.presenceCalls.Load() != 1 || result.StalePresence != 3 {
		t.Fatalf("presence sweep skipped: calls=%d result=%+v", store.presenceCalls.Load(), result)
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, schedule := range []string{"@every 15m", "*/5 * * * *", "0 */10 * * * *", "@hourly"} {
		if err := ValidateSchedule(schedule); err != nil {
			t.Errorf("ValidateSchedule(%q): %v", schedule, err)
		}
	}
	for _, schedule := range []string{"every 15 minutes", "61 * * * *", ""} {
		if err := ValidateSchedule(schedule); err == nil {
			t.Errorf("ValidateSchedule(%q) accepted", schedule)
		}
	}
}

func TestNewSweeperRejectsBadConfig(t *testing.T) {
	if _, err := NewSweeper(nil, Config{}, nil); err == nil {
		t.Fatal("expected error for missing store")
	}
	if _, err := NewSweeper(teams.NewMemoryStore(), Config{Schedule: "sometimes"}, nil); err == nil {
		t.Fatal("expected error for bad schedule")
	}
}

func TestStartStop(t *testing.T) {
	store, _ := seed(t)
	sweeper, err := NewSweeper(store, Config{Schedule: "@every 10ms"}, nil)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sweeper.now = func() time.Time { return sweepNow }
	if err := sweeper.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sweeper.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		inv, err := store.GetInviteByCode(context.Background(), "EXPIRED1")
		if err != nil {
			t.Fatalf("GetInviteByCode: %v", err)
		}
		if !inv.IsActive {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduled sweep never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sweeper.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sweeper.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
