package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/haasonsaas/househunt/internal/backoff"
	"github.com/haasonsaas/househunt/internal/teams"
	"github.com/haasonsaas/househunt/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"househunt.db", "househunt.db?_time_format=sqlite&_pragma=busy_timeout(5000)"},
		{"file:hh.db?mode=rwc", "file:hh.db?mode=rwc&_time_format=sqlite&_pragma=busy_timeout(5000)"},
		{"hh.db?_time_format=sqlite&_pragma=busy_timeout(100)", "hh.db?_time_format=sqlite&_pragma=busy_timeout(100)"},
	}
	for _, tt := range tests {
		if got := sqliteDSN(tt.in); got != tt.want {
			t.Errorf("sqliteDSN(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpenMemory(t *testing.T) {
	set, err := Open(context.Background(), Config{}, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := set.Teams.(*teams.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", set.Teams)
	}
	if _, err := set.Migrator(); err == nil {
		t.Fatal("expected migrator error for memory store")
	}
	if err := set.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenSQLiteAndMigrate(t *testing.T) {
	ctx := context.Background()
	set, err := Open(ctx, Config{Driver: "sqlite", DSN: "file::memory:"}, discardLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer set.Close()

	migrator, err := set.Migrator()
	if err != nil {
		t.Fatalf("Migrator: %v", err)
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		t.Fatalf("Up: %v", err)
	}
	team := &models.Team{Name: "Downtown lofts", OwnerID: "owner-1"}
	if err := set.Teams.CreateTeam(ctx, team); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if _, err := set.Teams.GetTeam(ctx, team.ID); err != nil {
		t.Fatalf("GetTeam: %v", err)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"}, discardLogger()); err == nil {
		t.Fatal("expected unsupported driver error")
	}
	if _, err := Open(context.Background(), Config{Driver: "postgres"}, discardLogger()); err == nil {
		t.Fatal("expected missing dsn error")
	}
}

func TestPingWithRetry(t *testing.T) {
	config := Config{ConnectAttempts: 3, ConnectTimeout: time.Second}

	calls := 0
	err := pingWithRetry(context.Background(), config, discardLogger(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("pingWithRetry = %v after %d calls", err, calls)
	}

	down := errors.New("connection refused")
	err = pingWithRetry(context.Background(), Config{ConnectAttempts: 1, ConnectTimeout: time.Second}, discardLogger(), func(context.Context) error {
		return down
	})
	if !errors.Is(err, backoff.ErrExhausted) || !errors.Is(err, down) {
		t.Fatalf("expected exhausted error wrapping the ping failure, got %v", err)
	}
}
