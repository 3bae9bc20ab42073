package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "househunt.yaml", "auth:\n  jwt_secret: "+testSecret+"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Errorf("version = %d", cfg.Version)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %q", cfg.Server.Addr())
	}
	if cfg.Database.Driver != "memory" {
		t.Errorf("driver = %q", cfg.Database.Driver)
	}
	if cfg.Teams.ActivityLimit != 50 || cfg.Teams.InviteTTL != 24*time.Hour {
		t.Errorf("teams = %+v", cfg.Teams)
	}
	if cfg.Realtime.URL != "ws://localhost:8080/realtime" {
		t.Errorf("realtime url = %q", cfg.Realtime.URL)
	}
	if !cfg.Maintenance.IsEnabled() || !cfg.Observability.Metrics.IsEnabled() {
		t.Error("maintenance and metrics should default on")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, t.TempDir(), "househunt.yaml", "auth:\n  jwt_secret: "+testSecret+"\nteams:\n  activty_limit: 10\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "activty_limit") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("HOUSEHUNT_TEST_SECRET", testSecret)
	t.Setenv("HOUSEHUNT_TEST_PORT", "")
	path := writeFile(t, t.TempDir(), "househunt.yaml", `
auth:
  jwt_secret: ${HOUSEHUNT_TEST_SECRET}
server:
  http_port: ${HOUSEHUNT_TEST_PORT:-9191}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Server.HTTPPort != 9191 {
		t.Errorf("port = %d", cfg.Server.HTTPPort)
	}
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
auth:
  jwt_secret: `+testSecret+`
logging:
  level: debug
  format: text
teams:
  activity_limit: 20
`)
	writeFile(t, dir, "db.json5", `{
  // local sqlite for development
  database: {driver: "sqlite", url: "file:househunt.db",},
}`)
	path := writeFile(t, dir, "househunt.yaml", `
$include:
  - base.yaml
  - db.json5
logging:
  level: warn
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Teams.ActivityLimit != 20 {
		t.Errorf("activity limit = %d", cfg.Teams.ActivityLimit)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.URL != "file:househunt.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeFile(t, t.TempDir(), "househunt.yaml", "version: 1\n---\nversion: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for multi-document YAML")
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	path := writeFile(t, t.TempDir(), "househunt.yaml", "version: 2\nauth:\n  jwt_secret: "+testSecret+"\n")
	_, err := Load(path)
	var ve *VersionError
	if !errors.As(err, &ve) || !ve.Newer {
		t.Fatalf("expected newer version error, got %v", err)
	}
}

func TestValidateCollectsIssues(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "short"
	cfg.Database.Driver = "postgres"
	cfg.Notify.Driver = "webhook"
	cfg.Teams.ActivityLimit = 1000
	cfg.Realtime.ReconnectMax = time.Millisecond

	err := cfg.Validate()
	ve, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, want := range []string{
		"auth.jwt_secret",
		"database.url",
		"notify.webhook.url",
		"teams.activity_limit",
		"realtime.reconnect_max",
	} {
		found := false
		for _, issue := range ve.Issues {
			if strings.HasPrefix(issue, want) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing issue for %s in %v", want, ve.Issues)
		}
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = testSecret
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, want := range []string{`"http_port"`, `"activity_limit"`, `"$include"`, `"jwt_secret"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %s", want)
		}
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "househunt.yaml", "auth:\n  jwt_secret: "+testSecret+"\n")

	reloaded := make(chan *Config, 16)
	w, err := Watch(context.Background(), path, 10*time.Millisecond, nil, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	// A broken edit is skipped; the following good one is delivered.
	writeFile(t, dir, "househunt.yaml", "auth: [\n")
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "other.yaml", "logging:\n  level: error\n")
	writeFile(t, dir, "househunt.yaml", "auth:\n  jwt_secret: "+testSecret+"\nlogging:\n  level: debug\n")

	timeout := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			// A reload can observe a partially written file first.
			if cfg.Logging.Level == "debug" {
				return
			}
		case <-timeout:
			t.Fatal("config was not reloaded")
		}
	}
}
