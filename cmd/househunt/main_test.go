package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/househunt/internal/config"
	"github.com/haasonsaas/househunt/internal/identity"
	"github.com/haasonsaas/househunt/internal/notify"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "househunt.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Cleanup(func() { configPath = "" })
	cmd := buildRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "migrate", "invites", "token", "watch", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Cleanup(func() { configPath = "" })

	t.Setenv("HOUSEHUNT_CONFIG", "")
	if got := resolveConfigPath(); got != defaultConfigPath {
		t.Errorf("default = %q", got)
	}
	t.Setenv("HOUSEHUNT_CONFIG", "/etc/househunt.yaml")
	if got := resolveConfigPath(); got != "/etc/househunt.yaml" {
		t.Errorf("env = %q", got)
	}
	configPath = "local.yaml"
	if got := resolveConfigPath(); got != "local.yaml" {
		t.Errorf("flag = %q", got)
	}
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: "+testSecret+"\n")
	out, _, err := execute(t, "--config", path, "token", "--user", "u1", "--email", "sam@example.com", "--name", "Sam")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	user, err := identity.NewJWT(testSecret, time.Hour).Validate(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if user.ID != "u1" || user.Email != "sam@example.com" || user.Name != "Sam" {
		t.Fatalf("user = %+v", user)
	}
}

func TestConfigValidateCommand(t *testing.T) {
	good := writeConfig(t, "auth:\n  jwt_secret: "+testSecret+"\n")
	out, _, err := execute(t, "--config", good, "config", "validate")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("output = %q", out)
	}

	bad := writeConfig(t, "auth:\n  jwt_secret: short\n")
	_, stderr, err := execute(t, "--config", bad, "config", "validate")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(stderr, "auth.jwt_secret") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, _, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	if !strings.Contains(out, `"jwt_secret"`) {
		t.Errorf("schema missing auth fields: %.200s", out)
	}
}

func TestInvitesSweepCommand(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: "+testSecret+"\n")
	out, _, err := execute(t, "--config", path, "invites", "sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "expired invites: 0") {
		t.Errorf("output = %q", out)
	}
}

func TestMigrateRequiresSQLDriver(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: "+testSecret+"\n")
	if _, _, err := execute(t, "--config", path, "migrate", "status"); err == nil {
		t.Fatal("expected an error for the in-memory store")
	}
}

func TestMigrateSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "househunt.db")
	path := writeConfig(t, "auth:\n  jwt_secret: "+testSecret+"\ndatabase:\n  driver: sqlite\n  url: "+dbPath+"\n")

	if _, _, err := execute(t, "--config", path, "migrate", "up"); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	out, _, err := execute(t, "--config", path, "migrate", "status")
	if err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if !strings.Contains(out, "Pending migrations:\n  (none)") {
		t.Errorf("status = %q", out)
	}
}

func TestRealtimeConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Realtime.ReconnectBase = 2 * time.Second
	cfg.Realtime.ReconnectMax = time.Minute
	cfg.Realtime.ReconnectJitter = 500 * time.Millisecond
	cfg.Realtime.MaxReconnectAttempts = 3

	rc := realtimeConfig(cfg, nil)
	if rc.Reconnect.Base != 2*time.Second || rc.Reconnect.Max != time.Minute || rc.Reconnect.Factor != 2 || rc.Reconnect.Jitter != 500*time.Millisecond {
		t.Errorf("reconnect = %+v", rc.Reconnect)
	}
	if rc.MaxReconnectAttempts != 3 {
		t.Errorf("attempts = %d", rc.MaxReconnectAttempts)
	}
	if rc.HeartbeatInterval != cfg.Realtime.HeartbeatInterval {
		t.Errorf("heartbeat = %v", rc.HeartbeatInterval)
	}
}

func TestNewNotifier(t *testing.T) {
	cfg := config.Default()
	n, err := newNotifier(cfg, nil)
	if err != nil {
		t.Fatalf("log notifier: %v", err)
	}
	if _, ok := n.(*notify.LogNotifier); !ok {
		t.Errorf("notifier = %T", n)
	}

	cfg.Notify.Driver = "webhook"
	if _, err := newNotifier(cfg, nil); err == nil {
		t.Error("expected an error without a webhook url")
	}
	cfg.Notify.Webhook.URL = "https://mail.example.com/invites"
	n, err = newNotifier(cfg, nil)
	if err != nil {
		t.Fatalf("webhook notifier: %v", err)
	}
	if _, ok := n.(*notify.WebhookNotifier); !ok {
		t.Errorf("notifier = %T", n)
	}

	cfg.Notify.Driver = "pigeon"
	if _, err := newNotifier(cfg, nil); err == nil {
		t.Error("expected an error for an unknown driver")
	}
}

func TestHealthProber(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := healthProber(srv.URL+"/", srv.Client())
	if err := prober.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	healthy = false
	if err := prober.Probe(context.Background()); err == nil {
		t.Fatal("expected probe failure")
	}
}
