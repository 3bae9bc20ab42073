package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWebhookNotifier(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer mail-key"},
	}, srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewWebhookNotifier: %v", err)
	}
	err = n.SendInvite(context.Background(), InviteEmail{
		To:         "sam@example.com",
		TeamID:     "team-1",
		InviteCode: "ABCD1234",
		InviteURL:  "https://househunt.example/join/ABCD1234",
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("SendInvite: %v", err)
	}
	if auth != "Bearer mail-key" {
		t.Fatalf("authorization header = %q", auth)
	}
	if got["type"] != "team_invite" || got["to"] != "sam@example.com" || got["invite_code"] != "ABCD1234" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestWebhookNotifierErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(WebhookConfig{URL: srv.URL}, nil, nil)
	if err != nil {
		t.Fatalf("NewWebhookNotifier: %v", err)
	}
	err = n.SendInvite(context.Background(), InviteEmail{To: "a@example.com"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}

	if _, err := NewWebhookNotifier(WebhookConfig{}, nil, nil); err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestLogNotifier(t *testing.T) {
	var buf strings.Builder
	n := NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))
	if err := n.SendInvite(context.Background(), InviteEmail{To: "a@example.com", TeamID: "team-1"}); err != nil {
		t.Fatalf("SendInvite: %v", err)
	}
	if !strings.Contains(buf.String(), "team-1") {
		t.Fatalf("expected log line, got %q", buf.String())
	}
}
