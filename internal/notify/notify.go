// Package notify delivers invite emails through an external side channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultWebhookTimeout = 10 * time.Second

// InviteEmail is the payload handed to the email side channel.
type InviteEmail struct {
	To         string    `json:"to"`
	TeamID     string    `json:"team_id"`
	TeamName   string    `json:"team_name,omitempty"`
	InviteCode string    `json:"invite_code"`
	InviteURL  string    `json:"invite_url"`
	InvitedBy  string    `json:"invited_by"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Notifier sends invite emails.
type Notifier interface {
	SendInvite(ctx context.Context, email InviteEmail) error
}

// LogNotifier records invites in the log instead of sending them.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier that only logs.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) SendInvite(_ context.Context, email InviteEmail) error {
	n.logger.Info("invite email",
		"to", email.To,
		"team_id", email.TeamID,
		"invite_url", email.InviteURL,
		"expires_at", email.ExpiresAt,
	)
	return nil
}

// WebhookConfig configures a WebhookNotifier.
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// WebhookNotifier POSTs invite emails as JSON to an email service.
type WebhookNotifier struct {
	config WebhookConfig
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier returns a notifier that posts to config.URL. client may
// be nil.
func NewWebhookNotifier(config WebhookConfig, client *http.Client, logger *slog.Logger) (*WebhookNotifier, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultWebhookTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{config: config, client: client, logger: logger.With("component", "notify")}, nil
}

func (n *WebhookNotifier) SendInvite(ctx context.Context, email InviteEmail) error {
	body, err := json.Marshal(struct {
		Type string `json:"type"`
		InviteEmail
	}{Type: "team_invite", InviteEmail: email})
	if err != nil {
		return fmt.Errorf("encode invite email: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	n.logger.Debug("invite email sent", "team_id", email.TeamID)
	return nil
}
