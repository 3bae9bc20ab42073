package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/haasonsaas/househunt/internal/backoff"
	"github.com/haasonsaas/househunt/internal/config"
	"github.com/haasonsaas/househunt/internal/notify"
	"github.com/haasonsaas/househunt/internal/observability"
	"github.com/haasonsaas/househunt/internal/realtime"
	"github.com/haasonsaas/househunt/internal/storage"
)

func loadConfig() (*config.Config, string, error) {
	path := resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, path, nil
}

func storageConfig(cfg *config.Config) storage.Config {
	db := cfg.Database
	return storage.Config{
		Driver:          db.Driver,
		DSN:             db.URL,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		ConnMaxIdleTime: db.ConnMaxIdleTime,
		ConnectTimeout:  db.ConnectTimeout,
		ConnectAttempts: db.ConnectAttempts,
	}
}

func logConfig(cfg *config.Config, out io.Writer) observability.LogConfig {
	return observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: out,
	}
}

func traceConfig(cfg *config.Config) observability.TraceConfig {
	tc := cfg.Observability.Tracing
	if !tc.Enabled {
		return observability.TraceConfig{}
	}
	serviceVersion := tc.ServiceVersion
	if serviceVersion == "" {
		serviceVersion = version
	}
	return observability.TraceConfig{
		ServiceName:    tc.ServiceName,
		ServiceVersion: serviceVersion,
		Environment:    tc.Environment,
		Endpoint:       tc.Endpoint,
		SamplingRate:   tc.SamplingRate,
		Insecure:       tc.Insecure,
	}
}

func realtimeConfig(cfg *config.Config, metrics *observability.Metrics) realtime.Config {
	rc := cfg.Realtime
	out := realtime.DefaultConfig()
	out.HeartbeatInterval = rc.HeartbeatInterval
	out.Reconnect = backoff.Policy{
		Base:   rc.ReconnectBase,
		Max:    rc.ReconnectMax,
		Factor: 2,
		Jitter: rc.ReconnectJitter,
	}
	out.MaxReconnectAttempts = rc.MaxReconnectAttempts
	out.ConnectTimeout = rc.ConnectTimeout
	out.Metrics = metrics
	return out
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	switch strings.ToLower(cfg.Notify.Driver) {
	case "", "log":
		return notify.NewLogNotifier(logger), nil
	case "webhook":
		wc := cfg.Notify.Webhook
		n, err := notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:     wc.URL,
			Headers: wc.Headers,
			Timeout: wc.Timeout,
		}, nil, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Notify.Driver)
	}
}

// healthProber checks the server's health endpoint before each connect.
func healthProber(baseURL string, client *http.Client) realtime.Prober {
	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(baseURL, "/") + "/healthz"
	return realtime.ProberFunc(func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("health check returned %s", resp.Status)
		}
		return nil
	})
}
