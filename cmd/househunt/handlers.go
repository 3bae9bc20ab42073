package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/househunt/internal/api"
	"github.com/haasonsaas/househunt/internal/collab"
	"github.com/haasonsaas/househunt/internal/config"
	"github.com/haasonsaas/househunt/internal/hub"
	"github.com/haasonsaas/househunt/internal/identity"
	"github.com/haasonsaas/househunt/internal/maintenance"
	"github.com/haasonsaas/househunt/internal/observability"
	"github.com/haasonsaas/househunt/internal/realtime"
	"github.com/haasonsaas/househunt/internal/realtime/wsclient"
	"github.com/haasonsaas/househunt/internal/storage"
	"github.com/haasonsaas/househunt/internal/teams"
	"github.com/haasonsaas/househunt/pkg/models"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, wires the server and blocks until a signal
// arrives, then shuts everything down within the configured timeout.
func runServe(ctx context.Context, debug bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger, level := observability.NewLogger(logConfig(cfg, os.Stderr))
	slog.SetDefault(logger)
	logger.Info("starting househunt",
		"version", version,
		"commit", commit,
		"config", path,
		"addr", cfg.Server.Addr(),
		"database", cfg.Database.Driver,
	)

	shutdownTracing, err := observability.SetupTracing(ctx, traceConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	stores, err := storage.Open(ctx, storageConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer stores.Close()

	if cfg.Database.AutoMigrate && stores.DB != nil {
		migrator, err := stores.Migrator()
		if err != nil {
			return fmt.Errorf("failed to initialize migrator: %w", err)
		}
		applied, err := migrator.Up(ctx, 0)
		if err != nil {
			return fmt.Errorf("auto-migrate failed: %w", err)
		}
		for _, id := range applied {
			logger.Info("applied migration", "id", id)
		}
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}

	metricsPath := ""
	if cfg.Observability.Metrics.IsEnabled() {
		metricsPath = cfg.Observability.Metrics.Path
	}
	server, err := api.NewServer(api.Options{
		Config: api.Config{
			BaseURL:            cfg.Server.BaseURL,
			ActivityLimit:      cfg.Teams.ActivityLimit,
			InviteTTL:          cfg.Teams.InviteTTL,
			PresenceStaleAfter: cfg.Teams.PresenceStaleAfter,
			JoinRatePerMinute:  cfg.Server.JoinRatePerMinute,
			JoinBurst:          cfg.Server.JoinBurst,
			MetricsPath:        metricsPath,
		},
		Store:    stores.Teams,
		Hub:      hub.New(logger, metrics),
		Tokens:   identity.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry),
		Notifier: notifier,
		Metrics:  metrics,
		Gatherer: registry,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var sweeper *maintenance.Sweeper
	if cfg.Maintenance.IsEnabled() {
		sweeper, err = maintenance.NewSweeper(stores.Teams, maintenance.Config{
			Schedule:           cfg.Maintenance.Schedule,
			PresenceStaleAfter: cfg.Teams.PresenceStaleAfter,
			Metrics:            metrics,
		}, logger)
		if err != nil {
			return err
		}
		if err := sweeper.Start(); err != nil {
			return err
		}
	}

	watcher, err := config.Watch(ctx, path, 0, logger, func(next *config.Config) {
		if debug {
			return
		}
		level.Set(observability.ParseLevel(next.Logging.Level))
		logger.Info("log level reloaded", "level", next.Logging.Level)
	})
	if err != nil {
		logger.Warn("config watch disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if sweeper != nil {
			if err := sweeper.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("sweeper stop: %w", err))
			}
		}
		if err := server.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("pending requests: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Migration Command Handlers
// =============================================================================

func openMigrator(ctx context.Context) (*teams.Migrator, func() error, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	slog.Info("opening database", "config", path, "driver", cfg.Database.Driver)
	stores, err := storage.Open(ctx, storageConfig(cfg), slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	migrator, err := stores.Migrator()
	if err != nil {
		_ = stores.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	return migrator, stores.Close, nil
}

// runMigrateUp handles the migrate up command.
func runMigrateUp(cmd *cobra.Command, steps int) error {
	slog.Info("running database migrations", "steps", steps)
	migrator, closeDB, err := openMigrator(cmd.Context())
	if err != nil {
		return err
	}
	defer closeDB()

	applied, err := migrator.Up(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	for _, id := range applied {
		slog.Info("applied migration", "id", id)
	}
	slog.Info("migrations completed successfully")
	return nil
}

// runMigrateDown handles the migrate down command.
func runMigrateDown(cmd *cobra.Command, steps int) error {
	slog.Warn("rolling back migrations", "steps", steps)
	migrator, closeDB, err := openMigrator(cmd.Context())
	if err != nil {
		return err
	}
	defer closeDB()

	rolledBack, err := migrator.Down(cmd.Context(), steps)
	if err != nil {
		return err
	}
	if len(rolledBack) == 0 {
		slog.Info("no migrations to roll back")
		return nil
	}
	for _, id := range rolledBack {
		slog.Info("rolled back migration", "id", id)
	}
	return nil
}

// runMigrateStatus handles the migrate status command.
func runMigrateStatus(cmd *cobra.Command) error {
	migrator, closeDB, err := openMigrator(cmd.Context())
	if err != nil {
		return err
	}
	defer closeDB()

	applied, pending, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Applied migrations:")
	if len(applied) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, m := range applied {
		fmt.Fprintf(out, "  %s  %s\n", m.ID, m.AppliedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out, "Pending migrations:")
	if len(pending) == 0 {
		fmt.Fprintln(out, "  (none)")
	}
	for _, m := range pending {
		fmt.Fprintf(out, "  %s\n", m.ID)
	}
	return nil
}

// =============================================================================
// Invite Command Handlers
// =============================================================================

func runInvitesSweep(cmd *cobra.Command) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	stores, err := storage.Open(cmd.Context(), storageConfig(cfg), slog.Default())
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer stores.Close()

	sweeper, err := maintenance.NewSweeper(stores.Teams, maintenance.Config{
		Schedule:           cfg.Maintenance.Schedule,
		PresenceStaleAfter: cfg.Teams.PresenceStaleAfter,
	}, slog.Default())
	if err != nil {
		return err
	}
	result, err := sweeper.RunOnce(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "expired invites: %d\nstale presence: %d\n", result.ExpiredInvites, result.StalePresence)
	return err
}

// =============================================================================
// Token Command Handler
// =============================================================================

func runToken(cmd *cobra.Command, userID, email, name string, expiry time.Duration) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if expiry <= 0 {
		expiry = cfg.Auth.TokenExpiry
	}
	token, expiresAt, err := identity.NewJWT(cfg.Auth.JWTSecret, expiry).Issue(identity.User{
		ID:    strings.TrimSpace(userID),
		Email: strings.TrimSpace(email),
		Name:  strings.TrimSpace(name),
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, token)
	slog.Info("issued token", "user_id", userID, "expires_at", expiresAt)
	return nil
}

// =============================================================================
// Watch Command Handler
// =============================================================================

func runWatch(cmd *cobra.Command, teamID, token, page string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if token == "" {
		token = strings.TrimSpace(os.Getenv("HOUSEHUNT_TOKEN"))
	}
	if token == "" {
		return errors.New("a token is required (--token or HOUSEHUNT_TOKEN)")
	}
	user, err := identity.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry).Validate(token)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	logger, _ := observability.NewLogger(logConfig(cfg, cmd.ErrOrStderr()))

	stores, err := storage.Open(ctx, storageConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer stores.Close()

	sessions := identity.NewSessions()
	client := wsclient.New(wsclient.Config{
		URL: cfg.Realtime.URL,
		Token: func() string {
			if s := sessions.Current(); s != nil {
				return s.Token
			}
			return ""
		},
	}, logger)
	manager := realtime.NewManager(realtimeConfig(cfg, nil), client, healthProber(cfg.Server.BaseURL, nil), logger)
	defer manager.Disconnect()

	out := cmd.OutOrStdout()
	unwatch := manager.OnStatusChange(func(state realtime.ConnectionState) {
		line := fmt.Sprintf("connection: %s", state.Status)
		if state.LastError != "" {
			line += " (" + state.LastError + ")"
		}
		fmt.Fprintln(out, line)
	})
	defer unwatch()

	svc := collab.NewService(collab.Config{
		TeamID:             teamID,
		ActivityLimit:      cfg.Teams.ActivityLimit,
		InviteTTL:          cfg.Teams.InviteTTL,
		BaseURL:            cfg.Server.BaseURL,
		PresenceStaleAfter: cfg.Teams.PresenceStaleAfter,
	}, teams.NewPolicyStore(stores.Teams), manager, collab.Caller{
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.Name,
	}, logger)
	defer svc.Close()
	stopUpdates := svc.OnUpdate(func(kind collab.UpdateKind) {
		printUpdate(out, svc, kind, cfg.Teams.PresenceStaleAfter)
	})
	defer stopUpdates()

	userCtx := identity.WithUser(ctx, user)
	if err := svc.Start(userCtx); err != nil {
		return err
	}
	stopFollow := manager.FollowSession(userCtx, sessions)
	defer stopFollow()
	sessions.SignIn(identity.Session{User: user, Token: token})
	svc.UpdatePresence(userCtx, realtime.PresencePatch{Status: models.PresenceOnline, CurrentPage: &page})

	<-ctx.Done()
	sessions.SignOut()
	return nil
}

func printUpdate(out io.Writer, svc *collab.Service, kind collab.UpdateKind, staleAfter time.Duration) {
	switch kind {
	case collab.UpdateMembers:
		members := svc.Members()
		names := make([]string, 0, len(members))
		for _, m := range members {
			name := m.UserID
			if m.Profile != nil && m.Profile.DisplayName != "" {
				name = m.Profile.DisplayName
			}
			names = append(names, fmt.Sprintf("%s (%s)", name, m.Role))
		}
		fmt.Fprintf(out, "members: %s\n", strings.Join(names, ", "))
	case collab.UpdatePresence:
		presence := svc.Presence()
		now := time.Now()
		lines := make([]string, 0, len(presence))
		for userID, p := range presence {
			lines = append(lines, fmt.Sprintf("%s=%s", userID, models.EffectiveStatus(p, now, staleAfter)))
		}
		sort.Strings(lines)
		fmt.Fprintf(out, "presence: %s\n", strings.Join(lines, " "))
	case collab.UpdateActivities:
		activities := svc.Activities()
		if len(activities) == 0 {
			return
		}
		latest := activities[0]
		fmt.Fprintf(out, "activity: %s %s %s/%s\n", latest.CreatedAt.Format(time.Kitchen), latest.UserID, latest.Action, latest.ResourceID)
	}
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigValidate(cmd *cobra.Command) error {
	_, path, err := loadConfig()
	if err != nil {
		if verr, ok := config.AsValidationError(err); ok {
			for _, issue := range verr.Issues {
				fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", issue)
			}
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
	return err
}
