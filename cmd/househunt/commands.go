package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the API server.
func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the househunt API server",
		Long: `Start the househunt API and realtime server.

The server will:
1. Load configuration from the specified file (or househunt.yaml)
2. Connect to the database and optionally apply migrations
3. Serve the team API, the realtime endpoint and metrics over HTTP
4. Run the maintenance sweeper on its schedule
5. Reload the log level when the config file changes

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  househunt serve

  # Start with custom config and debug logging
  househunt serve --config /etc/househunt/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Migration Commands
// =============================================================================

// buildMigrateCmd creates the "migrate" command group for migrations.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Manage database migrations.

Migrations ensure your schema matches the version of househunt you're running.
They apply to the postgres, cockroach and sqlite drivers.`,
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateDownCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateUp(cmd, steps)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateDown(cmd, steps)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateStatus(cmd)
		},
	}
}

// =============================================================================
// Invite Commands
// =============================================================================

func buildInvitesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invites",
		Short: "Invite maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed invites and mark stale presence offline once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvitesSweep(cmd)
		},
	})
	return cmd
}

// =============================================================================
// Token Command
// =============================================================================

func buildTokenCmd() *cobra.Command {
	var (
		userID string
		email  string
		name   string
		expiry time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		Long: `Issue a signed bearer token using the configured auth secret.

Useful for local development and for the watch command.`,
		Example: `  househunt token --user u-123 --email sam@example.com --name Sam`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, userID, email, name, expiry)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID (required)")
	cmd.Flags().StringVar(&email, "email", "", "User email")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (default: auth.token_expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// =============================================================================
// Watch Command
// =============================================================================

func buildWatchCmd() *cobra.Command {
	var (
		teamID string
		token  string
		page   string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a team's members, presence and activity live",
		Long: `Connect to the realtime endpoint as a team member and print changes.

The command reads team state through the configured database and receives
live updates from the server at realtime.url. It advertises the caller as
online while it runs and reconnects with backoff if the connection drops.`,
		Example: `  househunt watch --team 5d1c... --token $HOUSEHUNT_TOKEN`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, teamID, token, page)
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "Team ID to follow (required)")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (or set HOUSEHUNT_TOKEN)")
	cmd.Flags().StringVar(&page, "page", "watch", "Page advertised in presence")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd)
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd)
			},
		},
	)
	return cmd
}
