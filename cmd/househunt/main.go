// Package main provides the CLI entry point for the househunt collaboration
// server.
//
// househunt lets a group of people hunt for a home together: teams, invite
// links, member roles, shared settings, an activity log and live presence
// over a realtime channel.
//
// # Basic Usage
//
// Start the server:
//
//	househunt serve --config househunt.yaml
//
// Manage database migrations:
//
//	househunt migrate up
//	househunt migrate status
//
// Follow a team live from the terminal:
//
//	househunt watch --team <team-id> --token $HOUSEHUNT_TOKEN
//
// # Environment Variables
//
//   - HOUSEHUNT_CONFIG: Path to configuration file (default: househunt.yaml)
//   - HOUSEHUNT_TOKEN: Bearer token used by the watch command
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
)

const defaultConfigPath = "househunt.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "househunt",
		Short: "househunt - collaborative home search server",
		Long: `househunt runs the team collaboration backend for a shared home search.

It serves the team API (invites, members, roles, settings, activity) and a
realtime endpoint carrying presence and live row changes.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (or set HOUSEHUNT_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildInvitesCmd(),
		buildTokenCmd(),
		buildWatchCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

// resolveConfigPath picks the flag, then HOUSEHUNT_CONFIG, then the default.
func resolveConfigPath() string {
	if path := strings.TrimSpace(configPath); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv("HOUSEHUNT_CONFIG")); path != "" {
		return path
	}
	return defaultConfigPath
}
