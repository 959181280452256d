// Package main is the CLI entry point for the loom agent runtime.
//
// Start the agent:
//
//	loom serve --config loom.yaml
//
// Manage scheduled jobs against the same state file:
//
//	loom jobs list
//	loom jobs add --id digest --cron "0 9 * * *" --target isolated --message "write the daily digest"
//	loom jobs run digest --force
//
// Inspect credential profiles and overall state:
//
//	loom profiles list
//	loom status
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "loom - autonomous agent runtime",
		Long: `Loom runs a single autonomous agent: policy-filtered tools, rotating
credentials, context compaction, a heartbeat loop, scheduled jobs, and
subagent task runs.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildJobsCmd(),
		buildProfilesCmd(),
		buildStatusCmd(),
	)

	return rootCmd
}
