// Package main provides the CLI entry point for Mira's agent orchestration
// core: a chat message in, a durable tool-using LLM operation out, with
// reversible filesystem side effects.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

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
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mira",
		Short: "Mira - agent orchestration core",
		Long: `Mira drives a multi-turn tool-calling loop against an LLM provider,
routes tool calls to typed handlers with filesystem-access enforcement,
snapshots files before mutation, and stores large tool outputs as
deduplicated, secret-redacted artifacts.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
