// Package main provides the CLI entry point for the loom agent
// orchestration server.
//
// # Basic Usage
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// Manage database migrations:
//
//	loom migrate up
//	loom migrate status
//
// # Environment Variables
//
// Secrets can be referenced from the config file via ${ENV} expansion:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GOOGLE_API_KEY: Google API key for Gemini models
package main

import (
	"fmt"
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
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - agent orchestration server",
		Long: `Loom runs agent sessions as append-only event logs: it composes model
context from the log, streams provider responses, executes tools, and exposes
the whole loop over a JSON-RPC WebSocket and a small HTTP API.

Supported providers: Anthropic (Claude), OpenAI (GPT), Google (Gemini)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}
