// Package main provides the CLI entry point for the Loom agent runtime.
//
// Loom runs tool-using LLM agents over a persistent thread model with
// streaming events, context summarization, and three interaction modes
// (genericOpenApi, hierarchicalPlanner, toolsetsRouter).
//
// # Basic Usage
//
// Drive one interaction:
//
//	loom run --config loom.yaml "What is 12 squared?"
//
// Print build information:
//
//	loom version
//
// Configuration values may reference environment variables with ${VAR}
// syntax; LOOM_CONFIG overrides the default config path.
package main

import (
	"fmt"
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
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - tool-using LLM agent runtime",
		Long: `Loom runs tool-using LLM agents with streaming events, persistent
threads, context summarization, and specialist delegation.

Supported LLM providers: OpenAI (GPT), Anthropic (Claude)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loom %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("LOOM_CONFIG"); env != "" {
		return env
	}
	return "loom.yaml"
}
