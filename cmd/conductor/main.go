// Package main provides the CLI entry point for conductor, an analysis
// copilot harness.
//
// Conductor runs multi-turn agent conversations against an LLM provider
// (Anthropic or OpenAI) with a categorized tool catalog: render tools that
// produce charts, tables, diagrams, and SWOT analyses as typed content
// blocks; read tools that query the local analysis cache; and write tools
// that save documents and record analyses, gated behind interactive human
// approval.
//
// # Basic Usage
//
// Start an interactive chat:
//
//	conductor chat --config conductor.yaml
//
// Inspect the tool catalog:
//
//	conductor tools
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - CONDUCTOR_MODEL: Override the configured model
//   - CONDUCTOR_CACHE_PATH: Override the analysis cache path
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
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - analysis copilot harness",
		Long: `Conductor runs agent conversations with categorized tools.

Render tools produce charts, tables, diagrams, and SWOT analyses.
Read tools query the local analysis cache.
Write tools save documents and record analyses, behind human approval.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildToolsCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}
