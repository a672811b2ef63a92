// commands.go contains the cobra command definitions and their flag
// configurations. Each builder creates a command and wires it to its handler.
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildChatCmd creates the "chat" command, the interactive REPL.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		system     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive agent conversation",
		Long: `Start an interactive conversation with the configured model.

Each line you enter runs one agent turn. Response text streams as it
arrives; rendered blocks are announced with their type and id. Write
tools prompt for approval before executing; answering "a" approves and
remembers the tool for the rest of the session.

Press Ctrl-C during a turn to interrupt it; the conversation survives
and the next prompt continues where it left off.`,
		Example: `  # Chat with default config discovery
  conductor chat

  # Chat with a custom config and system prompt
  conductor chat --config prod.yaml --system "You analyze fintech markets."`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, system, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&system, "system", "s", "", "System prompt for the conversation")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildToolsCmd creates the "tools" command that prints the tool catalog.
func buildToolsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool catalog with categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")

	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "conductor %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
