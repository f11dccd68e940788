// Package main provides the CLI entry point for the orcad orchestration
// core: a conversational financial-analysis backend that classifies
// incoming questions in dialogue context, reuses or computes analyses
// through two durable queues, and streams progress to clients (§6).
//
// # Basic Usage
//
// Start the server:
//
//	orcad serve --config orcad.yaml
//
// # Environment Variables
//
//   - ORCAD_HOST / ORCAD_PORT: override the HTTP listener address
//   - DATABASE_URL: store DSN (sqlite file path or postgres connection string)
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: LM collaborator credentials
//   - ORCAD_VECTOR_INDEX_URL / ORCAD_SANDBOX_URL: collaborator endpoints
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeForError(err))
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orcad",
		Short: "orcad - conversational financial-analysis orchestration core",
		Long: `orcad accepts natural-language financial questions, classifies them in
dialogue context, and either answers from state or plans, generates,
validates, executes, and formats a computational analysis, streaming
progress to clients throughout.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

// exitCodeForError maps a fatal top-level error to §6's exit code table:
// 0 normal exit, 1 fatal initialization error, 130 SIGINT received after
// drain. runServe returns errSigIntAfterDrain for the latter case; any
// other non-nil error here is a fatal init/runtime error.
func exitCodeForError(err error) int {
	if err == errSigIntAfterDrain {
		return 130
	}
	return 1
}
