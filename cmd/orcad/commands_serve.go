package main

import (
	"os"

	"github.com/spf13/cobra"
)

// defaultConfigPath is used when --config isn't given and ORCAD_CONFIG
// isn't set.
const defaultConfigPath = "orcad.yaml"

// buildServeCmd creates the "serve" command that starts the orchestration
// core.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orcad orchestration core",
		Long: `Start the orcad orchestration core.

The server will:
1. Load configuration from the specified file (or orcad.yaml)
2. Connect to the configured persistent store
3. Start the progress bus and both durable-queue workers
4. Start the client-facing HTTP server (submit, stream, session, analysis, admin)

Graceful shutdown is handled on SIGINT/SIGTERM, draining in-flight work
before exiting (§6).`,
		Example: `  # Start with default config
  orcad serve

  # Start with custom config
  orcad serve --config /etc/orcad/production.yaml

  # Start with debug logging
  orcad serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

func resolveConfigPath(path string) string {
	if path != "" && path != defaultConfigPath {
		return path
	}
	if env := os.Getenv("ORCAD_CONFIG"); env != "" {
		return env
	}
	return path
}
