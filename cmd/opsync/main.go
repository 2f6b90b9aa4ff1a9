// Package main provides the CLI for the opsync real-time sync client.
//
// # Basic Usage
//
// Run a headless client that logs connection, presence and typing
// notifications until interrupted:
//
//	opsync watch --config opsync.yaml --thread support-42
//
// Check a configuration file:
//
//	opsync config validate --config opsync.yaml
//
// # Environment Variables
//
//   - OPSYNC_CONFIG: Path to configuration file (default: opsync.yaml)
//
// Configuration values may reference the environment with ${VAR}.
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
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "opsync.yaml"

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
		Use:   "opsync",
		Short: "opsync - real-time sync client for the operations dashboard",
		Long: `opsync keeps one persistent connection to the dashboard sync endpoint and
tracks peer presence and typing indicators over it.`,
		Version:      versionString(),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildWatchCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

// resolveConfigPath falls back to OPSYNC_CONFIG and then to opsync.yaml.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("OPSYNC_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}
