package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildWatchCmd creates the "watch" command that runs a headless client.
func buildWatchCmd() *cobra.Command {
	var (
		configPath string
		threads    []string
		status     string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect and print presence, typing and connection notifications",
		Long: `Connect to the sync endpoint and print every notification the client
produces until interrupted.

The client will:
1. Load configuration from the specified file (or opsync.yaml)
2. Connect, announce the local presence status and keep it alive
3. Track peers' presence and the typing indicators of each --thread
4. Reconnect with exponential backoff when the connection drops

On SIGINT/SIGTERM it announces offline and disconnects.`,
		Example: `  # Watch presence only
  opsync watch --config opsync.yaml

  # Also watch typing in two threads, appearing as away
  opsync watch --thread support-42 --thread ops-7 --status away`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd.OutOrStdout(), watchOptions{
				configPath: resolveConfigPath(configPath),
				threads:    threads,
				status:     status,
				debug:      debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: $OPSYNC_CONFIG or opsync.yaml)")
	cmd.Flags().StringSliceVarP(&threads, "thread", "t", nil, "Thread id to watch typing indicators in (repeatable)")
	cmd.Flags().StringVar(&status, "status", "", "Presence status to announce (online, away, offline)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration files",
	}
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (default: $OPSYNC_CONFIG or opsync.yaml)")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "opsync %s\n", versionString())
		},
	}
}
