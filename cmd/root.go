package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "codebreak",
	Short: "CodeBreak hub: game sessions, realtime events, leaderboards",
	Long:  `HTTP + WebSocket API. Commands: api, migrate, seed, sweep, command.`,
	RunE:  runAPI, // default: run API (same as "codebreak api")
}

func init() {
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(sweepCmd)
}

// Execute runs the root command and returns the error (for main to log.Fatal).
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}
