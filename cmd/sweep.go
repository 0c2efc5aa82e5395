package cmd

import (
	"fmt"
	"time"

	"github.com/Leighthann/codebreak/internal/application"
	"github.com/spf13/cobra"
)

var sweepIdle time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete inactive sessions idle longer than SESSION_IDLE_THRESHOLD once and exit",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepIdle, "idle", 0, "override the idle threshold (e.g. 48h)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	n, err := application.SweepOnce(cmd.Context(), cfg, sweepIdle)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "swept %d inactive sessions\n", n)
	return nil
}
