package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Leighthann/codebreak/internal/application"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run HTTP + WebSocket API (migrations run on start with STORE=postgres)",
	RunE:  runAPI,
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := application.NewAPI(ctx, cfg)
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return api.Run(ctx)
}
