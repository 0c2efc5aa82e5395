package cmd

import (
	"fmt"
	"strconv"

	"github.com/Leighthann/codebreak/internal/config"
	"github.com/Leighthann/codebreak/internal/database"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending SQL migrations",
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Roll back migrations (default 1 step)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMigrateDown,
}

func init() {
	migrateCmd.AddCommand(migrateDownCmd)
}

// loadConfig reads .env from the working directory or its parent (when run from bin/).
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func loadDatabaseConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Store != config.StorePostgres {
		return nil, fmt.Errorf("STORE=%s has no database to migrate", cfg.Store)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadDatabaseConfig()
	if err != nil {
		return err
	}
	return database.MigrateUp(cfg.DatabaseURL())
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	steps := 1
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("steps: %w", err)
		}
		steps = n
	}
	cfg, err := loadDatabaseConfig()
	if err != nil {
		return err
	}
	return database.MigrateDown(cfg.DatabaseURL(), steps)
}
