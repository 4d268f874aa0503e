package cmd

import (
	"fmt"

	"github.com/akshad-exe/AirSense/internal/core"
	"github.com/akshad-exe/AirSense/internal/infrastructure"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Creates or updates the devices and readings tables and their indexes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations() error {
	logger.Info("Running database migrations...")

	db, err := infrastructure.NewDatabase(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	for _, model := range core.Models() {
		if err := db.Migrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
		logger.Infof("Migrated %T", model)
	}

	logger.Info("Database migrations completed successfully")
	return nil
}
