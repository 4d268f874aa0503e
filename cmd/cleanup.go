package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/akshad-exe/AirSense/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var cleanupOlderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old readings",
	Long: `Deletes readings older than --older-than. Defaults to
storage.retention_days.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCleanup(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Delete readings older than this age, e.g. 720h")
}

func runCleanup(ctx context.Context) error {
	age := cleanupOlderThan
	if age == 0 {
		age = time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour
	}
	if age <= 0 {
		return fmt.Errorf("retention must be positive, got %s", age)
	}

	db, err := infrastructure.NewDatabase(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	services, err := newServiceRegistry(db, nil, nil, nil)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-age)
	deleted, err := services.Readings.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"older_than": age.String(),
		"deleted":    deleted,
	}).Info("Cleanup completed")
	return nil
}
