package cmd

import (
	"context"
	"fmt"

	"github.com/akshad-exe/AirSense/internal/core"
	"github.com/akshad-exe/AirSense/internal/infrastructure"
	"github.com/spf13/cobra"
)

var registerLocation string

var registerCmd = &cobra.Command{
	Use:   "register <device-id>",
	Short: "Register a device and print its API key",
	Long: `Registers a new device directly in the database. The generated API key
is printed once and cannot be retrieved later.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRegister(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.Flags().StringVarP(&registerLocation, "location", "l", "", "Human readable device location")
}

func runRegister(ctx context.Context, deviceID string) error {
	db, err := infrastructure.NewDatabase(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	devices := core.NewDeviceRegistry(core.NewRepository(db.DB), nil, 0, logger)

	var location *string
	if registerLocation != "" {
		location = &registerLocation
	}

	device, err := devices.Register(ctx, deviceID, location)
	if err != nil {
		return err
	}

	fmt.Printf("device_id: %s\napi_key:   %s\n", device.DeviceID, device.APIKey)
	return nil
}
