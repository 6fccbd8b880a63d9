package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "afterglow",
	Short: "Afterglow light controller BLE peripheral",
	Long: `Runs the Afterglow light controller as a Bluetooth Low Energy peripheral.

The controller is taken over through a raw HCI user channel, so the device
must be down (hciconfig hci0 down) and the process needs CAP_NET_ADMIN.
The peripheral advertises its name and serves the Device Information service
to one central at a time.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runPeripheral,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// Ctrl+C is a normal exit, not an error
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	// main() prints errors itself
	rootCmd.SilenceErrors = true

	rootCmd.Flags().StringP("config", "c", "", "Path to a YAML configuration file")
	rootCmd.Flags().Int("hci", 0, "HCI device index (hciN)")
	rootCmd.Flags().String("mac", "", "Override the controller address (11:22:33:AA:BB:CC)")
	rootCmd.Flags().String("name", "", "Advertised device name")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
}
