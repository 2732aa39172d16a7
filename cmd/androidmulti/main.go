// Command androidmulti manages a fleet of Android emulator instances cloned
// from AVD templates.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bionicdonkey/AndroidMulti/fleet/config"
	"github.com/bionicdonkey/AndroidMulti/fleet/manager"
)

var (
	configPath string
	logLevel   string
	jsonOutput bool

	settings config.Config
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "androidmulti",
	Short:         "Run several Android emulators side by side",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			if _, err := config.ParseLevel(logLevel); err != nil {
				return err
			}
			cfg.Log.Level = logLevel
		}
		settings = cfg
		logger = cfg.Log.NewLogger(os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "configuration file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON even on a terminal")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openFleet opens the fleet for a single command. Emulators started by the
// command keep running after it returns. It fails while another process
// holds the fleet state.
func openFleet(ctx context.Context) (*manager.Fleet, error) {
	return manager.Open(ctx, manager.Options{Settings: settings, Logger: logger})
}
