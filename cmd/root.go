package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"fleetwatch/internal/config"
	"fleetwatch/internal/logger"
	"fleetwatch/internal/store"
)

const defaultConfigPath = "fleetwatch.yml"

var (
	configPath string
	verbose    bool
	log        = logger.New()
)

var rootCmd = &cobra.Command{
	Use:   "fleetwatch",
	Short: "Fleetwatch - live factory telemetry",
	Long: `Fleetwatch ingests sensor readings from an MQTT broker, stores them and
streams each reading to the dashboard sessions allowed to see it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetLevel("debug")
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (default "+defaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(deviceCmd)
}

// loadConfiguration reads the config file when one exists and falls back to
// defaults otherwise. Environment overrides apply either way.
func loadConfiguration() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = defaultConfigPath
	}

	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	} else if configPath != "" {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	return config.LoadDefault()
}

// setupLogging configures the logger based on configuration
func setupLogging(cfg *config.Config) {
	logger.SetSilentMode(false)
	logger.SetFormat(cfg.Logging.Format)
	logger.SetLevel(cfg.Logging.Level)
	if verbose {
		logger.SetLevel("debug")
	}
	log = logger.New()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	dsn := cfg.Database.Path
	if cfg.Database.Driver == store.DriverPostgres {
		dsn = cfg.Database.URL
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.DatabaseTimeout())
	defer cancel()

	return store.Open(ctx, cfg.Database.Driver, dsn)
}
