package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"model_optimizer/internal/config"
	"model_optimizer/internal/utils"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "optimizer",
	Short: "Routes AI tasks to the best model and learns from every call",
	Long: `optimizer serves model selection, execution telemetry and A/B testing
over HTTP, and provides maintenance commands for its database, catalog and
operator tokens.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $OPTIMIZER_CONFIG or ./optimizer.yaml)")
}

// loadConfig reads and validates the configuration, then applies the
// logging settings so every logger created afterwards inherits them.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := utils.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	utils.ConfigureLogging(level, cfg.Log.Format, os.Stdout)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
