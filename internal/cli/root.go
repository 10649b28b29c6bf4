// Package cli wires the ashep commands: the long-running worker and monitor
// loops, one-shot issue processing, setup helpers, and policy inspection.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/engine"
	"github.com/ashep-ai/ashep/internal/logging"
	"github.com/ashep-ai/ashep/internal/version"
)

var (
	homeDir string
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "ashep",
	Short: "Ashep - autonomous orchestrator for AI coding agents",
	Long: `Ashep drives AI coding agents through issue-tracker work: it polls for
ready issues, walks each one through the phases its policy defines, and
records every run and decision in a durable log.

Example:
  ashep init
  ashep worker`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "ashep home directory (default $ASHEP_HOME or ~/.ashep)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default <home>/config.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if paths, err := resolvePaths(); err == nil {
		viper.AddConfigPath(paths.ConfigDir)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("ASHEP")
	viper.AutomaticEnv()

	// A missing config file is fine: defaults plus ASHEP_* env cover it.
	_ = viper.ReadInConfig()
}

// resolvePaths lays out the home directory from the --home flag, ASHEP_HOME,
// or ~/.ashep.
func resolvePaths() (config.Paths, error) {
	return config.ResolvePaths(homeDir)
}

// loadConfig reads and validates the configuration. Validation failures are
// fatal here; commands that tolerate findings load in their own way.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, component string) logging.Logger {
	return logging.New(component,
		logging.WithFormat(cfg.Logging.Format),
		logging.WithLevel(logging.Severity(strings.ToUpper(cfg.Logging.Level))),
	)
}

// buildEngine assembles the full engine for commands that need it.
func buildEngine(cmd *cobra.Command, component string) (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	paths, err := resolvePaths()
	if err != nil {
		return nil, err
	}
	return engine.New(cmd.Context(), cfg, paths, newLogger(cfg, component))
}
