package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markconroy/markie-sub000/internal/config"
)

var (
	cfg *config.Config

	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	flagStore     string
)

var rootCmd = &cobra.Command{
	Use:   "automator",
	Short: "AI field automation for structured records",
	Long: `Populates record fields from other fields with model calls: builds prompts
from tokens, decodes and verifies the answers and commits the accepted values.

Configuration comes from ./config.yaml (or --config), AUTOMATOR_* environment
variables and the flags below, in increasing order of precedence.`,
	Example: `  automator run --record records/42.json --rules rules.yaml
  automator batch --dir records --limit 50 --log-level debug
  automator index --index articles --dir records
  automator rules --config /etc/automator.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.Name()),
			zap.String("store", cfg.Store.Driver),
			zap.String("search", cfg.Search.Driver),
		)

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// loadConfig loads the configuration with the persistent flags on top.
func loadConfig() (*config.Config, error) {
	c, err := config.LoadWith(config.Overrides{
		File:      flagConfig,
		LogLevel:  flagLogLevel,
		LogFormat: flagLogFormat,
		Store:     flagStore,
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return c, nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default ./config.yaml)")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&flagLogFormat, "log-format", "", "log format: json or console")
	pf.StringVar(&flagStore, "store", "", "record store driver: sqlite or postgres")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
