package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/wafguard/internal/config"
)

var (
	cfgFile string
	verbose bool
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "wafguard",
	Short: "wafguard: a ModSecurity-style filtering reverse proxy",
	Long: `wafguard sits in front of an HTTP service and inspects every exchange
against a rule set, phase by phase. Matching rules can block the request
or replace the response with a local reply, and every relevant exchange
is written to an audit log.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = newLogger(slog.LevelInfo)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger(level slog.Level) *slog.Logger {
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// loadConfig reads --config, or the defaults when it is unset, and applies
// the file's log level to the package logger.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger = newLogger(cfg.LogLevel)
	return cfg, nil
}
