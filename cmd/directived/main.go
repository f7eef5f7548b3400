// Package main is the entry point for the directived binary.
// It serves compiled directive tables over HTTP and offers offline compile
// and run commands for authoring sources.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/polisai/directived/pkg/config"
	"github.com/polisai/directived/pkg/logging"
)

const defaultConfigPath = ""

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	Config   string
	LogLevel string
	Source   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for directived
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "directived",
		Short: "Directive resolution runtime",
		Long: `directived compiles directive sources into tables and runs requests,
scheduled jobs and custom units through their pipelines.

Example:
  directived serve --config directived.yaml
  directived compile ./directives
  directived run ./directives --route route.item --input '{"request": {"id": "7"}}'`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&opts.LogLevel, "log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newCompileCmd(opts))
	rootCmd.AddCommand(newRunCmd(opts))
	return rootCmd
}

// loadConfig loads the configuration file and applies flag overrides.
func loadConfig(opts *rootOptions) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, nil, err
		}
	}
	if opts.Source != "" {
		cfg.Source.Path = opts.Source
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}
