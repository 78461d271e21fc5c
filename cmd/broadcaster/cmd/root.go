package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/config"
	"github.com/tsarna/broadcaster/pkg/broadcaster/logging"
)

// version is set at build time with -ldflags "-X ...cmd.version=..."
var version = "dev"

var (
	verbose    bool
	debug      bool
	configFile string
	logLevel   string
	logFile    string
	logFormat  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "broadcaster",
	Short: "Broadcaster channel hub and client",
	Long: `Broadcaster serves channels over WebSocket and follows them from the
command line.

A subscriber keeps its channels alive across network problems, recovers
channels it was denied by asking for grants, and replays the messages it
missed while it was away from channel history.

Configuration is read from an optional HCL file given with --config.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug output")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "HCL configuration file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to a rotating file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, console)")
}

// setup loads the configuration file and builds the logger. Command line
// flags take precedence over the logging block.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.New().WithFile(configFile).Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	opts := cfg.Logging.Options()
	opts.Verbose = verbose
	opts.Debug = debug
	opts.Format = logFormat
	if logLevel != "" {
		opts.Level = logLevel
	}
	if logFile != "" {
		opts.File = logFile
	}

	logger, err := logging.New(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	return cfg, logger, nil
}
