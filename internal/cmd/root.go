// Package cmd provides the CLI commands for locum.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/locum-sh/locum/internal/config"
	"github.com/locum-sh/locum/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// cfgPath is the path the configuration was loaded from.
	cfgPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "locum",
	Short: "Locum - an assistant stand-in for single-viewport chat apps",
	Long: `Locum pairs with an instrumented chat application and replies on
your behalf: it paces responses like a human reader, remembers each
conversation, and services background sessions when you are away.

The host-side instrumentation connects to locum over a local WebSocket
bridge; locum itself never touches the chat app directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		cfgPath = configPath
		if cfgPath == "" {
			cfgPath = config.DefaultConfigPath()
		}
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", cfgPath, err)
		}

		// Priority: --log-level flag > --debug flag > config file > info
		effectiveLevel := cfg.Logging.Level
		if logLevel != "" {
			effectiveLevel = logLevel
		} else if debug {
			effectiveLevel = "debug"
		}
		effectiveFile := cfg.Logging.File
		if logFile != "" {
			effectiveFile = logFile
		}
		var components []string
		if logComponents != "" {
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}

		logCfg := logging.Config{
			Level:      effectiveLevel,
			FileLevel:  cfg.Logging.FileLevel,
			JSON:       cfg.Logging.JSON,
			Components: components,
		}
		if effectiveFile != "" {
			logCfg.FileLog = &logging.FileLogConfig{
				Path:       effectiveFile,
				MaxSizeMB:  cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
			}
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $LOCUMRC or the user config dir)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'engine,scheduler,queue'). Empty means all components.")
}
